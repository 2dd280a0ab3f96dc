package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/pscheid92/streamrelay/internal/platform/retry"
	"github.com/pscheid92/streamrelay/internal/platform/version"
)

const (
	DefaultTokenURL     = "https://id.twitch.tv/oauth2/token"
	DefaultChatTokenURL = "https://twitchtokengenerator.com/api/refresh"

	tokenRequestTimeout = 10 * time.Second
	maxErrorBody        = 4 << 10
)

// HTTPError is a non-2xx answer from a token endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

type TokenClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	TokenURL     string
	ChatTokenURL string
	HTTPClient   *http.Client
	Clock        clockwork.Clock
	Retry        retry.Policy
}

// TokenClient talks to the OAuth token endpoint and the chat token generator.
type TokenClient struct {
	cfg TokenClientConfig
}

var (
	_ domain.TokenExchanger  = (*TokenClient)(nil)
	_ domain.ChatTokenSource = (*TokenClient)(nil)
)

func NewTokenClient(cfg TokenClientConfig) *TokenClient {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.ChatTokenURL == "" {
		cfg.ChatTokenURL = DefaultChatTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: tokenRequestTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Policy{
			MaxAttempts:      3,
			InitialBackoff:   retryInitialBackoff,
			RateLimitBackoff: retryRateLimitBackoff,
			Clock:            cfg.Clock,
		}
	}
	return &TokenClient{cfg: cfg}
}

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int64    `json:"expires_in"`
	Scope        []string `json:"scope"`
	TokenType    string   `json:"token_type"`
}

// ExchangeCode trades an authorization code for a user token pair.
func (c *TokenClient) ExchangeCode(ctx context.Context, code string) (domain.TokenPair, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", c.cfg.RedirectURI)

	return c.requestToken(ctx, "exchange", form)
}

// Refresh renews a user token pair.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	return c.requestToken(ctx, "refresh", form)
}

func (c *TokenClient) requestToken(ctx context.Context, op string, form url.Values) (domain.TokenPair, error) {
	p := c.cfg.Retry
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "Token request failed, retrying", "op", op, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	resp, err := retry.Do(ctx, p, classifyHTTPError, func() (tokenResponse, error) {
		var out tokenResponse
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return out, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return out, c.do(req, &out)
	})
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("token %s: %w", op, err)
	}
	if resp.AccessToken == "" {
		return domain.TokenPair{}, fmt.Errorf("token %s: response carried no access token", op)
	}

	tokens := domain.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Scopes:       resp.Scope,
	}
	if resp.ExpiresIn > 0 {
		expiry := c.cfg.Clock.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		tokens.Expiry = &expiry
	}
	return tokens, nil
}

type chatTokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Refresh string `json:"refresh"`
	Message string `json:"message"`
}

// ChatToken mints a chat access token from the bot's long-lived chat refresh token.
func (c *TokenClient) ChatToken(ctx context.Context, refreshToken string) (string, error) {
	endpoint := strings.TrimSuffix(c.cfg.ChatTokenURL, "/") + "/" + url.PathEscape(refreshToken)

	resp, err := retry.Do(ctx, c.cfg.Retry, classifyHTTPError, func() (chatTokenResponse, error) {
		var out chatTokenResponse
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return out, fmt.Errorf("create request: %w", err)
		}
		return out, c.do(req, &out)
	})
	if err != nil {
		return "", fmt.Errorf("chat token: %w", err)
	}
	if resp.Token == "" {
		msg := resp.Message
		if msg == "" {
			msg = "no token returned"
		}
		return "", fmt.Errorf("chat token: %s", msg)
	}
	return resp.Token, nil
}

func (c *TokenClient) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage extracts {"message": ...} from an error body, else returns it trimmed.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}

func classifyHTTPError(err error) retry.Action {
	httpErr, ok := errors.AsType[*HTTPError](err)
	if !ok {
		return retry.Retry
	}

	switch {
	case httpErr.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case httpErr.StatusCode >= 500:
		return retry.Retry
	default:
		return retry.Stop
	}
}
