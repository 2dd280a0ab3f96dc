package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamrelay/internal/adapter/metrics"
	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/pscheid92/streamrelay/internal/platform/correlation"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultAuthorizeURL = "https://id.twitch.tv/oauth2/authorize"

	refreshErrorMessage = "Error refreshing twitch client tokens."
)

var ErrNotLoggedIn = errors.New("not logged in")

type SessionConfig struct {
	ClientID            string
	RedirectURI         string
	AuthorizeURL        string
	BroadcasterID       string
	BroadcasterScopes   []string
	BotScopes           []string
	BotChatRefreshToken string
	RefreshInterval     time.Duration
}

// Channels are the three real-time channels a login cascades into.
type Channels struct {
	Chat          *ChatChannel
	Notifications *NotificationChannel
	Webhooks      *WebhookChannel
}

// SessionDeps are the collaborators of a SessionManager. Metrics may be nil.
type SessionDeps struct {
	Exchanger  domain.TokenExchanger
	ChatTokens domain.ChatTokenSource
	Store      domain.CredentialStore
	Editor     domain.ChannelEditor
	Publisher  domain.EventPublisher
	Current    *CurrentSession
	Clock      clockwork.Clock
	Metrics    *metrics.RelayMetrics
}

// SessionManager owns both auth sessions and runs the setup cascade
// (chat, then notifications, then webhooks) after login and token refresh.
type SessionManager struct {
	cfg      SessionConfig
	deps     SessionDeps
	channels Channels

	// setupMu serializes cascades so two setups never replace the same handles at once.
	setupMu sync.Mutex

	mu          sync.RWMutex
	broadcaster *AuthSession
	bot         *AuthSession
	chatToken   string
	stopRefresh context.CancelFunc
}

func NewSessionManager(cfg SessionConfig, deps SessionDeps, channels Channels) *SessionManager {
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = DefaultAuthorizeURL
	}
	if deps.Current == nil {
		deps.Current = &CurrentSession{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &SessionManager{cfg: cfg, deps: deps, channels: channels}
}

// GetAccessToken exchanges an authorization code for the broadcaster's
// tokens, mints the bot's chat token and logs in.
func (m *SessionManager) GetAccessToken(ctx context.Context, code string) error {
	tokens, err := m.deps.Exchanger.ExchangeCode(ctx, code)
	if err != nil {
		return &domain.AuthError{Identity: domain.IdentityBroadcaster, Op: "exchange", Err: err}
	}

	if err := m.fetchChatToken(ctx); err != nil {
		return err
	}

	return m.Login(ctx, tokens)
}

func (m *SessionManager) fetchChatToken(ctx context.Context) error {
	token, err := m.deps.ChatTokens.ChatToken(ctx, m.cfg.BotChatRefreshToken)
	if err != nil {
		return &domain.AuthError{Identity: domain.IdentityBot, Op: "chat token", Err: err}
	}

	m.mu.Lock()
	m.chatToken = token
	m.mu.Unlock()
	return nil
}

// chatTokenRenewer renews the bot session through the chat-token endpoint
// that issued its refresh token.
type chatTokenRenewer struct {
	source domain.ChatTokenSource
}

var errBotCodeExchange = errors.New("bot sessions are not authorized by code")

func (r chatTokenRenewer) ExchangeCode(context.Context, string) (domain.TokenPair, error) {
	return domain.TokenPair{}, errBotCodeExchange
}

func (r chatTokenRenewer) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	token, err := r.source.ChatToken(ctx, refreshToken)
	if err != nil {
		return domain.TokenPair{}, err
	}
	return domain.TokenPair{AccessToken: token, RefreshToken: refreshToken}, nil
}

// Login replaces both sessions, persists the broadcaster's tokens and runs
// the setup cascade. A failing channel does not stop the cascade; all
// failures are returned joined.
func (m *SessionManager) Login(ctx context.Context, tokens domain.TokenPair) error {
	ctx = correlation.Ensure(ctx)

	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	m.stopRefreshLoop()

	if len(tokens.Scopes) == 0 {
		tokens.Scopes = m.cfg.BroadcasterScopes
	}

	m.mu.Lock()
	botTokens := domain.TokenPair{
		AccessToken:  m.chatToken,
		RefreshToken: m.cfg.BotChatRefreshToken,
		Scopes:       m.cfg.BotScopes,
	}
	m.broadcaster = NewAuthSession(domain.IdentityBroadcaster, tokens, m.deps.Exchanger, m.persist, m.deps.Metrics)
	m.bot = NewAuthSession(domain.IdentityBot, botTokens, chatTokenRenewer{source: m.deps.ChatTokens}, nil, m.deps.Metrics)
	broadcaster, bot := m.broadcaster, m.bot
	m.mu.Unlock()

	m.deps.Current.Set(broadcaster)
	m.channels.Chat.Bind(broadcaster, bot)

	if err := m.persist(ctx, tokens); err != nil {
		slog.WarnContext(ctx, "Failed to store credentials", "error", err)
	}

	slog.InfoContext(ctx, "Logged in, setting up channels")
	err := m.cascade(ctx, broadcaster)

	m.startRefreshLoop()
	return err
}

// PartialLogin reports whether err, as returned by GetAccessToken, Login or
// Restore, holds only channel setup failures. The sessions are live then and
// the failed channels are retried by the next refresh or reconnect.
func PartialLogin(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*domain.ChannelSetupError); ok {
		return true
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		for _, e := range errs {
			if !PartialLogin(e) {
				return false
			}
		}
		return len(errs) > 0
	}
	if inner := errors.Unwrap(err); inner != nil {
		return PartialLogin(inner)
	}
	return false
}

// RefreshTokens refreshes both sessions and re-runs the setup cascade, even
// when a refresh failed. Refresh failures are published as an error event.
func (m *SessionManager) RefreshTokens(ctx context.Context) error {
	ctx = correlation.Ensure(ctx)

	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	broadcaster, bot := m.sessions()
	if broadcaster == nil || bot == nil {
		return ErrNotLoggedIn
	}

	errs := make([]error, 2)
	var g errgroup.Group
	for i, s := range []*AuthSession{broadcaster, bot} {
		g.Go(func() error {
			errs[i] = s.Refresh(ctx)
			return nil
		})
	}
	_ = g.Wait()

	refreshErr := errors.Join(errs...)
	if refreshErr != nil {
		slog.ErrorContext(ctx, "Token refresh failed", "error", refreshErr)
		m.deps.Publisher.Publish(ctx, domain.NewEvent("", domain.ErrorPayload{Message: refreshErrorMessage, Err: refreshErr.Error()}, m.deps.Clock.Now()))
	}

	return errors.Join(refreshErr, m.cascade(ctx, broadcaster))
}

func (m *SessionManager) cascade(ctx context.Context, broadcaster *AuthSession) error {
	var errs []error

	if err := m.channels.Chat.Setup(ctx); err != nil {
		slog.ErrorContext(ctx, "Chat setup failed", "error", err)
		errs = append(errs, err)
	}
	if err := m.channels.Notifications.Setup(ctx, broadcaster); err != nil {
		slog.ErrorContext(ctx, "Notification setup failed", "error", err)
		errs = append(errs, err)
	}
	if err := m.channels.Webhooks.Setup(ctx); err != nil {
		slog.ErrorContext(ctx, "Webhook setup failed", "error", err)
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// IsReady reports whether both sessions exist, hold tokens and can be refreshed.
func (m *SessionManager) IsReady(ctx context.Context) bool {
	broadcaster, bot := m.sessions()
	if broadcaster == nil || bot == nil {
		return false
	}

	for _, s := range []*AuthSession{broadcaster, bot} {
		tokens := s.Tokens()
		if tokens.AccessToken == "" || tokens.RefreshToken == "" {
			return false
		}
	}

	for _, s := range []*AuthSession{broadcaster, bot} {
		if err := s.Refresh(ctx); err != nil {
			slog.DebugContext(ctx, "Readiness refresh failed", "identity", s.Identity(), "error", err)
			return false
		}
	}
	return true
}

// RedirectURL builds the authorization URL the broadcaster is sent to.
// state is omitted when empty.
func (m *SessionManager) RedirectURL(state string) string {
	u := fmt.Sprintf("%s?client_id=%s&redirect_uri=%s&response_type=code&scope=%s",
		m.cfg.AuthorizeURL,
		queryEscape(m.cfg.ClientID),
		queryEscape(m.cfg.RedirectURI),
		queryEscape(strings.Join(m.cfg.BroadcasterScopes, " ")),
	)
	if state != "" {
		u += "&state=" + queryEscape(state)
	}
	return u
}

func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Restore logs in with stored credentials, if any. It reports false when
// nothing is stored.
func (m *SessionManager) Restore(ctx context.Context) (bool, error) {
	access, err := m.deps.Store.Get(ctx, domain.CredentialAccessToken)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read stored access token: %w", err)
	}

	refresh, err := m.deps.Store.Get(ctx, domain.CredentialRefreshToken)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read stored refresh token: %w", err)
	}

	tokens, err := m.deps.Exchanger.Refresh(ctx, refresh)
	if err != nil {
		return false, &domain.AuthError{Identity: domain.IdentityBroadcaster, Op: "restore", Err: err}
	}
	if tokens.AccessToken == "" {
		tokens.AccessToken = access
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refresh
	}

	if err := m.fetchChatToken(ctx); err != nil {
		return false, err
	}

	return true, m.Login(ctx, tokens)
}

// SetStreamInfo updates the broadcaster's stream title and category.
func (m *SessionManager) SetStreamInfo(ctx context.Context, title, game string) error {
	if broadcaster, _ := m.sessions(); broadcaster == nil {
		return ErrNotLoggedIn
	}
	return m.deps.Editor.UpdateStreamInfo(ctx, m.cfg.BroadcasterID, title, game)
}

// Say sends a chat message as the bot.
func (m *SessionManager) Say(ctx context.Context, message string) error {
	return m.channels.Chat.Say(ctx, message)
}

func (m *SessionManager) persist(ctx context.Context, tokens domain.TokenPair) error {
	if err := m.deps.Store.Set(ctx, domain.CredentialAccessToken, tokens.AccessToken); err != nil {
		return err
	}
	return m.deps.Store.Set(ctx, domain.CredentialRefreshToken, tokens.RefreshToken)
}

func (m *SessionManager) sessions() (*AuthSession, *AuthSession) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.broadcaster, m.bot
}

func (m *SessionManager) startRefreshLoop() {
	if m.cfg.RefreshInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.stopRefresh = cancel
	m.mu.Unlock()

	ticker := m.deps.Clock.NewTicker(m.cfg.RefreshInterval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				refreshCtx := correlation.WithID(ctx, correlation.NewID())
				if err := m.RefreshTokens(refreshCtx); err != nil && ctx.Err() == nil {
					slog.WarnContext(refreshCtx, "Scheduled token refresh completed with errors", "error", err)
				}
			}
		}
	}()
}

// stopRefreshLoop cancels the periodic refresh without waiting for it; a
// refresh already queued on setupMu sees the cancelled context and returns.
func (m *SessionManager) stopRefreshLoop() {
	m.mu.Lock()
	stop := m.stopRefresh
	m.stopRefresh = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Close stops the refresh loop and shuts all channels down.
func (m *SessionManager) Close(ctx context.Context) {
	m.stopRefreshLoop()
	m.channels.Chat.Close(ctx)
	m.channels.Notifications.Close()
	m.channels.Webhooks.Close(ctx)
}

// CurrentSession exposes the live broadcaster session to API adapters that
// are built before the first login.
type CurrentSession struct {
	mu      sync.RWMutex
	session *AuthSession
}

var _ domain.TokenSource = (*CurrentSession)(nil)

func (c *CurrentSession) Set(s *AuthSession) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *CurrentSession) get() *AuthSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *CurrentSession) AccessToken() string {
	if s := c.get(); s != nil {
		return s.AccessToken()
	}
	return ""
}

func (c *CurrentSession) Refresh(ctx context.Context) error {
	s := c.get()
	if s == nil {
		return ErrNotLoggedIn
	}
	return s.Refresh(ctx)
}
