package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/nicklaw5/helix/v2"
	"github.com/pscheid92/streamrelay/internal/domain"
)

const helixRequestTimeout = 10 * time.Second

var errNotFound = errors.New("not found")

// helixAPI is the subset of the user-token helix client the API adapter uses.
type helixAPI interface {
	SetUserAccessToken(token string)
	GetUsers(params *helix.UsersParams) (*helix.UsersResponse, error)
	GetGames(params *helix.GamesParams) (*helix.GamesResponse, error)
	GetStreams(params *helix.StreamsParams) (*helix.StreamsResponse, error)
	EditChannelInformation(params *helix.EditChannelInformationParams) (*helix.EditChannelInformationResponse, error)
	CreateEventSubSubscription(payload *helix.EventSubSubscription) (*helix.EventSubSubscriptionsResponse, error)
	RemoveEventSubSubscription(id string) (*helix.RemoveEventSubSubscriptionParamsResponse, error)
}

// helixClients builds a helix client bound to the context of one request.
type helixClients func(ctx context.Context) (helixAPI, error)

// APIClient calls the platform API with a user token. A 401 triggers one
// token refresh and one retry. Repeated failures open a circuit breaker.
// Each attempt gets its own helix client, so requests honor their context
// and never wait on each other.
type APIClient struct {
	clients helixClients
	cb      circuitbreaker.CircuitBreaker[any]
	tokens  domain.TokenSource
}

var (
	_ domain.UserLookup    = (*APIClient)(nil)
	_ domain.ChannelEditor = (*APIClient)(nil)
	_ StreamFetcher        = (*APIClient)(nil)
)

func NewAPIClient(clientID, clientSecret string, tokens domain.TokenSource) (*APIClient, error) {
	clients, err := newHelixClients(helix.Options{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient:   &http.Client{Timeout: helixRequestTimeout},
	})
	if err != nil {
		return nil, err
	}
	return newAPIClient(clients, tokens), nil
}

func newHelixClients(opts helix.Options) (helixClients, error) {
	if _, err := helix.NewClient(&opts); err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}
	return func(ctx context.Context) (helixAPI, error) {
		perRequest := opts
		client, err := helix.NewClientWithContext(ctx, &perRequest)
		if err != nil {
			return nil, fmt.Errorf("failed to create helix client: %w", err)
		}
		return client, nil
	}, nil
}

func newAPIClient(clients helixClients, tokens domain.TokenSource) *APIClient {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed", "component", "helix", "from", e.OldState.String(), "to", e.NewState.String())
		}).
		Build()

	return &APIClient{clients: clients, cb: cb, tokens: tokens}
}

// As returns a client that authenticates with tokens but shares the
// HTTP transport and circuit breaker.
func (a *APIClient) As(tokens domain.TokenSource) *APIClient {
	return &APIClient{clients: a.clients, cb: a.cb, tokens: tokens}
}

func (a *APIClient) call(ctx context.Context, fn func(helixAPI) (helix.ResponseCommon, error)) error {
	if !a.cb.TryAcquirePermit() {
		return fmt.Errorf("helix api: %w", circuitbreaker.ErrOpen)
	}

	resp, err := a.attempt(ctx, fn)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		slog.DebugContext(ctx, "Helix call unauthorized, refreshing token")
		if refreshErr := a.tokens.Refresh(ctx); refreshErr != nil {
			a.cb.RecordSuccess()
			return fmt.Errorf("refresh after 401: %w", refreshErr)
		}
		resp, err = a.attempt(ctx, fn)
	}

	if err != nil {
		a.cb.RecordError(err)
		return fmt.Errorf("helix request failed: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &HTTPError{StatusCode: resp.StatusCode, Message: resp.ErrorMessage}
		if resp.StatusCode >= http.StatusInternalServerError {
			a.cb.RecordError(apiErr)
		} else {
			a.cb.RecordSuccess()
		}
		return apiErr
	}

	a.cb.RecordSuccess()
	return nil
}

func (a *APIClient) attempt(ctx context.Context, fn func(helixAPI) (helix.ResponseCommon, error)) (helix.ResponseCommon, error) {
	if err := ctx.Err(); err != nil {
		return helix.ResponseCommon{}, err
	}
	client, err := a.clients(ctx)
	if err != nil {
		return helix.ResponseCommon{}, err
	}

	token := ""
	if a.tokens != nil {
		token = a.tokens.AccessToken()
	}
	client.SetUserAccessToken(token)
	return fn(client)
}

func (a *APIClient) user(ctx context.Context, kind, key string, params *helix.UsersParams) (helix.User, error) {
	var users []helix.User
	err := a.call(ctx, func(c helixAPI) (helix.ResponseCommon, error) {
		resp, err := c.GetUsers(params)
		if err != nil {
			return helix.ResponseCommon{}, err
		}
		users = resp.Data.Users
		return resp.ResponseCommon, nil
	})
	if err == nil && len(users) == 0 {
		err = errNotFound
	}
	if err != nil {
		return helix.User{}, &domain.LookupError{Kind: kind, Key: key, Err: err}
	}
	return users[0], nil
}

func (a *APIClient) DisplayName(ctx context.Context, userID string) (string, error) {
	u, err := a.user(ctx, domain.LookupUser, userID, &helix.UsersParams{IDs: []string{userID}})
	if err != nil {
		return "", err
	}
	return u.DisplayName, nil
}

func (a *APIClient) Login(ctx context.Context, userID string) (string, error) {
	u, err := a.user(ctx, domain.LookupUser, userID, &helix.UsersParams{IDs: []string{userID}})
	if err != nil {
		return "", err
	}
	return u.Login, nil
}

// LoginByDisplayName relies on display names differing from logins only in case.
func (a *APIClient) LoginByDisplayName(ctx context.Context, displayName string) (string, error) {
	login := strings.ToLower(strings.TrimPrefix(displayName, "#"))
	u, err := a.user(ctx, domain.LookupChannel, displayName, &helix.UsersParams{Logins: []string{login}})
	if err != nil {
		return "", err
	}
	return u.Login, nil
}

func (a *APIClient) game(ctx context.Context, key string, params *helix.GamesParams) (helix.Game, error) {
	var games []helix.Game
	err := a.call(ctx, func(c helixAPI) (helix.ResponseCommon, error) {
		resp, err := c.GetGames(params)
		if err != nil {
			return helix.ResponseCommon{}, err
		}
		games = resp.Data.Games
		return resp.ResponseCommon, nil
	})
	if err == nil && len(games) == 0 {
		err = errNotFound
	}
	if err != nil {
		return helix.Game{}, &domain.LookupError{Kind: domain.LookupGame, Key: key, Err: err}
	}
	return games[0], nil
}

func (a *APIClient) GameName(ctx context.Context, gameID string) (string, error) {
	g, err := a.game(ctx, gameID, &helix.GamesParams{IDs: []string{gameID}})
	if err != nil {
		return "", err
	}
	return g.Name, nil
}

// Stream returns the broadcaster's live stream.
func (a *APIClient) Stream(ctx context.Context, broadcasterID string) (*domain.StreamInfo, error) {
	var streams []helix.Stream
	err := a.call(ctx, func(c helixAPI) (helix.ResponseCommon, error) {
		resp, err := c.GetStreams(&helix.StreamsParams{UserIDs: []string{broadcasterID}})
		if err != nil {
			return helix.ResponseCommon{}, err
		}
		streams = resp.Data.Streams
		return resp.ResponseCommon, nil
	})
	if err == nil && len(streams) == 0 {
		err = errNotFound
	}
	if err != nil {
		return nil, &domain.LookupError{Kind: domain.LookupStream, Key: broadcasterID, Err: err}
	}

	s := streams[0]
	return &domain.StreamInfo{
		ID:               s.ID,
		BroadcasterLogin: s.UserLogin,
		Title:            s.Title,
		GameID:           s.GameID,
		StartedAt:        s.StartedAt,
		ThumbnailURL:     s.ThumbnailURL,
	}, nil
}

// UpdateStreamInfo sets the channel title and category. An empty title or
// game leaves that field unchanged.
func (a *APIClient) UpdateStreamInfo(ctx context.Context, broadcasterID, title, game string) error {
	params := helix.EditChannelInformationParams{BroadcasterID: broadcasterID, Title: title}

	if game != "" {
		g, err := a.game(ctx, game, &helix.GamesParams{Names: []string{game}})
		if err != nil {
			return err
		}
		params.GameID = g.ID
	}

	err := a.call(ctx, func(c helixAPI) (helix.ResponseCommon, error) {
		resp, err := c.EditChannelInformation(&params)
		if err != nil {
			return helix.ResponseCommon{}, err
		}
		return resp.ResponseCommon, nil
	})
	if err != nil {
		return fmt.Errorf("edit channel information: %w", err)
	}

	slog.InfoContext(ctx, "Updated stream info", "broadcaster", broadcasterID, "title", title, "game", game)
	return nil
}

// CreateWebSocketSubscription subscribes a topic onto an EventSub websocket session.
func (a *APIClient) CreateWebSocketSubscription(ctx context.Context, subType, version, broadcasterID, sessionID string) (string, error) {
	var id string
	err := a.call(ctx, func(c helixAPI) (helix.ResponseCommon, error) {
		resp, err := c.CreateEventSubSubscription(&helix.EventSubSubscription{
			Type:      subType,
			Version:   version,
			Condition: helix.EventSubCondition{BroadcasterUserID: broadcasterID},
			Transport: helix.EventSubTransport{Method: "websocket", SessionID: sessionID},
		})
		if err != nil {
			return helix.ResponseCommon{}, err
		}
		if len(resp.Data.EventSubSubscriptions) > 0 {
			id = resp.Data.EventSubSubscriptions[0].ID
		}
		return resp.ResponseCommon, nil
	})
	if err != nil {
		return "", fmt.Errorf("create %s subscription: %w", subType, err)
	}
	if id == "" {
		return "", fmt.Errorf("create %s subscription: no subscription returned", subType)
	}
	return id, nil
}

func (a *APIClient) RemoveWebSocketSubscription(ctx context.Context, id string) error {
	err := a.call(ctx, func(c helixAPI) (helix.ResponseCommon, error) {
		resp, err := c.RemoveEventSubSubscription(id)
		if err != nil {
			return helix.ResponseCommon{}, err
		}
		return resp.ResponseCommon, nil
	})
	if httpErr, ok := errors.AsType[*HTTPError](err); ok && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}
