package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Its-donkey/kappopher/helix"
	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/pscheid92/streamrelay/internal/platform/retry"
)

const (
	defaultShardID        = "0"
	appTokenTimeout       = 15 * time.Second
	retryInitialBackoff   = 1 * time.Second
	retryRateLimitBackoff = 30 * time.Second
)

// Webhook topics.
const (
	TypeChannelFollow = "channel.follow"
	TypeStreamOnline  = "stream.online"
	TypeStreamOffline = "stream.offline"
	TypeChannelUpdate = "channel.update"
)

// conduitAPI is the subset of the app-scoped helix client the conduit manager uses.
type conduitAPI interface {
	GetConduits(ctx context.Context) ([]helix.Conduit, error)
	CreateConduit(ctx context.Context, shardCount int) (*helix.Conduit, error)
	UpdateConduitShards(ctx context.Context, params *helix.UpdateConduitShardsParams) (*helix.UpdateConduitShardsResponse, error)
	DeleteConduit(ctx context.Context, conduitID string) error
	CreateEventSubSubscription(ctx context.Context, params *helix.CreateEventSubSubscriptionParams) (*helix.EventSubSubscription, error)
	DeleteEventSubSubscription(ctx context.Context, subscriptionID string) error
	FindEventSubSubscription(ctx context.Context, subType string, condition map[string]string) (*helix.EventSubSubscription, error)
}

// StreamFetcher resolves the live stream of a broadcaster.
type StreamFetcher interface {
	Stream(ctx context.Context, broadcasterID string) (*domain.StreamInfo, error)
}

type appClient struct {
	*helix.Client
}

func (c appClient) GetConduits(ctx context.Context) ([]helix.Conduit, error) {
	resp, err := c.Client.GetConduits(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c appClient) FindEventSubSubscription(ctx context.Context, subType string, condition map[string]string) (*helix.EventSubSubscription, error) {
	params := helix.GetEventSubSubscriptionsParams{Type: subType}

	for {
		resp, err := c.Client.GetEventSubSubscriptions(ctx, &params)
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}

		for _, sub := range resp.Data {
			if conditionMatches(sub.Condition, condition) {
				return &sub, nil
			}
		}

		if resp.Pagination == nil || resp.Pagination.Cursor == "" {
			break
		}
		params.PaginationParams = &helix.PaginationParams{After: resp.Pagination.Cursor}
	}

	return nil, fmt.Errorf("no %s subscription matches %v", subType, condition)
}

func conditionMatches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

type ConduitConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Secret       string
}

// ConduitManager owns the EventSub conduit whose webhook shard points at this
// server, and hands out listeners that subscribe topics onto it.
type ConduitManager struct {
	client     conduitAPI
	dispatcher *Dispatcher
	streams    StreamFetcher
	retry      retry.Policy

	callbackURL string
	secret      string

	mu        sync.Mutex
	conduitID string
}

var _ domain.WebhookListenerFactory = (*ConduitManager)(nil)

func NewConduitManager(cfg ConduitConfig, dispatcher *Dispatcher, streams StreamFetcher) (*ConduitManager, error) {
	ctx, cancel := context.WithTimeout(context.Background(), appTokenTimeout)
	defer cancel()

	auth := helix.NewAuthClient(helix.AuthConfig{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret})
	client := helix.NewClient(cfg.ClientID, auth)

	if _, err := auth.GetAppAccessToken(ctx); err != nil {
		return nil, fmt.Errorf("failed to get app access token: %w", err)
	}

	return newConduitManager(appClient{client}, dispatcher, streams, cfg.CallbackURL, cfg.Secret), nil
}

func newConduitManager(client conduitAPI, dispatcher *Dispatcher, streams StreamFetcher, callbackURL, secret string) *ConduitManager {
	return &ConduitManager{
		client:      client,
		dispatcher:  dispatcher,
		streams:     streams,
		retry:       getRetryPolicy(),
		callbackURL: callbackURL,
		secret:      secret,
	}
}

// NewWebhookListener makes sure the conduit exists before handing out a listener.
func (m *ConduitManager) NewWebhookListener(ctx context.Context) (domain.WebhookListener, error) {
	conduitID, err := m.ensureConduit(ctx)
	if err != nil {
		return nil, err
	}
	return &conduitListener{manager: m, conduitID: conduitID}, nil
}

func (m *ConduitManager) ensureConduit(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conduitID != "" {
		return m.conduitID, nil
	}

	conduit, err := m.findOrCreateConduit(ctx)
	if err != nil {
		return "", err
	}

	if err := m.configureShard(ctx, conduit.ID); err != nil {
		conduit, err = m.recreateConduit(ctx, conduit.ID, err)
		if err != nil {
			return "", err
		}
	}

	m.conduitID = conduit.ID
	slog.InfoContext(ctx, "Conduit configured with webhook shard", "conduit_id", conduit.ID, "callback_url", m.callbackURL)
	return conduit.ID, nil
}

func (m *ConduitManager) findOrCreateConduit(ctx context.Context) (*helix.Conduit, error) {
	conduits, err := m.client.GetConduits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conduits: %w", err)
	}

	if len(conduits) > 0 {
		slog.InfoContext(ctx, "Found existing conduit", "conduit_id", conduits[0].ID)
		return &conduits[0], nil
	}

	return m.createConduit(ctx)
}

func (m *ConduitManager) createConduit(ctx context.Context) (*helix.Conduit, error) {
	conduit, err := m.client.CreateConduit(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create conduit: %w", err)
	}
	if conduit == nil {
		return nil, errors.New("no conduit returned from Twitch API")
	}

	slog.InfoContext(ctx, "Created conduit", "conduit_id", conduit.ID)
	return conduit, nil
}

func (m *ConduitManager) configureShard(ctx context.Context, conduitID string) error {
	shard := helix.UpdateConduitShardParams{
		ID: defaultShardID,
		Transport: helix.UpdateConduitShardTransport{
			Method:   "webhook",
			Callback: m.callbackURL,
			Secret:   m.secret,
		},
	}

	params := helix.UpdateConduitShardsParams{ConduitID: conduitID, Shards: []helix.UpdateConduitShardParams{shard}}
	if _, err := m.client.UpdateConduitShards(ctx, &params); err != nil {
		return fmt.Errorf("failed to update conduit shards: %w", err)
	}
	return nil
}

func (m *ConduitManager) recreateConduit(ctx context.Context, staleID string, shardErr error) (*helix.Conduit, error) {
	slog.ErrorContext(ctx, "Shard configuration failed, recreating conduit", "conduit_id", staleID, "error", shardErr)

	if err := m.client.DeleteConduit(ctx, staleID); err != nil {
		return nil, fmt.Errorf("failed to delete stale conduit: %w", err)
	}

	conduit, err := m.createConduit(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.configureShard(ctx, conduit.ID); err != nil {
		return nil, fmt.Errorf("failed to configure shard on new conduit: %w", err)
	}
	return conduit, nil
}

// Cleanup deletes the conduit, which drops every subscription on it.
func (m *ConduitManager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conduitID == "" {
		return nil
	}

	if err := m.client.DeleteConduit(ctx, m.conduitID); err != nil {
		return fmt.Errorf("failed to delete conduit: %w", err)
	}

	slog.InfoContext(ctx, "Deleted conduit", "conduit_id", m.conduitID)
	m.conduitID = ""
	return nil
}

func (m *ConduitManager) subscribe(ctx context.Context, conduitID, subType, version string, condition map[string]string) (*helix.EventSubSubscription, error) {
	p := m.retry
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "EventSub subscribe failed, retrying", "type", subType, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	sub, err := retry.Do(ctx, p, classifyEventSubError, func() (*helix.EventSubSubscription, error) {
		return m.attemptSubscribe(ctx, conduitID, subType, version, condition)
	})
	if err != nil {
		label := "after retries"
		if _, ok := errors.AsType[*retry.PermanentError](err); ok {
			label = "permanent"
		}

		slog.ErrorContext(ctx, "EventSub subscribe failed", "type", subType, "cause", label, "error", err)
		return nil, fmt.Errorf("EventSub subscribe %s failed (%s): %w", subType, label, err)
	}

	slog.InfoContext(ctx, "Subscribed to EventSub topic", "type", subType, "subscription_id", sub.ID)
	return sub, nil
}

func (m *ConduitManager) attemptSubscribe(ctx context.Context, conduitID, subType, version string, condition map[string]string) (*helix.EventSubSubscription, error) {
	params := helix.CreateEventSubSubscriptionParams{
		Type:      subType,
		Version:   version,
		Condition: condition,
		Transport: helix.CreateEventSubTransport{
			Method:    "conduit",
			ConduitID: conduitID,
		},
	}

	sub, err := m.client.CreateEventSubSubscription(ctx, &params)
	if err != nil {
		if apiErr, ok := errors.AsType[*helix.APIError](err); ok && apiErr.StatusCode == http.StatusConflict {
			slog.InfoContext(ctx, "EventSub subscription already exists on Twitch, recovering", "type", subType)
			return m.client.FindEventSubSubscription(ctx, subType, condition)
		}
		return nil, fmt.Errorf("failed to create EventSub subscription: %w", err)
	}
	if sub == nil {
		return nil, errors.New("no subscription returned from Twitch API")
	}
	return sub, nil
}

func (m *ConduitManager) unsubscribe(ctx context.Context, subscriptionID string) error {
	p := m.retry
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "EventSub unsubscribe failed, retrying", "subscription_id", subscriptionID, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	err := retry.DoVoid(ctx, p, classifyEventSubError, func() error {
		return m.client.DeleteEventSubSubscription(ctx, subscriptionID)
	})
	if apiErr, ok := errors.AsType[*helix.APIError](err); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "EventSub unsubscribe failed, subscription may be orphaned", "subscription_id", subscriptionID, "error", err)
		return fmt.Errorf("EventSub unsubscribe %s: %w", subscriptionID, err)
	}
	return nil
}

func classifyEventSubError(err error) retry.Action {
	apiErr, ok := errors.AsType[*helix.APIError](err)
	if !ok {
		return retry.Retry
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case apiErr.StatusCode >= 500:
		return retry.Retry
	default:
		return retry.Stop
	}
}

func getRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:      3,
		InitialBackoff:   retryInitialBackoff,
		RateLimitBackoff: retryRateLimitBackoff,
	}
}
