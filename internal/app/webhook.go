package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamrelay/internal/adapter/metrics"
	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/pscheid92/streamrelay/internal/platform/correlation"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWebhookSettleDelay = time.Second
	webhookLookupTimeout      = 5 * time.Second
)

// WebhookChannel maintains the follow and stream change subscriptions. Each
// setup stops the whole previous set before creating a new one.
type WebhookChannel struct {
	broadcasterID    string
	broadcasterLogin string
	settleDelay      time.Duration
	factory          domain.WebhookListenerFactory
	lookup           domain.UserLookup
	publisher        domain.EventPublisher
	clock            clockwork.Clock
	metrics          *metrics.RelayMetrics

	mu       sync.Mutex
	listener domain.WebhookListener
	subs     []domain.Subscription
}

func NewWebhookChannel(broadcasterID, broadcasterLogin string, settleDelay time.Duration, factory domain.WebhookListenerFactory, lookup domain.UserLookup, publisher domain.EventPublisher, clock clockwork.Clock, relayMetrics *metrics.RelayMetrics) *WebhookChannel {
	if settleDelay < 0 {
		settleDelay = DefaultWebhookSettleDelay
	}
	return &WebhookChannel{
		broadcasterID:    broadcasterID,
		broadcasterLogin: broadcasterLogin,
		settleDelay:      settleDelay,
		factory:          factory,
		lookup:           lookup,
		publisher:        publisher,
		clock:            clock,
		metrics:          relayMetrics,
	}
}

// Subscriptions returns the live subscription set in topic order.
func (w *WebhookChannel) Subscriptions() []domain.Subscription {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Subscription(nil), w.subs...)
}

func (w *WebhookChannel) Setup(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := w.clock.Now()
	err := w.setup(ctx)
	w.metrics.ObserveSetup(domain.ChannelWebhook, err, w.clock.Since(start))
	return err
}

func (w *WebhookChannel) setup(ctx context.Context) error {
	if w.listener != nil {
		w.stopAll(ctx)
		if err := w.settle(ctx); err != nil {
			return &domain.ChannelSetupError{Channel: domain.ChannelWebhook, Err: err}
		}
	}

	listener, err := w.factory.NewWebhookListener(ctx)
	if err != nil {
		return &domain.ChannelSetupError{Channel: domain.ChannelWebhook, Err: fmt.Errorf("create listener: %w", err)}
	}
	w.listener = listener

	subscribe := []func(context.Context) (domain.Subscription, error){
		func(ctx context.Context) (domain.Subscription, error) {
			return listener.SubscribeToFollows(ctx, w.broadcasterID, w.handleFollow)
		},
		func(ctx context.Context) (domain.Subscription, error) {
			return listener.SubscribeToStreamChanges(ctx, w.broadcasterID, w.handleStreamChange)
		},
	}

	subs := make([]domain.Subscription, len(subscribe))
	errs := make([]error, len(subscribe))
	var g errgroup.Group
	for i, fn := range subscribe {
		g.Go(func() error {
			subs[i], errs[i] = fn(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for i, sub := range subs {
		if errs[i] != nil {
			failed = append(failed, &domain.ChannelSetupError{Channel: domain.ChannelWebhook, Err: errs[i]})
			continue
		}
		w.subs = append(w.subs, sub)
	}

	slog.InfoContext(ctx, "Webhook subscriptions created", "count", len(w.subs), "failed", len(failed))
	return errors.Join(failed...)
}

func (w *WebhookChannel) stopAll(ctx context.Context) {
	for _, sub := range w.subs {
		if err := sub.Stop(ctx); err != nil {
			slog.WarnContext(ctx, "Failed to stop webhook subscription", "topic", sub.Topic(), "error", err)
		}
	}
	w.subs = nil
}

// settle waits for the platform to release the stopped subscriptions.
func (w *WebhookChannel) settle(ctx context.Context) error {
	if w.settleDelay == 0 {
		return nil
	}
	select {
	case <-w.clock.After(w.settleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebhookChannel) handleFollow(follow domain.FollowNotification) {
	w.metrics.Received(domain.ChannelWebhook)

	ctx, cancel := context.WithTimeout(correlation.WithID(context.Background(), correlation.NewID()), webhookLookupTimeout)
	defer cancel()

	user := follow.UserLogin
	login, err := w.lookup.Login(ctx, follow.UserID)
	if err != nil || login == "" {
		w.metrics.LookupFailed(domain.LookupUser)
		slog.WarnContext(ctx, "Follower lookup failed, using platform name", "user_id", follow.UserID, "error", err)
		if user == "" {
			user = follow.UserName
		}
	} else {
		user = login
	}

	payload := domain.FollowPayload{
		UserID: follow.UserID,
		User:   user,
		Name:   follow.UserName,
		Date:   follow.FollowedAt,
	}
	w.publisher.Publish(ctx, domain.NewEvent(w.channelFor(follow.BroadcasterLogin), payload, w.clock.Now()))
}

func (w *WebhookChannel) handleStreamChange(change domain.StreamChange) {
	w.metrics.Received(domain.ChannelWebhook)

	ctx, cancel := context.WithTimeout(correlation.WithID(context.Background(), correlation.NewID()), webhookLookupTimeout)
	defer cancel()

	channel := w.channelFor(change.BroadcasterLogin)
	if change.Stream == nil {
		w.publisher.Publish(ctx, domain.NewEvent(channel, domain.OfflinePayload{}, w.clock.Now()))
		return
	}

	stream := change.Stream
	game := ""
	if stream.GameID != "" {
		name, err := w.lookup.GameName(ctx, stream.GameID)
		if err != nil {
			w.metrics.LookupFailed(domain.LookupGame)
			slog.WarnContext(ctx, "Game lookup failed", "game_id", stream.GameID, "error", err)
		} else {
			game = name
		}
	}

	payload := domain.StreamPayload{
		ID:           stream.ID,
		Title:        stream.Title,
		Game:         game,
		StartDate:    stream.StartedAt,
		ThumbnailURL: stream.ThumbnailURL,
	}
	w.publisher.Publish(ctx, domain.NewEvent(channel, payload, w.clock.Now()))
}

func (w *WebhookChannel) channelFor(login string) string {
	if login == "" {
		return w.broadcasterLogin
	}
	return login
}

// Close stops all live subscriptions.
func (w *WebhookChannel) Close(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopAll(ctx)
	w.listener = nil
}
