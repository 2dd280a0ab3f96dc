package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamrelay/internal/adapter/metrics"
	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/pscheid92/streamrelay/internal/platform/correlation"
)

const notificationLookupTimeout = 5 * time.Second

// NotificationChannel owns the push-subscription client that delivers bits
// and channel point redemptions for the broadcaster.
type NotificationChannel struct {
	broadcasterID    string
	broadcasterLogin string
	factory          domain.NotificationClientFactory
	lookup           domain.UserLookup
	publisher        domain.EventPublisher
	clock            clockwork.Clock
	metrics          *metrics.RelayMetrics

	mu     sync.Mutex
	client domain.NotificationClient
}

func NewNotificationChannel(broadcasterID, broadcasterLogin string, factory domain.NotificationClientFactory, lookup domain.UserLookup, publisher domain.EventPublisher, clock clockwork.Clock, relayMetrics *metrics.RelayMetrics) *NotificationChannel {
	return &NotificationChannel{
		broadcasterID:    broadcasterID,
		broadcasterLogin: broadcasterLogin,
		factory:          factory,
		lookup:           lookup,
		publisher:        publisher,
		clock:            clock,
		metrics:          relayMetrics,
	}
}

// Setup replaces the current client with a fresh one authenticated as the broadcaster.
func (n *NotificationChannel) Setup(ctx context.Context, broadcaster *AuthSession) error {
	start := n.clock.Now()
	err := n.setup(ctx, broadcaster)
	n.metrics.ObserveSetup(domain.ChannelNotification, err, n.clock.Since(start))
	return err
}

func (n *NotificationChannel) setup(ctx context.Context, broadcaster *AuthSession) error {
	if broadcaster == nil {
		return &domain.ChannelSetupError{Channel: domain.ChannelNotification, Identity: domain.IdentityBroadcaster, Err: ErrNotLoggedIn}
	}

	client := n.factory.NewNotificationClient(broadcaster)
	client.OnBits(n.broadcasterID, n.handleBits)
	client.OnRedemption(n.broadcasterID, n.handleRedemption)

	n.mu.Lock()
	previous := n.client
	n.client = client
	n.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			slog.DebugContext(ctx, "Ignoring notification client close failure", "error", err)
		}
	}

	if err := client.Connect(ctx); err != nil {
		return &domain.ChannelSetupError{Channel: domain.ChannelNotification, Identity: domain.IdentityBroadcaster, Err: err}
	}

	slog.InfoContext(ctx, "Notification channel connected", "broadcaster_id", n.broadcasterID)
	return nil
}

func (n *NotificationChannel) handleBits(msg domain.BitsMessage) {
	n.metrics.Received(domain.ChannelNotification)

	ctx, cancel := context.WithTimeout(correlation.WithID(context.Background(), correlation.NewID()), notificationLookupTimeout)
	defer cancel()

	n.publisher.Publish(ctx, domain.NewEvent(n.channelFor(msg.BroadcasterLogin), n.bitsPayload(ctx, msg), n.clock.Now()))
}

func (n *NotificationChannel) bitsPayload(ctx context.Context, msg domain.BitsMessage) domain.BitsPayload {
	if msg.IsAnonymous {
		return domain.BitsPayload{
			User:        domain.AnonymousUser,
			Name:        domain.AnonymousUser,
			Bits:        msg.Bits,
			Message:     msg.Message,
			IsAnonymous: true,
		}
	}

	name := msg.UserName
	if msg.UserID != "" {
		displayName, err := n.lookup.DisplayName(ctx, msg.UserID)
		if err != nil || displayName == "" {
			n.metrics.LookupFailed(domain.LookupUser)
			slog.WarnContext(ctx, "User lookup failed, using platform name", "user_id", msg.UserID, "error", err)
		} else {
			name = displayName
		}
	}
	if name == "" {
		name = msg.UserLogin
	}

	return domain.BitsPayload{
		UserID:    msg.UserID,
		User:      msg.UserLogin,
		Name:      name,
		Bits:      msg.Bits,
		TotalBits: msg.TotalBits,
		Message:   msg.Message,
	}
}

func (n *NotificationChannel) handleRedemption(msg domain.RedemptionMessage) {
	n.metrics.Received(domain.ChannelNotification)

	ctx := correlation.WithID(context.Background(), correlation.NewID())
	payload := domain.RedemptionPayload{
		UserID:   msg.UserID,
		User:     msg.UserLogin,
		Name:     msg.UserName,
		Message:  msg.Input,
		Date:     msg.RedeemedAt,
		Cost:     msg.RewardCost,
		Reward:   msg.RewardTitle,
		IsQueued: msg.Status == domain.RedemptionUnfulfilled,
	}
	n.publisher.Publish(ctx, domain.NewEvent(n.channelFor(msg.BroadcasterLogin), payload, n.clock.Now()))
}

func (n *NotificationChannel) channelFor(login string) string {
	if login == "" {
		return n.broadcasterLogin
	}
	return login
}

// Close shuts the current client down.
func (n *NotificationChannel) Close() {
	n.mu.Lock()
	client := n.client
	n.client = nil
	n.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
}
