package domain

import (
	"context"
	"time"
)

// BitsMessage is a cheer delivered on the notification channel.
type BitsMessage struct {
	BroadcasterLogin string
	UserID           string
	UserLogin        string
	UserName         string
	Bits             int
	TotalBits        *int
	Message          string
	IsAnonymous      bool
}

// RedemptionMessage is a channel points redemption delivered on the notification channel.
type RedemptionMessage struct {
	BroadcasterLogin string
	UserID           string
	UserLogin        string
	UserName         string
	RewardTitle      string
	RewardCost       int
	Input            string
	RedeemedAt       time.Time
	Status           string
}

// Redemption statuses. Unfulfilled redemptions wait in the reward queue.
const (
	RedemptionUnfulfilled = "unfulfilled"
	RedemptionFulfilled   = "fulfilled"
	RedemptionCanceled    = "canceled"
)

// NotificationClient is a push-subscription connection for one broadcaster.
type NotificationClient interface {
	OnBits(broadcasterID string, handler func(BitsMessage))
	OnRedemption(broadcasterID string, handler func(RedemptionMessage))
	Connect(ctx context.Context) error
	Close() error
}

// NotificationClientFactory builds a notification client authenticated as the broadcaster.
type NotificationClientFactory interface {
	NewNotificationClient(tokens TokenSource) NotificationClient
}

// FollowNotification is a new follower delivered by webhook.
type FollowNotification struct {
	BroadcasterLogin string
	UserID           string
	UserLogin        string
	UserName         string
	FollowedAt       time.Time
}

// StreamInfo describes a live stream.
type StreamInfo struct {
	ID               string
	BroadcasterLogin string
	Title            string
	GameID           string
	StartedAt        time.Time
	ThumbnailURL     string
}

// StreamChange is a stream state change delivered by webhook. A nil Stream
// means the stream went offline.
type StreamChange struct {
	BroadcasterLogin string
	Stream           *StreamInfo
}

// Subscription is a live webhook topic subscription.
type Subscription interface {
	Topic() string
	Stop(ctx context.Context) error
}

// WebhookListener creates webhook topic subscriptions.
type WebhookListener interface {
	SubscribeToFollows(ctx context.Context, broadcasterID string, handler func(FollowNotification)) (Subscription, error)
	SubscribeToStreamChanges(ctx context.Context, broadcasterID string, handler func(StreamChange)) (Subscription, error)
}

// WebhookListenerFactory creates a fresh webhook listener.
type WebhookListenerFactory interface {
	NewWebhookListener(ctx context.Context) (WebhookListener, error)
}

// UserLookup resolves identifiers through secondary platform API calls.
// Every failure is a *LookupError.
type UserLookup interface {
	DisplayName(ctx context.Context, userID string) (string, error)
	Login(ctx context.Context, userID string) (string, error)
	LoginByDisplayName(ctx context.Context, displayName string) (string, error)
	GameName(ctx context.Context, gameID string) (string, error)
}

// ChannelEditor updates the broadcaster's stream information.
type ChannelEditor interface {
	UpdateStreamInfo(ctx context.Context, broadcasterID, title, game string) error
}
