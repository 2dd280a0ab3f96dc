package twitch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Its-donkey/kappopher/helix"
	"github.com/pscheid92/streamrelay/internal/domain"
)

type followEvent struct {
	UserID               string    `json:"user_id"`
	UserLogin            string    `json:"user_login"`
	UserName             string    `json:"user_name"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	FollowedAt           time.Time `json:"followed_at"`
}

type streamOnlineEvent struct {
	ID                   string    `json:"id"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	Type                 string    `json:"type"`
	StartedAt            time.Time `json:"started_at"`
}

type streamOfflineEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
}

type channelUpdateEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	Title                string `json:"title"`
	CategoryID           string `json:"category_id"`
	CategoryName         string `json:"category_name"`
}

type conduitListener struct {
	manager   *ConduitManager
	conduitID string
}

func (l *conduitListener) SubscribeToFollows(ctx context.Context, broadcasterID string, handler func(domain.FollowNotification)) (domain.Subscription, error) {
	unregister := l.manager.dispatcher.register(TypeChannelFollow, broadcasterID, func(_ context.Context, msg *helix.EventSubWebhookMessage) {
		ev, err := helix.ParseEventSubEvent[followEvent](msg)
		if err != nil {
			slog.Error("Failed to parse follow event", "error", err)
			return
		}
		handler(domain.FollowNotification{
			BroadcasterLogin: ev.BroadcasterUserLogin,
			UserID:           ev.UserID,
			UserLogin:        ev.UserLogin,
			UserName:         ev.UserName,
			FollowedAt:       ev.FollowedAt,
		})
	})

	condition := map[string]string{
		"broadcaster_user_id": broadcasterID,
		"moderator_user_id":   broadcasterID,
	}
	sub, err := l.manager.subscribe(ctx, l.conduitID, TypeChannelFollow, "2", condition)
	if err != nil {
		unregister()
		return nil, err
	}

	return &conduitSubscription{
		topic:      "follows",
		manager:    l.manager,
		ids:        []string{sub.ID},
		unregister: []func(){unregister},
	}, nil
}

// SubscribeToStreamChanges covers stream.online, stream.offline and
// channel.update. Online notifications carry no title or game, so the stream
// is fetched. Channel updates are only reported while the stream is live.
func (l *conduitListener) SubscribeToStreamChanges(ctx context.Context, broadcasterID string, handler func(domain.StreamChange)) (domain.Subscription, error) {
	s := &conduitSubscription{topic: "streams", manager: l.manager}

	s.unregister = append(s.unregister, l.manager.dispatcher.register(TypeStreamOnline, broadcasterID, func(ctx context.Context, msg *helix.EventSubWebhookMessage) {
		ev, err := helix.ParseEventSubEvent[streamOnlineEvent](msg)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to parse stream.online event", "error", err)
			return
		}
		handler(domain.StreamChange{
			BroadcasterLogin: ev.BroadcasterUserLogin,
			Stream:           l.onlineStream(ctx, ev.ID, ev.BroadcasterUserID, ev.BroadcasterUserLogin, ev.StartedAt),
		})
	}))

	s.unregister = append(s.unregister, l.manager.dispatcher.register(TypeStreamOffline, broadcasterID, func(ctx context.Context, msg *helix.EventSubWebhookMessage) {
		ev, err := helix.ParseEventSubEvent[streamOfflineEvent](msg)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to parse stream.offline event", "error", err)
			return
		}
		handler(domain.StreamChange{BroadcasterLogin: ev.BroadcasterUserLogin})
	}))

	s.unregister = append(s.unregister, l.manager.dispatcher.register(TypeChannelUpdate, broadcasterID, func(ctx context.Context, msg *helix.EventSubWebhookMessage) {
		ev, err := helix.ParseEventSubEvent[channelUpdateEvent](msg)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to parse channel.update event", "error", err)
			return
		}
		stream, live := l.updatedStream(ctx, ev)
		if !live {
			slog.DebugContext(ctx, "Ignoring channel update while offline", "broadcaster", ev.BroadcasterUserID)
			return
		}
		handler(domain.StreamChange{BroadcasterLogin: ev.BroadcasterUserLogin, Stream: stream})
	}))

	condition := map[string]string{"broadcaster_user_id": broadcasterID}
	topics := []struct{ subType, version string }{
		{TypeStreamOnline, "1"},
		{TypeStreamOffline, "1"},
		{TypeChannelUpdate, "2"},
	}
	for _, topic := range topics {
		sub, err := l.manager.subscribe(ctx, l.conduitID, topic.subType, topic.version, condition)
		if err != nil {
			return nil, errors.Join(err, s.Stop(ctx))
		}
		s.ids = append(s.ids, sub.ID)
	}

	return s, nil
}

func (l *conduitListener) onlineStream(ctx context.Context, streamID, broadcasterID, login string, startedAt time.Time) *domain.StreamInfo {
	fallback := &domain.StreamInfo{ID: streamID, BroadcasterLogin: login, StartedAt: startedAt}
	if l.manager.streams == nil {
		return fallback
	}

	info, err := l.manager.streams.Stream(ctx, broadcasterID)
	if err != nil || info == nil {
		slog.WarnContext(ctx, "Failed to fetch stream details", "broadcaster", broadcasterID, "error", err)
		return fallback
	}
	if info.BroadcasterLogin == "" {
		info.BroadcasterLogin = login
	}
	return info
}

// updatedStream merges a channel update into the live stream. It reports
// false when the broadcaster is not live. If the stream cannot be fetched the
// update alone is reported.
func (l *conduitListener) updatedStream(ctx context.Context, ev *channelUpdateEvent) (*domain.StreamInfo, bool) {
	fallback := &domain.StreamInfo{BroadcasterLogin: ev.BroadcasterUserLogin, Title: ev.Title, GameID: ev.CategoryID}
	if l.manager.streams == nil {
		return fallback, true
	}

	info, err := l.manager.streams.Stream(ctx, ev.BroadcasterUserID)
	switch {
	case errors.Is(err, errNotFound):
		return nil, false
	case err != nil || info == nil:
		slog.WarnContext(ctx, "Failed to fetch stream details", "broadcaster", ev.BroadcasterUserID, "error", err)
		return fallback, true
	}

	info.Title = ev.Title
	info.GameID = ev.CategoryID
	if info.BroadcasterLogin == "" {
		info.BroadcasterLogin = ev.BroadcasterUserLogin
	}
	return info, true
}

type conduitSubscription struct {
	topic      string
	manager    *ConduitManager
	ids        []string
	unregister []func()
}

func (s *conduitSubscription) Topic() string { return s.topic }

// Stop deletes the topic's subscriptions and drops its handlers. Handlers are
// dropped even when the delete fails.
func (s *conduitSubscription) Stop(ctx context.Context) error {
	for _, fn := range s.unregister {
		fn()
	}

	var errs []error
	for _, id := range s.ids {
		if err := s.manager.unsubscribe(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
