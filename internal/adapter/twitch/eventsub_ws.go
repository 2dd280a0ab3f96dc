package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/pscheid92/streamrelay/internal/platform/retry"
	"github.com/pscheid92/streamrelay/internal/platform/version"
)

const (
	DefaultEventSubWSURL = "wss://eventsub.wss.twitch.tv/ws"

	TypeChannelCheer      = "channel.cheer"
	TypeChannelRedemption = "channel.channel_points_custom_reward_redemption.add"

	wsWelcomeTimeout    = 10 * time.Second
	wsKeepaliveSlack    = 5 * time.Second
	wsDefaultKeepalive  = 10 * time.Second
	wsCloseTimeout      = 5 * time.Second
	wsReconnectInitial  = time.Second
	wsReconnectMax      = time.Minute
	wsRecentMessageSize = 256
)

// wsSubscriber creates and removes EventSub subscriptions bound to a websocket session.
type wsSubscriber interface {
	CreateWebSocketSubscription(ctx context.Context, subType, version, broadcasterID, sessionID string) (string, error)
	RemoveWebSocketSubscription(ctx context.Context, id string) error
}

// EventSubWSFactory builds notification clients on the EventSub websocket transport.
type EventSubWSFactory struct {
	url    string
	api    *APIClient
	dialer *websocket.Dialer
}

var _ domain.NotificationClientFactory = (*EventSubWSFactory)(nil)

func NewEventSubWSFactory(api *APIClient, url string) *EventSubWSFactory {
	if url == "" {
		url = DefaultEventSubWSURL
	}
	return &EventSubWSFactory{url: url, api: api, dialer: websocket.DefaultDialer}
}

func (f *EventSubWSFactory) NewNotificationClient(tokens domain.TokenSource) domain.NotificationClient {
	return newEventSubWSClient(f.url, f.api.As(tokens), f.dialer)
}

type wsTopic struct {
	subType       string
	version       string
	broadcasterID string
	handle        func(event json.RawMessage) error
}

type wsSession struct {
	ID                      string `json:"id"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            string `json:"reconnect_url"`
}

type wsMessage struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload struct {
		Session      *wsSession `json:"session"`
		Subscription *struct {
			ID        string            `json:"id"`
			Type      string            `json:"type"`
			Status    string            `json:"status"`
			Condition map[string]string `json:"condition"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

type cheerEvent struct {
	IsAnonymous          bool   `json:"is_anonymous"`
	UserID               string `json:"user_id"`
	UserLogin            string `json:"user_login"`
	UserName             string `json:"user_name"`
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	Message              string `json:"message"`
	Bits                 int    `json:"bits"`
}

type redemptionEvent struct {
	ID                   string `json:"id"`
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	UserID               string `json:"user_id"`
	UserLogin            string `json:"user_login"`
	UserName             string `json:"user_name"`
	UserInput            string `json:"user_input"`
	Status               string `json:"status"`
	Reward               struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Cost  int    `json:"cost"`
	} `json:"reward"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

type eventSubWSClient struct {
	url    string
	subs   wsSubscriber
	dialer *websocket.Dialer

	mu            sync.Mutex
	topics        []wsTopic
	conn          *websocket.Conn
	subscriptions []string
	cancel        context.CancelFunc
	closed        bool
	seen          *recentIDs
	done          chan struct{}
}

func newEventSubWSClient(url string, subs wsSubscriber, dialer *websocket.Dialer) *eventSubWSClient {
	return &eventSubWSClient{url: url, subs: subs, dialer: dialer, seen: newRecentIDs(wsRecentMessageSize)}
}

func (c *eventSubWSClient) OnBits(broadcasterID string, handler func(domain.BitsMessage)) {
	c.addTopic(wsTopic{subType: TypeChannelCheer, version: "1", broadcasterID: broadcasterID, handle: func(raw json.RawMessage) error {
		var ev cheerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		handler(domain.BitsMessage{
			BroadcasterLogin: ev.BroadcasterUserLogin,
			UserID:           ev.UserID,
			UserLogin:        ev.UserLogin,
			UserName:         ev.UserName,
			Bits:             ev.Bits,
			Message:          ev.Message,
			IsAnonymous:      ev.IsAnonymous,
		})
		return nil
	}})
}

func (c *eventSubWSClient) OnRedemption(broadcasterID string, handler func(domain.RedemptionMessage)) {
	c.addTopic(wsTopic{subType: TypeChannelRedemption, version: "1", broadcasterID: broadcasterID, handle: func(raw json.RawMessage) error {
		var ev redemptionEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		handler(domain.RedemptionMessage{
			BroadcasterLogin: ev.BroadcasterUserLogin,
			UserID:           ev.UserID,
			UserLogin:        ev.UserLogin,
			UserName:         ev.UserName,
			RewardTitle:      ev.Reward.Title,
			RewardCost:       ev.Reward.Cost,
			Input:            ev.UserInput,
			RedeemedAt:       ev.RedeemedAt,
			Status:           ev.Status,
		})
		return nil
	}})
}

func (c *eventSubWSClient) addTopic(t wsTopic) {
	c.mu.Lock()
	c.topics = append(c.topics, t)
	c.mu.Unlock()
}

// Connect opens the session and subscribes every registered topic on it.
func (c *eventSubWSClient) Connect(ctx context.Context) error {
	conn, session, err := c.dial(ctx, c.url)
	if err != nil {
		return err
	}

	ids, err := c.subscribeAll(ctx, session.ID)
	if err != nil {
		_ = conn.Close()
		return err
	}

	life, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return errors.New("eventsub websocket: client closed")
	}
	c.conn = conn
	c.subscriptions = ids
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(life, conn, keepaliveOf(session))
	}()
	return nil
}

func (c *eventSubWSClient) dial(ctx context.Context, url string) (*websocket.Conn, *wsSession, error) {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	conn, _, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, nil, fmt.Errorf("eventsub websocket dial: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsWelcomeTimeout))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("eventsub websocket welcome: %w", err)
	}
	if msg.Metadata.MessageType != "session_welcome" || msg.Payload.Session == nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("eventsub websocket: expected session_welcome, got %q", msg.Metadata.MessageType)
	}

	return conn, msg.Payload.Session, nil
}

func (c *eventSubWSClient) subscribeAll(ctx context.Context, sessionID string) ([]string, error) {
	c.mu.Lock()
	topics := append([]wsTopic(nil), c.topics...)
	c.mu.Unlock()

	ids := make([]string, 0, len(topics))
	for _, t := range topics {
		id, err := c.subs.CreateWebSocketSubscription(ctx, t.subType, t.version, t.broadcasterID, sessionID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	slog.InfoContext(ctx, "EventSub websocket subscribed", "session_id", sessionID, "topics", len(ids))
	return ids, nil
}

// run reads until the client is closed. Server-requested reconnects keep the
// subscriptions. Any other drop opens a fresh session and subscribes again.
func (c *eventSubWSClient) run(ctx context.Context, conn *websocket.Conn, keepalive time.Duration) {
	backoff := &retry.Backoff{Initial: wsReconnectInitial, Max: wsReconnectMax}

	for {
		next, nextKeepalive, err := c.read(ctx, conn, keepalive)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			conn, keepalive = next, nextKeepalive
			continue
		}

		slog.WarnContext(ctx, "EventSub websocket dropped, reconnecting", "error", err)
		conn, keepalive = c.reconnect(ctx, backoff)
		if conn == nil {
			return
		}
	}
}

// read consumes messages from conn. It returns the replacement connection
// after a session_reconnect, or the error that ended the connection.
func (c *eventSubWSClient) read(ctx context.Context, conn *websocket.Conn, keepalive time.Duration) (*websocket.Conn, time.Duration, error) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(keepalive + wsKeepaliveSlack))

		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			_ = conn.Close()
			return nil, 0, err
		}

		switch msg.Metadata.MessageType {
		case "session_keepalive":
		case "notification":
			c.dispatch(ctx, &msg)
		case "session_reconnect":
			if msg.Payload.Session == nil || msg.Payload.Session.ReconnectURL == "" {
				continue
			}
			next, session, err := c.dial(ctx, msg.Payload.Session.ReconnectURL)
			if err != nil {
				_ = conn.Close()
				return nil, 0, err
			}
			if !c.swap(next) {
				_ = next.Close()
				return nil, 0, context.Canceled
			}
			_ = conn.Close()
			slog.InfoContext(ctx, "EventSub websocket migrated", "session_id", session.ID)
			return next, keepaliveOf(session), nil
		case "revocation":
			if sub := msg.Payload.Subscription; sub != nil {
				slog.WarnContext(ctx, "EventSub subscription revoked", "type", sub.Type, "status", sub.Status)
			}
		default:
			slog.DebugContext(ctx, "Ignoring EventSub websocket message", "type", msg.Metadata.MessageType)
		}
	}
}

func (c *eventSubWSClient) reconnect(ctx context.Context, backoff *retry.Backoff) (*websocket.Conn, time.Duration) {
	for {
		if wait := backoff.Next(); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, 0
			}
		}

		conn, session, err := c.dial(ctx, c.url)
		if err != nil {
			slog.WarnContext(ctx, "EventSub websocket reconnect failed", "error", err)
			continue
		}

		ids, err := c.subscribeAll(ctx, session.ID)
		if err != nil {
			_ = conn.Close()
			slog.WarnContext(ctx, "EventSub websocket resubscribe failed", "error", err)
			continue
		}

		if !c.swap(conn) {
			_ = conn.Close()
			return nil, 0
		}
		c.mu.Lock()
		c.subscriptions = ids
		c.mu.Unlock()
		return conn, keepaliveOf(session)
	}
}

func (c *eventSubWSClient) swap(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *eventSubWSClient) dispatch(ctx context.Context, msg *wsMessage) {
	if !c.seen.add(msg.Metadata.MessageID) {
		slog.DebugContext(ctx, "Dropping duplicate EventSub message", "message_id", msg.Metadata.MessageID)
		return
	}

	sub := msg.Payload.Subscription
	if sub == nil {
		return
	}

	c.mu.Lock()
	topics := append([]wsTopic(nil), c.topics...)
	c.mu.Unlock()

	for _, t := range topics {
		if t.subType != sub.Type || sub.Condition["broadcaster_user_id"] != t.broadcasterID {
			continue
		}
		if err := t.handle(msg.Payload.Event); err != nil {
			slog.ErrorContext(ctx, "Failed to parse EventSub event", "type", sub.Type, "error", err)
		}
	}
}

// Close stops reading, removes the subscriptions and closes the socket.
func (c *eventSubWSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, conn, ids, done := c.cancel, c.conn, c.subscriptions, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, cancelTimeout := context.WithTimeout(context.Background(), wsCloseTimeout)
	defer cancelTimeout()

	var errs []error
	for _, id := range ids {
		if err := c.subs.RemoveWebSocketSubscription(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	return errors.Join(errs...)
}

func keepaliveOf(s *wsSession) time.Duration {
	if s == nil || s.KeepaliveTimeoutSeconds <= 0 {
		return wsDefaultKeepalive
	}
	return time.Duration(s.KeepaliveTimeoutSeconds) * time.Second
}

// recentIDs remembers the last n message ids for duplicate delivery checks.
type recentIDs struct {
	mu    sync.Mutex
	ring  []string
	index map[string]struct{}
	next  int
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{ring: make([]string, n), index: make(map[string]struct{}, n)}
}

// add reports whether id was new.
func (r *recentIDs) add(id string) bool {
	if id == "" {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.index, old)
	}
	r.ring[r.next] = id
	r.index[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}
