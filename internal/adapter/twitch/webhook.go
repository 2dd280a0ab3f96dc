package twitch

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Its-donkey/kappopher/helix"
	"github.com/pscheid92/streamrelay/internal/platform/correlation"
)

const webhookProcessingTimeout = 5 * time.Second

type routeKey struct {
	subType       string
	broadcasterID string
}

type route struct {
	id uint64
	fn func(ctx context.Context, msg *helix.EventSubWebhookMessage)
}

type broadcasterRef struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

// Dispatcher verifies signed EventSub webhook deliveries and routes each
// notification to the handler registered for its topic and broadcaster.
type Dispatcher struct {
	handler *helix.EventSubWebhookHandler

	mu     sync.RWMutex
	routes map[routeKey]route
	nextID uint64
}

// NewDispatcher creates a dispatcher. Receipt of routed notifications is
// counted by the channels that handle them.
func NewDispatcher(secret string) *Dispatcher {
	d := &Dispatcher{
		routes: make(map[routeKey]route),
	}

	d.handler = helix.NewEventSubWebhookHandler(
		helix.WithWebhookSecret(secret),
		helix.WithNotificationHandler(d.handleNotification),
		helix.WithVerificationHandler(func(msg *helix.EventSubWebhookMessage) bool {
			slog.Info("EventSub webhook verification", "subscription_type", msg.SubscriptionType)
			return true
		}),
		helix.WithRevocationHandler(func(msg *helix.EventSubWebhookMessage) {
			slog.Warn("EventSub subscription revoked", "type", msg.SubscriptionType, "reason", helix.GetRevocationReason(msg.Subscription))
		}),
	)

	return d
}

// register installs fn for a topic and broadcaster, replacing any earlier
// handler. The returned func removes it unless it has been replaced since.
func (d *Dispatcher) register(subType, broadcasterID string, fn func(context.Context, *helix.EventSubWebhookMessage)) func() {
	key := routeKey{subType: subType, broadcasterID: broadcasterID}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.routes[key] = route{id: id, fn: fn}
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if r, ok := d.routes[key]; ok && r.id == id {
			delete(d.routes, key)
		}
	}
}

func (d *Dispatcher) lookup(subType, broadcasterID string) (route, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.routes[routeKey{subType: subType, broadcasterID: broadcasterID}]
	return r, ok
}

func (d *Dispatcher) handleNotification(msg *helix.EventSubWebhookMessage) {
	ref, err := helix.ParseEventSubEvent[broadcasterRef](msg)
	if err != nil {
		slog.Error("Failed to parse EventSub event", "type", msg.SubscriptionType, "error", err)
		return
	}

	r, ok := d.lookup(msg.SubscriptionType, ref.BroadcasterUserID)
	if !ok {
		slog.Debug("No handler for EventSub notification", "type", msg.SubscriptionType, "broadcaster", ref.BroadcasterUserID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookProcessingTimeout)
	defer cancel()
	ctx = correlation.Ensure(ctx)

	r.fn(ctx, msg)
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.handler.ServeHTTP(w, r)
}
