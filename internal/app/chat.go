package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamrelay/internal/adapter/metrics"
	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/pscheid92/streamrelay/internal/platform/correlation"
	"github.com/pscheid92/streamrelay/internal/platform/retry"
	"golang.org/x/sync/errgroup"
)

const (
	chatReconnectInitialBackoff = time.Second
	chatReconnectMaxBackoff     = time.Minute
	chatQuitTimeout             = 5 * time.Second
	chatLookupTimeout           = 5 * time.Second
)

var ErrChatNotConnected = errors.New("chat not connected")

// ChatState is the connection state of one chat identity.
type ChatState string

const (
	ChatDisconnected ChatState = "disconnected"
	ChatConnecting   ChatState = "connecting"
	ChatConnected    ChatState = "connected"
	ChatReconnecting ChatState = "reconnecting"
)

type ChatConfig struct {
	Channel          string
	BroadcasterLogin string
	BotLogin         string
	MaxBackoff       time.Duration
}

type chatHandle struct {
	client domain.ChatClient
	gen    uint64
}

// ChatChannel keeps the broadcaster and bot chat connections alive as one
// unit. An unexpected drop of either re-runs the setup for both.
type ChatChannel struct {
	cfg       ChatConfig
	factory   domain.ChatClientFactory
	publisher domain.EventPublisher
	clock     clockwork.Clock
	metrics   *metrics.RelayMetrics
	normalize map[domain.ChatEventKind]chatNormalizer

	setupMu sync.Mutex

	mu          sync.Mutex
	broadcaster *AuthSession
	bot         *AuthSession
	handles     map[domain.Identity]chatHandle
	states      map[domain.Identity]ChatState
	gen         uint64

	// reconnecting is set while a reconnect loop runs; reconnectPending
	// records drops that arrive during one of its setups.
	reconnecting     bool
	reconnectPending bool

	backoff *retry.Backoff
	life    context.Context
	stop    context.CancelFunc
}

func NewChatChannel(cfg ChatConfig, factory domain.ChatClientFactory, lookup domain.UserLookup, publisher domain.EventPublisher, clock clockwork.Clock, relayMetrics *metrics.RelayMetrics) *ChatChannel {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = chatReconnectMaxBackoff
	}
	life, stop := context.WithCancel(context.Background())

	return &ChatChannel{
		cfg:       cfg,
		factory:   factory,
		publisher: publisher,
		clock:     clock,
		metrics:   relayMetrics,
		normalize: chatNormalizers(lookup, relayMetrics),
		handles:   make(map[domain.Identity]chatHandle),
		states: map[domain.Identity]ChatState{
			domain.IdentityBroadcaster: ChatDisconnected,
			domain.IdentityBot:         ChatDisconnected,
		},
		backoff: &retry.Backoff{Initial: chatReconnectInitialBackoff, Max: cfg.MaxBackoff},
		life:    life,
		stop:    stop,
	}
}

// Bind sets the sessions that subsequent setups build connections from.
func (c *ChatChannel) Bind(broadcaster, bot *AuthSession) {
	c.mu.Lock()
	c.broadcaster, c.bot = broadcaster, bot
	c.mu.Unlock()
}

// State returns the connection state of one identity.
func (c *ChatChannel) State(identity domain.Identity) ChatState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[identity]
}

// Setup quits any previous connections and connects both identities again.
// Connect failures are returned joined as *ChannelSetupError values.
func (c *ChatChannel) Setup(ctx context.Context) error {
	c.setupMu.Lock()
	defer c.setupMu.Unlock()

	start := c.clock.Now()
	err := c.setup(ctx)
	c.metrics.ObserveSetup(domain.ChannelChat, err, c.clock.Since(start))
	return err
}

func (c *ChatChannel) setup(ctx context.Context) error {
	c.mu.Lock()
	if c.broadcaster == nil || c.bot == nil {
		c.mu.Unlock()
		return &domain.ChannelSetupError{Channel: domain.ChannelChat, Err: ErrNotLoggedIn}
	}
	previous := c.handles
	c.handles = make(map[domain.Identity]chatHandle)
	c.gen++
	gen := c.gen
	broadcaster, bot := c.broadcaster, c.bot
	c.mu.Unlock()

	c.quitAll(ctx, previous)

	clients := map[domain.Identity]domain.ChatClient{
		domain.IdentityBroadcaster: c.factory.NewChatClient(domain.IdentityBroadcaster, c.cfg.BroadcasterLogin, broadcaster.AccessToken(), c.cfg.Channel),
		domain.IdentityBot:         c.factory.NewChatClient(domain.IdentityBot, c.cfg.BotLogin, bot.AccessToken(), c.cfg.Channel),
	}

	clients[domain.IdentityBroadcaster].OnEvent(func(ev domain.ChatEvent) {
		c.handleEvent(ev)
	})

	c.mu.Lock()
	for identity, client := range clients {
		c.register(identity, client, gen)
		c.handles[identity] = chatHandle{client: client, gen: gen}
		c.states[identity] = ChatConnecting
	}
	c.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	for identity, client := range clients {
		g.Go(func() error {
			if err := client.Connect(ctx); err != nil {
				c.setState(identity, gen, ChatDisconnected)
				errMu.Lock()
				errs = append(errs, &domain.ChannelSetupError{Channel: domain.ChannelChat, Identity: identity, Err: err})
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.InfoContext(ctx, "Chat connections started", "channel", c.cfg.Channel)
	return nil
}

func (c *ChatChannel) register(identity domain.Identity, client domain.ChatClient, gen uint64) {
	client.OnConnect(func() {
		if c.setState(identity, gen, ChatConnected) {
			c.backoff.Reset()
			slog.Info("Chat connected", "identity", identity, "channel", c.cfg.Channel)
		}
	})
	client.OnDisconnect(func(manually bool, reason error) {
		c.handleDisconnect(identity, gen, manually, reason)
	})
}

func (c *ChatChannel) handleDisconnect(identity domain.Identity, gen uint64, manually bool, reason error) {
	if reason != nil {
		slog.Error("Chat disconnected", "identity", identity, "manually", manually, "error", reason)
	}

	next := ChatDisconnected
	if !manually {
		next = ChatReconnecting
	}
	if !c.setState(identity, gen, next) {
		slog.Debug("Ignoring disconnect from superseded chat connection", "identity", identity)
		return
	}

	if !manually {
		go c.reconnect()
	}
}

// reconnect re-runs the setup until it succeeds with no drop left unhandled,
// or the channel is closed. Concurrent drops share one loop.
func (c *ChatChannel) reconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.reconnectPending = true
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	ctx := correlation.WithID(c.life, correlation.NewID())
	for {
		if wait := c.backoff.Next(); wait > 0 {
			slog.InfoContext(ctx, "Waiting before chat reconnect", "backoff", wait)
			select {
			case <-c.clock.After(wait):
			case <-ctx.Done():
				c.endReconnect()
				return
			}
		}
		if ctx.Err() != nil {
			c.endReconnect()
			return
		}

		c.mu.Lock()
		c.reconnectPending = false
		c.mu.Unlock()

		c.metrics.ChatReconnected()
		err := c.Setup(ctx)
		if err != nil {
			slog.WarnContext(ctx, "Chat reconnect failed", "error", err)
			continue
		}

		c.mu.Lock()
		again := c.reconnectPending
		if !again {
			c.reconnecting = false
		}
		c.mu.Unlock()
		if !again {
			return
		}
		slog.InfoContext(ctx, "Chat dropped again during reconnect")
	}
}

func (c *ChatChannel) endReconnect() {
	c.mu.Lock()
	c.reconnecting, c.reconnectPending = false, false
	c.mu.Unlock()
}

// setState updates the state of identity if gen is still the live generation.
func (c *ChatChannel) setState(identity domain.Identity, gen uint64, state ChatState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.handles[identity]; !ok || h.gen != gen {
		return false
	}
	c.states[identity] = state
	return true
}

func (c *ChatChannel) quitAll(ctx context.Context, handles map[domain.Identity]chatHandle) {
	if len(handles) == 0 {
		return
	}

	quitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), chatQuitTimeout)
	defer cancel()

	var g errgroup.Group
	for identity, h := range handles {
		g.Go(func() error {
			if err := h.client.Quit(quitCtx); err != nil {
				slog.DebugContext(ctx, "Ignoring chat quit failure", "identity", identity, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *ChatChannel) handleEvent(ev domain.ChatEvent) {
	c.metrics.Received(domain.ChannelChat)

	normalize, ok := c.normalize[ev.Kind()]
	if !ok {
		slog.Debug("Unhandled chat event", "kind", ev.Kind())
		return
	}

	ctx, cancel := context.WithTimeout(correlation.WithID(c.life, correlation.NewID()), chatLookupTimeout)
	defer cancel()

	payload := normalize(ctx, ev)
	if payload == nil {
		return
	}
	c.publisher.Publish(ctx, domain.NewEvent(stripChannelPrefix(ev.ChannelName()), payload, c.clock.Now()))
}

// Say sends a chat message through the bot connection.
func (c *ChatChannel) Say(ctx context.Context, message string) error {
	c.mu.Lock()
	h, ok := c.handles[domain.IdentityBot]
	connected := c.states[domain.IdentityBot] == ChatConnected
	c.mu.Unlock()

	if !ok || !connected {
		return fmt.Errorf("say: %w", ErrChatNotConnected)
	}
	h.client.Say(c.cfg.Channel, message)
	slog.DebugContext(ctx, "Chat message sent", "channel", c.cfg.Channel)
	return nil
}

// Close stops any reconnect loop and quits both connections.
func (c *ChatChannel) Close(ctx context.Context) {
	c.stop()

	c.setupMu.Lock()
	defer c.setupMu.Unlock()

	c.mu.Lock()
	previous := c.handles
	c.handles = make(map[domain.Identity]chatHandle)
	c.gen++
	for identity := range c.states {
		c.states[identity] = ChatDisconnected
	}
	c.mu.Unlock()

	c.quitAll(ctx, previous)
}

func stripChannelPrefix(channel string) string {
	return strings.TrimPrefix(channel, "#")
}
