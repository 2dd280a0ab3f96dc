package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"
	"github.com/pscheid92/streamrelay/internal/domain"
)

const ircConnectTimeout = 30 * time.Second

// IRCFactory builds chat clients on the IRC interface.
type IRCFactory struct{}

var _ domain.ChatClientFactory = IRCFactory{}

func (IRCFactory) NewChatClient(identity domain.Identity, login, token, channel string) domain.ChatClient {
	return &ircClient{
		identity: identity,
		client:   twitchirc.NewClient(login, "oauth:"+strings.TrimPrefix(token, "oauth:")),
		channel:  normalizeChannel(channel),
	}
}

type ircClient struct {
	identity domain.Identity
	client   *twitchirc.Client
	channel  string

	mu           sync.Mutex
	onEvent      func(domain.ChatEvent)
	onConnect    func()
	onDisconnect func(manually bool, reason error)
}

func (c *ircClient) OnEvent(handler func(domain.ChatEvent)) {
	c.mu.Lock()
	c.onEvent = handler
	c.mu.Unlock()
}

func (c *ircClient) OnConnect(handler func()) {
	c.mu.Lock()
	c.onConnect = handler
	c.mu.Unlock()
}

func (c *ircClient) OnDisconnect(handler func(manually bool, reason error)) {
	c.mu.Lock()
	c.onDisconnect = handler
	c.mu.Unlock()
}

func (c *ircClient) emit(ev domain.ChatEvent) {
	if ev == nil {
		return
	}
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Connect starts the connection and returns once the server accepted the
// login. Drops after that are reported through the disconnect handler.
func (c *ircClient) Connect(ctx context.Context) error {
	connected := make(chan struct{})
	failed := make(chan error, 1)
	var once sync.Once

	c.client.OnConnect(func() {
		once.Do(func() { close(connected) })
		c.mu.Lock()
		fn := c.onConnect
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	c.client.OnPrivateMessage(func(m twitchirc.PrivateMessage) { c.emit(fromPrivateMessage(m)) })
	c.client.OnWhisperMessage(func(m twitchirc.WhisperMessage) { c.emit(fromWhisper(m)) })
	c.client.OnUserNoticeMessage(func(m twitchirc.UserNoticeMessage) { c.emit(fromUserNotice(m)) })
	c.client.OnUnsetMessage(func(m twitchirc.RawMessage) {
		if m.RawType == "HOSTTARGET" {
			c.emit(fromHostTarget(m.Raw))
		}
	})
	c.client.Join(c.channel)

	go func() {
		err := c.client.Connect()
		select {
		case <-connected:
			c.mu.Lock()
			fn := c.onDisconnect
			c.mu.Unlock()
			if fn != nil {
				fn(errors.Is(err, twitchirc.ErrClientDisconnected), err)
			}
		default:
			failed <- err
		}
	}()

	timer := time.NewTimer(ircConnectTimeout)
	defer timer.Stop()

	select {
	case <-connected:
		slog.DebugContext(ctx, "IRC connection established", "identity", c.identity, "channel", c.channel)
		return nil
	case err := <-failed:
		return fmt.Errorf("irc connect: %w", err)
	case <-timer.C:
		_ = c.client.Disconnect()
		return errors.New("irc connect: timed out")
	case <-ctx.Done():
		_ = c.client.Disconnect()
		return ctx.Err()
	}
}

func (c *ircClient) Quit(context.Context) error {
	if err := c.client.Disconnect(); err != nil {
		return fmt.Errorf("irc disconnect: %w", err)
	}
	return nil
}

func (c *ircClient) Say(channel, message string) {
	c.client.Say(normalizeChannel(channel), message)
}

func normalizeChannel(ch string) string {
	return strings.TrimPrefix(strings.TrimSpace(ch), "#")
}
