// Package websocket delivers bus events to overlay clients over a centrifuge
// node.
package websocket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/centrifugal/centrifuge"
	"github.com/google/uuid"
	"github.com/pscheid92/streamrelay/internal/adapter/metrics"
)

const channelPrefix = "events:"

// ChannelFor is the centrifuge channel overlay clients of a login listen on.
func ChannelFor(login string) string {
	return channelPrefix + login
}

// NewNode builds a node whose clients are subscribed server-side to the
// broadcaster's event channel. overlayMetrics may be nil.
func NewNode(broadcasterLogin string, overlayMetrics *metrics.OverlayMetrics, logLevel string) (*centrifuge.Node, error) {
	conf := centrifuge.Config{LogLevel: parseCentrifugeLogLevel(logLevel), LogHandler: slogHandler}
	node, err := centrifuge.New(conf)
	if err != nil {
		return nil, fmt.Errorf("create centrifuge node: %w", err)
	}

	channel := ChannelFor(broadcasterLogin)
	node.OnConnecting(onConnecting(channel))
	node.OnConnect(onConnect(channel, overlayMetrics))

	return node, nil
}

// WithAnonymousCredentials gives each overlay connection a fresh user id;
// overlays carry no identity of their own.
func WithAnonymousCredentials(ctx context.Context) context.Context {
	return centrifuge.SetCredentials(ctx, &centrifuge.Credentials{UserID: "overlay-" + uuid.NewString()})
}

func onConnecting(channel string) func(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
	return func(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
		cred, ok := centrifuge.GetCredentials(ctx)
		if !ok || cred.UserID == "" {
			return centrifuge.ConnectReply{}, centrifuge.DisconnectServerError
		}

		reply := centrifuge.ConnectReply{
			Subscriptions: map[string]centrifuge.SubscribeOptions{
				channel: {EmitPresence: true},
			},
		}
		return reply, nil
	}
}

func onConnect(channel string, overlayMetrics *metrics.OverlayMetrics) func(client *centrifuge.Client) {
	return func(client *centrifuge.Client) {
		slog.Debug("Overlay connected", "client_id", client.ID(), "user_id", client.UserID())

		if overlayMetrics != nil {
			overlayMetrics.ActiveConnections.Inc()
		}

		client.OnSubscribe(func(e centrifuge.SubscribeEvent, cb centrifuge.SubscribeCallback) {
			if e.Channel != channel {
				cb(centrifuge.SubscribeReply{}, centrifuge.ErrorPermissionDenied)
				return
			}
			cb(centrifuge.SubscribeReply{Options: centrifuge.SubscribeOptions{EmitPresence: true}}, nil)
		})

		client.OnDisconnect(func(e centrifuge.DisconnectEvent) {
			slog.Debug("Overlay disconnected", "client_id", client.ID(), "reason", e.Reason)
			if overlayMetrics != nil {
				overlayMetrics.ActiveConnections.Dec()
			}
		})
	}
}

// SetupRedis shares publications and presence across replicas through Redis.
func SetupRedis(node *centrifuge.Node, redisAddr string) error {
	shardConfig := centrifuge.RedisShardConfig{Address: redisAddr}
	shard, err := centrifuge.NewRedisShard(node, shardConfig)
	if err != nil {
		return fmt.Errorf("create redis shard: %w", err)
	}

	brokerConfig := centrifuge.RedisBrokerConfig{Prefix: "streamrelay", Shards: []*centrifuge.RedisShard{shard}}
	broker, err := centrifuge.NewRedisBroker(node, brokerConfig)
	if err != nil {
		return fmt.Errorf("create redis broker: %w", err)
	}
	node.SetBroker(broker)

	pmConfig := centrifuge.RedisPresenceManagerConfig{Prefix: "streamrelay", Shards: []*centrifuge.RedisShard{shard}}
	presenceManager, err := centrifuge.NewRedisPresenceManager(node, pmConfig)
	if err != nil {
		return fmt.Errorf("create redis presence manager: %w", err)
	}
	node.SetPresenceManager(presenceManager)

	return nil
}

func slogHandler(entry centrifuge.LogEntry) {
	attrs := make([]any, 0, len(entry.Fields)*2)
	for k, v := range entry.Fields {
		attrs = append(attrs, k, v)
	}
	attrs = append(attrs, "component", "centrifuge")

	switch entry.Level {
	case centrifuge.LogLevelTrace, centrifuge.LogLevelDebug:
		slog.Debug(entry.Message, attrs...)
	case centrifuge.LogLevelInfo:
		slog.Info(entry.Message, attrs...)
	case centrifuge.LogLevelWarn:
		slog.Warn(entry.Message, attrs...)
	case centrifuge.LogLevelError:
		slog.Error(entry.Message, attrs...)
	case centrifuge.LogLevelNone:
	}
}

func parseCentrifugeLogLevel(level string) centrifuge.LogLevel {
	switch level {
	case "debug":
		return centrifuge.LogLevelDebug
	case "warn":
		return centrifuge.LogLevelWarn
	case "error":
		return centrifuge.LogLevelError
	default:
		return centrifuge.LogLevelInfo
	}
}

// Presence reports how many overlay clients are connected.
type Presence struct {
	node    *centrifuge.Node
	channel string
}

func NewPresence(node *centrifuge.Node, broadcasterLogin string) *Presence {
	return &Presence{node: node, channel: ChannelFor(broadcasterLogin)}
}

func (p *Presence) ViewerCount() int {
	stats, err := p.node.PresenceStats(p.channel)
	if err != nil {
		return 0
	}
	return stats.NumClients
}
