package websocket

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/centrifugal/centrifuge"
	"github.com/pscheid92/streamrelay/internal/adapter/metrics"
	"github.com/pscheid92/streamrelay/internal/domain"
)

// channelPublisher is the part of a centrifuge node the Publisher needs.
type channelPublisher interface {
	Publish(channel string, data []byte, opts ...centrifuge.PublishOption) (centrifuge.PublishResult, error)
}

// Publisher forwards bus events to overlay clients. Events without a channel
// (whispers, errors) go to the broadcaster's own channel.
type Publisher struct {
	node           channelPublisher
	defaultLogin   string
	overlayMetrics *metrics.OverlayMetrics
}

func NewPublisher(node *centrifuge.Node, broadcasterLogin string, overlayMetrics *metrics.OverlayMetrics) *Publisher {
	return &Publisher{node: node, defaultLogin: broadcasterLogin, overlayMetrics: overlayMetrics}
}

// Forward is an event bus listener.
func (p *Publisher) Forward(ctx context.Context, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode overlay event", "event", ev.Name, "error", err)
		p.failed()
		return
	}

	login := ev.Channel
	if login == "" {
		login = p.defaultLogin
	}

	channel := ChannelFor(login)
	if _, err := p.node.Publish(channel, data); err != nil {
		slog.WarnContext(ctx, "Failed to publish overlay event", "event", ev.Name, "channel", channel, "error", err)
		p.failed()
		return
	}

	if p.overlayMetrics != nil {
		p.overlayMetrics.MessagesPublished.WithLabelValues(string(ev.Name)).Inc()
	}
}

func (p *Publisher) failed() {
	if p.overlayMetrics != nil {
		p.overlayMetrics.PublishFailures.Inc()
	}
}
