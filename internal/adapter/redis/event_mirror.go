package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pscheid92/streamrelay/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultEventStream    = "streamrelay:events"
	DefaultEventStreamLen = 10_000
	mirrorWriteTimeout    = 2 * time.Second
)

// EventMirror appends every bus event to a capped Redis stream so other
// processes can replay recent history.
type EventMirror struct {
	rdb    *goredis.Client
	stream string
	maxLen int64
}

func NewEventMirror(rdb *goredis.Client, stream string, maxLen int64) *EventMirror {
	if stream == "" {
		stream = DefaultEventStream
	}
	if maxLen <= 0 {
		maxLen = DefaultEventStreamLen
	}
	return &EventMirror{rdb: rdb, stream: stream, maxLen: maxLen}
}

// Append writes one event. Failures are logged and otherwise ignored; the
// mirror never blocks delivery to other listeners.
func (m *EventMirror) Append(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode event for mirror", "event", ev.Name, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorWriteTimeout)
	defer cancel()

	err = m.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: m.stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":      ev.ID.String(),
			"name":    string(ev.Name),
			"channel": ev.Channel,
			"at":      ev.At.UTC().Format(time.RFC3339Nano),
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		slog.WarnContext(ctx, "Failed to mirror event", "event", ev.Name, "stream", m.stream, "error", err)
	}
}
