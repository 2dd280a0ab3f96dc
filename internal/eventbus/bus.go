package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pscheid92/streamrelay/internal/adapter/metrics"
	"github.com/pscheid92/streamrelay/internal/domain"
)

const DefaultQueueSize = 256

// Listener receives events on the subscription's own goroutine.
type Listener func(ctx context.Context, ev domain.Event)

type delivery struct {
	ctx context.Context
	ev  domain.Event
}

type subscription struct {
	id       uint64
	name     domain.EventName
	listener Listener
	queue    chan delivery
	done     chan struct{}
	stopOnce sync.Once
}

type Bus struct {
	mu        sync.RWMutex
	byName    map[domain.EventName]map[uint64]*subscription
	all       map[uint64]*subscription
	nextID    uint64
	queueSize int
	closed    bool
	wg        sync.WaitGroup

	dropped atomic.Uint64
	metrics *metrics.BusMetrics
}

var _ domain.EventPublisher = (*Bus)(nil)

// New creates a bus whose subscriptions buffer up to queueSize events.
// busMetrics may be nil.
func New(queueSize int, busMetrics *metrics.BusMetrics) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		byName:    make(map[domain.EventName]map[uint64]*subscription),
		all:       make(map[uint64]*subscription),
		queueSize: queueSize,
		metrics:   busMetrics,
	}
}

// Subscribe registers a listener for one event name. The returned function
// removes the subscription; events already queued are still delivered.
func (b *Bus) Subscribe(name domain.EventName, listener Listener) func() {
	return b.subscribe(name, listener)
}

// SubscribeAll registers a listener for every event name.
func (b *Bus) SubscribeAll(listener Listener) func() {
	return b.subscribe("", listener)
}

func (b *Bus) subscribe(name domain.EventName, listener Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		slog.Warn("Subscribe on closed event bus ignored", "event", name)
		return func() {}
	}

	b.nextID++
	sub := &subscription{
		id:       b.nextID,
		name:     name,
		listener: listener,
		queue:    make(chan delivery, b.queueSize),
		done:     make(chan struct{}),
	}

	if name == "" {
		b.all[sub.id] = sub
	} else {
		if b.byName[name] == nil {
			b.byName[name] = make(map[uint64]*subscription)
		}
		b.byName[name][sub.id] = sub
	}

	b.wg.Add(1)
	go b.run(sub)

	if b.metrics != nil {
		b.metrics.Subscribers.Inc()
	}

	var once sync.Once
	return func() { once.Do(func() { b.unsubscribe(sub) }) }
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	if sub.name == "" {
		delete(b.all, sub.id)
	} else {
		delete(b.byName[sub.name], sub.id)
		if len(b.byName[sub.name]) == 0 {
			delete(b.byName, sub.name)
		}
	}
	b.mu.Unlock()

	sub.stop()
	if b.metrics != nil {
		b.metrics.Subscribers.Dec()
	}
}

// Publish hands the event to every matching subscription without waiting.
// Cancellation of ctx is not propagated to listeners; its values are.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) {
	d := delivery{ctx: context.WithoutCancel(ctx), ev: ev}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if b.metrics != nil {
		b.metrics.Published.WithLabelValues(string(ev.Name)).Inc()
	}

	for _, sub := range b.byName[ev.Name] {
		b.enqueue(sub, d)
	}
	for _, sub := range b.all {
		b.enqueue(sub, d)
	}
}

func (b *Bus) enqueue(sub *subscription, d delivery) {
	select {
	case sub.queue <- d:
	default:
		b.dropped.Add(1)
		if b.metrics != nil {
			b.metrics.Dropped.WithLabelValues(string(d.ev.Name)).Inc()
		}
		slog.WarnContext(d.ctx, "Event dropped, listener queue full", "event", d.ev.Name, "event_id", d.ev.ID)
	}
}

// Dropped returns the number of deliveries dropped because a queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events, lets every listener drain its queue and
// waits for all listener goroutines to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	subs := make([]*subscription, 0, len(b.all))
	for _, sub := range b.all {
		subs = append(subs, sub)
	}
	for _, byID := range b.byName {
		for _, sub := range byID {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()

	for {
		select {
		case d := <-sub.queue:
			b.deliver(sub, d)
		case <-sub.done:
			for {
				select {
				case d := <-sub.queue:
					b.deliver(sub, d)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(d.ctx, "Event listener panic recovered", "event", d.ev.Name, "event_id", d.ev.ID, "panic", r)
			if b.metrics != nil {
				b.metrics.Panics.Inc()
			}
		}
	}()

	sub.listener(d.ctx, d.ev)
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
