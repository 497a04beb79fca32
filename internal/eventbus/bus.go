// Package eventbus is the in-process publish/subscribe hub that carries
// normalized events from the tracker, signal engine and ledger to any number
// of independent consumers.
//
// Every subscriber owns a bounded queue drained by its own goroutine, so a
// slow or failing consumer never delays producers or other consumers. Events
// from one producer goroutine reach each subscriber in publish order. There is
// no replay: a subscriber only sees events published after it subscribed.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

const defaultBuffer = 1024

// Handler consumes one event. A returned error is logged and does not stop
// delivery.
type Handler func(ctx context.Context, evt domain.Event) error

// Options tunes a Bus.
type Options struct {
	// Buffer is the per-subscriber queue capacity.
	Buffer int
}

// Stats is a point-in-time view of one subscriber.
type Stats struct {
	Name      string
	Delivered uint64
	Dropped   uint64
	Failed    uint64
	Queued    int
}

// Bus fans events out to subscribers.
type Bus struct {
	logger *slog.Logger
	buffer int
	now    func() time.Time

	seq atomic.Uint64

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// New creates a Bus.
func New(logger *slog.Logger, opts Options) *Bus {
	buf := opts.Buffer
	if buf <= 0 {
		buf = defaultBuffer
	}
	return &Bus{
		logger: logger.With(slog.String("component", "eventbus")),
		buffer: buf,
		now:    time.Now,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscription is a registered consumer.
type Subscription struct {
	id      uint64
	name    string
	types   map[domain.EventType]bool
	queue   chan domain.Event
	handler Handler
	bus     *Bus

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	once      sync.Once
}

// Subscribe registers handler under name. When types is non-empty only those
// event types are delivered.
func (b *Bus) Subscribe(name string, handler Handler, types ...domain.EventType) *Subscription {
	sub := &Subscription{
		name:    name,
		queue:   make(chan domain.Event, b.buffer),
		handler: handler,
		bus:     b,
	}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.queue) })
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.drain(sub)

	b.logger.Debug("eventbus: subscribed", slog.String("subscriber", name))
	return sub
}

// Publish stamps evt with the next sequence number, the publish time and the
// schema version, then hands it to every interested subscriber without
// blocking. It returns the stamped event.
func (b *Bus) Publish(evt domain.Event) domain.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return evt
	}

	evt.Seq = b.seq.Add(1)
	evt.Version = domain.EventSchemaVersion
	if evt.Time.IsZero() {
		evt.Time = b.now().UTC()
	}

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[evt.Type] {
			continue
		}
		select {
		case sub.queue <- evt:
		default:
			n := sub.dropped.Add(1)
			if n == 1 || n%1000 == 0 {
				b.logger.Warn("eventbus: subscriber queue full, dropping event",
					slog.String("subscriber", sub.name),
					slog.String("type", string(evt.Type)),
					slog.Uint64("dropped_total", n),
				)
			}
		}
	}
	return evt
}

func (b *Bus) drain(sub *Subscription) {
	defer b.wg.Done()
	ctx := context.Background()
	for evt := range sub.queue {
		if err := sub.deliver(ctx, evt); err != nil {
			sub.failed.Add(1)
			b.logger.Warn("eventbus: handler failed",
				slog.String("subscriber", sub.name),
				slog.String("type", string(evt.Type)),
				slog.Uint64("seq", evt.Seq),
				slog.String("error", err.Error()),
			)
			continue
		}
		sub.delivered.Add(1)
	}
}

func (s *Subscription) deliver(ctx context.Context, evt domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventbus: handler panic: %v", r)
		}
	}()
	return s.handler(ctx, evt)
}

// Name returns the subscriber name.
func (s *Subscription) Name() string { return s.name }

// Unsubscribe stops delivery. Events already queued are still handled.
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	s.once.Do(func() { close(s.queue) })
}

// Stats reports counters for every live subscriber.
func (b *Bus) Stats() []Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Stats, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, Stats{
			Name:      s.name,
			Delivered: s.delivered.Load(),
			Dropped:   s.dropped.Load(),
			Failed:    s.failed.Load(),
			Queued:    len(s.queue),
		})
	}
	return out
}

// Dropped sums dropped events across live subscribers.
func (b *Bus) Dropped() uint64 {
	var total uint64
	for _, s := range b.Stats() {
		total += s.Dropped
	}
	return total
}

// Close stops accepting events, lets every subscriber finish its queue and
// waits for the drain goroutines to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.once.Do(func() { close(s.queue) })
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("eventbus: closed", slog.Uint64("published", b.seq.Load()))
}
