package eventbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *collector) handle(_ context.Context, evt domain.Event) error {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.events...)
}

func TestPublishPreservesProducerOrder(t *testing.T) {
	bus := New(testLogger(), Options{Buffer: 256})
	var c collector
	bus.Subscribe("order", c.handle)

	for i := 0; i < 100; i++ {
		bus.Publish(domain.NewTradeEvent(domain.TradePrint{MarketID: "m", Size: float64(i)}))
	}
	bus.Close()

	got := c.snapshot()
	require.Len(t, got, 100)
	for i, evt := range got {
		assert.Equal(t, float64(i), evt.Payload.(domain.TradePrint).Size)
		assert.Equal(t, uint64(i+1), evt.Seq)
		assert.Equal(t, domain.EventSchemaVersion, evt.Version)
		assert.False(t, evt.Time.IsZero())
	}
}

func TestFailingConsumerDoesNotAffectOthers(t *testing.T) {
	bus := New(testLogger(), Options{Buffer: 16})

	var healthy collector
	bus.Subscribe("panics", func(context.Context, domain.Event) error { panic("bad consumer") })
	bus.Subscribe("errors", func(context.Context, domain.Event) error { return errors.New("nope") })
	bus.Subscribe("healthy", healthy.handle)

	for i := 0; i < 5; i++ {
		bus.Publish(domain.NewSignalEvent(domain.Signal{ID: "s"}))
	}
	bus.Close()

	assert.Len(t, healthy.snapshot(), 5)
}

func TestSlowConsumerDoesNotBlockPublisher(t *testing.T) {
	bus := New(testLogger(), Options{Buffer: 2})
	release := make(chan struct{})

	var fast collector
	slow := bus.Subscribe("slow", func(context.Context, domain.Event) error {
		<-release
		return nil
	})
	bus.Subscribe("fast", fast.handle)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(domain.NewTradeEvent(domain.TradePrint{MarketID: "m"}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	var dropped uint64
	for _, s := range bus.Stats() {
		if s.Name == slow.Name() {
			dropped = s.Dropped
		}
	}
	assert.Positive(t, dropped)

	close(release)
	bus.Close()
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	bus := New(testLogger(), Options{})
	bus.Publish(domain.NewTradeEvent(domain.TradePrint{MarketID: "early"}))

	var late collector
	bus.Subscribe("late", late.handle)
	bus.Publish(domain.NewTradeEvent(domain.TradePrint{MarketID: "after"}))
	bus.Close()

	got := late.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "after", got[0].Payload.(domain.TradePrint).MarketID)
}

func TestTypeFilter(t *testing.T) {
	bus := New(testLogger(), Options{})
	var c collector
	bus.Subscribe("signals", c.handle, domain.EventSignal)

	bus.Publish(domain.NewTradeEvent(domain.TradePrint{}))
	bus.Publish(domain.NewSignalEvent(domain.Signal{ID: "x"}))
	bus.Close()

	got := c.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, domain.EventSignal, got[0].Type)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(testLogger(), Options{})
	var c collector
	sub := bus.Subscribe("gone", c.handle)
	sub.Unsubscribe()
	sub.Unsubscribe()

	bus.Publish(domain.NewTradeEvent(domain.TradePrint{}))
	bus.Close()
	assert.Empty(t, c.snapshot())
}

func TestEventJSONShape(t *testing.T) {
	evt := domain.NewSignalEvent(domain.Signal{ID: "sig-1", Type: domain.SignalMomentum})
	evt.Seq = 7
	evt.Version = 1

	data, err := evt.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"signal","version":1,"seq":7,"time":"0001-01-01T00:00:00Z",
		"data":{"id":"sig-1","market":"","type":"momentum","confidence":0,
		        "description":"","value":0,"threshold":0,"created_at":"0001-01-01T00:00:00Z"}
	}`, string(data))
}
