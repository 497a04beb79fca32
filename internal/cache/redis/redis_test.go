package redis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// testClient connects to POLYPULSE_TEST_REDIS_ADDR under a throwaway prefix
// and skips the test when the variable is unset.
func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("POLYPULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POLYPULSE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{Addr: addr, KeyPrefix: "polypulse-test-" + uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() {
		keys, _ := c.rdb.Keys(ctx, c.prefix+":*").Result()
		if len(keys) > 0 {
			c.rdb.Del(ctx, keys...)
		}
		c.Close()
	})
	return c
}

func TestKey(t *testing.T) {
	c := NewFromClient(redis.NewClient(&redis.Options{}), "pp:")
	assert.Equal(t, "pp:book:m1", c.Key("book", "m1"))

	bare := NewFromClient(redis.NewClient(&redis.Options{}), "")
	assert.Equal(t, "events", bare.Key("events"))
}

func TestRateLimiterWindowKey(t *testing.T) {
	rl := NewRateLimiter(NewFromClient(redis.NewClient(&redis.Options{}), "pp"))
	base := time.UnixMilli(60_000)

	k1 := rl.windowKey("api:1.2.3.4", time.Minute, base)
	k2 := rl.windowKey("api:1.2.3.4", time.Minute, base.Add(59*time.Second))
	k3 := rl.windowKey("api:1.2.3.4", time.Minute, base.Add(time.Minute))
	assert.Equal(t, "pp:ratelimit:api:1.2.3.4:1", k1)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestMarketCacheRoundTrip(t *testing.T) {
	c := testClient(t)
	mc := NewMarketCache(c, time.Minute)
	ctx := context.Background()

	m := domain.Market{ID: "cond-1", TokenIDs: [2]string{"yes", "no"}, Status: domain.CatalogStatusActive}
	require.NoError(t, mc.Set(ctx, m))

	got, err := mc.GetByToken(ctx, "no")
	require.NoError(t, err)
	assert.Equal(t, "cond-1", got.ID)

	require.NoError(t, mc.Invalidate(ctx, "cond-1"))
	_, err = mc.Get(ctx, "cond-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = mc.GetByToken(ctx, "yes")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBookCacheFollowsEvents(t *testing.T) {
	c := testClient(t)
	bc := NewBookCache(c, 1, testLogger())
	ctx := context.Background()

	state := domain.MarketState{
		MarketID: "m1",
		Bids:     []domain.PriceLevel{{Price: 0.5, Size: 1}, {Price: 0.4, Size: 2}},
		LastSeq:  7,
	}
	require.NoError(t, bc.Handle(ctx, domain.NewOrderbookEvent(state)))

	got, err := bc.GetState(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, got.Bids, 1)
	assert.Equal(t, uint64(7), got.LastSeq)

	require.NoError(t, bc.Handle(ctx, domain.NewMarketStatusEvent(domain.MarketStatus{MarketID: "m1", State: domain.ConnDisconnected})))
	_, err = bc.GetState(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Error(t, bc.Handle(ctx, domain.Event{Type: domain.EventTrade, Payload: 1}))
}

func TestEventRelayPublishesAndAppends(t *testing.T) {
	c := testClient(t)
	relay := NewEventRelay(c, 100)
	ctx := context.Background()

	sub := c.rdb.Subscribe(ctx, relay.Channel(domain.EventSignal))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	evt := domain.NewSignalEvent(domain.Signal{ID: "s1", MarketID: "m1", Type: domain.SignalMomentum})
	evt.Seq, evt.Version = 3, domain.EventSchemaVersion
	require.NoError(t, relay.Handle(ctx, evt))

	select {
	case msg := <-sub.Channel():
		var wire struct {
			Type string `json:"type"`
			Seq  uint64 `json:"seq"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &wire))
		assert.Equal(t, "signal", wire.Type)
		assert.Equal(t, uint64(3), wire.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub message")
	}

	require.NoError(t, relay.Handle(ctx, domain.NewTradeEvent(domain.TradePrint{MarketID: "m1"})))
	recent, err := relay.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Contains(t, string(recent[0].Payload), `"signal"`)
	assert.Contains(t, string(recent[1].Payload), `"trade"`)
}

func TestRateLimiterAllow(t *testing.T) {
	c := testClient(t)
	rl := NewRateLimiter(c)
	fixed := time.Now()
	rl.now = func() time.Time { return fixed }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "api:test", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "api:test", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
