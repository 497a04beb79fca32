package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

type sent struct{ title, message string }

type recordingSender struct {
	name string
	err  error
	got  []sent
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.got = append(r.got, sent{title, message})
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{rec}, Config{MinSignalConfidence: 0.7}, testLogger())
	ctx := context.Background()

	buy := domain.OrderSideBuy
	require.NoError(t, n.Handle(ctx, domain.NewSignalEvent(domain.Signal{MarketID: "m1", Type: domain.SignalMomentum, Confidence: 0.5})))
	require.NoError(t, n.Handle(ctx, domain.NewSignalEvent(domain.Signal{MarketID: "m1", Type: domain.SignalMomentum, Confidence: 0.9, SuggestedSide: &buy})))
	require.NoError(t, n.Handle(ctx, domain.NewTradeEvent(domain.TradePrint{MarketID: "m1"})))
	require.NoError(t, n.Handle(ctx, domain.NewPositionClosedEvent(domain.Position{
		ID: "p1", MarketID: "m1", CloseReason: domain.CloseReasonManual, RealizedPnL: decimal.RequireFromString("1.5"),
	})))

	require.Len(t, rec.got, 2)
	assert.Equal(t, "Signal: momentum", rec.got[0].title)
	assert.Contains(t, rec.got[0].message, "suggested: BUY")
	assert.Equal(t, "Position closed", rec.got[1].title)
	assert.Contains(t, rec.got[1].message, "realized pnl: 1.5000")
}

func TestNotifierExplicitEvents(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{rec}, Config{Events: []string{" market_status "}}, testLogger())
	ctx := context.Background()

	assert.Equal(t, []domain.EventType{domain.EventMarketStatus}, n.Types())

	require.NoError(t, n.Handle(ctx, domain.NewTradeRejectedEvent(domain.TradeRequest{}, domain.RejectInvalidSize, "")))
	require.NoError(t, n.Handle(ctx, domain.NewMarketStatusEvent(domain.MarketStatus{MarketID: "m1", State: domain.ConnLive})))
	require.NoError(t, n.Handle(ctx, domain.NewMarketStatusEvent(domain.MarketStatus{MarketID: "m1", State: domain.ConnDisconnected, Error: "gave up"})))

	require.Len(t, rec.got, 1)
	assert.Equal(t, "Feed disconnected", rec.got[0].title)
	assert.Contains(t, rec.got[0].message, "gave up")
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, Config{}, testLogger())

	err := n.Handle(context.Background(), domain.NewTradeRejectedEvent(
		domain.TradeRequest{MarketID: "m1", Side: domain.OrderSideSell, Size: decimal.NewFromInt(5)},
		domain.RejectExposureLimitExceeded, "limit 100",
	))
	assert.ErrorContains(t, err, "bad: down")
	require.Len(t, good.got, 1)
	assert.Contains(t, good.got[0].message, "ExposureLimitExceeded")
}

func TestTelegramAndDiscordSenders(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var bodies []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tg := NewTelegramSender("TOKEN", "42")
	tg.apiBase = srv.URL
	require.NoError(t, tg.Send(context.Background(), "T", "body"))

	dc := NewDiscordSender(srv.URL + "/hook")
	require.NoError(t, dc.Send(context.Background(), "T", "body"))

	err := NewDiscordSender(srv.URL+"/fail").Send(context.Background(), "T", "body")
	assert.ErrorContains(t, err, "discord: unexpected status 400")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/botTOKEN/sendMessage", "/hook", "/fail"}, paths)
	assert.Equal(t, "42", bodies[0]["chat_id"])
	assert.Equal(t, "*T*\nbody", bodies[0]["text"])
	assert.Equal(t, "**T**\nbody", bodies[1]["content"])
}
