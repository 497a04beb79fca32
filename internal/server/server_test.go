package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polypulse/internal/domain"
	"github.com/alanyoungcy/polypulse/internal/server/handler"
)

// fakeControl stands in for the control service.
type fakeControl struct {
	mu        sync.Mutex
	markets   map[string]domain.MarketStatus
	positions map[string]domain.Position
	tradeErr  error
}

func newFakeControl() *fakeControl {
	return &fakeControl{
		markets:   make(map[string]domain.MarketStatus),
		positions: make(map[string]domain.Position),
	}
}

func (f *fakeControl) AddMarket(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets[id] = domain.MarketStatus{MarketID: id, State: domain.ConnConnecting}
	return nil
}

func (f *fakeControl) RemoveMarket(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.markets[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, domain.ErrUnknownMarket)
	}
	delete(f.markets, id)
	return nil
}

func (f *fakeControl) Markets() []domain.MarketStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.MarketStatus
	for _, m := range f.markets {
		out = append(out, m)
	}
	return out
}

func (f *fakeControl) Book(id string) (domain.MarketState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.markets[id]; !ok {
		return domain.MarketState{}, domain.ErrUnknownMarket
	}
	return domain.MarketState{MarketID: id}, nil
}

func (f *fakeControl) ExecuteTrade(_ context.Context, req domain.TradeRequest) (domain.Position, error) {
	if f.tradeErr != nil {
		return domain.Position{}, f.tradeErr
	}
	p := domain.Position{
		ID: "p1", MarketID: req.MarketID, Side: req.Side, Size: req.Size,
		EntryPrice: decimal.RequireFromString("0.5"), Status: domain.PositionStatusOpen,
	}
	f.mu.Lock()
	f.positions[p.ID] = p
	f.mu.Unlock()
	return p, nil
}

func (f *fakeControl) ClosePosition(id, reason string) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[id]
	if !ok || !p.Open() {
		return domain.Position{}, domain.ErrPositionNotFound
	}
	p.Status = domain.PositionStatusClosed
	p.CloseReason = reason
	f.positions[id] = p
	return p, nil
}

func (f *fakeControl) GetOpenPositions() []domain.Position {
	var out []domain.Position
	for _, p := range f.GetPositions() {
		if p.Open() {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeControl) GetPositions() []domain.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Position
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out
}

func (f *fakeControl) GetPosition(id string) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrPositionNotFound
	}
	return p, nil
}

func (f *fakeControl) GetTotalPnL() decimal.Decimal      { return decimal.Zero }
func (f *fakeControl) GetTotalExposure() decimal.Decimal { return decimal.RequireFromString("5") }

func (f *fakeControl) GetStatus() domain.SystemStatus {
	return domain.SystemStatus{Mode: "paper", Feed: domain.ConnDisconnected}
}

type catalogStub map[string]domain.Market

func (c catalogStub) GetMarket(_ context.Context, id string) (domain.Market, error) {
	if m, ok := c[id]; ok {
		return m, nil
	}
	return domain.Market{}, domain.ErrNotFound
}

type countingLimiter struct {
	mu    sync.Mutex
	count map[string]int
	err   error
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count[key]++
	return l.count[key] <= limit, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, cfg Config, ctl *fakeControl, limiter *countingLimiter) http.Handler {
	t.Helper()
	log := testLogger()
	handlers := Handlers{
		Health:    handler.NewHealthHandler(),
		Status:    handler.NewStatusHandler(ctl),
		Markets:   handler.NewMarketHandler(ctl, catalogStub{"c1": {ID: "c1", Status: domain.CatalogStatusActive}}, log),
		Positions: handler.NewPositionHandler(ctl, log),
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "ok_metric 1\n") }),
	}
	if limiter == nil {
		return NewHandler(cfg, handlers, nil, log)
	}
	return NewHandler(cfg, handlers, limiter, log)
}

func do(h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestMarketRoutes(t *testing.T) {
	ctl := newFakeControl()
	h := newTestHandler(t, Config{}, ctl, nil)

	rec := do(h, http.MethodPost, "/api/markets", `{"market":" tok1 "}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(h, http.MethodPost, "/api/markets", `{"market":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/api/markets", `{"nope":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodGet, "/api/markets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["markets"], 1)

	rec = do(h, http.MethodGet, "/api/markets/tok1/book", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok1", decode(t, rec)["market"])

	rec = do(h, http.MethodDelete, "/api/markets/tok1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h, http.MethodDelete, "/api/markets/tok1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/api/markets/tok1/book", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/api/catalog/c1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(h, http.MethodGet, "/api/catalog/zz", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTradeAndPositionRoutes(t *testing.T) {
	ctl := newFakeControl()
	h := newTestHandler(t, Config{}, ctl, nil)

	rec := do(h, http.MethodPost, "/api/trades", `{"market":"tok1","side":"BUY","outcome":"Yes","size":"10"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "p1", decode(t, rec)["id"])

	rec = do(h, http.MethodGet, "/api/positions/p1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodPost, "/api/positions/p1/close", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.CloseReasonManual, decode(t, rec)["close_reason"])

	rec = do(h, http.MethodPost, "/api/positions/p1/close", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/api/positions", "")
	assert.Empty(t, decode(t, rec)["positions"])
	rec = do(h, http.MethodGet, "/api/positions?status=all", "")
	assert.Len(t, decode(t, rec)["positions"], 1)

	rec = do(h, http.MethodGet, "/api/portfolio", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", decode(t, rec)["total_exposure"])
}

func TestTradeRejectionStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		reason string
	}{
		{"exposure", domain.Reject(domain.RejectExposureLimitExceeded, nil), http.StatusUnprocessableEntity, "ExposureLimitExceeded"},
		{"inactive", domain.Reject(domain.RejectMarketInactive, nil), http.StatusUnprocessableEntity, "MarketInactive"},
		{"upstream", domain.Reject(domain.RejectUpstreamExecutionFailed, errors.New("timeout")), http.StatusBadGateway, "UpstreamExecutionFailed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := newFakeControl()
			ctl.tradeErr = tt.err
			h := newTestHandler(t, Config{}, ctl, nil)

			rec := do(h, http.MethodPost, "/api/trades", `{"market":"m","side":"BUY","size":"1"}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.reason, decode(t, rec)["reason"])
		})
	}
}

func TestAuthExemptsHealthAndMetrics(t *testing.T) {
	h := newTestHandler(t, Config{APIKey: "k"}, newFakeControl(), nil)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/status", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/status", "", "Authorization", "Bearer k").Code)
}

func TestRateLimitAppliesToMutatingRoutes(t *testing.T) {
	limiter := &countingLimiter{count: make(map[string]int)}
	h := newTestHandler(t, Config{RateLimit: 1, RateWindow: time.Minute}, newFakeControl(), limiter)

	assert.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/api/markets", `{"market":"a"}`).Code)
	rec := do(h, http.MethodPost, "/api/markets", `{"market":"b"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Reads are not limited.
	for range 3 {
		assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/markets", "").Code)
	}

	// A failing limiter lets requests through.
	limiter.err = errors.New("redis down")
	assert.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/api/markets", `{"market":"c"}`).Code)
}

func TestHealthReportsFailingDependency(t *testing.T) {
	hh := handler.NewHealthHandler(
		handler.Checker{Name: "redis", Check: func(context.Context) error { return nil }},
		handler.Checker{Name: "postgres", Check: func(context.Context) error { return errors.New("refused") }},
	)
	rec := httptest.NewRecorder()
	hh.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"redis": "ok", "postgres": "refused"}, body["dependencies"])
}
