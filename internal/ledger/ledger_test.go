package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polypulse/internal/domain"
	"github.com/alanyoungcy/polypulse/internal/retry"
)

type fakeGate struct {
	inactive map[string]bool
	err      error
}

func (g *fakeGate) IsTradable(_ context.Context, marketID string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	return !g.inactive[marketID], nil
}

type fakeQuotes map[string]domain.MarketState

func (q fakeQuotes) State(marketID string) (domain.MarketState, bool) {
	st, ok := q[marketID]
	return st, ok
}

func quote(market string, bid, ask float64) domain.MarketState {
	return domain.MarketState{MarketID: market, BestBid: bid, BestAsk: ask, Quoted: true}
}

// fakeExec fills at the order's limit price unless err is set.
type fakeExec struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (e *fakeExec) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.err != nil {
		return domain.Fill{}, e.err
	}
	return domain.Fill{OrderID: "ord-" + req.ClientID, Price: req.LimitPrice, Size: req.Size}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(evt domain.Event) domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return evt
}

func (r *recorder) ofType(typ domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	ledger *Ledger
	exec   *fakeExec
	gate   *fakeGate
	quotes fakeQuotes
	events *recorder
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		exec: &fakeExec{},
		gate: &fakeGate{inactive: map[string]bool{}},
		quotes: fakeQuotes{
			"m40": quote("m40", 0.39, 0.40),
			"m60": quote("m60", 0.59, 0.60),
			"b40": quote("b40", 0.40, 0.41),
		},
		events: &recorder{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.ledger = New(cfg, f.exec, f.gate, f.quotes, f.events, logger)
	return f
}

func buy(market, size string) domain.TradeRequest {
	return domain.TradeRequest{MarketID: market, Side: domain.OrderSideBuy, Outcome: "Yes", Size: dec(size)}
}

func TestExecuteTradeOpensPosition(t *testing.T) {
	f := newFixture(Config{MaxExposure: dec("100")})

	pos, err := f.ledger.ExecuteTrade(context.Background(), buy("m40", "10"))
	require.NoError(t, err)

	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.True(t, pos.EntryPrice.Equal(dec("0.40")))
	assert.True(t, pos.CurrentPrice.Equal(dec("0.40")))
	assert.True(t, pos.UnrealizedPnL.IsZero())
	assert.NotEmpty(t, pos.OrderID)

	executed := f.events.ofType(domain.EventTradeExecuted)
	require.Len(t, executed, 1)
	assert.Equal(t, pos.ID, executed[0].Payload.(domain.TradeExecuted).Position.ID)
}

func TestUpdatePosition(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	long, err := f.ledger.ExecuteTrade(ctx, buy("m40", "10"))
	require.NoError(t, err)
	short, err := f.ledger.ExecuteTrade(ctx, domain.TradeRequest{
		MarketID: "b40", Side: domain.OrderSideSell, Size: dec("10"),
	})
	require.NoError(t, err)
	require.True(t, short.EntryPrice.Equal(dec("0.40")))

	got, err := f.ledger.UpdatePosition(long.ID, dec("0.45"))
	require.NoError(t, err)
	assert.True(t, got.UnrealizedPnL.Equal(dec("0.50")), "long pnl %s", got.UnrealizedPnL)

	got, err = f.ledger.UpdatePosition(short.ID, dec("0.45"))
	require.NoError(t, err)
	assert.True(t, got.UnrealizedPnL.Equal(dec("-0.50")), "short pnl %s", got.UnrealizedPnL)

	again, err := f.ledger.UpdatePosition(long.ID, dec("0.45"))
	require.NoError(t, err)
	assert.True(t, again.UnrealizedPnL.Equal(dec("0.50")))

	_, err = f.ledger.UpdatePosition("missing", dec("0.45"))
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	closed, err := f.ledger.ClosePosition(long.ID, domain.CloseReasonManual)
	require.NoError(t, err)
	after, err := f.ledger.UpdatePosition(long.ID, dec("0.90"))
	require.NoError(t, err)
	assert.True(t, after.CurrentPrice.Equal(closed.CurrentPrice))
	assert.True(t, after.RealizedPnL.Equal(dec("0.50")))
}

func TestExposureAdditivity(t *testing.T) {
	f := newFixture(Config{MaxExposure: dec("100")})
	ctx := context.Background()

	first, err := f.ledger.ExecuteTrade(ctx, buy("m40", "10"))
	require.NoError(t, err)
	_, err = f.ledger.ExecuteTrade(ctx, buy("m60", "5"))
	require.NoError(t, err)

	assert.True(t, f.ledger.TotalExposure().Equal(dec("7.0")), "exposure %s", f.ledger.TotalExposure())

	_, err = f.ledger.ClosePosition(first.ID, domain.CloseReasonManual)
	require.NoError(t, err)
	assert.True(t, f.ledger.TotalExposure().Equal(dec("3.0")), "exposure %s", f.ledger.TotalExposure())
}

func TestDoubleClose(t *testing.T) {
	f := newFixture(Config{})
	pos, err := f.ledger.ExecuteTrade(context.Background(), buy("m40", "10"))
	require.NoError(t, err)
	_, err = f.ledger.UpdatePosition(pos.ID, dec("0.45"))
	require.NoError(t, err)

	closed, err := f.ledger.ClosePosition(pos.ID, domain.CloseReasonManual)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
	assert.Equal(t, domain.CloseReasonManual, closed.CloseReason)
	assert.True(t, closed.RealizedPnL.Equal(dec("0.50")))
	require.NotNil(t, closed.ClosedAt)

	_, err = f.ledger.ClosePosition(pos.ID, domain.CloseReasonManual)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	_, err = f.ledger.ClosePosition("missing", domain.CloseReasonManual)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	assert.Len(t, f.events.ofType(domain.EventPositionClosed), 1)
	assert.True(t, f.ledger.TotalPnL().Equal(dec("0.50")))
}

func TestExposureCeilingRejects(t *testing.T) {
	f := newFixture(Config{MaxExposure: dec("5")})
	ctx := context.Background()

	_, err := f.ledger.ExecuteTrade(ctx, buy("m40", "10"))
	require.NoError(t, err)

	_, err = f.ledger.ExecuteTrade(ctx, buy("m60", "5"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExposureLimitExceeded)

	var rej *domain.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.RejectExposureLimitExceeded, rej.Reason)

	assert.Len(t, f.ledger.OpenPositions(), 1)
	assert.EqualValues(t, 1, f.exec.calls.Load())

	rejected := f.events.ofType(domain.EventTradeRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, domain.RejectExposureLimitExceeded, rejected[0].Payload.(domain.TradeRejected).Reason)
}

func TestRejectionReasons(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fixture)
		req    domain.TradeRequest
		reason domain.RejectReason
		target error
	}{
		{
			name:   "zero size",
			req:    buy("m40", "0"),
			reason: domain.RejectInvalidSize,
			target: domain.ErrInvalidSize,
		},
		{
			name:   "negative size",
			req:    buy("m40", "-3"),
			reason: domain.RejectInvalidSize,
			target: domain.ErrInvalidSize,
		},
		{
			name:   "inactive market",
			setup:  func(f *fixture) { f.gate.inactive["m40"] = true },
			req:    buy("m40", "1"),
			reason: domain.RejectMarketInactive,
			target: domain.ErrMarketInactive,
		},
		{
			name:   "no quote",
			req:    buy("unknown", "1"),
			reason: domain.RejectMarketInactive,
			target: domain.ErrMarketInactive,
		},
		{
			name:   "upstream down",
			setup:  func(f *fixture) { f.exec.err = errors.New("connection refused") },
			req:    buy("m40", "1"),
			reason: domain.RejectUpstreamExecutionFailed,
			target: domain.ErrUpstreamExecutionFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Config{MaxExposure: dec("100")})
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.ledger.ExecuteTrade(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)

			var rej *domain.RejectionError
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Empty(t, f.ledger.Positions())
			assert.True(t, f.ledger.TotalExposure().IsZero())
			assert.Len(t, f.events.ofType(domain.EventTradeRejected), 1)
		})
	}
}

func TestRetryableSubmitErrorsAreRetried(t *testing.T) {
	f := newFixture(Config{Submit: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}})
	f.exec.err = errors.Join(domain.ErrRetryable, errors.New("429"))

	_, err := f.ledger.ExecuteTrade(context.Background(), buy("m40", "1"))
	assert.ErrorIs(t, err, domain.ErrUpstreamExecutionFailed)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.EqualValues(t, 3, f.exec.calls.Load())

	f.exec.calls.Store(0)
	f.exec.err = errors.New("order rejected: not enough balance")
	_, err = f.ledger.ExecuteTrade(context.Background(), buy("m40", "1"))
	assert.ErrorIs(t, err, domain.ErrUpstreamExecutionFailed)
	assert.EqualValues(t, 1, f.exec.calls.Load())
}

func TestConcurrentTradesRespectCeiling(t *testing.T) {
	f := newFixture(Config{MaxExposure: dec("10")})
	f.exec.delay = 20 * time.Millisecond

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.ExecuteTrade(context.Background(), buy("m40", "10")); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2, accepted.Load())
	assert.True(t, f.ledger.TotalExposure().LessThanOrEqual(dec("10")))
}

func TestTakeProfitAndStopLoss(t *testing.T) {
	f := newFixture(Config{TakeProfit: dec("0.10"), StopLoss: dec("0.05")})
	ctx := context.Background()

	winner, err := f.ledger.ExecuteTrade(ctx, buy("m40", "10"))
	require.NoError(t, err)
	loser, err := f.ledger.ExecuteTrade(ctx, buy("m60", "10"))
	require.NoError(t, err)

	assert.Empty(t, f.ledger.MarkMarket("m40", dec("0.42")))

	closed := f.ledger.MarkMarket("m40", dec("0.44"))
	require.Len(t, closed, 1)
	assert.Equal(t, winner.ID, closed[0].ID)
	assert.Equal(t, domain.CloseReasonTakeProfit, closed[0].CloseReason)
	assert.True(t, closed[0].RealizedPnL.Equal(dec("0.40")))

	closed = f.ledger.MarkMarket("m60", dec("0.57"))
	require.Len(t, closed, 1)
	assert.Equal(t, loser.ID, closed[0].ID)
	assert.Equal(t, domain.CloseReasonStopLoss, closed[0].CloseReason)
}

func TestHandleMarksAtMid(t *testing.T) {
	f := newFixture(Config{})
	pos, err := f.ledger.ExecuteTrade(context.Background(), buy("m40", "10"))
	require.NoError(t, err)

	st := quote("m40", 0.44, 0.46)
	st.MidPrice = 0.45
	require.NoError(t, f.ledger.Handle(context.Background(), domain.NewOrderbookEvent(st)))

	got, err := f.ledger.Position(pos.ID)
	require.NoError(t, err)
	assert.True(t, got.UnrealizedPnL.Equal(dec("0.5")), "pnl %s", got.UnrealizedPnL)
}

func TestCloseAllOnShutdown(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	for _, m := range []string{"m40", "m60", "m40"} {
		_, err := f.ledger.ExecuteTrade(ctx, buy(m, "1"))
		require.NoError(t, err)
	}

	closed := f.ledger.CloseAll(domain.CloseReasonShutdown)
	assert.Len(t, closed, 3)
	for _, p := range closed {
		assert.Equal(t, domain.CloseReasonShutdown, p.CloseReason)
	}
	assert.Empty(t, f.ledger.OpenPositions())
	assert.True(t, f.ledger.TotalExposure().IsZero())
	assert.Len(t, f.events.ofType(domain.EventPositionClosed), 3)
	assert.Empty(t, f.ledger.CloseAll(domain.CloseReasonShutdown))
}

func TestDrainSettlesInFlightFill(t *testing.T) {
	f := newFixture(Config{})
	f.exec.delay = 100 * time.Millisecond

	type result struct {
		pos domain.Position
		err error
	}
	done := make(chan result, 1)
	go func() {
		pos, err := f.ledger.ExecuteTrade(context.Background(), buy("m40", "5"))
		done <- result{pos, err}
	}()

	require.Eventually(t, func() bool { return f.exec.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, f.ledger.Drain())

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, domain.PositionStatusClosed, res.pos.Status)
	assert.Equal(t, domain.CloseReasonShutdown, res.pos.CloseReason)
	assert.Empty(t, f.ledger.OpenPositions())
	assert.True(t, f.ledger.TotalExposure().IsZero())
	assert.Len(t, f.events.ofType(domain.EventTradeExecuted), 1)
	assert.Len(t, f.events.ofType(domain.EventPositionClosed), 1)
}

func TestDrainRefusesNewTrades(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	_, err := f.ledger.ExecuteTrade(ctx, buy("m40", "1"))
	require.NoError(t, err)

	assert.Len(t, f.ledger.Drain(), 1)

	_, err = f.ledger.ExecuteTrade(ctx, buy("m60", "1"))
	var rej *domain.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.RejectMarketInactive, rej.Reason)
	assert.Equal(t, int32(1), f.exec.calls.Load())
	assert.Empty(t, f.ledger.OpenPositions())
	assert.Len(t, f.ledger.Positions(), 1)
}

func TestTotalPnLCombinesRealizedAndUnrealized(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	a, err := f.ledger.ExecuteTrade(ctx, buy("m40", "10"))
	require.NoError(t, err)
	b, err := f.ledger.ExecuteTrade(ctx, buy("m60", "10"))
	require.NoError(t, err)

	_, err = f.ledger.UpdatePosition(a.ID, dec("0.45"))
	require.NoError(t, err)
	_, err = f.ledger.ClosePosition(a.ID, "")
	require.NoError(t, err)
	_, err = f.ledger.UpdatePosition(b.ID, dec("0.58"))
	require.NoError(t, err)

	assert.True(t, f.ledger.TotalPnL().Equal(dec("0.30")), "total %s", f.ledger.TotalPnL())
}
