// Package ledger owns the position set. It risk-gates trade requests, submits
// accepted orders upstream, marks open positions to market and settles
// realized PnL exactly once per position.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polypulse/internal/domain"
	"github.com/alanyoungcy/polypulse/internal/retry"
)

// Gate reports whether a market currently accepts orders.
type Gate interface {
	IsTradable(ctx context.Context, marketID string) (bool, error)
}

// QuoteSource exposes the latest book per market. *tracker.Tracker satisfies
// it.
type QuoteSource interface {
	State(marketID string) (domain.MarketState, bool)
}

// Publisher receives ledger events. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(evt domain.Event) domain.Event
}

// Config holds the ledger's risk and execution settings.
type Config struct {
	// MaxExposure caps the summed notional of open positions. Zero disables
	// the ceiling.
	MaxExposure decimal.Decimal
	// SlippageBps offsets the limit price from the reference quote.
	SlippageBps decimal.Decimal
	// TakeProfit and StopLoss are fractions of notional; zero disables each.
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
	OrderType  domain.OrderType
	// SubmitTimeout bounds each submission attempt.
	SubmitTimeout time.Duration
	Submit        retry.Policy
}

// Ledger is safe for concurrent use. A single mutex serializes every mutation
// and every aggregate read; events are published after it is released.
type Ledger struct {
	cfg    Config
	exec   domain.OrderExecutor
	gate   Gate
	quotes QuoteSource
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	positions map[string]*domain.Position
	order     []string
	pending   decimal.Decimal
	// draining is set once by Drain. New requests are refused and fills that
	// land afterwards are closed on arrival.
	draining bool
}

// New creates a Ledger.
func New(
	cfg Config,
	exec domain.OrderExecutor,
	gate Gate,
	quotes QuoteSource,
	pub Publisher,
	logger *slog.Logger,
) *Ledger {
	if cfg.OrderType == "" {
		cfg.OrderType = domain.OrderTypeFOK
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.Submit.AttemptTimeout <= 0 {
		cfg.Submit.AttemptTimeout = cfg.SubmitTimeout
	}
	if cfg.Submit.Retryable == nil {
		cfg.Submit.Retryable = func(err error) bool { return errors.Is(err, domain.ErrRetryable) }
	}
	return &Ledger{
		cfg:       cfg,
		exec:      exec,
		gate:      gate,
		quotes:    quotes,
		pub:       pub,
		logger:    logger.With(slog.String("component", "ledger")),
		now:       time.Now,
		positions: make(map[string]*domain.Position),
	}
}

// ExecuteTrade validates req, submits it upstream and opens a position at the
// confirmed fill. Every refusal is a *domain.RejectionError and publishes a
// trade_rejected event; a rejected request leaves the ledger untouched.
func (l *Ledger) ExecuteTrade(ctx context.Context, req domain.TradeRequest) (domain.Position, error) {
	if !req.Size.IsPositive() {
		return domain.Position{}, l.reject(ctx, req, domain.RejectInvalidSize,
			fmt.Errorf("size %s must be positive", req.Size))
	}
	if !req.Side.Valid() {
		return domain.Position{}, l.reject(ctx, req, domain.RejectInvalidSize,
			fmt.Errorf("unknown side %q", req.Side))
	}

	tradable, err := l.gate.IsTradable(ctx, req.MarketID)
	if err != nil {
		return domain.Position{}, l.reject(ctx, req, domain.RejectMarketInactive, err)
	}
	if !tradable {
		return domain.Position{}, l.reject(ctx, req, domain.RejectMarketInactive,
			fmt.Errorf("market %s is not accepting orders", req.MarketID))
	}

	ref, err := l.referencePrice(req)
	if err != nil {
		return domain.Position{}, l.reject(ctx, req, domain.RejectMarketInactive, err)
	}
	limit := LimitPrice(req.Side, ref, l.cfg.SlippageBps)
	notional := limit.Mul(req.Size)

	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return domain.Position{}, l.reject(ctx, req, domain.RejectMarketInactive,
			errors.New("ledger is draining for shutdown"))
	}
	committed := l.exposureLocked().Add(l.pending)
	if l.cfg.MaxExposure.IsPositive() && committed.Add(notional).GreaterThan(l.cfg.MaxExposure) {
		l.mu.Unlock()
		return domain.Position{}, l.reject(ctx, req, domain.RejectExposureLimitExceeded,
			fmt.Errorf("exposure %s + %s exceeds ceiling %s", committed, notional, l.cfg.MaxExposure))
	}
	l.pending = l.pending.Add(notional)
	l.mu.Unlock()

	order := domain.OrderRequest{
		ClientID:   uuid.NewString(),
		MarketID:   req.MarketID,
		Side:       req.Side,
		Size:       req.Size,
		LimitPrice: limit,
		Type:       l.cfg.OrderType,
	}
	fill, err := l.submit(ctx, order)

	l.mu.Lock()
	l.pending = l.pending.Sub(notional)
	if err != nil {
		l.mu.Unlock()
		return domain.Position{}, l.reject(ctx, req, domain.RejectUpstreamExecutionFailed, err)
	}

	entry := fill.Price
	if !entry.IsPositive() {
		entry = limit
	}
	size := fill.Size
	if !size.IsPositive() {
		size = req.Size
	}
	openedAt := fill.FilledAt
	if openedAt.IsZero() {
		openedAt = l.now()
	}
	pos := &domain.Position{
		ID:            uuid.NewString(),
		MarketID:      req.MarketID,
		Side:          req.Side,
		Outcome:       req.Outcome,
		Size:          size,
		EntryPrice:    entry,
		CurrentPrice:  entry,
		UnrealizedPnL: decimal.Zero,
		Status:        domain.PositionStatusOpen,
		RealizedPnL:   decimal.Zero,
		OrderID:       fill.OrderID,
		OpenedAt:      openedAt.UTC(),
	}
	l.positions[pos.ID] = pos
	l.order = append(l.order, pos.ID)
	opened := *pos
	// The drain already ran; settle the late fill instead of orphaning it.
	late := l.draining
	if late {
		l.closeLocked(pos, domain.CloseReasonShutdown)
	}
	out := *pos
	l.mu.Unlock()

	l.pub.Publish(domain.NewTradeExecutedEvent(opened))
	l.logger.InfoContext(ctx, "ledger: position opened",
		slog.String("position_id", opened.ID),
		slog.String("market", opened.MarketID),
		slog.String("side", string(opened.Side)),
		slog.String("entry_price", opened.EntryPrice.String()),
		slog.String("size", opened.Size.String()),
		slog.String("order_id", opened.OrderID),
	)
	if late {
		l.announceClose(out)
	}
	return out, nil
}

func (l *Ledger) referencePrice(req domain.TradeRequest) (decimal.Decimal, error) {
	st, ok := l.quotes.State(req.MarketID)
	if !ok {
		return decimal.Zero, fmt.Errorf("no book for market %s", req.MarketID)
	}
	px := st.BestAsk
	if req.Side == domain.OrderSideSell {
		px = st.BestBid
	}
	if px <= 0 {
		return decimal.Zero, fmt.Errorf("no %s quote for market %s", req.Side, req.MarketID)
	}
	return decimal.NewFromFloat(px), nil
}

func (l *Ledger) submit(ctx context.Context, order domain.OrderRequest) (domain.Fill, error) {
	var fill domain.Fill
	policy := l.cfg.Submit.With(func(attempt int, err error, wait time.Duration) {
		l.logger.WarnContext(ctx, "ledger: order submission failed, retrying",
			slog.String("client_id", order.ClientID),
			slog.String("market", order.MarketID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	})
	err := policy.Do(ctx, func(actx context.Context) error {
		f, err := l.exec.SubmitOrder(actx, order)
		if err != nil {
			return err
		}
		fill = f
		return nil
	})
	if err != nil {
		return domain.Fill{}, fmt.Errorf("submit order %s: %w", order.ClientID, err)
	}
	return fill, nil
}

func (l *Ledger) reject(ctx context.Context, req domain.TradeRequest, reason domain.RejectReason, cause error) error {
	rej := domain.Reject(reason, cause)
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	l.pub.Publish(domain.NewTradeRejectedEvent(req, reason, detail))
	l.logger.WarnContext(ctx, "ledger: trade rejected",
		slog.String("market", req.MarketID),
		slog.String("side", string(req.Side)),
		slog.String("size", req.Size.String()),
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
	)
	return rej
}

// UpdatePosition marks an open position at price and recomputes its
// unrealized PnL. A closed position is returned unchanged. An unknown id
// yields domain.ErrPositionNotFound and leaves the ledger untouched.
func (l *Ledger) UpdatePosition(id string, price decimal.Decimal) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: update %s: %w", id, domain.ErrPositionNotFound)
	}
	if p.Open() {
		mark(p, price)
	}
	return *p, nil
}

func mark(p *domain.Position, price decimal.Decimal) {
	p.CurrentPrice = price
	p.UnrealizedPnL = UnrealizedPnL(p.Side, p.EntryPrice, price, p.Size)
}

// MarkMarket marks every open position in marketID at price. Positions that
// cross the configured take-profit or stop-loss are closed and returned.
func (l *Ledger) MarkMarket(marketID string, price decimal.Decimal) []domain.Position {
	if !price.IsPositive() {
		return nil
	}

	l.mu.Lock()
	var closed []domain.Position
	for _, id := range l.order {
		p := l.positions[id]
		if p.MarketID != marketID || !p.Open() {
			continue
		}
		mark(p, price)
		if reason := l.exitReason(*p); reason != "" {
			closed = append(closed, l.closeLocked(p, reason))
		}
	}
	l.mu.Unlock()

	for _, p := range closed {
		l.announceClose(p)
	}
	return closed
}

func (l *Ledger) exitReason(p domain.Position) string {
	ret := ReturnOnNotional(p)
	switch {
	case l.cfg.TakeProfit.IsPositive() && ret.GreaterThanOrEqual(l.cfg.TakeProfit):
		return domain.CloseReasonTakeProfit
	case l.cfg.StopLoss.IsPositive() && ret.LessThanOrEqual(l.cfg.StopLoss.Neg()):
		return domain.CloseReasonStopLoss
	}
	return ""
}

// ClosePosition settles an open position at its last marked price. Closing an
// unknown or already closed position yields domain.ErrPositionNotFound.
func (l *Ledger) ClosePosition(id, reason string) (domain.Position, error) {
	if reason == "" {
		reason = domain.CloseReasonManual
	}
	l.mu.Lock()
	p, ok := l.positions[id]
	if !ok || !p.Open() {
		l.mu.Unlock()
		return domain.Position{}, fmt.Errorf("ledger: close %s: %w", id, domain.ErrPositionNotFound)
	}
	out := l.closeLocked(p, reason)
	l.mu.Unlock()

	l.announceClose(out)
	return out, nil
}

func (l *Ledger) closeLocked(p *domain.Position, reason string) domain.Position {
	now := l.now().UTC()
	p.RealizedPnL = UnrealizedPnL(p.Side, p.EntryPrice, p.CurrentPrice, p.Size)
	p.UnrealizedPnL = decimal.Zero
	p.Status = domain.PositionStatusClosed
	p.CloseReason = reason
	p.ClosedAt = &now
	return *p
}

func (l *Ledger) announceClose(p domain.Position) {
	l.pub.Publish(domain.NewPositionClosedEvent(p))
	l.logger.Info("ledger: position closed",
		slog.String("position_id", p.ID),
		slog.String("market", p.MarketID),
		slog.String("reason", p.CloseReason),
		slog.String("exit_price", p.CurrentPrice.String()),
		slog.String("realized_pnl", p.RealizedPnL.String()),
	)
}

// CloseAll closes every open position with reason and returns them.
func (l *Ledger) CloseAll(reason string) []domain.Position {
	return l.closeAll(reason, false)
}

// Drain stops the ledger from opening positions and closes every open one
// with the Shutdown reason. A submission still in flight is closed as soon as
// its fill arrives.
func (l *Ledger) Drain() []domain.Position {
	return l.closeAll(domain.CloseReasonShutdown, true)
}

func (l *Ledger) closeAll(reason string, drain bool) []domain.Position {
	l.mu.Lock()
	if drain {
		l.draining = true
	}
	var closed []domain.Position
	for _, id := range l.order {
		if p := l.positions[id]; p.Open() {
			closed = append(closed, l.closeLocked(p, reason))
		}
	}
	l.mu.Unlock()

	for _, p := range closed {
		l.announceClose(p)
	}
	return closed
}

// OpenPositions returns open positions in the order they were opened.
func (l *Ledger) OpenPositions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.order))
	for _, id := range l.order {
		if p := l.positions[id]; p.Open() {
			out = append(out, *p)
		}
	}
	return out
}

// Positions returns every position, open and closed, in opening order.
func (l *Ledger) Positions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.positions[id])
	}
	return out
}

// Position returns one position by id.
func (l *Ledger) Position(id string) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: get %s: %w", id, domain.ErrPositionNotFound)
	}
	return *p, nil
}

// TotalPnL is realized PnL over closed positions plus unrealized PnL over
// open ones.
func (l *Ledger) TotalPnL() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, p := range l.positions {
		if p.Open() {
			total = total.Add(p.UnrealizedPnL)
		} else {
			total = total.Add(p.RealizedPnL)
		}
	}
	return total
}

// TotalExposure sums |entry x size| over open positions.
func (l *Ledger) TotalExposure() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exposureLocked()
}

func (l *Ledger) exposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.positions {
		if p.Open() {
			total = total.Add(p.Notional())
		}
	}
	return total
}

// OpenMarkets lists markets with at least one open position.
func (l *Ledger) OpenMarkets() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, id := range l.order {
		p := l.positions[id]
		if p.Open() && !seen[p.MarketID] {
			seen[p.MarketID] = true
			out = append(out, p.MarketID)
		}
	}
	slices.Sort(out)
	return out
}

// Handle is an eventbus handler that marks positions from orderbook events
// at the mid price.
func (l *Ledger) Handle(_ context.Context, evt domain.Event) error {
	st, ok := evt.Payload.(domain.MarketState)
	if !ok {
		return fmt.Errorf("ledger: unexpected payload %T for %s event", evt.Payload, evt.Type)
	}
	if !st.Quoted {
		return nil
	}
	l.MarkMarket(st.MarketID, decimal.NewFromFloat(st.MidPrice))
	return nil
}
