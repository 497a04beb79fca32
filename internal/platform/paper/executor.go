// Package paper provides order executors that never touch the exchange: a
// simulated one for paper trading and a disabled one for monitor mode.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// Executor fills every order in full at its limit price.
type Executor struct {
	logger *slog.Logger
	fills  atomic.Uint64
}

// NewExecutor creates a paper Executor.
func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{logger: logger.With(slog.String("component", "paper_executor"))}
}

// SubmitOrder implements domain.OrderExecutor.
func (e *Executor) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domain.Fill{}, fmt.Errorf("paper: submit order: %w", err)
	}
	if !req.Side.Valid() || !req.Size.IsPositive() || !req.LimitPrice.IsPositive() {
		return domain.Fill{}, fmt.Errorf("paper: submit order: invalid request %+v", req)
	}

	fill := domain.Fill{
		OrderID:  "paper-" + uuid.NewString(),
		Price:    req.LimitPrice,
		Size:     req.Size,
		FilledAt: time.Now().UTC(),
	}
	e.fills.Add(1)
	e.logger.InfoContext(ctx, "paper_executor: order filled",
		slog.String("order_id", fill.OrderID),
		slog.String("market", req.MarketID),
		slog.String("side", string(req.Side)),
		slog.String("size", req.Size.String()),
		slog.String("price", req.LimitPrice.String()),
	)
	return fill, nil
}

// Fills returns the number of simulated fills.
func (e *Executor) Fills() uint64 {
	return e.fills.Load()
}

// Disabled rejects every order.
type Disabled struct{}

// SubmitOrder implements domain.OrderExecutor.
func (Disabled) SubmitOrder(context.Context, domain.OrderRequest) (domain.Fill, error) {
	return domain.Fill{}, fmt.Errorf("paper: %w", domain.ErrTradingDisabled)
}
