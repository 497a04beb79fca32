// Package executor turns high-confidence signals into trade requests against
// the ledger.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// TradeExecutor is the ledger entry point the executor drives.
type TradeExecutor interface {
	ExecuteTrade(ctx context.Context, req domain.TradeRequest) (domain.Position, error)
}

// Config tunes the autotrader.
type Config struct {
	MinConfidence float64
	Size          decimal.Decimal
	Outcome       string
	// Cooldown is the minimum gap between trades on one market.
	Cooldown time.Duration
	// Types restricts which detectors may trigger trades; empty allows all.
	Types []domain.SignalType
	// Buffer is the signal queue capacity.
	Buffer int
}

// Executor reads signals from a queue fed by the event bus, filters them and
// submits trade requests. Signals arriving while the queue is full are
// dropped.
type Executor struct {
	cfg     Config
	trader  TradeExecutor
	dedup   *Dedup
	types   map[domain.SignalType]bool
	signals chan domain.Signal
	logger  *slog.Logger

	cleanupInterval time.Duration

	accepted atomic.Uint64
	skipped  atomic.Uint64
	dropped  atomic.Uint64
}

// NewExecutor creates an Executor submitting through trader.
func NewExecutor(cfg Config, trader TradeExecutor, logger *slog.Logger) *Executor {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Minute
	}
	e := &Executor{
		cfg:             cfg,
		trader:          trader,
		dedup:           NewDedup(cfg.Cooldown),
		signals:         make(chan domain.Signal, cfg.Buffer),
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
	}
	if len(cfg.Types) > 0 {
		e.types = make(map[domain.SignalType]bool, len(cfg.Types))
		for _, t := range cfg.Types {
			e.types[t] = true
		}
	}
	return e
}

// Handle is an eventbus handler for signal events. It only enqueues, so the
// bus subscriber never waits on upstream order submission.
func (e *Executor) Handle(_ context.Context, evt domain.Event) error {
	sig, ok := evt.Payload.(domain.Signal)
	if !ok {
		return fmt.Errorf("executor: unexpected payload %T for %s event", evt.Payload, evt.Type)
	}
	select {
	case e.signals <- sig:
	default:
		e.dropped.Add(1)
		e.logger.Warn("executor: queue full, dropping signal",
			slog.String("signal_id", sig.ID),
			slog.String("market", sig.MarketID),
		)
	}
	return nil
}

// Run processes queued signals until ctx is cancelled. Signals still queued
// at that point are discarded, not traded.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started",
		slog.Float64("min_confidence", e.cfg.MinConfidence),
		slog.String("size", e.cfg.Size.String()),
		slog.Duration("cooldown", e.cfg.Cooldown),
	)
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return nil
		case sig := <-e.signals:
			e.process(ctx, sig)
		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// qualifies applies the static filters.
func (e *Executor) qualifies(sig domain.Signal) (bool, string) {
	switch {
	case sig.SuggestedSide == nil || !sig.SuggestedSide.Valid():
		return false, "no suggested side"
	case sig.Confidence < e.cfg.MinConfidence:
		return false, "below min confidence"
	case e.types != nil && !e.types[sig.Type]:
		return false, "signal type not traded"
	}
	return true, ""
}

func (e *Executor) process(ctx context.Context, sig domain.Signal) {
	log := e.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("market", sig.MarketID),
		slog.String("type", string(sig.Type)),
	)

	if ok, why := e.qualifies(sig); !ok {
		e.skipped.Add(1)
		log.Debug("signal skipped", slog.String("reason", why))
		return
	}

	// One trade per market per cooldown window.
	if e.dedup.IsDuplicate(sig.MarketID) {
		e.skipped.Add(1)
		log.Debug("market in cooldown, skipping")
		return
	}

	req := domain.TradeRequest{
		MarketID: sig.MarketID,
		Side:     *sig.SuggestedSide,
		Outcome:  e.cfg.Outcome,
		Size:     e.cfg.Size,
	}
	pos, err := e.trader.ExecuteTrade(ctx, req)
	if err != nil {
		var rej *domain.RejectionError
		if errors.As(err, &rej) && rej.Reason == domain.RejectUpstreamExecutionFailed {
			// Nothing was opened; let the next signal try again.
			e.dedup.Forget(sig.MarketID)
		}
		log.Warn("autotrade rejected", slog.String("error", err.Error()))
		return
	}

	e.accepted.Add(1)
	log.Info("autotrade executed",
		slog.String("position_id", pos.ID),
		slog.String("side", string(pos.Side)),
		slog.String("entry_price", pos.EntryPrice.String()),
		slog.Float64("confidence", sig.Confidence),
	)
}

func (e *Executor) drain() {
	for {
		select {
		case sig := <-e.signals:
			e.logger.Warn("discarding signal after shutdown",
				slog.String("signal_id", sig.ID),
				slog.String("market", sig.MarketID),
			)
		default:
			return
		}
	}
}

// SetCleanupInterval changes how often the dedup map is garbage-collected.
// Must be called before Run.
func (e *Executor) SetCleanupInterval(d time.Duration) {
	e.cleanupInterval = d
}

// Stats reports accepted, skipped and dropped signal counts.
func (e *Executor) Stats() (accepted, skipped, dropped uint64) {
	return e.accepted.Load(), e.skipped.Load(), e.dropped.Load()
}

var _ fmt.Stringer = (*Executor)(nil)

// String returns a human-readable description of the executor.
func (e *Executor) String() string {
	return fmt.Sprintf("Executor(min_confidence=%.0f, size=%s)", e.cfg.MinConfidence, e.cfg.Size)
}
