package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// MarketTracker is the part of the tracker the control surface drives.
type MarketTracker interface {
	Subscribe(ctx context.Context, marketID string) error
	Unsubscribe(marketID string)
	State(marketID string) (domain.MarketState, bool)
	MarketStatus(marketID string) (domain.MarketStatus, bool)
	Status() []domain.MarketStatus
	Close()
}

// SignalForgetter drops per-market detector state.
type SignalForgetter interface {
	Forget(marketID string)
}

// PositionLedger is the part of the ledger the control surface exposes.
type PositionLedger interface {
	ExecuteTrade(ctx context.Context, req domain.TradeRequest) (domain.Position, error)
	ClosePosition(id, reason string) (domain.Position, error)
	Drain() []domain.Position
	OpenPositions() []domain.Position
	Positions() []domain.Position
	Position(id string) (domain.Position, error)
	TotalPnL() decimal.Decimal
	TotalExposure() decimal.Decimal
}

// ControlService is the operator-facing surface: market membership, trading
// and portfolio reads. It also owns the ordered shutdown drain.
type ControlService struct {
	mode    string
	started time.Time
	tracker MarketTracker
	signals SignalForgetter
	ledger  PositionLedger
	books   domain.BookCache
	logger  *slog.Logger

	shutdown sync.Once
}

// NewControlService creates a ControlService. books may be nil.
func NewControlService(
	mode string,
	tracker MarketTracker,
	signals SignalForgetter,
	ledger PositionLedger,
	books domain.BookCache,
	logger *slog.Logger,
) *ControlService {
	return &ControlService{
		mode:    mode,
		started: time.Now().UTC(),
		tracker: tracker,
		signals: signals,
		ledger:  ledger,
		books:   books,
		logger:  logger,
	}
}

// AddMarket starts monitoring marketID. Adding a monitored market is a no-op.
func (s *ControlService) AddMarket(ctx context.Context, marketID string) error {
	marketID = strings.TrimSpace(marketID)
	if marketID == "" {
		return errors.New("control_service: market id is required")
	}
	if err := s.tracker.Subscribe(ctx, marketID); err != nil {
		return fmt.Errorf("control_service: add market: %w", err)
	}
	s.logger.InfoContext(ctx, "control_service: market added", slog.String("market", marketID))
	return nil
}

// RemoveMarket stops monitoring marketID and drops its derived state.
func (s *ControlService) RemoveMarket(ctx context.Context, marketID string) error {
	if _, ok := s.tracker.MarketStatus(marketID); !ok {
		return fmt.Errorf("control_service: remove market %q: %w", marketID, domain.ErrUnknownMarket)
	}
	s.tracker.Unsubscribe(marketID)
	s.signals.Forget(marketID)
	if s.books != nil {
		if err := s.books.Delete(ctx, marketID); err != nil {
			s.logger.WarnContext(ctx, "control_service: book cache delete failed",
				slog.String("market", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.logger.InfoContext(ctx, "control_service: market removed", slog.String("market", marketID))
	return nil
}

// Markets lists monitored markets with their feed status.
func (s *ControlService) Markets() []domain.MarketStatus {
	return s.tracker.Status()
}

// Book returns the live book for marketID.
func (s *ControlService) Book(marketID string) (domain.MarketState, error) {
	st, ok := s.tracker.State(marketID)
	if !ok {
		return domain.MarketState{}, fmt.Errorf("control_service: book %q: %w", marketID, domain.ErrUnknownMarket)
	}
	return st, nil
}

// ExecuteTrade forwards req to the ledger.
func (s *ControlService) ExecuteTrade(ctx context.Context, req domain.TradeRequest) (domain.Position, error) {
	return s.ledger.ExecuteTrade(ctx, req)
}

// ClosePosition closes position id with reason (Manual when empty).
func (s *ControlService) ClosePosition(id, reason string) (domain.Position, error) {
	return s.ledger.ClosePosition(id, reason)
}

// GetOpenPositions returns the open positions.
func (s *ControlService) GetOpenPositions() []domain.Position {
	return s.ledger.OpenPositions()
}

// GetPositions returns all positions, open and closed.
func (s *ControlService) GetPositions() []domain.Position {
	return s.ledger.Positions()
}

// GetPosition returns one position.
func (s *ControlService) GetPosition(id string) (domain.Position, error) {
	return s.ledger.Position(id)
}

// GetTotalPnL returns realized plus unrealized PnL.
func (s *ControlService) GetTotalPnL() decimal.Decimal {
	return s.ledger.TotalPnL()
}

// GetTotalExposure returns the open notional.
func (s *ControlService) GetTotalExposure() decimal.Decimal {
	return s.ledger.TotalExposure()
}

// GetStatus reports the aggregate feed state, monitored markets and a
// portfolio summary.
func (s *ControlService) GetStatus() domain.SystemStatus {
	markets := s.tracker.Status()
	return domain.SystemStatus{
		Mode:          s.mode,
		StartedAt:     s.started,
		Feed:          aggregateState(markets),
		Markets:       markets,
		OpenPositions: len(s.ledger.OpenPositions()),
		TotalExposure: s.ledger.TotalExposure(),
		TotalPnL:      s.ledger.TotalPnL(),
	}
}

// aggregateState is LIVE only when every market is LIVE; otherwise it reports
// the least healthy state seen.
func aggregateState(markets []domain.MarketStatus) domain.ConnState {
	if len(markets) == 0 {
		return domain.ConnDisconnected
	}
	rank := map[domain.ConnState]int{
		domain.ConnLive:         0,
		domain.ConnConnecting:   1,
		domain.ConnReconnecting: 2,
		domain.ConnDisconnected: 3,
	}
	worst := domain.ConnLive
	for _, m := range markets {
		if rank[m.State] > rank[worst] {
			worst = m.State
		}
	}
	return worst
}

// Shutdown closes every open position with the Shutdown reason and then
// releases the feed connections. Later calls do nothing.
func (s *ControlService) Shutdown(ctx context.Context) {
	s.shutdown.Do(func() {
		closed := s.ledger.Drain()
		s.logger.InfoContext(ctx, "control_service: positions drained",
			slog.Int("closed", len(closed)),
			slog.String("realized_pnl", s.ledger.TotalPnL().String()),
		)
		s.tracker.Close()
	})
}
