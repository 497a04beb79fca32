package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// Close reasons recorded on a closed position.
const (
	CloseReasonManual     = "Manual"
	CloseReasonShutdown   = "Shutdown"
	CloseReasonTakeProfit = "TakeProfit"
	CloseReasonStopLoss   = "StopLoss"
)

// Position is a directional exposure to one outcome token. It is created by an
// accepted trade and moves to CLOSED exactly once.
type Position struct {
	ID            string          `json:"id"`
	MarketID      string          `json:"market"`
	Side          OrderSide       `json:"side"`
	Outcome       string          `json:"outcome"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Status        PositionStatus  `json:"status"`
	CloseReason   string          `json:"close_reason,omitempty"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	OrderID       string          `json:"order_id,omitempty"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// Open reports whether the position is still OPEN.
func (p Position) Open() bool {
	return p.Status == PositionStatusOpen
}

// Notional is |entry price x size|.
func (p Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Size).Abs()
}
