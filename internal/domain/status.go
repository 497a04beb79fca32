package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnState is the per-market feed connection state.
type ConnState string

const (
	ConnDisconnected ConnState = "DISCONNECTED"
	ConnConnecting   ConnState = "CONNECTING"
	ConnLive         ConnState = "LIVE"
	ConnReconnecting ConnState = "RECONNECTING"
)

// MarketStatus describes one monitored market's feed session.
type MarketStatus struct {
	MarketID string    `json:"market"`
	State    ConnState `json:"state"`
	LastSeq  uint64    `json:"last_seq"`
	Since    time.Time `json:"since"`
	Resyncs  int       `json:"resyncs"`
	Error    string    `json:"error,omitempty"`
}

// SystemStatus is returned by the control surface's GetStatus.
type SystemStatus struct {
	Mode          string          `json:"mode"`
	StartedAt     time.Time       `json:"started_at"`
	Feed          ConnState       `json:"feed"`
	Markets       []MarketStatus  `json:"markets"`
	OpenPositions int             `json:"open_positions"`
	TotalExposure decimal.Decimal `json:"total_exposure"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
}
