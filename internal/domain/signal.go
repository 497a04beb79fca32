package domain

import "time"

// SignalType identifies the detector that produced a signal.
type SignalType string

const (
	SignalSpreadAnomaly      SignalType = "spread_anomaly"
	SignalMomentum           SignalType = "momentum"
	SignalLiquidityImbalance SignalType = "liquidity_imbalance"
	SignalVolumeSurge        SignalType = "volume_surge"
)

// Signal is a detected microstructure condition. It is immutable once
// emitted.
type Signal struct {
	ID            string     `json:"id"`
	MarketID      string     `json:"market"`
	Type          SignalType `json:"type"`
	Confidence    float64    `json:"confidence"`
	Description   string     `json:"description"`
	SuggestedSide *OrderSide `json:"suggested_side,omitempty"`
	Value         float64    `json:"value"`
	Threshold     float64    `json:"threshold"`
	CreatedAt     time.Time  `json:"created_at"`
}
