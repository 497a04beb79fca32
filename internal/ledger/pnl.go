package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

var (
	bpsDivisor = decimal.NewFromInt(10_000)
	minPrice   = decimal.RequireFromString("0.001")
	maxPrice   = decimal.RequireFromString("0.999")
)

// UnrealizedPnL is (current - entry) x size, negated for SELL.
func UnrealizedPnL(side domain.OrderSide, entry, current, size decimal.Decimal) decimal.Decimal {
	return current.Sub(entry).Mul(size).Mul(side.Sign())
}

// ReturnOnNotional is pnl / |entry x size|, zero for an empty notional.
func ReturnOnNotional(p domain.Position) decimal.Decimal {
	n := p.Notional()
	if n.IsZero() {
		return decimal.Zero
	}
	return p.UnrealizedPnL.Div(n)
}

// LimitPrice offsets the reference quote by slippageBps against the trader
// (up for BUY, down for SELL) and clamps the result into the tradable range.
func LimitPrice(side domain.OrderSide, ref, slippageBps decimal.Decimal) decimal.Decimal {
	adj := ref.Mul(slippageBps).Div(bpsDivisor)
	px := ref.Add(adj)
	if side == domain.OrderSideSell {
		px = ref.Sub(adj)
	}
	px = px.Round(4)
	switch {
	case px.LessThan(minPrice):
		return minPrice
	case px.GreaterThan(maxPrice):
		return maxPrice
	}
	return px
}
