package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// Sign is +1 for BUY and -1 for SELL.
func (s OrderSide) Sign() decimal.Decimal {
	if s == OrderSideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
)

// OrderRequest is what the ledger hands to an OrderExecutor after a trade
// request passes risk checks.
type OrderRequest struct {
	ClientID   string
	MarketID   string
	Side       OrderSide
	Size       decimal.Decimal
	LimitPrice decimal.Decimal
	Type       OrderType
}

// Fill is the upstream confirmation of an executed order.
type Fill struct {
	OrderID  string
	Price    decimal.Decimal
	Size     decimal.Decimal
	FilledAt time.Time
}
