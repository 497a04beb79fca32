package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TradeRequest asks the ledger to open a position. It is validated and either
// produces a Position or a rejection; it is never stored.
type TradeRequest struct {
	MarketID string          `json:"market"`
	Side     OrderSide       `json:"side"`
	Outcome  string          `json:"outcome"`
	Size     decimal.Decimal `json:"size"`
}

// RejectReason enumerates why a trade request was refused.
type RejectReason string

const (
	RejectInvalidSize             RejectReason = "InvalidSize"
	RejectMarketInactive          RejectReason = "MarketInactive"
	RejectExposureLimitExceeded   RejectReason = "ExposureLimitExceeded"
	RejectUpstreamExecutionFailed RejectReason = "UpstreamExecutionFailed"
)

// Sentinel returns the package error matching r.
func (r RejectReason) Sentinel() error {
	switch r {
	case RejectInvalidSize:
		return ErrInvalidSize
	case RejectMarketInactive:
		return ErrMarketInactive
	case RejectExposureLimitExceeded:
		return ErrExposureLimitExceeded
	default:
		return ErrUpstreamExecutionFailed
	}
}

// RejectionError is returned by ExecuteTrade for every refused request.
// errors.Is matches both the reason sentinel and the underlying cause.
type RejectionError struct {
	Reason RejectReason
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("trade rejected: %s", e.Reason)
	}
	return fmt.Sprintf("trade rejected: %s: %v", e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason.Sentinel()}
	}
	return []error{e.Reason.Sentinel(), e.Err}
}

// Reject builds a RejectionError.
func Reject(reason RejectReason, cause error) *RejectionError {
	return &RejectionError{Reason: reason, Err: cause}
}
