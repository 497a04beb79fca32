package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")

	// ErrRetryable marks an upstream failure that is safe to retry, such as a
	// 429 or an order the exchange flagged with shouldRetry.
	ErrRetryable = errors.New("retryable upstream error")

	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUnknownMarket       = errors.New("market not subscribed")
	ErrPositionNotFound    = errors.New("position not found")
	ErrTradingDisabled     = errors.New("trading disabled")

	// Rejection sentinels, one per RejectReason.
	ErrInvalidSize             = errors.New("invalid size")
	ErrMarketInactive          = errors.New("market inactive")
	ErrExposureLimitExceeded   = errors.New("exposure limit exceeded")
	ErrUpstreamExecutionFailed = errors.New("upstream execution failed")
)
