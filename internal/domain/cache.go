package domain

import (
	"context"
	"time"
)

// MarketCache provides fast catalog lookups in front of MarketStore.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id string) (Market, error)
	GetByToken(ctx context.Context, tokenID string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// BookCache mirrors the latest normalized book per market for external
// viewers that need a snapshot before following the event stream.
type BookCache interface {
	SetState(ctx context.Context, state MarketState) error
	GetState(ctx context.Context, marketID string) (MarketState, error)
	Delete(ctx context.Context, marketID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
