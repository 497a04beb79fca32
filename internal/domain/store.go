package domain

import "context"

// MarketStore is read-only access to the reference catalog.
type MarketStore interface {
	GetByID(ctx context.Context, id string) (Market, error)
	GetByTokenID(ctx context.Context, tokenID string) (Market, error)
}
