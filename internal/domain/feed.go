package domain

import "context"

// FeedMessage is one item read from a market feed stream. Exactly one of the
// pointer fields is set.
type FeedMessage struct {
	Snapshot *BookSnapshot
	Delta    *BookDelta
	Trade    *TradePrint
}

// FeedStream is an open subscription to a single market. Messages is closed
// when the stream ends; Err then reports why (nil after Close).
type FeedStream interface {
	Messages() <-chan FeedMessage
	Err() error
	Close() error
}

// MarketFeed is the upstream market data source.
type MarketFeed interface {
	// Open establishes a subscription for marketID.
	Open(ctx context.Context, marketID string) (FeedStream, error)
	// Snapshot fetches a full book whose Seq lines up with the stream most
	// recently opened for marketID.
	Snapshot(ctx context.Context, marketID string) (BookSnapshot, error)
}

// OrderExecutor submits an order upstream and returns the confirmed fill.
type OrderExecutor interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (Fill, error)
}
