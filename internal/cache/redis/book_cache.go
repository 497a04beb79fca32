package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// BookCache mirrors the latest normalized book per market so external
// viewers can take a snapshot before following the event stream.
//
// Key schema:
//
//	{prefix}:book:{marketID} - hash with "state" (JSON), "seq" and "ts"
type BookCache struct {
	c      *Client
	depth  int
	logger *slog.Logger
}

// NewBookCache creates a BookCache. depth trims each mirrored side to that
// many levels; <= 0 keeps the full book.
func NewBookCache(c *Client, depth int, logger *slog.Logger) *BookCache {
	return &BookCache{
		c:      c,
		depth:  depth,
		logger: logger.With(slog.String("component", "book_cache")),
	}
}

func (bc *BookCache) bookKey(marketID string) string { return bc.c.Key("book", marketID) }

// SetState replaces the mirrored book for state.MarketID.
func (bc *BookCache) SetState(ctx context.Context, state domain.MarketState) error {
	data, err := json.Marshal(state.Top(bc.depth))
	if err != nil {
		return fmt.Errorf("redis: marshal book %s: %w", state.MarketID, err)
	}
	err = bc.c.rdb.HSet(ctx, bc.bookKey(state.MarketID),
		"state", data,
		"seq", strconv.FormatUint(state.LastSeq, 10),
		"ts", state.UpdatedAt.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set book %s: %w", state.MarketID, err)
	}
	return nil
}

// GetState returns the mirrored book or domain.ErrNotFound.
func (bc *BookCache) GetState(ctx context.Context, marketID string) (domain.MarketState, error) {
	data, err := bc.c.rdb.HGet(ctx, bc.bookKey(marketID), "state").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketState{}, domain.ErrNotFound
		}
		return domain.MarketState{}, fmt.Errorf("redis: get book %s: %w", marketID, err)
	}

	var state domain.MarketState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.MarketState{}, fmt.Errorf("redis: unmarshal book %s: %w", marketID, err)
	}
	return state, nil
}

// Delete removes the mirrored book for marketID.
func (bc *BookCache) Delete(ctx context.Context, marketID string) error {
	if err := bc.c.rdb.Del(ctx, bc.bookKey(marketID)).Err(); err != nil {
		return fmt.Errorf("redis: delete book %s: %w", marketID, err)
	}
	return nil
}

// Handle is an eventbus handler. Orderbook events refresh the mirror; a
// market going DISCONNECTED drops its entry so viewers never read a dead book.
func (bc *BookCache) Handle(ctx context.Context, evt domain.Event) error {
	switch p := evt.Payload.(type) {
	case domain.MarketState:
		return bc.SetState(ctx, p)
	case domain.MarketStatus:
		if p.State == domain.ConnDisconnected {
			return bc.Delete(ctx, p.MarketID)
		}
		return nil
	default:
		return fmt.Errorf("book_cache: unexpected payload %T for %s event", evt.Payload, evt.Type)
	}
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
