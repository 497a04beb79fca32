package service

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// FeedStatus reports per-market feed health. *tracker.Tracker satisfies it.
type FeedStatus interface {
	MarketStatus(marketID string) (domain.MarketStatus, bool)
}

// TradeGate decides whether the ledger may trade a market: the feed must be
// LIVE and the catalog must list the market as active.
type TradeGate struct {
	feed    FeedStatus
	markets *MarketService
}

// NewTradeGate creates a TradeGate.
func NewTradeGate(feed FeedStatus, markets *MarketService) *TradeGate {
	return &TradeGate{feed: feed, markets: markets}
}

// IsTradable implements ledger.Gate.
func (g *TradeGate) IsTradable(ctx context.Context, marketID string) (bool, error) {
	st, ok := g.feed.MarketStatus(marketID)
	if !ok {
		return false, fmt.Errorf("trade_gate: %s: %w", marketID, domain.ErrUnknownMarket)
	}
	if st.State != domain.ConnLive {
		return false, nil
	}
	active, err := g.markets.IsActive(ctx, marketID)
	if err != nil {
		return false, fmt.Errorf("trade_gate: catalog lookup %s: %w", marketID, err)
	}
	return active, nil
}
