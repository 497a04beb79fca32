package domain

import "time"

// BookSide selects the bid or ask side of an order book.
type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// LevelChange replaces the size resting at one price. Size 0 removes the level.
type LevelChange struct {
	Side  BookSide `json:"side"`
	Price float64  `json:"price"`
	Size  float64  `json:"size"`
}

// BookDelta is a sequenced incremental update for one market. Seq increases
// by exactly one per delta on a healthy stream.
type BookDelta struct {
	MarketID  string        `json:"market_id"`
	Seq       uint64        `json:"seq"`
	Changes   []LevelChange `json:"changes"`
	Timestamp time.Time     `json:"timestamp"`
}

// BookSnapshot is a full book image. Seq is the sequence number of the last
// delta already reflected in it.
type BookSnapshot struct {
	MarketID  string       `json:"market_id"`
	Seq       uint64       `json:"seq"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// TradePrint is an executed trade observed on the feed.
type TradePrint struct {
	MarketID  string    `json:"market"`
	Side      OrderSide `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketState is the normalized book for one market plus derived metrics.
// Bids are ordered best (highest) first, asks best (lowest) first. Spread and
// MidPrice are only meaningful when Quoted is true.
type MarketState struct {
	MarketID  string       `json:"market"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	BestBid   float64      `json:"best_bid"`
	BestAsk   float64      `json:"best_ask"`
	Spread    float64      `json:"spread"`
	MidPrice  float64      `json:"mid_price"`
	BidDepth  float64      `json:"bid_depth"`
	AskDepth  float64      `json:"ask_depth"`
	Quoted    bool         `json:"quoted"`
	LastSeq   uint64       `json:"last_seq"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Top returns a copy of s with each side trimmed to at most n levels.
func (s MarketState) Top(n int) MarketState {
	out := s
	out.Bids = trimLevels(s.Bids, n)
	out.Asks = trimLevels(s.Asks, n)
	return out
}

func trimLevels(levels []PriceLevel, n int) []PriceLevel {
	if n <= 0 || len(levels) <= n {
		n = len(levels)
	}
	out := make([]PriceLevel, n)
	copy(out, levels[:n])
	return out
}
