package tracker

import (
	"math"
	"slices"
	"time"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// priceScale converts prices to integer ticks for map keys (1e-6 resolution).
const priceScale = 1e6

// ApplyResult is the outcome of applying one delta to a Book.
type ApplyResult int

const (
	// Applied means the delta was the next in sequence and changed the book.
	Applied ApplyResult = iota
	// Stale means seq <= last applied; the delta was discarded.
	Stale
	// Gap means one or more deltas are missing; the book needs a resync.
	Gap
	// Malformed means the payload failed validation; the book needs a resync.
	Malformed
	// ResyncPending means a resync is already underway and the delta was
	// discarded in favour of the coming snapshot.
	ResyncPending
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Gap:
		return "gap"
	case Malformed:
		return "malformed"
	case ResyncPending:
		return "resync_pending"
	default:
		return "unknown"
	}
}

// NeedsResync reports whether the result requires rebuilding from a snapshot.
func (r ApplyResult) NeedsResync() bool {
	return r == Gap || r == Malformed
}

// Book is the order book of one market. It is not safe for concurrent use;
// the owning session serializes access.
type Book struct {
	marketID  string
	bids      map[int64]float64
	asks      map[int64]float64
	lastSeq   uint64
	updatedAt time.Time
}

// NewBook returns an empty book expecting seq 1 next.
func NewBook(marketID string) *Book {
	return &Book{
		marketID: marketID,
		bids:     make(map[int64]float64),
		asks:     make(map[int64]float64),
	}
}

func toTicks(p float64) int64 { return int64(math.Round(p * priceScale)) }

func fromTicks(t int64) float64 { return float64(t) / priceScale }

// LastSeq returns the sequence number of the last applied delta or snapshot.
func (b *Book) LastSeq() uint64 { return b.lastSeq }

// Reset replaces the whole book with snap.
func (b *Book) Reset(snap domain.BookSnapshot) {
	clear(b.bids)
	clear(b.asks)
	for _, l := range snap.Bids {
		if validLevel(l.Price, l.Size) && l.Size > 0 {
			b.bids[toTicks(l.Price)] = l.Size
		}
	}
	for _, l := range snap.Asks {
		if validLevel(l.Price, l.Size) && l.Size > 0 {
			b.asks[toTicks(l.Price)] = l.Size
		}
	}
	b.lastSeq = snap.Seq
	b.updatedAt = snap.Timestamp
}

// Apply applies d if it is the next delta in sequence. A delta is validated in
// full before any level changes, so a Malformed delta leaves the book as it
// was.
func (b *Book) Apply(d domain.BookDelta) ApplyResult {
	if d.Seq <= b.lastSeq {
		return Stale
	}
	if d.Seq != b.lastSeq+1 {
		return Gap
	}
	for _, c := range d.Changes {
		if !validLevel(c.Price, c.Size) || (c.Side != domain.BookSideBid && c.Side != domain.BookSideAsk) {
			return Malformed
		}
	}

	for _, c := range d.Changes {
		side := b.bids
		if c.Side == domain.BookSideAsk {
			side = b.asks
		}
		k := toTicks(c.Price)
		if c.Size == 0 {
			delete(side, k)
		} else {
			side[k] = c.Size
		}
	}
	b.lastSeq = d.Seq
	if !d.Timestamp.IsZero() {
		b.updatedAt = d.Timestamp
	}
	return Applied
}

func validLevel(price, size float64) bool {
	return price > 0 && size >= 0 &&
		!math.IsNaN(price) && !math.IsInf(price, 0) &&
		!math.IsNaN(size) && !math.IsInf(size, 0)
}

// State renders the book with derived metrics. BidDepth and AskDepth sum the
// sizes of the best depthLevels levels per side (all levels when <= 0).
func (b *Book) State(depthLevels int) domain.MarketState {
	st := domain.MarketState{
		MarketID:  b.marketID,
		Bids:      sortedLevels(b.bids, true),
		Asks:      sortedLevels(b.asks, false),
		LastSeq:   b.lastSeq,
		UpdatedAt: b.updatedAt,
	}

	st.BidDepth = depth(st.Bids, depthLevels)
	st.AskDepth = depth(st.Asks, depthLevels)

	if len(st.Bids) > 0 {
		st.BestBid = st.Bids[0].Price
	}
	if len(st.Asks) > 0 {
		st.BestAsk = st.Asks[0].Price
	}
	if len(st.Bids) > 0 && len(st.Asks) > 0 {
		st.Quoted = true
		st.Spread = fromTicks(toTicks(st.BestAsk) - toTicks(st.BestBid))
		st.MidPrice = fromTicks(toTicks(st.BestAsk)+toTicks(st.BestBid)) / 2
	}
	return st
}

func sortedLevels(side map[int64]float64, descending bool) []domain.PriceLevel {
	keys := make([]int64, 0, len(side))
	for k := range side {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if descending {
		slices.Reverse(keys)
	}
	out := make([]domain.PriceLevel, len(keys))
	for i, k := range keys {
		out[i] = domain.PriceLevel{Price: fromTicks(k), Size: side[k]}
	}
	return out
}

func depth(levels []domain.PriceLevel, n int) float64 {
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}
	var total float64
	for _, l := range levels[:n] {
		total += l.Size
	}
	return total
}
