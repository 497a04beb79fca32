package polymarket

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg,omitempty"`
	OrderID      string `json:"orderID,omitempty"`
	Status       string `json:"status,omitempty"`
	MakingAmount string `json:"makingAmount,omitempty"`
	TakingAmount string `json:"takingAmount,omitempty"`
	ShouldRetry  bool   `json:"shouldRetry,omitempty"`
}

// BookResponse is the REST /book payload. It shares its shape with the
// WebSocket "book" frame.
type BookResponse = BookMessage

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// BookMessage represents a full orderbook snapshot.
type BookMessage struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// WSPriceLevel is a single bid/ask level in the orderbook data.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChange is one level replacement inside a price_change frame.
type PriceChange struct {
	AssetID string `json:"asset_id,omitempty"`
	Side    string `json:"side"` // "BUY" or "SELL"
	Price   string `json:"price"`
	Size    string `json:"size"` // "0" means level removed
}

// PriceChangeMessage represents an incremental orderbook update. Older
// frames carry the changes under "changes", newer ones under
// "price_changes" with a per-change asset id.
type PriceChangeMessage struct {
	EventType    string        `json:"event_type"`
	AssetID      string        `json:"asset_id"`
	Market       string        `json:"market"`
	Changes      []PriceChange `json:"changes"`
	PriceChanges []PriceChange `json:"price_changes"`
	Timestamp    string        `json:"timestamp"`
}

// PriceMessage represents a last_trade_price frame.
type PriceMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

// WSCommand is the JSON payload sent to subscribe to the market channel.
type WSCommand struct {
	Type   string   `json:"type"`
	Assets []string `json:"assets_ids"`
}

// --------------------------------------------------------------------------
// Conversion helpers: API types -> domain types
// --------------------------------------------------------------------------

// BookToDomainSnapshot converts a BookMessage to a domain.BookSnapshot for
// marketID. Seq is left for the caller to stamp.
func BookToDomainSnapshot(marketID string, b *BookMessage) domain.BookSnapshot {
	snap := domain.BookSnapshot{
		MarketID:  marketID,
		Bids:      make([]domain.PriceLevel, 0, len(b.Bids)),
		Asks:      make([]domain.PriceLevel, 0, len(b.Asks)),
		Timestamp: parseTimestamp(b.Timestamp),
	}
	for _, lvl := range b.Bids {
		snap.Bids = append(snap.Bids, domain.PriceLevel{Price: parseFloat(lvl.Price), Size: parseFloat(lvl.Size)})
	}
	for _, lvl := range b.Asks {
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: parseFloat(lvl.Price), Size: parseFloat(lvl.Size)})
	}
	return snap
}

// PriceChangeToDomain converts the changes in p that belong to marketID
// into level changes. Unknown sides and unparsable numbers pass through as
// invalid values so the tracker rejects the delta as malformed.
func PriceChangeToDomain(marketID string, p *PriceChangeMessage) []domain.LevelChange {
	src := p.PriceChanges
	if len(src) == 0 {
		src = p.Changes
	}
	out := make([]domain.LevelChange, 0, len(src))
	for _, c := range src {
		if c.AssetID != "" && c.AssetID != marketID {
			continue
		}
		lc := domain.LevelChange{
			Price: parseFloat(c.Price),
			Size:  parseFloat(c.Size),
		}
		switch strings.ToUpper(c.Side) {
		case "BUY":
			lc.Side = domain.BookSideBid
		case "SELL":
			lc.Side = domain.BookSideAsk
		default:
			lc.Side = domain.BookSide(c.Side)
		}
		out = append(out, lc)
	}
	return out
}

// PriceToDomainTrade converts a PriceMessage to a domain.TradePrint.
func PriceToDomainTrade(marketID string, p *PriceMessage) domain.TradePrint {
	return domain.TradePrint{
		MarketID:  marketID,
		Side:      domain.OrderSide(strings.ToUpper(p.Side)),
		Price:     parseFloat(p.Price),
		Size:      parseFloat(p.Size),
		Timestamp: parseTimestamp(p.Timestamp),
	}
}

// fillFromResult derives the executed price from an order result. FOK and
// FAK orders that match fill the requested size; the average price comes from
// the making/taking amounts when the exchange reports them, and is the limit
// price otherwise.
func fillFromResult(req domain.OrderRequest, r *APIOrderResult) domain.Fill {
	fill := domain.Fill{
		OrderID:  r.OrderID,
		Price:    req.LimitPrice,
		Size:     req.Size,
		FilledAt: time.Now().UTC(),
	}

	making, err1 := decimal.NewFromString(r.MakingAmount)
	taking, err2 := decimal.NewFromString(r.TakingAmount)
	if err1 != nil || err2 != nil || making.IsZero() || taking.IsZero() {
		return fill
	}

	// BUY pays collateral for shares; SELL gives shares for collateral.
	// Both amounts share one scale, so it cancels out of the ratio.
	usdc, shares := making, taking
	if req.Side == domain.OrderSideSell {
		usdc, shares = taking, making
	}
	fill.Price = usdc.Div(shares).Round(4)
	return fill
}

// nanPrice marks an unparsable number; the tracker rejects it.
var nanPrice = math.NaN()

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nanPrice
	}
	return f
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func parseTimestamp(s string) time.Time {
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ts > 1e12 {
			return time.UnixMilli(ts).UTC()
		}
		return time.Unix(ts, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now().UTC()
}
