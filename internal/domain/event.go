package domain

import (
	"encoding/json"
	"time"
)

// EventType is the discriminator carried by every bus event.
type EventType string

const (
	EventOrderbook      EventType = "orderbook"
	EventTrade          EventType = "trade"
	EventSignal         EventType = "signal"
	EventTradeExecuted  EventType = "trade_executed"
	EventTradeRejected  EventType = "trade_rejected"
	EventPositionClosed EventType = "position_closed"
	EventMarketStatus   EventType = "market_status"
)

// EventSchemaVersion is stamped on every published event. Bump it when a
// payload shape changes incompatibly.
const EventSchemaVersion = 1

// Event is the unit distributed by the in-process bus. Seq and Time are
// assigned by the bus at publish time.
type Event struct {
	Seq     uint64
	Version int
	Type    EventType
	Time    time.Time
	Payload any
}

// TradeExecuted is the payload of a trade_executed event.
type TradeExecuted struct {
	Position Position `json:"position"`
}

// TradeRejected is the payload of a trade_rejected event.
type TradeRejected struct {
	Request TradeRequest `json:"request"`
	Reason  RejectReason `json:"reason"`
	Detail  string       `json:"detail,omitempty"`
}

// PositionClosed is the payload of a position_closed event.
type PositionClosed struct {
	Position Position `json:"position"`
}

func NewOrderbookEvent(state MarketState) Event {
	return Event{Type: EventOrderbook, Payload: state}
}

func NewTradeEvent(t TradePrint) Event {
	return Event{Type: EventTrade, Payload: t}
}

func NewSignalEvent(s Signal) Event {
	return Event{Type: EventSignal, Payload: s}
}

func NewTradeExecutedEvent(p Position) Event {
	return Event{Type: EventTradeExecuted, Payload: TradeExecuted{Position: p}}
}

func NewTradeRejectedEvent(req TradeRequest, reason RejectReason, detail string) Event {
	return Event{Type: EventTradeRejected, Payload: TradeRejected{Request: req, Reason: reason, Detail: detail}}
}

func NewPositionClosedEvent(p Position) Event {
	return Event{Type: EventPositionClosed, Payload: PositionClosed{Position: p}}
}

func NewMarketStatusEvent(s MarketStatus) Event {
	return Event{Type: EventMarketStatus, Payload: s}
}

type eventJSON struct {
	Type    EventType       `json:"type"`
	Version int             `json:"version"`
	Seq     uint64          `json:"seq"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data"`
}

// MarshalJSON renders the wire form relayed to external consumers:
// {"type","version","seq","time","data"}.
func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		Type:    e.Type,
		Version: e.Version,
		Seq:     e.Seq,
		Time:    e.Time,
		Data:    data,
	})
}
