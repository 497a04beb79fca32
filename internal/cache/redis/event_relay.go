package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// defaultStreamMaxLen is the approximate maximum length of the event stream,
// enforced via XADD MAXLEN ~.
const defaultStreamMaxLen int64 = 10000

// RelayedEvent is one entry read back from the event stream.
type RelayedEvent struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"event"`
}

// EventRelay forwards bus events to Redis: Pub/Sub for live fan-out and a
// capped stream for late joiners.
//
// Key schema:
//
//	{prefix}:events:{type} - Pub/Sub channel per event type
//	{prefix}:events        - stream of every event, field "payload"
type EventRelay struct {
	c      *Client
	maxLen int64
}

// NewEventRelay creates an EventRelay. maxLen <= 0 uses 10,000 entries.
func NewEventRelay(c *Client, maxLen int64) *EventRelay {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &EventRelay{c: c, maxLen: maxLen}
}

// Channel returns the Pub/Sub channel for an event type.
func (r *EventRelay) Channel(t domain.EventType) string { return r.c.Key("events", string(t)) }

// Stream returns the stream key.
func (r *EventRelay) Stream() string { return r.c.Key("events") }

// Handle is an eventbus handler that publishes and appends evt in one round
// trip.
func (r *EventRelay) Handle(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("redis: marshal %s event: %w", evt.Type, err)
	}

	pipe := r.c.rdb.Pipeline()
	pipe.Publish(ctx, r.Channel(evt.Type), data)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: r.Stream(),
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(evt.Type),
			"payload": data,
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: relay %s event: %w", evt.Type, err)
	}
	return nil
}

// Recent returns up to count of the newest stream entries, oldest first.
func (r *EventRelay) Recent(ctx context.Context, count int64) ([]RelayedEvent, error) {
	msgs, err := r.c.rdb.XRevRangeN(ctx, r.Stream(), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read %s: %w", r.Stream(), err)
	}

	out := make([]RelayedEvent, 0, len(msgs))
	for _, msg := range msgs {
		var data []byte
		switch v := msg.Values["payload"].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			continue
		}
		out = append(out, RelayedEvent{ID: msg.ID, Payload: data})
	}
	slices.Reverse(out)
	return out, nil
}
