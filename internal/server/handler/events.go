package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polypulse/internal/cache/redis"
)

// RecentEvents reads back the relayed event stream.
type RecentEvents interface {
	Recent(ctx context.Context, count int64) ([]redis.RelayedEvent, error)
}

// EventsHandler lets late joiners catch up before following Pub/Sub.
type EventsHandler struct {
	events RecentEvents
	logger *slog.Logger
}

func NewEventsHandler(events RecentEvents, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{events: events, logger: logger}
}

// ListRecent returns the newest relayed events, oldest first.
// GET /api/events?limit=100
func (h *EventsHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, 1000)
	events, err := h.events.Recent(r.Context(), int64(limit))
	if err != nil {
		writeDomainError(w, r, h.logger, "list events", err)
		return
	}
	if events == nil {
		events = []redis.RelayedEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
