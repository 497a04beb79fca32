package handler

import (
	"net/http"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// StatusSource reports the system status.
type StatusSource interface {
	GetStatus() domain.SystemStatus
}

// StatusHandler serves mode, feed state and portfolio totals.
type StatusHandler struct {
	src StatusSource
}

func NewStatusHandler(src StatusSource) *StatusHandler {
	return &StatusHandler{src: src}
}

// GetStatus handles GET /api/status.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.src.GetStatus())
}
