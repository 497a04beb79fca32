package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// MarketControl is the market membership surface the handler drives.
type MarketControl interface {
	AddMarket(ctx context.Context, marketID string) error
	RemoveMarket(ctx context.Context, marketID string) error
	Markets() []domain.MarketStatus
	Book(marketID string) (domain.MarketState, error)
}

// CatalogLookup resolves a market or token id against the reference
// catalog.
type CatalogLookup interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	control MarketControl
	catalog CatalogLookup
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler. catalog may be nil, in which case
// catalog lookups answer 404.
func NewMarketHandler(control MarketControl, catalog CatalogLookup, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		control: control,
		catalog: catalog,
		logger:  logger,
	}
}

type addMarketRequest struct {
	Market string `json:"market"`
}

// ListMarkets returns the monitored markets with their feed status.
// GET /api/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := h.control.Markets()
	if markets == nil {
		markets = []domain.MarketStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

// AddMarket starts monitoring a market.
// POST /api/markets {"market":"<token id>"}
func (h *MarketHandler) AddMarket(w http.ResponseWriter, r *http.Request) {
	var req addMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Market = strings.TrimSpace(req.Market)
	if req.Market == "" {
		writeError(w, http.StatusBadRequest, "market is required")
		return
	}
	if err := h.control.AddMarket(r.Context(), req.Market); err != nil {
		writeDomainError(w, r, h.logger, "add market", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"market": req.Market, "status": "subscribed"})
}

// RemoveMarket stops monitoring a market.
// DELETE /api/markets/{id}
func (h *MarketHandler) RemoveMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := h.control.RemoveMarket(r.Context(), id); err != nil {
		writeDomainError(w, r, h.logger, "remove market", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBook returns the live normalized book.
// GET /api/markets/{id}/book
func (h *MarketHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	state, err := h.control.Book(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get book", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetCatalogMarket looks a market up in the reference catalog.
// GET /api/catalog/{id}
func (h *MarketHandler) GetCatalogMarket(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeError(w, http.StatusNotFound, "catalog not configured")
		return
	}
	m, err := h.catalog.GetMarket(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get catalog market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
