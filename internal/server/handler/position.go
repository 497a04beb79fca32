package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// Portfolio is the trading and position surface.
type Portfolio interface {
	ExecuteTrade(ctx context.Context, req domain.TradeRequest) (domain.Position, error)
	ClosePosition(id, reason string) (domain.Position, error)
	GetOpenPositions() []domain.Position
	GetPositions() []domain.Position
	GetPosition(id string) (domain.Position, error)
	GetTotalPnL() decimal.Decimal
	GetTotalExposure() decimal.Decimal
}

// PositionHandler serves trades, positions and portfolio totals.
type PositionHandler struct {
	portfolio Portfolio
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(portfolio Portfolio, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		portfolio: portfolio,
		logger:    logger,
	}
}

// ExecuteTrade opens a position. Rejections answer 422 with the reason, or
// 502 when the upstream order failed.
// POST /api/trades {"market","side","outcome","size"}
func (h *PositionHandler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req domain.TradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pos, err := h.portfolio.ExecuteTrade(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, "execute trade", err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ListPositions returns open positions, or all with ?status=all.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var positions []domain.Position
	if r.URL.Query().Get("status") == "all" {
		positions = h.portfolio.GetPositions()
	} else {
		positions = h.portfolio.GetOpenPositions()
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// GetPosition returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.portfolio.GetPosition(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ClosePosition closes an open position at its last marked price.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.portfolio.ClosePosition(pathParam(r, "id"), domain.CloseReasonManual)
	if err != nil {
		writeDomainError(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPortfolio returns exposure and PnL totals.
// GET /api/portfolio
func (h *PositionHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"open_positions": len(h.portfolio.GetOpenPositions()),
		"total_exposure": h.portfolio.GetTotalExposure(),
		"total_pnl":      h.portfolio.GetTotalPnL(),
	})
}
