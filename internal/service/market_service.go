package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// MarketService answers catalog questions about monitored markets. Lookups go
// through the cache first and fall back to the persistent store. Either
// dependency may be nil: without a store every market is treated as active.
type MarketService struct {
	markets domain.MarketStore
	cache   domain.MarketCache
	logger  *slog.Logger
}

// NewMarketService creates a MarketService.
func NewMarketService(
	markets domain.MarketStore,
	cache domain.MarketCache,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets: markets,
		cache:   cache,
		logger:  logger,
	}
}

// GetMarket resolves id as an outcome token first and as a market id second.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.GetByToken(ctx, id); err == nil {
			return m, nil
		}
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}
	if s.markets == nil {
		return domain.Market{}, fmt.Errorf("market_service: get %q: %w", id, domain.ErrNotFound)
	}

	// Cache miss or error -- fall through to store.
	m, err := s.markets.GetByTokenID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		m, err = s.markets.GetByID(ctx, id)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %q: %w", id, err)
	}

	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, m); cacheErr != nil {
			s.logger.WarnContext(ctx, "market_service: cache set failed",
				slog.String("market_id", id),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	return m, nil
}

// IsActive reports whether the catalog lists id as accepting orders. A market
// missing from the catalog is inactive.
func (s *MarketService) IsActive(ctx context.Context, id string) (bool, error) {
	if s.markets == nil {
		return true, nil
	}
	m, err := s.GetMarket(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.AcceptingOrders(), nil
}

// Invalidate drops id from the cache so the next lookup hits the store.
func (s *MarketService) Invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache invalidate failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
	}
}
