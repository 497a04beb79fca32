package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// DefaultMarketTable is the catalog table maintained by the external sync job.
const DefaultMarketTable = "markets"

const marketCols = `id, question, slug, outcome_1, outcome_2,
	token_id_1, token_id_2, condition_id, status, closed_at, updated_at`

// MarketStore implements domain.MarketStore over the catalog table. It never
// writes.
type MarketStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewMarketStore creates a MarketStore reading from table (DefaultMarketTable
// when empty). The name may be schema-qualified, e.g. "catalog.markets".
func NewMarketStore(pool *pgxpool.Pool, table string) *MarketStore {
	if table == "" {
		table = DefaultMarketTable
	}
	return &MarketStore{pool: pool, table: quoteTable(table)}
}

// quoteTable sanitizes a possibly schema-qualified table name.
func quoteTable(name string) string {
	var ident pgx.Identifier
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			ident = append(ident, name[start:i])
			start = i + 1
		}
	}
	return ident.Sanitize()
}

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status string
	err := row.Scan(
		&m.ID, &m.Question, &m.Slug,
		&m.Outcomes[0], &m.Outcomes[1],
		&m.TokenIDs[0], &m.TokenIDs[1],
		&m.ConditionID, &status, &m.ClosedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.CatalogStatus(status)
	return m, nil
}

func (s *MarketStore) getOne(ctx context.Context, where, what, arg string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM `+s.table+` WHERE `+where+` LIMIT 1`, arg)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s %s: %w", what, arg, err)
	}
	return m, nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	return s.getOne(ctx, `id = $1`, "by id", id)
}

// GetByTokenID retrieves a market by either token ID.
func (s *MarketStore) GetByTokenID(ctx context.Context, tokenID string) (domain.Market, error) {
	return s.getOne(ctx, `token_id_1 = $1 OR token_id_2 = $1`, "by token", tokenID)
}

// Count returns the number of catalog rows.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+s.table).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
