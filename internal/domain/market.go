package domain

import "time"

// CatalogStatus is the lifecycle state of a market in the reference catalog.
type CatalogStatus string

const (
	CatalogStatusActive  CatalogStatus = "active"
	CatalogStatusClosed  CatalogStatus = "closed"
	CatalogStatusSettled CatalogStatus = "settled"
)

// Market is a catalog entry. The catalog is maintained by an external sync
// job; this service only reads it.
type Market struct {
	ID          string        `json:"id"`
	Question    string        `json:"question"`
	Slug        string        `json:"slug"`
	Outcomes    [2]string     `json:"outcomes"`
	TokenIDs    [2]string     `json:"token_ids"`
	ConditionID string        `json:"condition_id"`
	Status      CatalogStatus `json:"status"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// AcceptingOrders reports whether the catalog lists the market as tradable.
func (m Market) AcceptingOrders() bool {
	return m.Status == CatalogStatusActive
}
