package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ListingStatusListed    = "listed"
	ListingStatusSold      = "sold"
	ListingStatusCancelled = "cancelled"
)

var ValidListingTransitions = map[string][]string{
	ListingStatusListed:    {ListingStatusSold, ListingStatusCancelled},
	ListingStatusSold:      {},
	ListingStatusCancelled: {},
}

func IsValidListingTransition(from, to string) bool {
	return containsStatus(ValidListingTransitions[from], to)
}

// Listing mirrors a ledger listing. CreatedTxRef and EndedTxRef identify the
// ledger transactions that opened and closed it.
type Listing struct {
	ID           uuid.UUID       `json:"id"`
	AssetID      int64           `json:"asset_id"`
	Seller       string          `json:"seller"`
	Price        decimal.Decimal `json:"price"`
	Active       bool            `json:"active"`
	Status       string          `json:"status"`
	ListedAt     time.Time       `json:"listed_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	CreatedTxRef string          `json:"created_tx_ref,omitempty"`
	EndedTxRef   string          `json:"ended_tx_ref,omitempty"`
}
