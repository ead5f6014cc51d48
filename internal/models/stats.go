package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketSummary is the cached marketplace snapshot served by /stats/marketplace.
type MarketSummary struct {
	Sales          int             `json:"sales"`
	SalesVolume    decimal.Decimal `json:"sales_volume"`
	Listings       int             `json:"listings"`
	AssetsTraded   int             `json:"assets_traded"`
	ActiveListings int             `json:"active_listings"`
	ActiveEscrows  int             `json:"active_escrows"`
	Interests      InterestStats   `json:"interests"`
	GeneratedAt    time.Time       `json:"generated_at"`
}
