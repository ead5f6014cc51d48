package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	InterestStatusPending  = "pending"
	InterestStatusApproved = "approved"
)

type BuyerInterest struct {
	ID           uuid.UUID  `json:"id"`
	AssetID      int64      `json:"asset_id"`
	BuyerAddress string     `json:"buyer_address"`
	OwnerAddress string     `json:"owner_address"`
	Status       string     `json:"status"`
	Timestamp    time.Time  `json:"timestamp"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
}

type InterestStats struct {
	Total          int `json:"total"`
	Pending        int `json:"pending"`
	Approved       int `json:"approved"`
	DistinctAssets int `json:"distinct_assets"`
	DistinctBuyers int `json:"distinct_buyers"`
}
