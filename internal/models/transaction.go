package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction record types
const (
	TxTypeListing         = "listing"
	TxTypeSale            = "sale"
	TxTypeCancelListing   = "cancel_listing"
	TxTypeRefund          = "refund"
	TxTypeEscrowCreated   = "escrow_created"
	TxTypeEscrowFunded    = "escrow_funded"
	TxTypeEscrowCancelled = "escrow_cancelled"
)

const TxStatusConfirmed = "confirmed"

// TransactionRecord is an append-only mirror of a confirmed ledger event, unique on TxRef.
type TransactionRecord struct {
	ID               uuid.UUID       `json:"id"`
	Type             string          `json:"type"`
	AssetID          int64           `json:"asset_id"`
	From             string          `json:"from"`
	To               string          `json:"to,omitempty"`
	Value            decimal.Decimal `json:"value"`
	TxRef            string          `json:"tx_ref"`
	Status           string          `json:"status"`
	NotificationRead bool            `json:"notification_read"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Notifies reports whether the record belongs to party's notification feed.
func (r *TransactionRecord) Notifies(party string) bool {
	return r.Type == TxTypeSale && r.From == NormalizeAddress(party)
}

// Involves reports whether party is either side of the record.
func (r *TransactionRecord) Involves(party string) bool {
	p := NormalizeAddress(party)
	return r.From == p || (r.To != "" && r.To == p)
}
