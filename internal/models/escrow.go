package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Escrow deal statuses
const (
	EscrowStatusPending   = "pending"
	EscrowStatusFunded    = "funded"
	EscrowStatusCompleted = "completed"
	EscrowStatusCancelled = "cancelled"
	EscrowStatusRefunded  = "refunded"
)

// Valid escrow transitions: from -> []to.
// funded -> cancelled is additionally gated by the funded cancel policy.
var ValidEscrowTransitions = map[string][]string{
	EscrowStatusPending:   {EscrowStatusFunded, EscrowStatusCancelled},
	EscrowStatusFunded:    {EscrowStatusCompleted, EscrowStatusRefunded, EscrowStatusCancelled},
	EscrowStatusCompleted: {},
	EscrowStatusCancelled: {},
	EscrowStatusRefunded:  {},
}

func IsValidEscrowTransition(from, to string) bool {
	return containsStatus(ValidEscrowTransitions[from], to)
}

// IsActiveEscrow reports whether a deal in this status blocks new settlement paths.
func IsActiveEscrow(status string) bool {
	return status == EscrowStatusPending || status == EscrowStatusFunded
}

type EscrowDeal struct {
	ID             uuid.UUID       `json:"id"`
	AssetID        int64           `json:"asset_id"`
	Seller         string          `json:"seller"`
	Buyer          string          `json:"buyer"`
	Price          decimal.Decimal `json:"price"`
	Fee            decimal.Decimal `json:"fee"`
	Status         string          `json:"status"`
	FundsDeposited bool            `json:"funds_deposited"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CreatedTxRef   string          `json:"created_tx_ref,omitempty"`
	FundedTxRef    string          `json:"funded_tx_ref,omitempty"`
	ClosedTxRef    string          `json:"closed_tx_ref,omitempty"`
}

// Total is the exact amount the buyer must deposit.
func (d *EscrowDeal) Total() decimal.Decimal {
	return d.Price.Add(d.Fee)
}

// IsWholeAmount reports whether d is an integral number of base units. Amounts
// are stored as NUMERIC(78,0), so anything finer would be rounded away.
func IsWholeAmount(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(0))
}

// ComputeFee returns floor(price * bps / 10000).
func ComputeFee(price decimal.Decimal, bps int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000)).Floor()
}

func containsStatus(allowed []string, to string) bool {
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}
