package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Operation lifecycle: submitted -> confirmed -> settled, any unsettled -> failed.
const (
	OperationSubmitted = "submitted"
	OperationConfirmed = "confirmed"
	OperationSettled   = "settled"
	OperationFailed    = "failed"
)

var ValidOperationTransitions = map[string][]string{
	OperationSubmitted: {OperationConfirmed, OperationFailed},
	OperationConfirmed: {OperationSettled, OperationFailed},
	OperationSettled:   {},
	OperationFailed:    {},
}

func IsValidOperationTransition(from, to string) bool {
	return containsStatus(ValidOperationTransitions[from], to)
}

// IsOpenOperation reports whether the operation still blocks its asset.
func IsOpenOperation(status string) bool {
	return status == OperationSubmitted || status == OperationConfirmed
}

// Operation is a two-phase ledger request tracked until its local effect is applied.
type Operation struct {
	ID            uuid.UUID       `json:"id"`
	Ref           string          `json:"ref"`
	Kind          string          `json:"kind"`
	AssetID       int64           `json:"asset_id"`
	Caller        string          `json:"caller"`
	Params        json.RawMessage `json:"params,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"` // confirmed ledger event
	Status        string          `json:"status"`
	TxRef         *string         `json:"tx_ref,omitempty"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
