// Package ledger abstracts the authoritative chain that owns property tokens and escrowed funds.
// Backends: in-memory (dev/tests), EVM registry contract, TON registry contract.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type OperationKind string

const (
	OpApproveMarketplace OperationKind = "approve_marketplace"
	OpList               OperationKind = "list"
	OpBuy                OperationKind = "buy"
	OpCancelListing      OperationKind = "cancel_listing"
	OpEscrowCreate       OperationKind = "escrow_create"
	OpEscrowDeposit      OperationKind = "escrow_deposit"
	OpEscrowComplete     OperationKind = "escrow_complete"
	OpEscrowCancel       OperationKind = "escrow_cancel"
	OpEscrowRefund       OperationKind = "escrow_refund"
)

// Operation is a state-changing request submitted on behalf of Caller.
// Amount is the listing/escrow price for list and escrow_create, the attached payment for buy and escrow_deposit.
type Operation struct {
	Kind         OperationKind   `json:"kind"`
	AssetID      int64           `json:"asset_id"`
	Caller       string          `json:"caller"`
	Counterparty string          `json:"counterparty,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee"`
}

type EventKind string

const (
	EventListed           EventKind = "listed"
	EventSold             EventKind = "sold"
	EventListingCancelled EventKind = "listing_cancelled"
	EventEscrowCreated    EventKind = "escrow_created"
	EventEscrowFunded     EventKind = "escrow_funded"
	EventEscrowCompleted  EventKind = "escrow_completed"
	EventEscrowCancelled  EventKind = "escrow_cancelled"
	EventEscrowRefunded   EventKind = "escrow_refunded"
	EventApprovalGranted  EventKind = "approval_granted"
)

// Event is a confirmed ledger fact. TxRef identifies it across every delivery path.
type Event struct {
	Kind      EventKind       `json:"kind"`
	AssetID   int64           `json:"asset_id"`
	Seller    string          `json:"seller,omitempty"`
	Buyer     string          `json:"buyer,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	TxRef     string          `json:"tx_ref"`
	Timestamp time.Time       `json:"timestamp"`
}

// PendingRef identifies a submitted, not yet confirmed operation.
type PendingRef string

// Outcome is either Confirmed or Rejected.
type Outcome interface {
	outcome()
}

type Confirmed struct {
	TxRef string
	Event Event
}

type Rejected struct {
	TxRef         string
	Reason        string
	UserCancelled bool
}

func (Confirmed) outcome() {}
func (Rejected) outcome()  {}

var (
	ErrAssetNotFound = errors.New("ledger: asset not found")
	ErrUnknownRef    = errors.New("ledger: unknown pending ref")

	// ErrSubmitRejected wraps a revert detected before broadcast (gas estimation, simulation).
	ErrSubmitRejected = errors.New("ledger: rejected at submission")
)

// Client is the ledger boundary. AwaitConfirmation blocks until the operation
// settles on chain or ctx is done; a ctx error means the outcome is still unknown.
type Client interface {
	GetOwner(ctx context.Context, assetID int64) (string, error)
	GetApprovalStatus(ctx context.Context, owner, operator string) (bool, error)
	Submit(ctx context.Context, op Operation) (PendingRef, error)
	AwaitConfirmation(ctx context.Context, ref PendingRef) (Outcome, error)
	// Operator is the marketplace address that needs transfer approval before listing.
	Operator() string
}

// EventSource yields confirmed events after a cursor (block number or logical time).
type EventSource interface {
	FetchEvents(ctx context.Context, after uint64) (events []Event, next uint64, err error)
	// Head returns the cursor value of the latest confirmed position.
	Head(ctx context.Context) (uint64, error)
}
