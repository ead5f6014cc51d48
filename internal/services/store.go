package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/propertyledger/backend/internal/events"
	"github.com/propertyledger/backend/internal/models"
	"github.com/propertyledger/backend/internal/repositories"
)

// Stores used by the engines. The repositories package implements them on Postgres;
// a missing row is repositories.ErrNotFound and a unique violation repositories.ErrDuplicate.

type EscrowStore interface {
	Create(ctx context.Context, d *models.EscrowDeal) error
	GetActiveByAsset(ctx context.Context, assetID int64) (*models.EscrowDeal, error)
	GetLatestByAsset(ctx context.Context, assetID int64) (*models.EscrowDeal, error)
	// GetByTxRef finds the deal a ledger transaction created, funded or closed.
	GetByTxRef(ctx context.Context, txRef string) (*models.EscrowDeal, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to string, fundsDeposited bool, txRef string) error
	ListByParty(ctx context.Context, party, role string, limit, offset int) ([]models.EscrowDeal, error)
}

type ListingStore interface {
	Create(ctx context.Context, l *models.Listing) error
	GetActiveByAsset(ctx context.Context, assetID int64) (*models.Listing, error)
	// GetByTxRef finds the listing a ledger transaction opened or closed.
	GetByTxRef(ctx context.Context, txRef string) (*models.Listing, error)
	End(ctx context.Context, id uuid.UUID, status, txRef string) error
	List(ctx context.Context, f repositories.ListingFilter) ([]models.Listing, error)
}

type InterestStore interface {
	Create(ctx context.Context, i *models.BuyerInterest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.BuyerInterest, error)
	// Approve atomically demotes every other interest of the asset and approves id.
	Approve(ctx context.Context, assetID int64, id uuid.UUID) (*models.BuyerInterest, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByAsset(ctx context.Context, assetID int64) ([]models.BuyerInterest, error)
	ListByBuyer(ctx context.Context, buyer string) ([]models.BuyerInterest, error)
	ListByOwner(ctx context.Context, owner string) ([]models.BuyerInterest, error)
	Stats(ctx context.Context, owner string) (models.InterestStats, error)
	TransferOwner(ctx context.Context, assetID int64, from, to string) (int64, error)
}

type TransactionStore interface {
	// Insert reports false when a record with the same TxRef already exists.
	Insert(ctx context.Context, rec *models.TransactionRecord) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.TransactionRecord, error)
	ListByParty(ctx context.Context, party string, limit, offset int) ([]models.TransactionRecord, error)
	Feed(ctx context.Context, seller string, limit, offset int) ([]models.TransactionRecord, error)
	UnreadCount(ctx context.Context, seller string) (int, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
}

type OperationStore interface {
	Create(ctx context.Context, op *models.Operation) error
	GetByRef(ctx context.Context, ref string) (*models.Operation, error)
	GetOpenByAsset(ctx context.Context, assetID int64) (*models.Operation, error)
	Transition(ctx context.Context, ref, from, to string, txRef, reason *string, result []byte) error
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]models.Operation, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

// RetryQueue holds mirror writes that failed, until their delay elapses.
type RetryQueue interface {
	Push(ctx context.Context, item events.RetryItem, delay time.Duration) error
	PopDue(ctx context.Context, now time.Time, limit int) ([]events.RetryItem, error)
	Len(ctx context.Context) (int64, error)
}

// VerificationOracle answers whether an address passed KYC. It is consulted on
// every check and never cached.
type VerificationOracle interface {
	IsVerified(ctx context.Context, address string) (bool, error)
}

// AllowAll is the verification oracle for deployments without KYC.
type AllowAll struct{}

func (AllowAll) IsVerified(context.Context, string) (bool, error) { return true, nil }
