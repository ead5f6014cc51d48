package services

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/apperr"
	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/locks"
	"github.com/propertyledger/backend/internal/models"
	"github.com/propertyledger/backend/internal/rbac"
	"github.com/propertyledger/backend/internal/repositories"
)

// ListingService runs the marketplace list/buy/cancel protocol.
type ListingService struct {
	listings ListingStore
	escrows  EscrowStore
	ledger   ledger.Client
	runner   *OperationRunner
	locker   locks.Locker
	log      *zap.Logger
}

func NewListingService(
	listings ListingStore,
	escrows EscrowStore,
	client ledger.Client,
	runner *OperationRunner,
	locker locks.Locker,
	log *zap.Logger,
) *ListingService {
	return &ListingService{
		listings: listings,
		escrows:  escrows,
		ledger:   client,
		runner:   runner,
		locker:   locker,
		log:      log,
	}
}

// List puts the caller's asset on the marketplace. When the marketplace operator
// is not yet approved the approval is granted first; the listing is active only
// once both operations confirm.
func (s *ListingService) List(ctx context.Context, caller string, assetID int64, price decimal.Decimal) (*models.Listing, error) {
	caller = models.NormalizeAddress(caller)
	if !price.IsPositive() {
		return nil, apperr.New(apperr.CodeInvalidInput, "price must be positive")
	}
	if err := requireWholeAmount("price", price); err != nil {
		return nil, err
	}

	unlock, err := lockAsset(ctx, s.locker, assetID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.runner.EnsureIdle(ctx, assetID); err != nil {
		return nil, err
	}
	if err := requireOwner(ctx, s.ledger, assetID, caller); err != nil {
		return nil, err
	}

	if _, err := s.listings.GetActiveByAsset(ctx, assetID); err == nil {
		return nil, apperr.Newf(apperr.CodeAlreadyListed, "asset %d is already listed", assetID).WithState(models.ListingStatusListed)
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}
	if d, err := s.escrows.GetActiveByAsset(ctx, assetID); err == nil {
		return nil, apperr.Newf(apperr.CodeConflictingSettlement, "asset %d is in escrow", assetID).WithState(d.Status)
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}

	approved, err := s.ledger.GetApprovalStatus(ctx, caller, s.ledger.Operator())
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeLedgerRejected, err, "approval lookup failed")
	}
	if !approved {
		s.log.Info("granting marketplace approval before listing", zap.Int64("asset_id", assetID), zap.String("owner", caller))
		if _, _, err := s.runner.Execute(ctx, ledger.Operation{Kind: ledger.OpApproveMarketplace, AssetID: assetID, Caller: caller}); err != nil {
			return nil, err
		}
	}

	_, ev, err := s.runner.Execute(ctx, ledger.Operation{Kind: ledger.OpList, AssetID: assetID, Caller: caller, Amount: price})
	if err != nil {
		return nil, err
	}

	if l, err := s.listings.GetActiveByAsset(ctx, assetID); err == nil {
		return l, nil
	}
	return &models.Listing{
		AssetID:  assetID,
		Seller:   caller,
		Price:    ev.Price,
		Active:   true,
		Status:   models.ListingStatusListed,
		ListedAt: ev.Timestamp,
	}, nil
}

// Buy purchases the active listing. payment must equal the listed price.
func (s *ListingService) Buy(ctx context.Context, caller string, assetID int64, payment decimal.Decimal) (*models.Listing, error) {
	caller = models.NormalizeAddress(caller)
	if err := requireWholeAmount("payment", payment); err != nil {
		return nil, err
	}
	return s.mutate(ctx, assetID, models.ListingStatusSold, func(l *models.Listing) (*ledger.Operation, error) {
		if caller == l.Seller {
			return nil, apperr.New(apperr.CodeSelfPurchase, "seller cannot buy their own listing")
		}
		if !payment.Equal(l.Price) {
			return nil, apperr.Newf(apperr.CodeWrongAmount, "payment must be exactly %s", l.Price.String()).WithState(l.Status)
		}
		return &ledger.Operation{Kind: ledger.OpBuy, AssetID: assetID, Caller: caller, Counterparty: l.Seller, Amount: payment}, nil
	})
}

// Cancel withdraws the caller's active listing.
func (s *ListingService) Cancel(ctx context.Context, caller string, assetID int64) (*models.Listing, error) {
	caller = models.NormalizeAddress(caller)
	return s.mutate(ctx, assetID, models.ListingStatusCancelled, func(l *models.Listing) (*ledger.Operation, error) {
		if !rbac.HasPermission(rbac.DealRole(l.Seller, "", caller), rbac.PermCancelListing) {
			return nil, apperr.New(apperr.CodeNotSeller, "only the seller can cancel the listing")
		}
		return &ledger.Operation{Kind: ledger.OpCancelListing, AssetID: assetID, Caller: caller}, nil
	})
}

// GetListing returns the active listing of the asset.
func (s *ListingService) GetListing(ctx context.Context, assetID int64) (*models.Listing, error) {
	l, err := s.listings.GetActiveByAsset(ctx, assetID)
	if err != nil {
		return nil, notFound(err, "active listing")
	}
	return l, nil
}

func (s *ListingService) ListListings(ctx context.Context, f repositories.ListingFilter) ([]models.Listing, error) {
	if f.Seller != nil {
		seller := models.NormalizeAddress(*f.Seller)
		f.Seller = &seller
	}
	return s.listings.List(ctx, f)
}

func (s *ListingService) mutate(ctx context.Context, assetID int64, to string, step func(l *models.Listing) (*ledger.Operation, error)) (*models.Listing, error) {
	unlock, err := lockAsset(ctx, s.locker, assetID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.runner.EnsureIdle(ctx, assetID); err != nil {
		return nil, err
	}
	l, err := s.listings.GetActiveByAsset(ctx, assetID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "asset %d is not listed", assetID)
	}
	if err != nil {
		return nil, err
	}

	op, err := step(l)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.runner.Execute(ctx, *op); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	l.Active = false
	l.Status = to
	l.EndedAt = &now
	return l, nil
}
