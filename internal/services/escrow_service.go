package services

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/apperr"
	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/locks"
	"github.com/propertyledger/backend/internal/models"
	"github.com/propertyledger/backend/internal/rbac"
	"github.com/propertyledger/backend/internal/repositories"
)

// EscrowService runs the escrow deal state machine. Every mutation holds the asset
// lock, is validated against the mirror and the ledger, and changes local state only
// after the ledger confirms it.
type EscrowService struct {
	escrows  EscrowStore
	listings ListingStore
	ledger   ledger.Client
	runner   *OperationRunner
	locker   locks.Locker
	oracle   VerificationOracle
	feeBPS   int64
	policy   string
	log      *zap.Logger
}

func NewEscrowService(
	escrows EscrowStore,
	listings ListingStore,
	client ledger.Client,
	runner *OperationRunner,
	locker locks.Locker,
	oracle VerificationOracle,
	feeBPS int64,
	fundedCancelPolicy string,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		escrows:  escrows,
		listings: listings,
		ledger:   client,
		runner:   runner,
		locker:   locker,
		oracle:   oracle,
		feeBPS:   feeBPS,
		policy:   fundedCancelPolicy,
		log:      log,
	}
}

func (s *EscrowService) FeeBPS() int64             { return s.feeBPS }
func (s *EscrowService) FundedCancelPolicy() string { return s.policy }

// CreateDeal opens a pending deal between the caller (the ledger owner) and buyer.
func (s *EscrowService) CreateDeal(ctx context.Context, caller string, assetID int64, buyer string, price decimal.Decimal) (*models.EscrowDeal, error) {
	caller = models.NormalizeAddress(caller)
	buyer = models.NormalizeAddress(buyer)
	if buyer == "" || !price.IsPositive() {
		return nil, apperr.New(apperr.CodeInvalidInput, "buyer and a positive price are required")
	}
	if err := requireWholeAmount("price", price); err != nil {
		return nil, err
	}
	if buyer == caller {
		return nil, apperr.New(apperr.CodeSelfPurchase, "seller cannot be the buyer")
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

	if d, err := s.escrows.GetActiveByAsset(ctx, assetID); err == nil {
		return nil, apperr.Newf(apperr.CodeDealExists, "asset %d already has an active deal", assetID).WithState(d.Status)
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}
	if _, err := s.listings.GetActiveByAsset(ctx, assetID); err == nil {
		return nil, apperr.Newf(apperr.CodeConflictingSettlement, "asset %d is listed on the marketplace", assetID).
			WithState(models.ListingStatusListed)
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}

	if err := s.requireVerified(ctx, caller, buyer); err != nil {
		return nil, err
	}

	fee := models.ComputeFee(price, s.feeBPS)
	_, ev, err := s.runner.Execute(ctx, ledger.Operation{
		Kind:         ledger.OpEscrowCreate,
		AssetID:      assetID,
		Caller:       caller,
		Counterparty: buyer,
		Amount:       price,
		Fee:          fee,
	})
	if err != nil {
		return nil, err
	}

	if d, err := s.escrows.GetActiveByAsset(ctx, assetID); err == nil {
		return d, nil
	}
	return &models.EscrowDeal{
		AssetID:   assetID,
		Seller:    caller,
		Buyer:     buyer,
		Price:     ev.Price,
		Fee:       ev.Fee,
		Status:    models.EscrowStatusPending,
		CreatedAt: ev.Timestamp,
		UpdatedAt: ev.Timestamp,
	}, nil
}

// DepositFunds funds a pending deal. amount must equal price + fee exactly.
func (s *EscrowService) DepositFunds(ctx context.Context, caller string, assetID int64, amount decimal.Decimal) (*models.EscrowDeal, error) {
	caller = models.NormalizeAddress(caller)
	if err := requireWholeAmount("amount", amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, assetID, func(d *models.EscrowDeal) (*ledger.Operation, string, error) {
		if !rbac.HasPermission(rbac.DealRole(d.Seller, d.Buyer, caller), rbac.PermDeposit) {
			return nil, "", apperr.New(apperr.CodeNotBuyer, "only the buyer can deposit")
		}
		if d.Status != models.EscrowStatusPending {
			return nil, "", invalidTransition(d.Status, models.EscrowStatusFunded)
		}
		if !amount.Equal(d.Total()) {
			return nil, "", apperr.Newf(apperr.CodeWrongAmount, "deposit must be exactly %s", d.Total().String()).WithState(d.Status)
		}
		return &ledger.Operation{Kind: ledger.OpEscrowDeposit, AssetID: assetID, Caller: caller, Amount: amount}, models.EscrowStatusFunded, nil
	})
}

// CompleteDeal releases a funded deal. Verification is re-checked at completion.
func (s *EscrowService) CompleteDeal(ctx context.Context, caller string, assetID int64) (*models.EscrowDeal, error) {
	caller = models.NormalizeAddress(caller)
	return s.mutate(ctx, assetID, func(d *models.EscrowDeal) (*ledger.Operation, string, error) {
		if !rbac.HasPermission(rbac.DealRole(d.Seller, d.Buyer, caller), rbac.PermComplete) {
			return nil, "", apperr.New(apperr.CodeNotParty, "only the buyer or seller can complete")
		}
		if d.Status != models.EscrowStatusFunded {
			return nil, "", invalidTransition(d.Status, models.EscrowStatusCompleted)
		}
		if err := s.requireVerified(ctx, d.Seller, d.Buyer); err != nil {
			return nil, "", err
		}
		return &ledger.Operation{Kind: ledger.OpEscrowComplete, AssetID: assetID, Caller: caller}, models.EscrowStatusCompleted, nil
	})
}

// CancelEscrow cancels a pending deal, or a funded one when the policy allows the caller's role.
func (s *EscrowService) CancelEscrow(ctx context.Context, caller string, assetID int64) (*models.EscrowDeal, error) {
	caller = models.NormalizeAddress(caller)
	return s.mutate(ctx, assetID, func(d *models.EscrowDeal) (*ledger.Operation, string, error) {
		role := rbac.DealRole(d.Seller, d.Buyer, caller)
		if !rbac.HasPermission(role, rbac.PermCancel) {
			return nil, "", apperr.New(apperr.CodeNotParty, "only the buyer or seller can cancel")
		}
		switch d.Status {
		case models.EscrowStatusPending:
		case models.EscrowStatusFunded:
			if !rbac.CanCancelFunded(s.policy, role) {
				return nil, "", apperr.Newf(apperr.CodeInvalidTransition,
					"cancelling a funded deal is not permitted (policy %s)", s.policy).WithState(d.Status)
			}
		default:
			return nil, "", invalidTransition(d.Status, models.EscrowStatusCancelled)
		}
		return &ledger.Operation{Kind: ledger.OpEscrowCancel, AssetID: assetID, Caller: caller}, models.EscrowStatusCancelled, nil
	})
}

// RefundBuyer returns the deposit of a funded deal to the buyer.
func (s *EscrowService) RefundBuyer(ctx context.Context, caller string, assetID int64) (*models.EscrowDeal, error) {
	caller = models.NormalizeAddress(caller)
	return s.mutate(ctx, assetID, func(d *models.EscrowDeal) (*ledger.Operation, string, error) {
		if !rbac.HasPermission(rbac.DealRole(d.Seller, d.Buyer, caller), rbac.PermRefund) {
			return nil, "", apperr.New(apperr.CodeNotSeller, "only the seller can refund")
		}
		if d.Status != models.EscrowStatusFunded {
			return nil, "", invalidTransition(d.Status, models.EscrowStatusRefunded)
		}
		return &ledger.Operation{Kind: ledger.OpEscrowRefund, AssetID: assetID, Caller: caller}, models.EscrowStatusRefunded, nil
	})
}

// GetDeal returns the latest deal of the asset in any status.
func (s *EscrowService) GetDeal(ctx context.Context, assetID int64) (*models.EscrowDeal, error) {
	d, err := s.escrows.GetLatestByAsset(ctx, assetID)
	if err != nil {
		return nil, notFound(err, "escrow deal")
	}
	return d, nil
}

func (s *EscrowService) ListDeals(ctx context.Context, party, role string, limit, offset int) ([]models.EscrowDeal, error) {
	return s.escrows.ListByParty(ctx, models.NormalizeAddress(party), role, limit, offset)
}

type dealStep func(d *models.EscrowDeal) (op *ledger.Operation, to string, err error)

// mutate runs one state machine step on the current deal under the asset lock.
func (s *EscrowService) mutate(ctx context.Context, assetID int64, step dealStep) (*models.EscrowDeal, error) {
	unlock, err := lockAsset(ctx, s.locker, assetID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.runner.EnsureIdle(ctx, assetID); err != nil {
		return nil, err
	}
	d, err := s.currentDeal(ctx, assetID)
	if err != nil {
		return nil, err
	}

	op, to, err := step(d)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.runner.Execute(ctx, *op); err != nil {
		return nil, err
	}

	if fresh, err := s.escrows.GetLatestByAsset(ctx, assetID); err == nil && fresh.ID == d.ID {
		return fresh, nil
	}
	d.Status = to
	d.FundsDeposited = d.FundsDeposited || to == models.EscrowStatusFunded
	return d, nil
}

// currentDeal is the active deal, else the most recent terminal one.
func (s *EscrowService) currentDeal(ctx context.Context, assetID int64) (*models.EscrowDeal, error) {
	d, err := s.escrows.GetActiveByAsset(ctx, assetID)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}
	d, err = s.escrows.GetLatestByAsset(ctx, assetID)
	if err != nil {
		return nil, notFound(err, "escrow deal")
	}
	return d, nil
}

func (s *EscrowService) requireVerified(ctx context.Context, parties ...string) error {
	for _, p := range parties {
		ok, err := s.oracle.IsVerified(ctx, p)
		if err != nil {
			return apperr.Wrap(apperr.CodeKycRequired, err, "verification unavailable")
		}
		if !ok {
			return apperr.Newf(apperr.CodeKycRequired, "%s has not completed verification", p)
		}
	}
	return nil
}

func invalidTransition(from, to string) error {
	return apperr.Newf(apperr.CodeInvalidTransition, "cannot move from %s to %s", from, to).WithState(from)
}
