package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/apperr"
	"github.com/propertyledger/backend/internal/events"
	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/locks"
	"github.com/propertyledger/backend/internal/models"
	"github.com/propertyledger/backend/internal/repositories"
)

// InterestService keeps buyer interest per asset with at most one approved buyer.
type InterestService struct {
	interests InterestStore
	ledger    ledger.Client
	locker    locks.Locker
	audit     AuditStore
	publisher events.Publisher
	log       *zap.Logger
}

func NewInterestService(
	interests InterestStore,
	client ledger.Client,
	locker locks.Locker,
	audit AuditStore,
	publisher events.Publisher,
	log *zap.Logger,
) *InterestService {
	return &InterestService{
		interests: interests,
		ledger:    client,
		locker:    locker,
		audit:     audit,
		publisher: publisher,
		log:       log,
	}
}

func (s *InterestService) ExpressInterest(ctx context.Context, caller string, assetID int64) (*models.BuyerInterest, error) {
	caller = models.NormalizeAddress(caller)
	owner, err := currentOwner(ctx, s.ledger, assetID)
	if err != nil {
		return nil, err
	}
	if owner == caller {
		return nil, apperr.New(apperr.CodeSelfInterest, "the owner cannot express interest in their own asset")
	}

	i := &models.BuyerInterest{AssetID: assetID, BuyerAddress: caller, OwnerAddress: owner}
	if err := s.interests.Create(ctx, i); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, apperr.Newf(apperr.CodeDuplicateInterest, "interest in asset %d already recorded", assetID)
		}
		return nil, err
	}
	return i, nil
}

// Approve makes interestID the single approved buyer of the asset, demoting any
// previously approved one.
func (s *InterestService) Approve(ctx context.Context, assetID int64, interestID uuid.UUID, requestingOwner string) (*models.BuyerInterest, error) {
	requestingOwner = models.NormalizeAddress(requestingOwner)

	unlock, err := lockAsset(ctx, s.locker, assetID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := requireOwner(ctx, s.ledger, assetID, requestingOwner); err != nil {
		return nil, err
	}
	if _, err := s.interestOf(ctx, assetID, interestID); err != nil {
		return nil, err
	}

	approved, err := s.interests.Approve(ctx, assetID, interestID)
	if err != nil {
		return nil, notFound(err, "interest")
	}

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorAddress: &requestingOwner,
		ActorType:    "party",
		Action:       "interest_approved",
		EntityType:   "interest",
		EntityID:     strconv.FormatInt(assetID, 10),
		Meta:         map[string]any{"interest_id": approved.ID.String(), "buyer": approved.BuyerAddress},
	})
	if s.publisher != nil {
		_ = s.publisher.Publish(ctx, events.ChannelSettlement, events.Event{
			Type:    events.EventInterestApproved,
			Parties: []string{approved.BuyerAddress},
			Payload: map[string]any{"interest_id": approved.ID.String(), "asset_id": assetID},
		})
	}
	return approved, nil
}

// Remove deletes the buyer's own interest unless it is the approved one.
func (s *InterestService) Remove(ctx context.Context, assetID int64, interestID uuid.UUID, requestingBuyer string) error {
	requestingBuyer = models.NormalizeAddress(requestingBuyer)

	unlock, err := lockAsset(ctx, s.locker, assetID)
	if err != nil {
		return err
	}
	defer unlock()

	i, err := s.interestOf(ctx, assetID, interestID)
	if err != nil {
		return err
	}
	if i.BuyerAddress != requestingBuyer {
		return apperr.New(apperr.CodeNotBuyer, "only the interested buyer can remove the interest")
	}
	if i.Status == models.InterestStatusApproved {
		return apperr.New(apperr.CodeCannotRemoveApproved, "an approved interest cannot be removed").WithState(i.Status)
	}
	return notFound(s.interests.Delete(ctx, interestID), "interest")
}

func (s *InterestService) ByAsset(ctx context.Context, assetID int64) ([]models.BuyerInterest, error) {
	return s.interests.ListByAsset(ctx, assetID)
}

func (s *InterestService) ByBuyer(ctx context.Context, buyer string) ([]models.BuyerInterest, error) {
	return s.interests.ListByBuyer(ctx, models.NormalizeAddress(buyer))
}

func (s *InterestService) ByOwner(ctx context.Context, owner string) ([]models.BuyerInterest, error) {
	return s.interests.ListByOwner(ctx, models.NormalizeAddress(owner))
}

// Stats aggregates interests for owner, or across all assets when owner is empty.
func (s *InterestService) Stats(ctx context.Context, owner string) (models.InterestStats, error) {
	return s.interests.Stats(ctx, models.NormalizeAddress(owner))
}

func (s *InterestService) interestOf(ctx context.Context, assetID int64, id uuid.UUID) (*models.BuyerInterest, error) {
	i, err := s.interests.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "interest")
	}
	if i.AssetID != assetID {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("interest %s does not belong to asset %d", id, assetID))
	}
	return i, nil
}
