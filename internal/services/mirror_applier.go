package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/models"
	"github.com/propertyledger/backend/internal/repositories"
)

// MirrorApplier applies confirmed ledger events to the local listing and escrow
// tables and hands them to the recorder. Every mirror row remembers the ledger
// transactions that opened and closed it, so an event whose TxRef is already on
// a row is skipped, and an event that does not belong to the current row (older
// than it, or from other parties) never touches it. The engines, the reconciler
// and the indexer may therefore all deliver the same event, in any order.
type MirrorApplier struct {
	escrows   EscrowStore
	listings  ListingStore
	interests InterestStore
	recorder  *SettlementRecorder
	audit     AuditStore
	log       *zap.Logger
}

func NewMirrorApplier(
	escrows EscrowStore,
	listings ListingStore,
	interests InterestStore,
	recorder *SettlementRecorder,
	audit AuditStore,
	log *zap.Logger,
) *MirrorApplier {
	return &MirrorApplier{
		escrows:   escrows,
		listings:  listings,
		interests: interests,
		recorder:  recorder,
		audit:     audit,
		log:       log,
	}
}

// Apply updates mirror state for ev. actorType is "party", "system" or "indexer".
// Recorder failures are queued for retry and never returned.
func (a *MirrorApplier) Apply(ctx context.Context, ev ledger.Event, actor, actorType string) error {
	entity, action, err := a.applyState(ctx, ev)
	if err != nil {
		return fmt.Errorf("apply %s for asset %d: %w", ev.Kind, ev.AssetID, err)
	}

	if _, err := a.recorder.Record(ctx, ev); err != nil {
		a.log.Error("settlement record lost", zap.String("tx_ref", ev.TxRef), zap.Error(err))
	}

	if action != "" && a.audit != nil {
		var actorAddr *string
		if actor != "" {
			n := models.NormalizeAddress(actor)
			actorAddr = &n
		}
		_ = a.audit.Log(ctx, models.AuditLog{
			ActorAddress: actorAddr,
			ActorType:    actorType,
			Action:       action,
			EntityType:   entity,
			EntityID:     fmt.Sprintf("%d", ev.AssetID),
			Meta:         map[string]any{"tx_ref": ev.TxRef, "event": string(ev.Kind), "price": ev.Price.String()},
		})
	}
	return nil
}

// applyState returns the audit entity and action; action is empty when nothing changed.
func (a *MirrorApplier) applyState(ctx context.Context, ev ledger.Event) (string, string, error) {
	var (
		entity, action string
		applied        bool
		err            error
	)
	switch ev.Kind {
	case ledger.EventListed:
		entity, action = "listing", "listing_created"
		applied, err = a.applyListed(ctx, ev)
	case ledger.EventSold:
		entity, action = "listing", "listing_sold"
		applied, err = a.endListing(ctx, ev, models.ListingStatusSold)
	case ledger.EventListingCancelled:
		entity, action = "listing", "listing_cancelled"
		applied, err = a.endListing(ctx, ev, models.ListingStatusCancelled)
	case ledger.EventEscrowCreated:
		entity, action = "escrow", "escrow_created"
		applied, err = a.createDeal(ctx, ev)
	case ledger.EventEscrowFunded:
		entity, action = "escrow", "escrow_pending_to_funded"
		applied, err = a.advanceDeal(ctx, ev, models.EscrowStatusFunded)
	case ledger.EventEscrowCompleted:
		entity, action = "escrow", "escrow_funded_to_completed"
		applied, err = a.advanceDeal(ctx, ev, models.EscrowStatusCompleted)
	case ledger.EventEscrowCancelled:
		entity, action = "escrow", "escrow_cancelled"
		applied, err = a.advanceDeal(ctx, ev, models.EscrowStatusCancelled)
	case ledger.EventEscrowRefunded:
		entity, action = "escrow", "escrow_funded_to_refunded"
		applied, err = a.advanceDeal(ctx, ev, models.EscrowStatusRefunded)
	case ledger.EventApprovalGranted:
		return "approval", "marketplace_approved", nil
	default:
		return "", "", nil
	}
	if err != nil || !applied {
		return "", "", err
	}
	return entity, action, nil
}

// olderThan reports whether ev happened before t on the ledger. Events without a
// timestamp are never considered older.
func olderThan(ev ledger.Event, t time.Time) bool {
	return !ev.Timestamp.IsZero() && t.After(ev.Timestamp)
}

// endedBy reports whether l is a closed row written from an end event that is no
// older than ev, meaning the listing ev opens is already over.
func endedBy(ev ledger.Event, l *models.Listing) bool {
	return !ev.Timestamp.IsZero() && !l.Active && l.CreatedTxRef == "" && !l.ListedAt.Before(ev.Timestamp)
}

func (a *MirrorApplier) skip(ev ledger.Event, msg string, fields ...zap.Field) {
	a.log.Warn(msg, append([]zap.Field{
		zap.String("event", string(ev.Kind)),
		zap.Int64("asset_id", ev.AssetID),
		zap.String("tx_ref", ev.TxRef),
	}, fields...)...)
}

func (a *MirrorApplier) listingSeen(ctx context.Context, txRef string) (bool, error) {
	if txRef == "" {
		return false, nil
	}
	_, err := a.listings.GetByTxRef(ctx, txRef)
	if errors.Is(err, repositories.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (a *MirrorApplier) dealSeen(ctx context.Context, txRef string) (bool, error) {
	if txRef == "" {
		return false, nil
	}
	_, err := a.escrows.GetByTxRef(ctx, txRef)
	if errors.Is(err, repositories.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (a *MirrorApplier) applyListed(ctx context.Context, ev ledger.Event) (bool, error) {
	if seen, err := a.listingSeen(ctx, ev.TxRef); err != nil || seen {
		return false, err
	}

	cur, err := a.latestListing(ctx, ev.AssetID)
	if err != nil {
		return false, err
	}
	if cur != nil {
		if cur.Active {
			a.skip(ev, "listing event skipped, asset already listed", zap.String("active_tx_ref", cur.CreatedTxRef))
			return false, nil
		}
		if olderThan(ev, cur.ListedAt) || endedBy(ev, cur) {
			a.skip(ev, "stale listing event skipped", zap.Time("latest_listed_at", cur.ListedAt))
			return false, nil
		}
	}

	err = a.listings.Create(ctx, &models.Listing{
		AssetID:      ev.AssetID,
		Seller:       models.NormalizeAddress(ev.Seller),
		Price:        ev.Price,
		ListedAt:     ev.Timestamp,
		CreatedTxRef: ev.TxRef,
	})
	if errors.Is(err, repositories.ErrDuplicate) {
		return false, nil // raced with another delivery
	}
	return err == nil, err
}

// latestListing returns the most recently listed row of the asset, or nil.
func (a *MirrorApplier) latestListing(ctx context.Context, assetID int64) (*models.Listing, error) {
	l, err := a.listings.GetActiveByAsset(ctx, assetID)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}
	rows, err := a.listings.List(ctx, repositories.ListingFilter{AssetID: &assetID, Limit: 1})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// endListing closes the active listing that ev ends. When the mirror never saw
// the listing open, a closed row is written from ev so a late delivery of the
// opening event is recognised as stale.
func (a *MirrorApplier) endListing(ctx context.Context, ev ledger.Event, status string) (bool, error) {
	if seen, err := a.listingSeen(ctx, ev.TxRef); err != nil || seen {
		return false, err
	}
	seller := models.NormalizeAddress(ev.Seller)

	cur, err := a.latestListing(ctx, ev.AssetID)
	if err != nil {
		return false, err
	}
	if cur != nil && olderThan(ev, cur.ListedAt) {
		a.skip(ev, "stale listing end skipped", zap.Time("latest_listed_at", cur.ListedAt))
		return false, nil
	}
	if cur != nil && cur.Active && seller != "" && cur.Seller != seller {
		a.skip(ev, "listing end skipped, active listing has another seller", zap.String("listing_seller", cur.Seller))
		return false, nil
	}

	if status == models.ListingStatusSold {
		if err := a.transferInterests(ctx, ev); err != nil {
			return false, err
		}
	}

	if cur == nil || !cur.Active {
		l := &models.Listing{AssetID: ev.AssetID, Seller: seller, Price: ev.Price, ListedAt: ev.Timestamp}
		if err := a.listings.Create(ctx, l); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return false, nil
			}
			return false, err
		}
		cur = l
	}

	err = a.listings.End(ctx, cur.ID, status, ev.TxRef)
	if errors.Is(err, repositories.ErrNotFound) || errors.Is(err, repositories.ErrDuplicate) {
		return false, nil // raced with another delivery of the same event
	}
	return err == nil, err
}

func (a *MirrorApplier) createDeal(ctx context.Context, ev ledger.Event) (bool, error) {
	if seen, err := a.dealSeen(ctx, ev.TxRef); err != nil || seen {
		return false, err
	}

	latest, err := a.escrows.GetLatestByAsset(ctx, ev.AssetID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return false, err
	}
	if latest != nil {
		if models.IsActiveEscrow(latest.Status) {
			a.skip(ev, "escrow event skipped, asset already has an active deal", zap.String("active_tx_ref", latest.CreatedTxRef))
			return false, nil
		}
		if olderThan(ev, latest.CreatedAt) {
			a.skip(ev, "stale escrow creation skipped", zap.Time("latest_created_at", latest.CreatedAt))
			return false, nil
		}
	}

	err = a.escrows.Create(ctx, &models.EscrowDeal{
		AssetID:      ev.AssetID,
		Seller:       models.NormalizeAddress(ev.Seller),
		Buyer:        models.NormalizeAddress(ev.Buyer),
		Price:        ev.Price,
		Fee:          ev.Fee,
		Status:       models.EscrowStatusPending,
		CreatedAt:    ev.Timestamp,
		CreatedTxRef: ev.TxRef,
	})
	if errors.Is(err, repositories.ErrDuplicate) {
		return false, nil
	}
	return err == nil, err
}

// advanceDeal moves the active deal ev belongs to. Events for other parties or
// for a deal older than the active one are skipped.
func (a *MirrorApplier) advanceDeal(ctx context.Context, ev ledger.Event, to string) (bool, error) {
	if seen, err := a.dealSeen(ctx, ev.TxRef); err != nil || seen {
		return false, err
	}

	d, err := a.escrows.GetActiveByAsset(ctx, ev.AssetID)
	if errors.Is(err, repositories.ErrNotFound) {
		a.skip(ev, "escrow event skipped, no active deal")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sameParties(d, ev) {
		a.skip(ev, "escrow event skipped, active deal has other parties",
			zap.String("deal_seller", d.Seller), zap.String("deal_buyer", d.Buyer))
		return false, nil
	}
	if olderThan(ev, d.CreatedAt) {
		a.skip(ev, "stale escrow event skipped", zap.Time("deal_created_at", d.CreatedAt))
		return false, nil
	}
	if d.Status == to {
		return false, nil
	}
	if !models.IsValidEscrowTransition(d.Status, to) {
		// the ledger is authoritative; a pending deal the mirror never saw funded
		// still ends in the confirmed state
		a.log.Warn("mirror escrow out of step with ledger",
			zap.Int64("asset_id", ev.AssetID), zap.String("mirror_status", d.Status), zap.String("ledger_status", to))
	}

	if to == models.EscrowStatusCompleted {
		if err := a.transferInterests(ctx, ev); err != nil {
			return false, err
		}
	}

	funded := d.FundsDeposited || to == models.EscrowStatusFunded
	err = a.escrows.UpdateStatus(ctx, d.ID, d.Status, to, funded, ev.TxRef)
	if errors.Is(err, repositories.ErrNotFound) || errors.Is(err, repositories.ErrDuplicate) {
		return false, nil // raced with another delivery of the same event
	}
	return err == nil, err
}

func sameParties(d *models.EscrowDeal, ev ledger.Event) bool {
	if ev.Seller != "" && d.Seller != models.NormalizeAddress(ev.Seller) {
		return false
	}
	return ev.Buyer == "" || d.Buyer == models.NormalizeAddress(ev.Buyer)
}

// transferInterests re-homes the buyer interests of a sold asset to its new owner.
// It only moves interests still held by the seller, so repeating it is harmless.
func (a *MirrorApplier) transferInterests(ctx context.Context, ev ledger.Event) error {
	if a.interests == nil || ev.Seller == "" || ev.Buyer == "" {
		return nil
	}
	n, err := a.interests.TransferOwner(ctx, ev.AssetID,
		models.NormalizeAddress(ev.Seller), models.NormalizeAddress(ev.Buyer))
	if err != nil {
		return fmt.Errorf("transfer interests: %w", err)
	}
	if n > 0 {
		a.log.Info("buyer interests moved to new owner",
			zap.Int64("asset_id", ev.AssetID), zap.String("owner", ev.Buyer), zap.Int64("count", n))
	}
	return nil
}
