package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/events"
	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/metrics"
	"github.com/propertyledger/backend/internal/models"
)

const retryBaseDelay = 2 * time.Second

// SettlementRecorder mirrors confirmed ledger events into transaction records.
// Inserts are idempotent on TxRef; failed inserts go to the retry queue and never
// surface to the engine that confirmed the event.
type SettlementRecorder struct {
	records    TransactionStore
	retry      RetryQueue
	publisher  events.Publisher
	metrics    *metrics.Registry
	maxBackoff time.Duration
	log        *zap.Logger
}

func NewSettlementRecorder(
	records TransactionStore,
	retry RetryQueue,
	publisher events.Publisher,
	m *metrics.Registry,
	maxBackoff time.Duration,
	log *zap.Logger,
) *SettlementRecorder {
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Minute
	}
	return &SettlementRecorder{
		records:    records,
		retry:      retry,
		publisher:  publisher,
		metrics:    m,
		maxBackoff: maxBackoff,
		log:        log,
	}
}

// RecordFor maps a confirmed event to its transaction record. Events that move
// neither an asset nor funds (approval grants) have no record.
func RecordFor(ev ledger.Event) (models.TransactionRecord, bool) {
	rec := models.TransactionRecord{
		AssetID:   ev.AssetID,
		From:      models.NormalizeAddress(ev.Seller),
		To:        models.NormalizeAddress(ev.Buyer),
		Value:     ev.Price,
		TxRef:     ev.TxRef,
		Status:    models.TxStatusConfirmed,
		Timestamp: ev.Timestamp,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	switch ev.Kind {
	case ledger.EventListed:
		rec.Type = models.TxTypeListing
		rec.To = ""
	case ledger.EventSold, ledger.EventEscrowCompleted:
		rec.Type = models.TxTypeSale
	case ledger.EventListingCancelled:
		rec.Type = models.TxTypeCancelListing
		rec.To = ""
	case ledger.EventEscrowCreated:
		rec.Type = models.TxTypeEscrowCreated
	case ledger.EventEscrowFunded:
		rec.Type = models.TxTypeEscrowFunded
		rec.From, rec.To = rec.To, rec.From
		rec.Value = ev.Price.Add(ev.Fee)
	case ledger.EventEscrowCancelled:
		rec.Type = models.TxTypeEscrowCancelled
	case ledger.EventEscrowRefunded:
		rec.Type = models.TxTypeRefund
		rec.Value = ev.Price.Add(ev.Fee)
	default:
		return rec, false
	}
	return rec, rec.TxRef != ""
}

// Record mirrors ev. It reports whether a new record was stored; a duplicate
// TxRef is a silent no-op. An error means the record was neither stored nor queued.
func (r *SettlementRecorder) Record(ctx context.Context, ev ledger.Event) (bool, error) {
	rec, ok := RecordFor(ev)
	if !ok {
		return false, nil
	}

	inserted, err := r.store(ctx, &rec)
	if err == nil {
		return inserted, nil
	}

	r.log.Warn("mirror write failed, queueing retry",
		zap.String("tx_ref", rec.TxRef), zap.Int64("asset_id", rec.AssetID), zap.Error(err))
	if qerr := r.enqueue(ctx, events.RetryItem{Record: rec, Attempt: 1}); qerr != nil {
		r.log.Error("failed to queue mirror retry", zap.String("tx_ref", rec.TxRef), zap.Error(qerr))
		return false, fmt.Errorf("record %s: %w", rec.TxRef, err)
	}
	return false, nil
}

// DrainRetries re-attempts due mirror writes and returns how many were stored.
// Every popped item gets its attempt even when popping or requeueing fails part
// way; those failures are joined into the returned error.
func (r *SettlementRecorder) DrainRetries(ctx context.Context, limit int) (int, error) {
	if r.retry == nil {
		return 0, nil
	}
	items, popErr := r.retry.PopDue(ctx, time.Now(), limit)
	var errs []error
	if popErr != nil {
		errs = append(errs, fmt.Errorf("pop due retries: %w", popErr))
	}

	stored := 0
	for _, item := range items {
		rec := item.Record
		if _, err := r.store(ctx, &rec); err != nil {
			r.metrics.IncMirrorWrite("retried")
			r.log.Warn("mirror retry failed",
				zap.String("tx_ref", rec.TxRef), zap.Int("attempt", item.Attempt), zap.Error(err))
			next := events.RetryItem{Record: item.Record, Attempt: item.Attempt + 1}
			if qerr := r.enqueue(ctx, next); qerr != nil {
				r.log.Error("mirror retry dropped",
					zap.String("tx_ref", rec.TxRef),
					zap.Int64("asset_id", rec.AssetID),
					zap.String("type", rec.Type),
					zap.String("from", rec.From),
					zap.String("to", rec.To),
					zap.String("value", rec.Value.String()),
					zap.Int("attempt", next.Attempt),
					zap.Error(qerr))
				errs = append(errs, fmt.Errorf("requeue %s: %w", rec.TxRef, qerr))
			}
			continue
		}
		stored++
	}

	if n, err := r.retry.Len(ctx); err == nil {
		r.metrics.SetRetryQueueDepth(n)
	}
	return stored, errors.Join(errs...)
}

func (r *SettlementRecorder) store(ctx context.Context, rec *models.TransactionRecord) (bool, error) {
	inserted, err := r.records.Insert(ctx, rec)
	if err != nil {
		r.metrics.IncMirrorWrite("failed")
		return false, err
	}
	if !inserted {
		r.metrics.IncMirrorWrite("duplicate")
		r.log.Debug("duplicate settlement record suppressed", zap.String("tx_ref", rec.TxRef))
		return false, nil
	}
	r.metrics.IncMirrorWrite("inserted")
	r.publish(ctx, *rec)
	return true, nil
}

func (r *SettlementRecorder) enqueue(ctx context.Context, item events.RetryItem) error {
	if r.retry == nil {
		return fmt.Errorf("no retry queue configured")
	}
	return r.retry.Push(ctx, item, r.backoff(item.Attempt))
}

// backoff doubles from retryBaseDelay per attempt, capped at maxBackoff.
func (r *SettlementRecorder) backoff(attempt int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.maxBackoff {
			return r.maxBackoff
		}
	}
	return d
}

func (r *SettlementRecorder) publish(ctx context.Context, rec models.TransactionRecord) {
	if r.publisher == nil {
		return
	}
	parties := []string{rec.From}
	if rec.To != "" {
		parties = append(parties, rec.To)
	}
	_ = r.publisher.Publish(ctx, events.ChannelSettlement, events.Event{
		Type:    events.EventRecordCreated,
		Parties: parties,
		Payload: map[string]any{
			"id":        rec.ID.String(),
			"type":      rec.Type,
			"asset_id":  rec.AssetID,
			"from":      rec.From,
			"to":        rec.To,
			"value":     rec.Value.String(),
			"tx_ref":    rec.TxRef,
			"timestamp": rec.Timestamp,
		},
	})
}
