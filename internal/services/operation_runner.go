package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/apperr"
	"github.com/propertyledger/backend/internal/events"
	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/metrics"
	"github.com/propertyledger/backend/internal/models"
	"github.com/propertyledger/backend/internal/repositories"
)

const (
	trackAttempts = 3
	trackBackoff  = 25 * time.Millisecond
	// an operation that could not be tracked cannot be resumed by the reconciler,
	// so the request waits this many confirmation timeouts for its outcome
	untrackedWaitFactor = 5
)

// OperationRunner drives a ledger operation through submit, confirmation and
// local application, tracking it as a models.Operation so a timed-out request
// can be polled and later resumed by the reconciler.
type OperationRunner struct {
	ledger    ledger.Client
	ops       OperationStore
	mirror    *MirrorApplier
	publisher events.Publisher
	timeout   time.Duration
	metrics   *metrics.Registry
	log       *zap.Logger
}

func NewOperationRunner(
	client ledger.Client,
	ops OperationStore,
	mirror *MirrorApplier,
	publisher events.Publisher,
	timeout time.Duration,
	m *metrics.Registry,
	log *zap.Logger,
) *OperationRunner {
	return &OperationRunner{
		ledger:    client,
		ops:       ops,
		mirror:    mirror,
		publisher: publisher,
		timeout:   timeout,
		metrics:   m,
		log:       log,
	}
}

// EnsureIdle fails with OperationPending while the asset has an unsettled operation.
func (r *OperationRunner) EnsureIdle(ctx context.Context, assetID int64) error {
	op, err := r.ops.GetOpenByAsset(ctx, assetID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return apperr.Newf(apperr.CodeOperationPending, "operation %s on asset %d is %s", op.Ref, assetID, op.Status).
		WithState(op.Status).WithTxRef(op.Ref)
}

func (r *OperationRunner) Get(ctx context.Context, ref string) (*models.Operation, error) {
	op, err := r.ops.GetByRef(ctx, ref)
	if err != nil {
		return nil, notFound(err, "operation")
	}
	return op, nil
}

// Execute submits op and waits up to the confirmation timeout. On confirmation the
// event is applied to the mirror before returning. A timeout returns the tracked
// operation together with a Timeout error; the operation stays submitted.
func (r *OperationRunner) Execute(ctx context.Context, op ledger.Operation) (*models.Operation, *ledger.Event, error) {
	start := time.Now()
	kind := string(op.Kind)

	ref, err := r.ledger.Submit(ctx, op)
	if err != nil {
		r.metrics.ObserveOperation(kind, "rejected", time.Since(start))
		return nil, nil, submitError(err)
	}

	// bookkeeping outlives the caller: the ledger may confirm after it gives up
	bg := context.WithoutCancel(ctx)

	params, _ := json.Marshal(op)
	rec := &models.Operation{
		Ref:     string(ref),
		Kind:    kind,
		AssetID: op.AssetID,
		Caller:  models.NormalizeAddress(op.Caller),
		Params:  params,
		Status:  models.OperationSubmitted,
	}
	wait := r.timeout
	tracked := true
	if err := r.track(bg, rec); err != nil {
		tracked = false
		wait = r.timeout * untrackedWaitFactor
		r.log.Error("failed to track ledger operation, waiting for its outcome",
			zap.String("ref", rec.Ref), zap.Int64("asset_id", op.AssetID), zap.Duration("wait", wait), zap.Error(err))
	}
	r.log.Info("ledger operation submitted", zap.String("kind", kind), zap.String("ref", rec.Ref), zap.Int64("asset_id", op.AssetID))

	actx, cancel := context.WithTimeout(ctx, wait)
	outcome, err := r.ledger.AwaitConfirmation(actx, ref)
	cancel()
	if err != nil {
		r.metrics.ObserveOperation(kind, "timeout", time.Since(start))
		r.log.Warn("ledger confirmation pending", zap.String("ref", rec.Ref), zap.Bool("tracked", tracked),
			zap.Duration("waited", time.Since(start)), zap.Error(err))
		if !tracked {
			// no row to poll; the indexer applies the event once it confirms
			return rec, nil, apperr.Wrap(apperr.CodeTimeout, err, "ledger confirmation still pending and the operation could not be tracked").
				WithState(models.OperationSubmitted)
		}
		return rec, nil, apperr.Wrap(apperr.CodeTimeout, err, "ledger confirmation still pending").
			WithState(models.OperationSubmitted).WithTxRef(rec.Ref)
	}

	ev, err := r.resolve(bg, rec, outcome, "party")
	r.metrics.ObserveOperation(kind, outcomeLabel(outcome), time.Since(start))
	return rec, ev, err
}

// track stores rec, retrying transient failures. A duplicate ref means an earlier
// attempt landed.
func (r *OperationRunner) track(ctx context.Context, rec *models.Operation) error {
	var err error
	for attempt := 1; attempt <= trackAttempts; attempt++ {
		err = r.ops.Create(ctx, rec)
		if err == nil || errors.Is(err, repositories.ErrDuplicate) {
			return nil
		}
		r.log.Warn("tracking ledger operation failed", zap.String("ref", rec.Ref), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == trackAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(trackBackoff * time.Duration(attempt)):
		}
	}
	return err
}

// Resume re-awaits a tracked operation left open by a timeout or crash and applies it.
func (r *OperationRunner) Resume(ctx context.Context, rec *models.Operation, wait time.Duration) error {
	if rec.Status == models.OperationConfirmed {
		var ev ledger.Event
		if err := json.Unmarshal(rec.Result, &ev); err != nil {
			return err
		}
		return r.settle(ctx, rec, ev, "system")
	}
	if rec.Status != models.OperationSubmitted {
		return nil
	}

	actx, cancel := context.WithTimeout(ctx, wait)
	outcome, err := r.ledger.AwaitConfirmation(actx, ledger.PendingRef(rec.Ref))
	cancel()
	if errors.Is(err, ledger.ErrUnknownRef) {
		outcome = ledger.Rejected{Reason: "unknown to ledger"}
	} else if err != nil {
		return err
	}

	_, err = r.resolve(ctx, rec, outcome, "system")
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		// a rejection is a resolution, not a reconciler failure
		return nil
	}
	return err
}

func (r *OperationRunner) resolve(ctx context.Context, rec *models.Operation, outcome ledger.Outcome, actorType string) (*ledger.Event, error) {
	switch o := outcome.(type) {
	case ledger.Rejected:
		reason := o.Reason
		var txRef *string
		if o.TxRef != "" {
			txRef = &o.TxRef
		}
		r.transition(ctx, rec, models.OperationFailed, txRef, &reason, nil)
		r.log.Info("ledger operation rejected", zap.String("ref", rec.Ref), zap.String("reason", reason))
		return nil, rejectionError(o)

	case ledger.Confirmed:
		result, _ := json.Marshal(o.Event)
		r.transition(ctx, rec, models.OperationConfirmed, &o.TxRef, nil, result)
		if err := r.settle(ctx, rec, o.Event, actorType); err != nil {
			// the ledger is authoritative; the reconciler finishes the mirror update
			r.log.Error("mirror update failed after confirmation", zap.String("ref", rec.Ref), zap.String("tx_ref", o.TxRef), zap.Error(err))
		}
		ev := o.Event
		return &ev, nil
	}
	return nil, apperr.New(apperr.CodeLedgerRejected, "unrecognised ledger outcome")
}

func (r *OperationRunner) settle(ctx context.Context, rec *models.Operation, ev ledger.Event, actorType string) error {
	if err := r.mirror.Apply(ctx, ev, rec.Caller, actorType); err != nil {
		return err
	}
	r.transition(ctx, rec, models.OperationSettled, nil, nil, nil)
	return nil
}

func (r *OperationRunner) transition(ctx context.Context, rec *models.Operation, to string, txRef, reason *string, result []byte) {
	from := rec.Status
	if !models.IsValidOperationTransition(from, to) {
		return
	}
	if err := r.ops.Transition(ctx, rec.Ref, from, to, txRef, reason, result); err != nil {
		r.log.Warn("operation transition not stored", zap.String("ref", rec.Ref), zap.String("from", from), zap.String("to", to), zap.Error(err))
	}
	rec.Status = to
	if txRef != nil {
		rec.TxRef = txRef
	}
	if reason != nil {
		rec.FailureReason = reason
	}
	if result != nil {
		rec.Result = result
	}
	rec.UpdatedAt = time.Now().UTC()

	if r.publisher != nil {
		_ = r.publisher.Publish(ctx, events.ChannelOperations, events.Event{
			Type:    events.EventOperationUpdated,
			Parties: []string{rec.Caller},
			Payload: map[string]any{"ref": rec.Ref, "kind": rec.Kind, "asset_id": rec.AssetID, "status": to},
		})
	}
}

func outcomeLabel(o ledger.Outcome) string {
	if _, ok := o.(ledger.Confirmed); ok {
		return "confirmed"
	}
	return "rejected"
}

func submitError(err error) error {
	if errors.Is(err, ledger.ErrSubmitRejected) {
		return classifyReason(err.Error(), "", false).WithCause(err)
	}
	if ledger.IsUserCancelReason(err.Error()) {
		return apperr.Wrap(apperr.CodeUserCancelled, err, "request declined by signer")
	}
	return apperr.Wrap(apperr.CodeLedgerRejected, err, "ledger submission failed")
}

func rejectionError(o ledger.Rejected) error {
	return classifyReason(o.Reason, o.TxRef, o.UserCancelled)
}

// classifyReason maps registry revert reasons naming an already-settled condition
// back onto state and authorization codes.
func classifyReason(reason, txRef string, userCancelled bool) *apperr.Error {
	r := strings.ToLower(reason)
	var code apperr.Code
	switch {
	case userCancelled || ledger.IsUserCancelReason(r):
		code = apperr.CodeUserCancelled
	case strings.Contains(r, ledger.ReasonAlreadyListed):
		code = apperr.CodeAlreadyListed
	case strings.Contains(r, ledger.ReasonEscrowExists):
		code = apperr.CodeDealExists
	case strings.Contains(r, ledger.ReasonEscrowActive):
		code = apperr.CodeConflictingSettlement
	case strings.Contains(r, ledger.ReasonNotListed):
		code = apperr.CodeInvalidTransition
	case strings.Contains(r, ledger.ReasonNotOwner):
		code = apperr.CodeNotOwner
	case strings.Contains(r, ledger.ReasonNotSeller):
		code = apperr.CodeNotSeller
	case strings.Contains(r, ledger.ReasonNotBuyer):
		code = apperr.CodeNotBuyer
	case strings.Contains(r, ledger.ReasonNotParty):
		code = apperr.CodeNotParty
	default:
		code = apperr.CodeLedgerRejected
	}
	return &apperr.Error{Code: code, Message: "ledger rejected: " + reason, TxRef: txRef}
}

// notFound converts a repository miss into the NotFound domain error.
func notFound(err error, what string) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return apperr.New(apperr.CodeNotFound, what+" not found")
	}
	return err
}
