package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/propertyledger/backend/internal/apperr"
	"github.com/propertyledger/backend/internal/events"
	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/models"
)

func TestRunnerTimeoutLeavesOperationOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]string{9: ownerO}, withTimeout(30*time.Millisecond))

	h.ledger.HoldConfirmations()
	_, err := h.escrow.CreateDeal(ctx, ownerO, 9, buyerB1, dec("100"))
	e, ok := apperr.As(err)
	if !ok || e.Code != apperr.CodeTimeout {
		t.Fatalf("got %v, want Timeout", err)
	}
	if e.State != models.OperationSubmitted || e.TxRef == "" || !e.Retryable() {
		t.Fatalf("timeout error = %+v", e)
	}

	op, err := h.runner.Get(ctx, e.TxRef)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if op.Status != models.OperationSubmitted {
		t.Fatalf("op status = %s, want submitted", op.Status)
	}

	// the asset stays blocked while the outcome is unknown
	_, err = h.escrow.CreateDeal(ctx, ownerO, 9, buyerB2, dec("100"))
	if pe, ok := apperr.As(err); !ok || pe.Code != apperr.CodeOperationPending || pe.TxRef != e.TxRef {
		t.Fatalf("got %v, want OperationPending for %s", err, e.TxRef)
	}
	if _, err := h.listing.List(ctx, ownerO, 9, dec("1")); apperr.CodeOf(err) != apperr.CodeOperationPending {
		t.Fatalf("list: got %v, want OperationPending", err)
	}

	h.ledger.Release()
	n, err := h.reconciler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("resolved = %d, want 1", n)
	}

	op, _ = h.runner.Get(ctx, e.TxRef)
	if op.Status != models.OperationSettled || op.TxRef == nil || len(op.Result) == 0 {
		t.Fatalf("op after reconcile = %+v", op)
	}
	d, err := h.escrow.GetDeal(ctx, 9)
	if err != nil || d.Status != models.EscrowStatusPending || d.Buyer != buyerB1 {
		t.Fatalf("deal after reconcile = %+v, %v", d, err)
	}

	if n, _ := h.reconciler.RunOnce(ctx); n != 0 {
		t.Fatalf("second pass resolved %d", n)
	}
}

func TestRunnerTrackingFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure is retried", func(t *testing.T) {
		h := newHarness(t, map[int64]string{9: ownerO})
		h.ops.failCreate = trackAttempts - 1

		if _, err := h.escrow.CreateDeal(ctx, ownerO, 9, buyerB1, dec("100")); err != nil {
			t.Fatalf("create deal: %v", err)
		}
		if len(h.ops.ops) != 1 {
			t.Fatalf("tracked operations = %d, want 1", len(h.ops.ops))
		}
		for _, op := range h.ops.ops {
			if op.Status != models.OperationSettled {
				t.Fatalf("op = %+v, want settled", op)
			}
		}
	})

	t.Run("untracked confirmation still reaches the mirror", func(t *testing.T) {
		h := newHarness(t, map[int64]string{9: ownerO})
		h.ops.failCreate = 100

		d, err := h.escrow.CreateDeal(ctx, ownerO, 9, buyerB1, dec("100"))
		if err != nil {
			t.Fatalf("create deal: %v", err)
		}
		if d.ID == uuid.Nil || d.Status != models.EscrowStatusPending {
			t.Fatalf("deal = %+v, want mirrored pending deal", d)
		}
		if len(h.ops.ops) != 0 {
			t.Fatalf("tracked operations = %d, want 0", len(h.ops.ops))
		}
	})

	t.Run("untracked operation waits longer and returns no pollable ref", func(t *testing.T) {
		h := newHarness(t, map[int64]string{9: ownerO}, withTimeout(10*time.Millisecond))
		h.ops.failCreate = 100
		h.ledger.HoldConfirmations()

		start := time.Now()
		_, err := h.escrow.CreateDeal(ctx, ownerO, 9, buyerB1, dec("100"))
		e, ok := apperr.As(err)
		if !ok || e.Code != apperr.CodeTimeout {
			t.Fatalf("got %v, want Timeout", err)
		}
		if e.TxRef != "" {
			t.Fatalf("timeout ref = %q, want none for an untracked operation", e.TxRef)
		}
		if waited := time.Since(start); waited < untrackedWaitFactor*10*time.Millisecond {
			t.Fatalf("waited %s, want at least %s", waited, untrackedWaitFactor*10*time.Millisecond)
		}
	})
}

func TestRunnerRejectionMapsToDomainError(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		reason    string
		want      apperr.Code
		retryable bool
	}{
		{"User rejected the request", apperr.CodeUserCancelled, true},
		{"execution reverted: escrow exists", apperr.CodeDealExists, false},
		{"execution reverted: caller is not owner", apperr.CodeNotOwner, false},
		{"out of gas", apperr.CodeLedgerRejected, false},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			h := newHarness(t, map[int64]string{9: ownerO})
			h.ledger.RejectNext(tt.reason)

			_, err := h.escrow.CreateDeal(ctx, ownerO, 9, buyerB1, dec("100"))
			e, ok := apperr.As(err)
			if !ok || e.Code != tt.want {
				t.Fatalf("got %v, want %s", err, tt.want)
			}
			if e.Retryable() != tt.retryable {
				t.Errorf("retryable = %v", e.Retryable())
			}
			if e.TxRef == "" {
				t.Errorf("rejection should carry the ledger reference")
			}

			for _, op := range h.ops.ops {
				if op.Status != models.OperationFailed || op.FailureReason == nil || *op.FailureReason != tt.reason {
					t.Fatalf("op = %+v, want failed with reason", op)
				}
			}
			if _, err := h.escrow.GetDeal(ctx, 9); apperr.CodeOf(err) != apperr.CodeNotFound {
				t.Fatalf("rejected create left a deal: %v", err)
			}

			// a failed operation does not block the asset
			if _, err := h.escrow.CreateDeal(ctx, ownerO, 9, buyerB1, dec("100")); err != nil {
				t.Fatalf("retry after rejection: %v", err)
			}
		})
	}
}

func TestRunnerPublishesOperationUpdates(t *testing.T) {
	h := newHarness(t, map[int64]string{9: ownerO})
	openDeal(t, h, 9)

	// confirmed, settled
	if n := h.pub.count(events.EventOperationUpdated); n != 2 {
		t.Fatalf("operation_updated events = %d, want 2", n)
	}
	if n := h.pub.count(events.EventRecordCreated); n != 1 {
		t.Fatalf("record_created events = %d, want 1", n)
	}
}

func TestReconcilerSettlesConfirmedOperation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]string{9: ownerO})

	// a crash between confirmation and mirror application leaves the op confirmed
	ev := ledger.Event{
		Kind:      ledger.EventEscrowCreated,
		AssetID:   9,
		Seller:    ownerO,
		Buyer:     buyerB1,
		Price:     dec("100"),
		Fee:       dec("2"),
		TxRef:     "0xfeed",
		Timestamp: time.Now().UTC(),
	}
	result, _ := json.Marshal(ev)
	txRef := ev.TxRef
	op := &models.Operation{Ref: "mem-crashed", Kind: "escrow_create", AssetID: 9, Caller: ownerO, Status: models.OperationSubmitted}
	if err := h.ops.Create(ctx, op); err != nil {
		t.Fatal(err)
	}
	if err := h.ops.Transition(ctx, op.Ref, models.OperationSubmitted, models.OperationConfirmed, &txRef, nil, result); err != nil {
		t.Fatal(err)
	}

	n, err := h.reconciler.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reconcile = %d, %v", n, err)
	}
	got, _ := h.runner.Get(ctx, op.Ref)
	if got.Status != models.OperationSettled {
		t.Fatalf("status = %s, want settled", got.Status)
	}
	d, err := h.escrow.GetDeal(ctx, 9)
	if err != nil || !d.Total().Equal(dec("102")) {
		t.Fatalf("deal = %+v, %v", d, err)
	}
	if recs := h.records.all(); len(recs) != 1 || recs[0].TxRef != "0xfeed" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestReconcilerFailsUnknownOperation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]string{9: ownerO})

	op := &models.Operation{Ref: "mem-lost", Kind: "escrow_create", AssetID: 9, Caller: ownerO, Status: models.OperationSubmitted}
	if err := h.ops.Create(ctx, op); err != nil {
		t.Fatal(err)
	}
	if n, err := h.reconciler.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("reconcile = %d, %v", n, err)
	}
	got, _ := h.runner.Get(ctx, op.Ref)
	if got.Status != models.OperationFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if err := h.runner.EnsureIdle(ctx, 9); err != nil {
		t.Fatalf("asset still blocked: %v", err)
	}
}
