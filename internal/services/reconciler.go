package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/locks"
	"github.com/propertyledger/backend/internal/metrics"
	"github.com/propertyledger/backend/internal/models"
)

// Reconciler resumes operations left submitted or confirmed past staleAfter.
type Reconciler struct {
	ops        OperationStore
	runner     *OperationRunner
	locker     locks.Locker
	staleAfter time.Duration
	wait       time.Duration
	metrics    *metrics.Registry
	log        *zap.Logger
}

func NewReconciler(ops OperationStore, runner *OperationRunner, locker locks.Locker, staleAfter time.Duration, m *metrics.Registry, log *zap.Logger) *Reconciler {
	return &Reconciler{
		ops:        ops,
		runner:     runner,
		locker:     locker,
		staleAfter: staleAfter,
		wait:       5 * time.Second,
		metrics:    m,
		log:        log,
	}
}

// RunOnce resolves one batch of stale operations and returns how many left the open states.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	stale, err := r.ops.ListStale(ctx, r.staleAfter, 50)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range stale {
		op := &stale[i]
		if err := r.reconcile(ctx, op); err != nil {
			r.log.Warn("operation still unresolved", zap.String("ref", op.Ref), zap.Int64("asset_id", op.AssetID), zap.Error(err))
			continue
		}
		if !models.IsOpenOperation(op.Status) {
			resolved++
			r.metrics.IncReconciled(op.Status)
			r.log.Info("operation reconciled", zap.String("ref", op.Ref), zap.String("status", op.Status))
		}
	}
	return resolved, nil
}

func (r *Reconciler) reconcile(ctx context.Context, op *models.Operation) error {
	lctx, cancel := context.WithTimeout(ctx, r.wait)
	unlock, err := r.locker.Lock(lctx, locks.AssetKey(op.AssetID))
	cancel()
	if err != nil {
		return err // the asset is busy; next pass
	}
	defer unlock()

	// re-read under the lock: the original request may have finished meanwhile
	fresh, err := r.ops.GetByRef(ctx, op.Ref)
	if err != nil {
		return err
	}
	*op = *fresh
	if !models.IsOpenOperation(op.Status) {
		return nil
	}
	return r.runner.Resume(ctx, op, r.wait)
}

// Run reconciles on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("reconcile pass failed", zap.Error(err))
			}
		}
	}
}
