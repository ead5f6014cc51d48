package repositories

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propertyledger/backend/internal/models"
)

type OperationRepo struct {
	pool *pgxpool.Pool
}

func NewOperationRepo(pool *pgxpool.Pool) *OperationRepo {
	return &OperationRepo{pool: pool}
}

const operationColumns = `id, ref, kind, asset_id, caller, params, result, status, tx_ref, failure_reason, created_at, updated_at`

func (r *OperationRepo) Create(ctx context.Context, op *models.Operation) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO ledger_operations (ref, kind, asset_id, caller, params, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, op.Ref, op.Kind, op.AssetID, op.Caller, op.Params, op.Status).Scan(&op.ID, &op.CreatedAt, &op.UpdatedAt)
	return translate(err)
}

func (r *OperationRepo) GetByRef(ctx context.Context, ref string) (*models.Operation, error) {
	op, err := scanOperation(r.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM ledger_operations WHERE ref = $1`, ref))
	if err != nil {
		return nil, translate(err)
	}
	return op, nil
}

// GetOpenByAsset returns the oldest submitted or confirmed operation of the asset.
func (r *OperationRepo) GetOpenByAsset(ctx context.Context, assetID int64) (*models.Operation, error) {
	op, err := scanOperation(r.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM ledger_operations
		WHERE asset_id = $1 AND status IN ('submitted', 'confirmed')
		ORDER BY created_at ASC LIMIT 1`, assetID))
	if err != nil {
		return nil, translate(err)
	}
	return op, nil
}

// Transition moves an operation out of status from. txRef, reason and result
// are kept when nil. ErrNotFound when the operation is no longer in from.
func (r *OperationRepo) Transition(ctx context.Context, ref, from, to string, txRef, reason *string, result []byte) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE ledger_operations
		SET status = $1,
		    tx_ref = COALESCE($2, tx_ref),
		    failure_reason = COALESCE($3, failure_reason),
		    result = COALESCE($4, result),
		    updated_at = now()
		WHERE ref = $5 AND status = $6
	`, to, txRef, reason, result, ref, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStale returns open operations not updated within olderThan, oldest first.
func (r *OperationRepo) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]models.Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+operationColumns+` FROM ledger_operations
		WHERE status IN ('submitted', 'confirmed') AND updated_at < $1
		ORDER BY created_at ASC LIMIT $2`, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func scanOperation(row pgx.Row) (*models.Operation, error) {
	var op models.Operation
	if err := row.Scan(&op.ID, &op.Ref, &op.Kind, &op.AssetID, &op.Caller, &op.Params, &op.Result,
		&op.Status, &op.TxRef, &op.FailureReason, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, err
	}
	return &op, nil
}
