package repositories

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propertyledger/backend/internal/models"
)

// AuditRepo stores the append-only audit trail. Entries are keyed by asset id.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Log(ctx context.Context, entry models.AuditLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (actor_address, actor_type, action, entity_type, entity_id, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ActorAddress, entry.ActorType, entry.Action, entry.EntityType, entry.EntityID, entry.Meta)
	return err
}

// ListByAsset returns the audit trail of one asset across listings, escrows and interests, newest first.
func (r *AuditRepo) ListByAsset(ctx context.Context, assetID int64, limit, offset int) ([]models.AuditLog, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := r.pool.Query(ctx, `
		SELECT id, actor_address, actor_type, action, entity_type, entity_id, meta, created_at
		FROM audit_log WHERE entity_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, strconv.FormatInt(assetID, 10), limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var l models.AuditLog
		err := row.Scan(&l.ID, &l.ActorAddress, &l.ActorType, &l.Action, &l.EntityType, &l.EntityID, &l.Meta, &l.CreatedAt)
		return l, err
	})
}
