package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propertyledger/backend/internal/models"
)

type InterestRepo struct {
	pool *pgxpool.Pool
}

func NewInterestRepo(pool *pgxpool.Pool) *InterestRepo {
	return &InterestRepo{pool: pool}
}

const interestColumns = `id, asset_id, buyer_address, owner_address, status, created_at, approved_at`

// Create inserts a pending interest. (asset, buyer) is unique: a repeat is ErrDuplicate.
func (r *InterestRepo) Create(ctx context.Context, i *models.BuyerInterest) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO buyer_interests (asset_id, buyer_address, owner_address, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, i.AssetID, i.BuyerAddress, i.OwnerAddress, models.InterestStatusPending).Scan(&i.ID, &i.Timestamp)
	if err != nil {
		return translate(err)
	}
	i.Status = models.InterestStatusPending
	return nil
}

func (r *InterestRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.BuyerInterest, error) {
	i, err := scanInterest(r.pool.QueryRow(ctx, `SELECT `+interestColumns+` FROM buyer_interests WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err)
	}
	return i, nil
}

// Approve makes id the only approved interest of the asset. The advisory lock
// serializes approvals per asset across connections; siblings are demoted before
// the target is promoted so the partial unique index never sees two approvals.
func (r *InterestRepo) Approve(ctx context.Context, assetID int64, id uuid.UUID) (*models.BuyerInterest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('asset:' || $1::text))`, assetID); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE buyer_interests SET status = 'pending', approved_at = NULL
		WHERE asset_id = $1 AND status = 'approved' AND id <> $2
	`, assetID, id); err != nil {
		return nil, err
	}

	i, err := scanInterest(tx.QueryRow(ctx, `
		UPDATE buyer_interests SET status = 'approved', approved_at = COALESCE(approved_at, now())
		WHERE id = $1 AND asset_id = $2
		RETURNING `+interestColumns, id, assetID))
	if err != nil {
		return nil, translate(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translate(err)
	}
	committed = true
	return i, nil
}

// TransferOwner hands the interests of an asset held by from over to to after a
// settled transfer. Approvals are demoted because the new owner never granted
// them, and the new owner's own interest is dropped. Interests not owned by from
// are left alone, so a stale transfer changes nothing.
func (r *InterestRepo) TransferOwner(ctx context.Context, assetID int64, from, to string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('asset:' || $1::text))`, assetID); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM buyer_interests WHERE asset_id = $1 AND owner_address = $2 AND buyer_address = $3
	`, assetID, from, to); err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE buyer_interests SET owner_address = $3, status = 'pending', approved_at = NULL
		WHERE asset_id = $1 AND owner_address = $2
	`, assetID, from, to)
	if err != nil {
		return 0, translate(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, translate(err)
	}
	committed = true
	return tag.RowsAffected(), nil
}

func (r *InterestRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM buyer_interests WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *InterestRepo) ListByAsset(ctx context.Context, assetID int64) ([]models.BuyerInterest, error) {
	return r.list(ctx, `SELECT `+interestColumns+` FROM buyer_interests
		WHERE asset_id = $1 ORDER BY created_at ASC`, assetID)
}

func (r *InterestRepo) ListByBuyer(ctx context.Context, buyer string) ([]models.BuyerInterest, error) {
	return r.list(ctx, `SELECT `+interestColumns+` FROM buyer_interests
		WHERE buyer_address = $1 ORDER BY created_at DESC`, buyer)
}

func (r *InterestRepo) ListByOwner(ctx context.Context, owner string) ([]models.BuyerInterest, error) {
	return r.list(ctx, `SELECT `+interestColumns+` FROM buyer_interests
		WHERE owner_address = $1 ORDER BY created_at DESC`, owner)
}

// Stats aggregates interests, scoped to owner unless owner is empty.
func (r *InterestRepo) Stats(ctx context.Context, owner string) (models.InterestStats, error) {
	var s models.InterestStats
	err := r.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'pending'),
		       count(*) FILTER (WHERE status = 'approved'),
		       count(DISTINCT asset_id),
		       count(DISTINCT buyer_address)
		FROM buyer_interests
		WHERE $1::text = '' OR owner_address = $1
	`, owner).Scan(&s.Total, &s.Pending, &s.Approved, &s.DistinctAssets, &s.DistinctBuyers)
	return s, err
}

func (r *InterestRepo) list(ctx context.Context, query string, args ...any) ([]models.BuyerInterest, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BuyerInterest
	for rows.Next() {
		i, err := scanInterest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

func scanInterest(row pgx.Row) (*models.BuyerInterest, error) {
	var i models.BuyerInterest
	if err := row.Scan(&i.ID, &i.AssetID, &i.BuyerAddress, &i.OwnerAddress, &i.Status, &i.Timestamp, &i.ApprovedAt); err != nil {
		return nil, err
	}
	return &i, nil
}
