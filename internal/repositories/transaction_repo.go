package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propertyledger/backend/internal/models"
)

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

const txColumns = `id, type, asset_id, from_address, to_address, value::text, tx_ref, status, notification_read, created_at`

// Insert appends a record. It reports false when a record with the same tx_ref exists.
func (r *TransactionRepo) Insert(ctx context.Context, rec *models.TransactionRecord) (bool, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO transaction_records (type, asset_id, from_address, to_address, value, tx_ref, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tx_ref) DO NOTHING
		RETURNING id
	`, rec.Type, rec.AssetID, rec.From, rec.To, rec.Value.String(), rec.TxRef, rec.Status, rec.Timestamp,
	).Scan(&rec.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.TransactionRecord, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transaction_records WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err)
	}
	return rec, nil
}

// ListByParty returns records where party is either side, newest first.
func (r *TransactionRepo) ListByParty(ctx context.Context, party string, limit, offset int) ([]models.TransactionRecord, error) {
	limit, offset = clampPage(limit, offset)
	return r.list(ctx, `SELECT `+txColumns+` FROM transaction_records
		WHERE from_address = $1 OR to_address = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, party, limit, offset)
}

// Feed returns the sale records that notify seller, newest first.
func (r *TransactionRepo) Feed(ctx context.Context, seller string, limit, offset int) ([]models.TransactionRecord, error) {
	limit, offset = clampPage(limit, offset)
	return r.list(ctx, `SELECT `+txColumns+` FROM transaction_records
		WHERE type = 'sale' AND from_address = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, seller, limit, offset)
}

func (r *TransactionRepo) UnreadCount(ctx context.Context, seller string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM transaction_records
		WHERE type = 'sale' AND from_address = $1 AND notification_read = false
	`, seller).Scan(&n)
	return n, err
}

func (r *TransactionRepo) MarkRead(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE transaction_records SET notification_read = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarketSummary aggregates confirmed sales for the stats snapshot.
func (r *TransactionRepo) MarketSummary(ctx context.Context) (models.MarketSummary, error) {
	var s models.MarketSummary
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE type = 'sale'),
		       COALESCE(sum(value) FILTER (WHERE type = 'sale'), 0)::text,
		       count(*) FILTER (WHERE type = 'listing'),
		       count(DISTINCT asset_id)
		FROM transaction_records
	`).Scan(&s.Sales, &s.SalesVolume, &s.Listings, &s.AssetsTraded)
	return s, err
}

func (r *TransactionRepo) list(ctx context.Context, query string, args ...any) ([]models.TransactionRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*models.TransactionRecord, error) {
	var rec models.TransactionRecord
	if err := row.Scan(&rec.ID, &rec.Type, &rec.AssetID, &rec.From, &rec.To, &rec.Value,
		&rec.TxRef, &rec.Status, &rec.NotificationRead, &rec.Timestamp); err != nil {
		return nil, err
	}
	return &rec, nil
}
