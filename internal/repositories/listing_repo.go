package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propertyledger/backend/internal/models"
)

type ListingRepo struct {
	pool *pgxpool.Pool
}

func NewListingRepo(pool *pgxpool.Pool) *ListingRepo {
	return &ListingRepo{pool: pool}
}

type ListingFilter struct {
	ActiveOnly bool
	AssetID    *int64
	Seller     *string
	Limit      int
	Offset     int
}

const listingColumns = `id, asset_id, seller, price::text, active, status, listed_at, ended_at,
	COALESCE(created_tx_ref, ''), COALESCE(ended_tx_ref, '')`

// Create inserts an active listing. A second active listing for the asset, or a
// reused CreatedTxRef, is ErrDuplicate. A zero ListedAt defaults to now.
func (r *ListingRepo) Create(ctx context.Context, l *models.Listing) error {
	var listedAt *time.Time
	if !l.ListedAt.IsZero() {
		listedAt = &l.ListedAt
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO listings (asset_id, seller, price, active, status, listed_at, created_tx_ref)
		VALUES ($1, $2, $3, true, $4, COALESCE($5::timestamptz, now()), NULLIF($6, ''))
		RETURNING id, listed_at
	`, l.AssetID, l.Seller, l.Price.String(), models.ListingStatusListed, listedAt, l.CreatedTxRef,
	).Scan(&l.ID, &l.ListedAt)
	if err != nil {
		return translate(err)
	}
	l.Active = true
	l.Status = models.ListingStatusListed
	return nil
}

func (r *ListingRepo) GetActiveByAsset(ctx context.Context, assetID int64) (*models.Listing, error) {
	l, err := scanListing(r.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings
		WHERE asset_id = $1 AND active = true`, assetID))
	if err != nil {
		return nil, translate(err)
	}
	return l, nil
}

// GetByTxRef returns the listing opened or closed by the ledger transaction txRef.
func (r *ListingRepo) GetByTxRef(ctx context.Context, txRef string) (*models.Listing, error) {
	l, err := scanListing(r.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings
		WHERE created_tx_ref = $1 OR ended_tx_ref = $1 LIMIT 1`, txRef))
	if err != nil {
		return nil, translate(err)
	}
	return l, nil
}

// End deactivates an active listing with a terminal status (sold or cancelled)
// and records the closing transaction.
func (r *ListingRepo) End(ctx context.Context, id uuid.UUID, status, txRef string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE listings SET active = false, status = $1, ended_at = now(), ended_tx_ref = NULLIF($3, '')
		WHERE id = $2 AND active = true
	`, status, id, txRef)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ListingRepo) List(ctx context.Context, f ListingFilter) ([]models.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings`
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.ActiveOnly {
		where = append(where, "active = true")
	}
	if f.AssetID != nil {
		where = append(where, fmt.Sprintf("asset_id = $%d", argIdx))
		args = append(args, *f.AssetID)
		argIdx++
	}
	if f.Seller != nil {
		where = append(where, fmt.Sprintf("seller = $%d", argIdx))
		args = append(args, *f.Seller)
		argIdx++
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit, offset := clampPage(f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY listed_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func scanListing(row pgx.Row) (*models.Listing, error) {
	var l models.Listing
	if err := row.Scan(&l.ID, &l.AssetID, &l.Seller, &l.Price, &l.Active, &l.Status, &l.ListedAt, &l.EndedAt,
		&l.CreatedTxRef, &l.EndedTxRef); err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *ListingRepo) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM listings WHERE active = true`).Scan(&n)
	return n, err
}
