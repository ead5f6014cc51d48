package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propertyledger/backend/internal/models"
)

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

const escrowColumns = `id, asset_id, seller, buyer, price::text, fee::text, status, funds_deposited, created_at, updated_at,
	COALESCE(created_tx_ref, ''), COALESCE(funded_tx_ref, ''), COALESCE(closed_tx_ref, '')`

// Create inserts a deal. The partial unique index on active deals turns a second
// active deal for the same asset into ErrDuplicate, as does a reused CreatedTxRef.
// A zero CreatedAt defaults to now.
func (r *EscrowRepo) Create(ctx context.Context, d *models.EscrowDeal) error {
	var createdAt *time.Time
	if !d.CreatedAt.IsZero() {
		createdAt = &d.CreatedAt
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO escrow_deals (asset_id, seller, buyer, price, fee, status, funds_deposited, created_tx_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), COALESCE($9::timestamptz, now()))
		RETURNING id, created_at, updated_at
	`, d.AssetID, d.Seller, d.Buyer, d.Price.String(), d.Fee.String(), d.Status, d.FundsDeposited, d.CreatedTxRef, createdAt,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	return translate(err)
}

func (r *EscrowRepo) GetActiveByAsset(ctx context.Context, assetID int64) (*models.EscrowDeal, error) {
	return r.getOne(ctx, `SELECT `+escrowColumns+` FROM escrow_deals
		WHERE asset_id = $1 AND status IN ('pending', 'funded')`, assetID)
}

// GetLatestByAsset returns the most recent deal for an asset in any status.
func (r *EscrowRepo) GetLatestByAsset(ctx context.Context, assetID int64) (*models.EscrowDeal, error) {
	return r.getOne(ctx, `SELECT `+escrowColumns+` FROM escrow_deals
		WHERE asset_id = $1 ORDER BY created_at DESC LIMIT 1`, assetID)
}

// GetByTxRef returns the deal created, funded or closed by the ledger transaction txRef.
func (r *EscrowRepo) GetByTxRef(ctx context.Context, txRef string) (*models.EscrowDeal, error) {
	return r.getOne(ctx, `SELECT `+escrowColumns+` FROM escrow_deals
		WHERE created_tx_ref = $1 OR funded_tx_ref = $1 OR closed_tx_ref = $1 LIMIT 1`, txRef)
}

// UpdateStatus moves a deal from one status to another and records txRef as the
// funding or closing transaction. ErrNotFound when the deal is no longer in the
// expected status.
func (r *EscrowRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to string, fundsDeposited bool, txRef string) error {
	refColumn := "closed_tx_ref"
	if to == models.EscrowStatusFunded {
		refColumn = "funded_tx_ref"
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE escrow_deals SET status = $1, funds_deposited = $2, updated_at = now(), %s = NULLIF($5, '')
		WHERE id = $3 AND status = $4
	`, refColumn), to, fundsDeposited, id, from, txRef)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByParty lists deals where party is the buyer, the seller, or either when role is empty.
func (r *EscrowRepo) ListByParty(ctx context.Context, party, role string, limit, offset int) ([]models.EscrowDeal, error) {
	var where string
	switch role {
	case "buyer":
		where = "buyer = $1"
	case "seller":
		where = "seller = $1"
	default:
		where = "(buyer = $1 OR seller = $1)"
	}
	limit, offset = clampPage(limit, offset)

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM escrow_deals WHERE %s
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, escrowColumns, where), party, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []models.EscrowDeal
	for rows.Next() {
		d, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, *d)
	}
	return deals, rows.Err()
}

func (r *EscrowRepo) getOne(ctx context.Context, query string, args ...any) (*models.EscrowDeal, error) {
	d, err := scanEscrow(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, translate(err)
	}
	return d, nil
}

func scanEscrow(row pgx.Row) (*models.EscrowDeal, error) {
	var d models.EscrowDeal
	if err := row.Scan(&d.ID, &d.AssetID, &d.Seller, &d.Buyer, &d.Price, &d.Fee,
		&d.Status, &d.FundsDeposited, &d.CreatedAt, &d.UpdatedAt,
		&d.CreatedTxRef, &d.FundedTxRef, &d.ClosedTxRef); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *EscrowRepo) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM escrow_deals WHERE status IN ('pending', 'funded')`).Scan(&n)
	return n, err
}
