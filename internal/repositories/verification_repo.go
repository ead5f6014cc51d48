package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// VerificationRepo answers KYC status from the verified_parties table, which the
// intake flow populates.
type VerificationRepo struct {
	pool *pgxpool.Pool
}

func NewVerificationRepo(pool *pgxpool.Pool) *VerificationRepo {
	return &VerificationRepo{pool: pool}
}

func (r *VerificationRepo) IsVerified(ctx context.Context, address string) (bool, error) {
	var verified bool
	err := r.pool.QueryRow(ctx, `
		SELECT verified FROM verified_parties
		WHERE address = $1 AND (expires_at IS NULL OR expires_at > now())
	`, address).Scan(&verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return verified, nil
}

// SetVerified upserts a party's status.
func (r *VerificationRepo) SetVerified(ctx context.Context, address string, verified bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO verified_parties (address, verified)
		VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET verified = EXCLUDED.verified, updated_at = now()
	`, address, verified)
	return err
}
