package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/propertyledger/backend/internal/apperr"
	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/locks"
	"github.com/propertyledger/backend/internal/models"
)

func lockAsset(ctx context.Context, locker locks.Locker, assetID int64) (func(), error) {
	unlock, err := locker.Lock(ctx, locks.AssetKey(assetID))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeOperationPending, err, fmt.Sprintf("asset %d is busy", assetID))
	}
	return unlock, nil
}

// currentOwner reads the authoritative owner from the ledger, normalised.
func currentOwner(ctx context.Context, client ledger.Client, assetID int64) (string, error) {
	owner, err := client.GetOwner(ctx, assetID)
	if errors.Is(err, ledger.ErrAssetNotFound) {
		return "", apperr.Newf(apperr.CodeNotFound, "asset %d does not exist", assetID)
	}
	if err != nil {
		return "", apperr.Wrap(apperr.CodeLedgerRejected, err, "owner lookup failed")
	}
	return models.NormalizeAddress(owner), nil
}

// requireWholeAmount rejects amounts with a fractional part of a base unit.
func requireWholeAmount(field string, d decimal.Decimal) error {
	if !models.IsWholeAmount(d) {
		return apperr.Newf(apperr.CodeInvalidInput, "%s must be a whole number of base units, got %s", field, d.String())
	}
	return nil
}

func requireOwner(ctx context.Context, client ledger.Client, assetID int64, caller string) error {
	owner, err := currentOwner(ctx, client, assetID)
	if err != nil {
		return err
	}
	if owner != caller {
		return apperr.Newf(apperr.CodeNotOwner, "caller does not own asset %d", assetID)
	}
	return nil
}
