// Package backend opens the ledger selected by LEDGER_BACKEND.
package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/config"
	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/ledger/evm"
	"github.com/propertyledger/backend/internal/ton"
)

// memoryOperator stands in for the marketplace contract of the memory ledger.
const memoryOperator = "0x00000000000000000000000000000000000000ff"

// Ledger is a client that can also replay confirmed events.
type Ledger interface {
	ledger.Client
	ledger.EventSource
}

// Open connects to the configured backend. The returned client is not throttled.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (Ledger, error) {
	switch cfg.LedgerBackend {
	case config.LedgerMemory:
		return ledger.NewMemoryLedger(memoryOperator, cfg.MemoryLedgerOwners), nil

	case config.LedgerEVM:
		return evm.Dial(ctx, evm.Config{
			RPCURL:          cfg.EVMRPCURL,
			RegistryAddress: cfg.EVMRegistryAddress,
			PrivateKeyHex:   cfg.EVMPrivateKey,
			Confirmations:   cfg.EVMConfirmations,
		}, log)

	case config.LedgerTON:
		api, err := ton.Connect(ctx, ton.ConnConfig{
			Network:        cfg.TONNetwork,
			LiteServerHost: cfg.LiteServerHost,
			LiteServerPort: cfg.LiteServerPort,
			LiteServerKey:  cfg.LiteServerKey,
		}, log)
		if err != nil {
			return nil, err
		}
		return ton.NewRegistry(api, ton.RegistryConfig{
			RegistryAddress:   cfg.TONRegistryAddress,
			CollectionAddress: cfg.TONCollectionAddress,
			WalletSeed:        cfg.TONWalletSeed,
		}, log)

	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

// Shared reports whether several processes observe the same ledger state.
// The memory ledger lives inside a single process.
func Shared(cfg *config.Config) bool {
	return cfg.LedgerBackend != config.LedgerMemory
}
