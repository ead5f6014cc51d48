// Package ton implements the ledger client against the property registry contract on TON.
// Asset ownership lives in an NFT collection; listings and escrows live in the registry,
// which reports every state change as an external-out log message.
package ton

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	tonapi "github.com/xssnick/tonutils-go/ton"
	"go.uber.org/zap"
)

const txBatchSize = 100

type ConnConfig struct {
	Network        string // mainnet/testnet
	LiteServerHost string
	LiteServerPort int
	LiteServerKey  string
}

// Connect establishes a connection to the TON network.
// If LiteServerHost + LiteServerKey are set, connects to a specific lite server.
// Otherwise, auto-discovers lite servers from the global config of the network.
func Connect(ctx context.Context, cfg ConnConfig, log *zap.Logger) (tonapi.APIClientWrapped, error) {
	client := liteclient.NewConnectionPool()

	if cfg.LiteServerHost != "" && cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", cfg.LiteServerHost, cfg.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		var configURL string
		switch strings.ToLower(cfg.Network) {
		case "mainnet":
			configURL = "https://ton.org/global.config.json"
		default:
			configURL = "https://ton.org/testnet-global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.Network))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := tonapi.ProofCheckPolicyFast
	if strings.ToLower(cfg.Network) == "mainnet" {
		proofPolicy = tonapi.ProofCheckPolicySecure
	}

	return tonapi.NewAPIClient(client, proofPolicy).WithRetry(), nil
}

// lastTx returns the account's latest transaction position, zero when the account is not active.
func lastTx(ctx context.Context, api tonapi.APIClientWrapped, addr *address.Address) (uint64, []byte, error) {
	block, err := api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("get master block: %w", err)
	}
	account, err := api.GetAccount(ctx, block, addr)
	if err != nil {
		return 0, nil, fmt.Errorf("get account: %w", err)
	}
	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		return 0, nil, nil
	}
	return account.LastTxLT, account.LastTxHash, nil
}

// transactionsAfter retrieves all transactions of addr with LT > cursorLT, oldest first.
// ListTransactions pages backwards from the head; paging stops at the cursor.
func transactionsAfter(
	ctx context.Context,
	api tonapi.APIClientWrapped,
	addr *address.Address,
	headLT uint64,
	headHash []byte,
	cursorLT uint64,
) ([]*tlb.Transaction, error) {
	var all []*tlb.Transaction

	lt, hash := headLT, headHash
	for {
		txs, err := api.ListTransactions(ctx, addr, uint32(txBatchSize), lt, hash)
		if err != nil {
			return nil, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}

		reachedCursor := false
		for _, tx := range txs {
			if tx.LT <= cursorLT {
				reachedCursor = true
				continue
			}
			all = append(all, tx)
		}

		if reachedCursor || len(txs) < txBatchSize {
			break
		}

		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			break
		}
		lt = oldest.PrevTxLT
		hash = oldest.PrevTxHash
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].LT < all[j].LT
	})
	return all, nil
}
