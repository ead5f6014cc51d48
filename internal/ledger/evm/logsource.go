package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/ledger"
)

const maxBlockRange = 2000

// FetchEvents returns registry events from confirmed blocks after the cursor block.
// next is the last block scanned, to be passed back as the new cursor.
func (c *Client) FetchEvents(ctx context.Context, after uint64) ([]ledger.Event, uint64, error) {
	head, err := c.Head(ctx)
	if err != nil {
		return nil, after, err
	}
	if head <= after {
		return nil, after, nil
	}
	to := head
	if to-after > maxBlockRange {
		to = after + maxBlockRange
	}

	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(after + 1),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{eventTopics(c.abi)},
	}
	logs, err := c.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, after, fmt.Errorf("filter logs %d..%d: %w", after+1, to, err)
	}

	times := make(map[uint64]time.Time)
	out := make([]ledger.Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, ok, err := decodeLog(c.abi, lg)
		if err != nil {
			c.log.Warn("undecodable registry log",
				zap.String("tx_hash", lg.TxHash.Hex()),
				zap.Uint64("block", lg.BlockNumber),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}
		ts, seen := times[lg.BlockNumber]
		if !seen {
			ts = c.blockTime(ctx, new(big.Int).SetUint64(lg.BlockNumber))
			times[lg.BlockNumber] = ts
		}
		ev.Timestamp = ts
		out = append(out, ev)
	}
	return out, to, nil
}

// Head is the newest block with the configured number of confirmations.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	latest, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch head: %w", err)
	}
	if latest+1 < c.confirmations {
		return 0, nil
	}
	return latest + 1 - c.confirmations, nil
}
