package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/propertyledger/backend/internal/ledger"
)

var eventKinds = map[string]ledger.EventKind{
	"ApprovalForAll":   ledger.EventApprovalGranted,
	"PropertyListed":   ledger.EventListed,
	"PropertySold":     ledger.EventSold,
	"ListingCancelled": ledger.EventListingCancelled,
	"EscrowCreated":    ledger.EventEscrowCreated,
	"EscrowFunded":     ledger.EventEscrowFunded,
	"EscrowCompleted":  ledger.EventEscrowCompleted,
	"EscrowCancelled":  ledger.EventEscrowCancelled,
	"EscrowRefunded":   ledger.EventEscrowRefunded,
}

// eventTopics lists the topic0 hashes the indexer filters on.
func eventTopics(parsed abi.ABI) []common.Hash {
	out := make([]common.Hash, 0, len(eventKinds))
	for name := range eventKinds {
		if ev, ok := parsed.Events[name]; ok {
			out = append(out, ev.ID)
		}
	}
	return out
}

// decodeLog converts a registry log into a ledger event. ok is false for foreign logs.
func decodeLog(parsed abi.ABI, lg types.Log) (ev ledger.Event, ok bool, err error) {
	if len(lg.Topics) == 0 {
		return ev, false, nil
	}
	abiEv, err := parsed.EventByID(lg.Topics[0])
	if err != nil {
		return ev, false, nil
	}
	kind, known := eventKinds[abiEv.Name]
	if !known {
		return ev, false, nil
	}

	ev.Kind = kind
	ev.TxRef = lg.TxHash.Hex()

	if kind == ledger.EventApprovalGranted {
		if len(lg.Topics) < 3 {
			return ev, false, fmt.Errorf("%s: expected 3 topics, got %d", abiEv.Name, len(lg.Topics))
		}
		ev.Seller = addressHex(common.BytesToAddress(lg.Topics[1].Bytes()))
		return ev, true, nil
	}

	if len(lg.Topics) < 3 {
		return ev, false, fmt.Errorf("%s: expected at least 3 topics, got %d", abiEv.Name, len(lg.Topics))
	}
	ev.AssetID = new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64()
	ev.Seller = addressHex(common.BytesToAddress(lg.Topics[2].Bytes()))
	if len(lg.Topics) > 3 {
		ev.Buyer = addressHex(common.BytesToAddress(lg.Topics[3].Bytes()))
	}

	values, err := parsed.Unpack(abiEv.Name, lg.Data)
	if err != nil {
		return ev, false, fmt.Errorf("unpack %s: %w", abiEv.Name, err)
	}
	if len(values) > 0 {
		ev.Price = bigToDecimal(values[0])
	}
	if len(values) > 1 {
		ev.Fee = bigToDecimal(values[1])
	}
	return ev, true, nil
}

func bigToDecimal(v any) decimal.Decimal {
	if b, ok := v.(*big.Int); ok && b != nil {
		return decimal.NewFromBigInt(b, 0)
	}
	return decimal.Zero
}

func addressHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}
