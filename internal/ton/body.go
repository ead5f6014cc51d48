package ton

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/propertyledger/backend/internal/ledger"
)

// Registry message op codes.
const (
	opApproveMarketplace uint64 = 0x6d6b7401
	opList               uint64 = 0x6d6b7402
	opBuy                uint64 = 0x6d6b7403
	opCancelListing      uint64 = 0x6d6b7404
	opEscrowCreate       uint64 = 0x6d6b7405
	opEscrowDeposit      uint64 = 0x6d6b7406
	opEscrowComplete     uint64 = 0x6d6b7407
	opEscrowCancel       uint64 = 0x6d6b7408
	opEscrowRefund       uint64 = 0x6d6b7409
)

// Registry log codes carried in external-out messages.
const (
	logApprovalGranted  uint64 = 0x6d6b7501
	logListed           uint64 = 0x6d6b7502
	logSold             uint64 = 0x6d6b7503
	logListingCancelled uint64 = 0x6d6b7504
	logEscrowCreated    uint64 = 0x6d6b7505
	logEscrowFunded     uint64 = 0x6d6b7506
	logEscrowCompleted  uint64 = 0x6d6b7507
	logEscrowCancelled  uint64 = 0x6d6b7508
	logEscrowRefunded   uint64 = 0x6d6b7509
	logRejected         uint64 = 0xffffffff
)

var opCodes = map[ledger.OperationKind]uint64{
	ledger.OpApproveMarketplace: opApproveMarketplace,
	ledger.OpList:               opList,
	ledger.OpBuy:                opBuy,
	ledger.OpCancelListing:      opCancelListing,
	ledger.OpEscrowCreate:       opEscrowCreate,
	ledger.OpEscrowDeposit:      opEscrowDeposit,
	ledger.OpEscrowComplete:     opEscrowComplete,
	ledger.OpEscrowCancel:       opEscrowCancel,
	ledger.OpEscrowRefund:       opEscrowRefund,
}

var logKinds = map[uint64]ledger.EventKind{
	logApprovalGranted:  ledger.EventApprovalGranted,
	logListed:           ledger.EventListed,
	logSold:             ledger.EventSold,
	logListingCancelled: ledger.EventListingCancelled,
	logEscrowCreated:    ledger.EventEscrowCreated,
	logEscrowFunded:     ledger.EventEscrowFunded,
	logEscrowCompleted:  ledger.EventEscrowCompleted,
	logEscrowCancelled:  ledger.EventEscrowCancelled,
	logEscrowRefunded:   ledger.EventEscrowRefunded,
}

// buildBody encodes an operation:
// op:uint32 query_id:uint64 asset:uint64 caller:MsgAddress has_cp:bit [counterparty:MsgAddress] amount:Coins fee:Coins
func buildBody(op ledger.Operation, queryID uint64) (*cell.Cell, error) {
	code, ok := opCodes[op.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported operation %q", op.Kind)
	}
	caller, err := parseAddr(op.Caller)
	if err != nil {
		return nil, fmt.Errorf("caller address: %w", err)
	}

	b := cell.BeginCell().
		MustStoreUInt(code, 32).
		MustStoreUInt(queryID, 64).
		MustStoreUInt(uint64(op.AssetID), 64).
		MustStoreAddr(caller)

	if op.Counterparty != "" {
		cp, err := parseAddr(op.Counterparty)
		if err != nil {
			return nil, fmt.Errorf("counterparty address: %w", err)
		}
		b.MustStoreBoolBit(true).MustStoreAddr(cp)
	} else {
		b.MustStoreBoolBit(false)
	}

	b.MustStoreBigCoins(nonNegative(op.Amount)).
		MustStoreBigCoins(nonNegative(op.Fee))
	return b.EndCell(), nil
}

// queryIDOf extracts the query id from an inbound registry message body.
func queryIDOf(body *cell.Cell) (uint64, bool) {
	if body == nil {
		return 0, false
	}
	s := body.BeginParse()
	if s.BitsLeft() < 96 {
		return 0, false
	}
	op, err := s.LoadUInt(32)
	if err != nil || !isOpCode(op) {
		return 0, false
	}
	q, err := s.LoadUInt(64)
	if err != nil {
		return 0, false
	}
	return q, true
}

type registryLog struct {
	queryID uint64
	event   ledger.Event
	reason  string // set for rejections
}

// parseLog decodes a registry log body:
// code:uint32 query_id:uint64 asset:uint64 seller:MsgAddress has_buyer:bit [buyer:MsgAddress] price:Coins fee:Coins
// Rejections carry code 0xffffffff, query_id and the reason as a snake string in a ref.
func parseLog(body *cell.Cell) (registryLog, bool, error) {
	var out registryLog
	if body == nil {
		return out, false, nil
	}
	s := body.BeginParse()
	if s.BitsLeft() < 96 {
		return out, false, nil
	}
	code, err := s.LoadUInt(32)
	if err != nil {
		return out, false, err
	}
	if out.queryID, err = s.LoadUInt(64); err != nil {
		return out, false, err
	}

	if code == logRejected {
		ref, err := s.LoadRef()
		if err != nil {
			return out, false, fmt.Errorf("rejection reason: %w", err)
		}
		if out.reason, err = ref.LoadStringSnake(); err != nil {
			return out, false, fmt.Errorf("rejection reason: %w", err)
		}
		return out, true, nil
	}

	kind, ok := logKinds[code]
	if !ok {
		return out, false, nil
	}
	out.event.Kind = kind

	asset, err := s.LoadUInt(64)
	if err != nil {
		return out, false, err
	}
	out.event.AssetID = int64(asset)

	seller, err := s.LoadAddr()
	if err != nil {
		return out, false, fmt.Errorf("seller: %w", err)
	}
	out.event.Seller = seller.StringRaw()

	hasBuyer, err := s.LoadBoolBit()
	if err != nil {
		return out, false, err
	}
	if hasBuyer {
		buyer, err := s.LoadAddr()
		if err != nil {
			return out, false, fmt.Errorf("buyer: %w", err)
		}
		out.event.Buyer = buyer.StringRaw()
	}

	price, err := s.LoadBigCoins()
	if err != nil {
		return out, false, fmt.Errorf("price: %w", err)
	}
	fee, err := s.LoadBigCoins()
	if err != nil {
		return out, false, fmt.Errorf("fee: %w", err)
	}
	out.event.Price = decimal.NewFromBigInt(price, 0)
	out.event.Fee = decimal.NewFromBigInt(fee, 0)
	return out, true, nil
}

func isOpCode(op uint64) bool {
	return op >= opApproveMarketplace && op <= opEscrowRefund
}

func nonNegative(d decimal.Decimal) *big.Int {
	if d.Sign() <= 0 {
		return big.NewInt(0)
	}
	return d.BigInt()
}
