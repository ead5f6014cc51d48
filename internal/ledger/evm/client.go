// Package evm implements the ledger client against the PropertyRegistry contract on an EVM chain.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/ledger"
)

const receiptPollInterval = 2 * time.Second

// Backend is the subset of the RPC the client needs; *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

type Config struct {
	RPCURL          string
	RegistryAddress string
	PrivateKeyHex   string
	Confirmations   int
}

// Client submits registry transactions with the relayer key and waits for receipts.
type Client struct {
	backend       Backend
	contract      *bind.BoundContract
	abi           abi.ABI
	address       common.Address
	operator      common.Address
	transacts     *bind.TransactOpts
	confirmations uint64
	log           *zap.Logger
}

func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return New(ctx, cli, cfg, log)
}

func New(ctx context.Context, backend Backend, cfg Config, log *zap.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.RegistryAddress) {
		return nil, fmt.Errorf("registry address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting operations")
	}

	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.RegistryAddress)
	bound := bind.NewBoundContract(address, parsed, backend, backend, backend)

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}

	c := &Client{
		backend:       backend,
		contract:      bound,
		abi:           parsed,
		address:       address,
		transacts:     txOpts,
		confirmations: uint64(max(cfg.Confirmations, 1)),
		log:           log,
	}

	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "marketplace"); err != nil {
		return nil, fmt.Errorf("read marketplace operator: %w", err)
	}
	op, ok := out[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected marketplace result %T", out[0])
	}
	c.operator = op
	return c, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *Client) Operator() string { return addressHex(c.operator) }

func (c *Client) GetOwner(ctx context.Context, assetID int64) (string, error) {
	var out []any
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "ownerOf", big.NewInt(assetID))
	if err != nil {
		if isRevert(err) {
			return "", fmt.Errorf("asset %d: %w", assetID, ledger.ErrAssetNotFound)
		}
		return "", fmt.Errorf("ownerOf: %w", err)
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("unexpected ownerOf result %T", out[0])
	}
	if owner == (common.Address{}) {
		return "", fmt.Errorf("asset %d: %w", assetID, ledger.ErrAssetNotFound)
	}
	return addressHex(owner), nil
}

func (c *Client) GetApprovalStatus(ctx context.Context, owner, operator string) (bool, error) {
	if !common.IsHexAddress(owner) || !common.IsHexAddress(operator) {
		return false, fmt.Errorf("invalid address")
	}
	var out []any
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isApprovedForAll",
		common.HexToAddress(owner), common.HexToAddress(operator))
	if err != nil {
		return false, fmt.Errorf("isApprovedForAll: %w", err)
	}
	approved, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected isApprovedForAll result %T", out[0])
	}
	return approved, nil
}

func (c *Client) Submit(ctx context.Context, op ledger.Operation) (ledger.PendingRef, error) {
	method, args, value, err := c.encode(op)
	if err != nil {
		return "", err
	}

	opts := *c.transacts
	opts.Context = ctx
	opts.Value = value

	tx, err := c.contract.Transact(&opts, method, args...)
	if err != nil {
		if isRevert(err) {
			return "", fmt.Errorf("%w: %s", ledger.ErrSubmitRejected, revertReason(err))
		}
		return "", fmt.Errorf("%s tx: %w", method, err)
	}

	c.log.Info("registry tx submitted",
		zap.String("method", method),
		zap.Int64("asset_id", op.AssetID),
		zap.String("tx_hash", tx.Hash().Hex()),
	)
	return ledger.PendingRef(tx.Hash().Hex()), nil
}

func (c *Client) encode(op ledger.Operation) (method string, args []any, value *big.Int, err error) {
	caller, err := hexAddress(op.Caller)
	if err != nil {
		return "", nil, nil, err
	}
	token := big.NewInt(op.AssetID)

	switch op.Kind {
	case ledger.OpApproveMarketplace:
		return "setApprovalForAllFor", []any{caller, c.operator, true}, nil, nil
	case ledger.OpList:
		return "listProperty", []any{token, caller, op.Amount.BigInt()}, nil, nil
	case ledger.OpBuy:
		return "buyProperty", []any{token, caller}, op.Amount.BigInt(), nil
	case ledger.OpCancelListing:
		return "cancelListing", []any{token, caller}, nil, nil
	case ledger.OpEscrowCreate:
		buyer, err := hexAddress(op.Counterparty)
		if err != nil {
			return "", nil, nil, err
		}
		return "createEscrow", []any{token, caller, buyer, op.Amount.BigInt(), op.Fee.BigInt()}, nil, nil
	case ledger.OpEscrowDeposit:
		return "depositFunds", []any{token, caller}, op.Amount.BigInt(), nil
	case ledger.OpEscrowComplete:
		return "completeEscrow", []any{token, caller}, nil, nil
	case ledger.OpEscrowCancel:
		return "cancelEscrow", []any{token, caller}, nil, nil
	case ledger.OpEscrowRefund:
		return "refundBuyer", []any{token, caller}, nil, nil
	}
	return "", nil, nil, fmt.Errorf("unsupported operation %q", op.Kind)
}

// AwaitConfirmation polls the receipt until it is mined with enough confirmations or ctx is done.
func (c *Client) AwaitConfirmation(ctx context.Context, ref ledger.PendingRef) (ledger.Outcome, error) {
	hash := common.HexToHash(string(ref))

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		out, done, err := c.checkReceipt(ctx, hash)
		if err != nil {
			return nil, err
		}
		if done {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) checkReceipt(ctx context.Context, hash common.Hash) (ledger.Outcome, bool, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, false, nil
	}

	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("fetch head: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < c.confirmations {
		return nil, false, nil
	}

	txRef := hash.Hex()
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ledger.Rejected{TxRef: txRef, Reason: "execution reverted"}, true, nil
	}

	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != c.address {
			continue
		}
		ev, ok, err := decodeLog(c.abi, *lg)
		if err != nil {
			c.log.Warn("undecodable registry log", zap.String("tx_hash", txRef), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		ev.Timestamp = c.blockTime(ctx, receipt.BlockNumber)
		return ledger.Confirmed{TxRef: txRef, Event: ev}, true, nil
	}
	return nil, false, fmt.Errorf("tx %s confirmed without a registry event", txRef)
}

func (c *Client) blockTime(ctx context.Context, number *big.Int) time.Time {
	header, err := c.backend.HeaderByNumber(ctx, number)
	if err != nil || header == nil {
		return time.Now().UTC()
	}
	return time.Unix(int64(header.Time), 0).UTC()
}

func hexAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func isRevert(err error) bool {
	return strings.Contains(err.Error(), "execution reverted")
}

// revertReason strips the RPC prefix: "execution reverted: already listed" -> "already listed".
func revertReason(err error) string {
	msg := err.Error()
	if _, reason, ok := strings.Cut(msg, "execution reverted: "); ok {
		return reason
	}
	return msg
}
