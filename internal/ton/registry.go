package ton

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	tonapi "github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/nft"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"github.com/xssnick/tonutils-go/tvm/cell"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/ledger"
)

const (
	awaitPollInterval = 3 * time.Second
	gasAttachment     = "0.05" // TON forwarded with every registry message
)

type RegistryConfig struct {
	RegistryAddress   string
	CollectionAddress string
	WalletSeed        string // space-separated mnemonic of the relayer wallet
}

// Registry is the TON ledger client. The relayer wallet sends operations on behalf of parties.
type Registry struct {
	api        tonapi.APIClientWrapped
	registry   *address.Address
	collection *nft.CollectionClient
	wallet     *wallet.Wallet
	seq        atomic.Uint64
	log        *zap.Logger
}

func NewRegistry(api tonapi.APIClientWrapped, cfg RegistryConfig, log *zap.Logger) (*Registry, error) {
	registry, err := address.ParseAddr(cfg.RegistryAddress)
	if err != nil {
		return nil, fmt.Errorf("registry address: %w", err)
	}
	collection, err := address.ParseAddr(cfg.CollectionAddress)
	if err != nil {
		return nil, fmt.Errorf("collection address: %w", err)
	}

	r := &Registry{
		api:        api,
		registry:   registry,
		collection: nft.NewCollectionClient(api, collection),
		log:        log,
	}
	r.seq.Store(uint64(time.Now().UnixNano()))

	if cfg.WalletSeed != "" {
		w, err := wallet.FromSeed(api, strings.Fields(cfg.WalletSeed), wallet.V4R2)
		if err != nil {
			return nil, fmt.Errorf("relayer wallet: %w", err)
		}
		r.wallet = w
		log.Info("TON relayer wallet loaded", zap.String("address", w.WalletAddress().String()))
	}
	return r, nil
}

// Operator is the registry itself; it must be approved to move NFTs for listing.
func (r *Registry) Operator() string { return r.registry.StringRaw() }

func (r *Registry) GetOwner(ctx context.Context, assetID int64) (string, error) {
	itemAddr, err := r.collection.GetNFTAddressByIndex(ctx, big.NewInt(assetID))
	if err != nil {
		return "", fmt.Errorf("nft address of %d: %w", assetID, err)
	}
	data, err := nft.NewItemClient(r.api, itemAddr).GetNFTData(ctx)
	if err != nil {
		return "", fmt.Errorf("nft data of %d: %w", assetID, err)
	}
	if !data.Initialized || data.OwnerAddress == nil {
		return "", fmt.Errorf("asset %d: %w", assetID, ledger.ErrAssetNotFound)
	}
	return data.OwnerAddress.StringRaw(), nil
}

func (r *Registry) GetApprovalStatus(ctx context.Context, owner, operator string) (bool, error) {
	ownerAddr, err := parseAddr(owner)
	if err != nil {
		return false, fmt.Errorf("owner address: %w", err)
	}
	operatorAddr, err := parseAddr(operator)
	if err != nil {
		return false, fmt.Errorf("operator address: %w", err)
	}

	block, err := r.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return false, fmt.Errorf("get master block: %w", err)
	}
	res, err := r.api.RunGetMethod(ctx, block, r.registry, "is_approved_for_all",
		cell.BeginCell().MustStoreAddr(ownerAddr).EndCell().BeginParse(),
		cell.BeginCell().MustStoreAddr(operatorAddr).EndCell().BeginParse(),
	)
	if err != nil {
		return false, fmt.Errorf("is_approved_for_all: %w", err)
	}
	v, err := res.Int(0)
	if err != nil {
		return false, fmt.Errorf("is_approved_for_all result: %w", err)
	}
	return v.Sign() != 0, nil
}

// Submit sends the operation from the relayer wallet. The pending ref is "queryID:startLT",
// where startLT is the registry's last transaction before sending, so a restarted
// reconciler knows where to scan from.
func (r *Registry) Submit(ctx context.Context, op ledger.Operation) (ledger.PendingRef, error) {
	if r.wallet == nil {
		return "", fmt.Errorf("relayer wallet is not configured")
	}

	queryID := r.seq.Add(1)
	body, err := buildBody(op, queryID)
	if err != nil {
		return "", err
	}

	startLT, _, err := lastTx(ctx, r.api, r.registry)
	if err != nil {
		return "", err
	}

	value := tlb.MustFromTON(gasAttachment).Nano()
	if op.Kind == ledger.OpBuy || op.Kind == ledger.OpEscrowDeposit {
		value.Add(value, nonNegative(op.Amount))
	}

	msg := wallet.SimpleMessage(r.registry, tlb.FromNanoTON(value), body)
	if err := r.wallet.Send(ctx, msg, false); err != nil {
		return "", fmt.Errorf("send %s: %w", op.Kind, err)
	}

	r.log.Info("registry message sent",
		zap.String("kind", string(op.Kind)),
		zap.Int64("asset_id", op.AssetID),
		zap.Uint64("query_id", queryID),
	)
	return ledger.PendingRef(fmt.Sprintf("%d:%d", queryID, startLT)), nil
}

// AwaitConfirmation scans registry transactions after startLT for the one carrying the query id.
func (r *Registry) AwaitConfirmation(ctx context.Context, ref ledger.PendingRef) (ledger.Outcome, error) {
	queryID, cursor, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(awaitPollInterval)
	defer ticker.Stop()

	for {
		headLT, headHash, err := lastTx(ctx, r.api, r.registry)
		if err != nil {
			return nil, err
		}
		if headLT > cursor {
			txs, err := transactionsAfter(ctx, r.api, r.registry, headLT, headHash, cursor)
			if err != nil {
				return nil, err
			}
			for _, tx := range txs {
				if out, ok := matchOutcome(tx, queryID, r.log); ok {
					return out, nil
				}
			}
			cursor = headLT
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// FetchEvents decodes registry logs from transactions with LT > after.
func (r *Registry) FetchEvents(ctx context.Context, after uint64) ([]ledger.Event, uint64, error) {
	headLT, headHash, err := lastTx(ctx, r.api, r.registry)
	if err != nil {
		return nil, after, err
	}
	if headLT <= after {
		return nil, after, nil
	}
	txs, err := transactionsAfter(ctx, r.api, r.registry, headLT, headHash, after)
	if err != nil {
		return nil, after, err
	}

	var out []ledger.Event
	for _, tx := range txs {
		for _, l := range txLogs(tx, r.log) {
			if l.reason != "" {
				continue
			}
			out = append(out, l.event)
		}
	}
	return out, headLT, nil
}

func (r *Registry) Head(ctx context.Context) (uint64, error) {
	lt, _, err := lastTx(ctx, r.api, r.registry)
	return lt, err
}

func matchOutcome(tx *tlb.Transaction, queryID uint64, log *zap.Logger) (ledger.Outcome, bool) {
	if tx.IO.In == nil {
		return nil, false
	}
	in, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || in == nil {
		return nil, false
	}
	if q, ok := queryIDOf(in.Body); !ok || q != queryID {
		return nil, false
	}

	txRef := hex.EncodeToString(tx.Hash)
	for _, l := range txLogs(tx, log) {
		if l.queryID != queryID {
			continue
		}
		if l.reason != "" {
			return ledger.Rejected{TxRef: txRef, Reason: l.reason, UserCancelled: ledger.IsUserCancelReason(l.reason)}, true
		}
		return ledger.Confirmed{TxRef: txRef, Event: l.event}, true
	}
	// the registry threw before emitting a log; the value bounces back to the relayer
	return ledger.Rejected{TxRef: txRef, Reason: "registry execution failed"}, true
}

// txLogs decodes every registry log emitted by tx, stamped with the tx hash and time.
func txLogs(tx *tlb.Transaction, log *zap.Logger) []registryLog {
	if tx.IO.Out == nil {
		return nil
	}
	msgs, err := tx.IO.Out.ToSlice()
	if err != nil {
		log.Warn("failed to read out messages", zap.Uint64("lt", tx.LT), zap.Error(err))
		return nil
	}

	var out []registryLog
	for _, m := range msgs {
		ext, ok := m.Msg.(*tlb.ExternalMessageOut)
		if !ok || ext == nil {
			continue
		}
		l, ok, err := parseLog(ext.Body)
		if err != nil {
			log.Warn("undecodable registry log", zap.Uint64("lt", tx.LT), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		l.event.TxRef = hex.EncodeToString(tx.Hash)
		l.event.Timestamp = time.Unix(int64(tx.Now), 0).UTC()
		out = append(out, l)
	}
	return out
}

// parseAddr accepts both raw (wc:hex) and user-friendly forms.
func parseAddr(s string) (*address.Address, error) {
	if strings.Contains(s, ":") {
		return address.ParseRawAddr(s)
	}
	return address.ParseAddr(s)
}

func parseRef(ref ledger.PendingRef) (queryID, startLT uint64, err error) {
	q, lt, ok := strings.Cut(string(ref), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ledger.ErrUnknownRef, ref)
	}
	if queryID, err = strconv.ParseUint(q, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ledger.ErrUnknownRef, ref)
	}
	if startLT, err = strconv.ParseUint(lt, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ledger.ErrUnknownRef, ref)
	}
	return queryID, startLT, nil
}
