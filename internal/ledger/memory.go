package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryLedger is an in-process ledger for development and tests.
// Operations are validated the way the registry contract validates them and
// take effect when they confirm. HoldConfirmations keeps submitted operations
// unconfirmed until Release is called.
type MemoryLedger struct {
	mu sync.Mutex

	operator  string
	owners    map[int64]string
	approvals map[string]bool
	listings  map[int64]memListing
	escrows   map[int64]*memEscrow

	pending map[PendingRef]*memPending
	order   []PendingRef
	seq     uint64
	hold    bool
	rejects []string

	log []Event
	now func() time.Time
}

type memListing struct {
	seller string
	price  decimal.Decimal
}

type memEscrow struct {
	seller string
	buyer  string
	price  decimal.Decimal
	fee    decimal.Decimal
	funded bool
}

type memPending struct {
	op      Operation
	outcome Outcome
	done    chan struct{}
}

func NewMemoryLedger(operator string, owners map[int64]string) *MemoryLedger {
	m := &MemoryLedger{
		operator:  operator,
		owners:    make(map[int64]string),
		approvals: make(map[string]bool),
		listings:  make(map[int64]memListing),
		escrows:   make(map[int64]*memEscrow),
		pending:   make(map[PendingRef]*memPending),
		now:       time.Now,
	}
	for id, owner := range owners {
		m.owners[id] = owner
	}
	return m
}

func (m *MemoryLedger) Operator() string { return m.operator }

// SetOwner mints or transfers an asset outside any operation.
func (m *MemoryLedger) SetOwner(assetID int64, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[assetID] = owner
}

// HoldConfirmations stops auto-confirming; submitted operations wait for Release.
func (m *MemoryLedger) HoldConfirmations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = true
}

// Release confirms every held operation in submission order and resumes auto-confirm.
func (m *MemoryLedger) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = false
	for _, ref := range m.order {
		if p := m.pending[ref]; p.outcome == nil {
			m.settleLocked(ref, p)
		}
	}
}

// RejectNext makes the next submitted operation fail on chain with reason.
func (m *MemoryLedger) RejectNext(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects = append(m.rejects, reason)
}

func (m *MemoryLedger) GetOwner(_ context.Context, assetID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[assetID]
	if !ok {
		return "", fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
	}
	return owner, nil
}

func (m *MemoryLedger) GetApprovalStatus(_ context.Context, owner, operator string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approvals[approvalKey(owner, operator)], nil
}

func (m *MemoryLedger) Submit(_ context.Context, op Operation) (PendingRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	ref := PendingRef(fmt.Sprintf("mem-%d", m.seq))
	p := &memPending{op: op, done: make(chan struct{})}
	m.pending[ref] = p
	m.order = append(m.order, ref)

	if !m.hold {
		m.settleLocked(ref, p)
	}
	return ref, nil
}

func (m *MemoryLedger) AwaitConfirmation(ctx context.Context, ref PendingRef) (Outcome, error) {
	m.mu.Lock()
	p, ok := m.pending[ref]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownRef
	}

	select {
	case <-p.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return p.outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FetchEvents returns confirmed events with sequence number greater than after.
func (m *MemoryLedger) FetchEvents(_ context.Context, after uint64) ([]Event, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if after >= uint64(len(m.log)) {
		return nil, after, nil
	}
	out := make([]Event, len(m.log)-int(after))
	copy(out, m.log[after:])
	return out, uint64(len(m.log)), nil
}

func (m *MemoryLedger) Head(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.log)), nil
}

func (m *MemoryLedger) settleLocked(ref PendingRef, p *memPending) {
	txRef := fakeTxRef(ref)
	defer close(p.done)

	if len(m.rejects) > 0 {
		reason := m.rejects[0]
		m.rejects = m.rejects[1:]
		p.outcome = Rejected{TxRef: txRef, Reason: reason, UserCancelled: IsUserCancelReason(reason)}
		return
	}

	ev, reason := m.applyLocked(p.op)
	if reason != "" {
		p.outcome = Rejected{TxRef: txRef, Reason: reason}
		return
	}
	ev.TxRef = txRef
	ev.Timestamp = m.now().UTC()
	m.log = append(m.log, ev)
	p.outcome = Confirmed{TxRef: txRef, Event: ev}
}

// applyLocked enforces the registry contract rules and mutates chain state.
func (m *MemoryLedger) applyLocked(op Operation) (Event, string) {
	ev := Event{AssetID: op.AssetID}
	owner, exists := m.owners[op.AssetID]

	switch op.Kind {
	case OpApproveMarketplace:
		m.approvals[approvalKey(op.Caller, m.operator)] = true
		ev.Kind = EventApprovalGranted
		ev.Seller = op.Caller
		return ev, ""

	case OpList:
		if !exists || !sameAddr(owner, op.Caller) {
			return ev, ReasonNotOwner
		}
		if !m.approvals[approvalKey(op.Caller, m.operator)] {
			return ev, "marketplace not approved"
		}
		if _, ok := m.listings[op.AssetID]; ok {
			return ev, ReasonAlreadyListed
		}
		if _, ok := m.escrows[op.AssetID]; ok {
			return ev, ReasonEscrowActive
		}
		m.listings[op.AssetID] = memListing{seller: op.Caller, price: op.Amount}
		ev.Kind = EventListed
		ev.Seller = op.Caller
		ev.Price = op.Amount
		return ev, ""

	case OpBuy:
		l, ok := m.listings[op.AssetID]
		if !ok {
			return ev, ReasonNotListed
		}
		if !op.Amount.Equal(l.price) {
			return ev, "incorrect payment"
		}
		delete(m.listings, op.AssetID)
		m.owners[op.AssetID] = op.Caller
		ev.Kind = EventSold
		ev.Seller = l.seller
		ev.Buyer = op.Caller
		ev.Price = l.price
		return ev, ""

	case OpCancelListing:
		l, ok := m.listings[op.AssetID]
		if !ok {
			return ev, ReasonNotListed
		}
		if !sameAddr(l.seller, op.Caller) {
			return ev, ReasonNotSeller
		}
		delete(m.listings, op.AssetID)
		ev.Kind = EventListingCancelled
		ev.Seller = l.seller
		ev.Price = l.price
		return ev, ""

	case OpEscrowCreate:
		if !exists || !sameAddr(owner, op.Caller) {
			return ev, ReasonNotOwner
		}
		if _, ok := m.escrows[op.AssetID]; ok {
			return ev, ReasonEscrowExists
		}
		if _, ok := m.listings[op.AssetID]; ok {
			return ev, ReasonAlreadyListed
		}
		m.escrows[op.AssetID] = &memEscrow{seller: op.Caller, buyer: op.Counterparty, price: op.Amount, fee: op.Fee}
		ev.Kind = EventEscrowCreated
		ev.Seller = op.Caller
		ev.Buyer = op.Counterparty
		ev.Price = op.Amount
		ev.Fee = op.Fee
		return ev, ""

	case OpEscrowDeposit:
		e, ok := m.escrows[op.AssetID]
		if !ok || e.funded {
			return ev, "escrow not pending"
		}
		if !sameAddr(e.buyer, op.Caller) {
			return ev, ReasonNotBuyer
		}
		if !op.Amount.Equal(e.price.Add(e.fee)) {
			return ev, "incorrect deposit"
		}
		e.funded = true
		ev.Kind = EventEscrowFunded
		return e.fill(ev), ""

	case OpEscrowComplete:
		e, ok := m.escrows[op.AssetID]
		if !ok || !e.funded {
			return ev, "escrow not funded"
		}
		if !sameAddr(e.buyer, op.Caller) && !sameAddr(e.seller, op.Caller) {
			return ev, ReasonNotParty
		}
		delete(m.escrows, op.AssetID)
		m.owners[op.AssetID] = e.buyer
		ev.Kind = EventEscrowCompleted
		return e.fill(ev), ""

	case OpEscrowCancel:
		e, ok := m.escrows[op.AssetID]
		if !ok {
			return ev, "escrow not found"
		}
		if !sameAddr(e.buyer, op.Caller) && !sameAddr(e.seller, op.Caller) {
			return ev, ReasonNotParty
		}
		delete(m.escrows, op.AssetID)
		ev.Kind = EventEscrowCancelled
		return e.fill(ev), ""

	case OpEscrowRefund:
		e, ok := m.escrows[op.AssetID]
		if !ok || !e.funded {
			return ev, "escrow not funded"
		}
		if !sameAddr(e.seller, op.Caller) {
			return ev, ReasonNotSeller
		}
		delete(m.escrows, op.AssetID)
		ev.Kind = EventEscrowRefunded
		return e.fill(ev), ""
	}

	return ev, fmt.Sprintf("unsupported operation %q", op.Kind)
}

func (e *memEscrow) fill(ev Event) Event {
	ev.Seller = e.seller
	ev.Buyer = e.buyer
	ev.Price = e.price
	ev.Fee = e.fee
	return ev
}

func approvalKey(owner, operator string) string {
	return normalize(owner) + "|" + normalize(operator)
}

func fakeTxRef(ref PendingRef) string {
	sum := sha256.Sum256([]byte(ref))
	return "0x" + hex.EncodeToString(sum[:])
}
