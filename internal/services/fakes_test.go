package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/config"
	"github.com/propertyledger/backend/internal/events"
	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/locks"
	"github.com/propertyledger/backend/internal/models"
	"github.com/propertyledger/backend/internal/repositories"
)

const (
	operator = "0x00000000000000000000000000000000000000ee"
	ownerO   = "0x00000000000000000000000000000000000000a1"
	buyerB1  = "0x00000000000000000000000000000000000000b1"
	buyerB2  = "0x00000000000000000000000000000000000000b2"
	stranger = "0x00000000000000000000000000000000000000c1"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// --- escrow deals ---

type memEscrows struct {
	mu    sync.Mutex
	deals []models.EscrowDeal
}

func (m *memEscrows) Create(_ context.Context, d *models.EscrowDeal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.deals {
		if e.AssetID == d.AssetID && models.IsActiveEscrow(e.Status) {
			return repositories.ErrDuplicate
		}
		if d.CreatedTxRef != "" && escrowHasRef(e, d.CreatedTxRef) {
			return repositories.ErrDuplicate
		}
	}
	d.ID = uuid.New()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.UpdatedAt = d.CreatedAt
	m.deals = append(m.deals, *d)
	return nil
}

func (m *memEscrows) GetActiveByAsset(_ context.Context, assetID int64) (*models.EscrowDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.deals {
		if e.AssetID == assetID && models.IsActiveEscrow(e.Status) {
			return &e, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (m *memEscrows) GetLatestByAsset(_ context.Context, assetID int64) (*models.EscrowDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.deals) - 1; i >= 0; i-- {
		if e := m.deals[i]; e.AssetID == assetID {
			return &e, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func escrowHasRef(d models.EscrowDeal, ref string) bool {
	return d.CreatedTxRef == ref || d.FundedTxRef == ref || d.ClosedTxRef == ref
}

func (m *memEscrows) GetByTxRef(_ context.Context, txRef string) (*models.EscrowDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.deals {
		if txRef != "" && escrowHasRef(e, txRef) {
			return &e, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (m *memEscrows) UpdateStatus(_ context.Context, id uuid.UUID, from, to string, funded bool, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.deals {
		if txRef != "" && escrowHasRef(e, txRef) {
			return repositories.ErrDuplicate
		}
	}
	for i := range m.deals {
		if m.deals[i].ID == id && m.deals[i].Status == from {
			if to == models.EscrowStatusFunded {
				m.deals[i].FundedTxRef = txRef
			} else {
				m.deals[i].ClosedTxRef = txRef
			}
			m.deals[i].Status = to
			m.deals[i].FundsDeposited = funded
			m.deals[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return repositories.ErrNotFound
}

func (m *memEscrows) ListByParty(_ context.Context, party, role string, _, _ int) ([]models.EscrowDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EscrowDeal
	for _, e := range m.deals {
		if (role != "seller" && e.Buyer == party) || (role != "buyer" && e.Seller == party) {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- listings ---

type memListings struct {
	mu       sync.Mutex
	listings []models.Listing
}

func (m *memListings) Create(_ context.Context, l *models.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.listings {
		if e.AssetID == l.AssetID && e.Active {
			return repositories.ErrDuplicate
		}
		if l.CreatedTxRef != "" && listingHasRef(e, l.CreatedTxRef) {
			return repositories.ErrDuplicate
		}
	}
	l.ID = uuid.New()
	l.Active = true
	l.Status = models.ListingStatusListed
	if l.ListedAt.IsZero() {
		l.ListedAt = time.Now().UTC()
	}
	m.listings = append(m.listings, *l)
	return nil
}

func (m *memListings) GetActiveByAsset(_ context.Context, assetID int64) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.listings {
		if e.AssetID == assetID && e.Active {
			return &e, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func listingHasRef(l models.Listing, ref string) bool {
	return l.CreatedTxRef == ref || l.EndedTxRef == ref
}

func (m *memListings) GetByTxRef(_ context.Context, txRef string) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.listings {
		if txRef != "" && listingHasRef(e, txRef) {
			return &e, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (m *memListings) End(_ context.Context, id uuid.UUID, status, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.listings {
		if txRef != "" && listingHasRef(e, txRef) {
			return repositories.ErrDuplicate
		}
	}
	for i := range m.listings {
		if m.listings[i].ID == id && m.listings[i].Active {
			now := time.Now().UTC()
			m.listings[i].EndedTxRef = txRef
			m.listings[i].Active = false
			m.listings[i].Status = status
			m.listings[i].EndedAt = &now
			return nil
		}
	}
	return repositories.ErrNotFound
}

func (m *memListings) List(_ context.Context, f repositories.ListingFilter) ([]models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Listing
	for _, e := range m.listings {
		if f.ActiveOnly && !e.Active {
			continue
		}
		if f.AssetID != nil && e.AssetID != *f.AssetID {
			continue
		}
		if f.Seller != nil && e.Seller != *f.Seller {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].ListedAt.After(out[b].ListedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- buyer interests ---

type memInterests struct {
	mu        sync.Mutex
	seq       int
	interests []models.BuyerInterest
}

func (m *memInterests) Create(_ context.Context, i *models.BuyerInterest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.interests {
		if e.AssetID == i.AssetID && e.BuyerAddress == i.BuyerAddress {
			return repositories.ErrDuplicate
		}
	}
	m.seq++
	i.ID = uuid.New()
	i.Status = models.InterestStatusPending
	i.Timestamp = time.Unix(1700000000, 0).Add(time.Duration(m.seq) * time.Second).UTC()
	m.interests = append(m.interests, *i)
	return nil
}

func (m *memInterests) GetByID(_ context.Context, id uuid.UUID) (*models.BuyerInterest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.interests {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, repositories.ErrNotFound
}

// Approve mirrors the single-transaction demote-then-promote of the Postgres store.
func (m *memInterests) Approve(_ context.Context, assetID int64, id uuid.UUID) (*models.BuyerInterest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := -1
	for i := range m.interests {
		if m.interests[i].ID == id && m.interests[i].AssetID == assetID {
			target = i
		}
	}
	if target < 0 {
		return nil, repositories.ErrNotFound
	}
	for i := range m.interests {
		if i != target && m.interests[i].AssetID == assetID && m.interests[i].Status == models.InterestStatusApproved {
			m.interests[i].Status = models.InterestStatusPending
			m.interests[i].ApprovedAt = nil
		}
	}
	now := time.Now().UTC()
	m.interests[target].Status = models.InterestStatusApproved
	m.interests[target].ApprovedAt = &now
	out := m.interests[target]
	return &out, nil
}

func (m *memInterests) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.interests {
		if m.interests[i].ID == id {
			m.interests = append(m.interests[:i], m.interests[i+1:]...)
			return nil
		}
	}
	return repositories.ErrNotFound
}

func (m *memInterests) filter(keep func(models.BuyerInterest) bool, newestFirst bool) []models.BuyerInterest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BuyerInterest
	for _, e := range m.interests {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if newestFirst {
			return out[a].Timestamp.After(out[b].Timestamp)
		}
		return out[a].Timestamp.Before(out[b].Timestamp)
	})
	return out
}

func (m *memInterests) ListByAsset(_ context.Context, assetID int64) ([]models.BuyerInterest, error) {
	return m.filter(func(i models.BuyerInterest) bool { return i.AssetID == assetID }, false), nil
}

func (m *memInterests) ListByBuyer(_ context.Context, buyer string) ([]models.BuyerInterest, error) {
	return m.filter(func(i models.BuyerInterest) bool { return i.BuyerAddress == buyer }, true), nil
}

func (m *memInterests) ListByOwner(_ context.Context, owner string) ([]models.BuyerInterest, error) {
	return m.filter(func(i models.BuyerInterest) bool { return i.OwnerAddress == owner }, true), nil
}

func (m *memInterests) TransferOwner(_ context.Context, assetID int64, from, to string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.interests[:0]
	var moved int64
	for _, e := range m.interests {
		if e.AssetID == assetID && e.OwnerAddress == from {
			if e.BuyerAddress == to {
				continue
			}
			e.OwnerAddress = to
			e.Status = models.InterestStatusPending
			e.ApprovedAt = nil
			moved++
		}
		kept = append(kept, e)
	}
	m.interests = kept
	return moved, nil
}

func (m *memInterests) Stats(_ context.Context, owner string) (models.InterestStats, error) {
	all := m.filter(func(i models.BuyerInterest) bool { return owner == "" || i.OwnerAddress == owner }, false)
	var s models.InterestStats
	assets := map[int64]bool{}
	buyers := map[string]bool{}
	for _, i := range all {
		s.Total++
		if i.Status == models.InterestStatusApproved {
			s.Approved++
		} else {
			s.Pending++
		}
		assets[i.AssetID] = true
		buyers[i.BuyerAddress] = true
	}
	s.DistinctAssets = len(assets)
	s.DistinctBuyers = len(buyers)
	return s, nil
}

// --- transaction records ---

type memRecords struct {
	mu          sync.Mutex
	records     []models.TransactionRecord
	failInserts int
}

var errStoreDown = errors.New("store unavailable")

func (m *memRecords) Insert(_ context.Context, rec *models.TransactionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInserts > 0 {
		m.failInserts--
		return false, errStoreDown
	}
	for _, e := range m.records {
		if e.TxRef == rec.TxRef {
			return false, nil
		}
	}
	rec.ID = uuid.New()
	m.records = append(m.records, *rec)
	return true, nil
}

func (m *memRecords) GetByID(_ context.Context, id uuid.UUID) (*models.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.records {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (m *memRecords) newestFirst(keep func(models.TransactionRecord) bool) []models.TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TransactionRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if keep(m.records[i]) {
			out = append(out, m.records[i])
		}
	}
	return out
}

func (m *memRecords) ListByParty(_ context.Context, party string, _, _ int) ([]models.TransactionRecord, error) {
	return m.newestFirst(func(r models.TransactionRecord) bool { return r.From == party || r.To == party }), nil
}

func (m *memRecords) Feed(_ context.Context, seller string, _, _ int) ([]models.TransactionRecord, error) {
	return m.newestFirst(func(r models.TransactionRecord) bool { return r.Type == models.TxTypeSale && r.From == seller }), nil
}

func (m *memRecords) UnreadCount(ctx context.Context, seller string) (int, error) {
	feed, _ := m.Feed(ctx, seller, 0, 0)
	n := 0
	for _, r := range feed {
		if !r.NotificationRead {
			n++
		}
	}
	return n, nil
}

func (m *memRecords) MarkRead(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].NotificationRead = true
			return nil
		}
	}
	return repositories.ErrNotFound
}

func (m *memRecords) all() []models.TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TransactionRecord(nil), m.records...)
}

// --- ledger operations ---

type memOps struct {
	mu         sync.Mutex
	ops        map[string]*models.Operation
	failCreate int
}

func newMemOps() *memOps { return &memOps{ops: make(map[string]*models.Operation)} }

func (m *memOps) Create(_ context.Context, op *models.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate > 0 {
		m.failCreate--
		return errStoreDown
	}
	if _, ok := m.ops[op.Ref]; ok {
		return repositories.ErrDuplicate
	}
	op.ID = uuid.New()
	op.CreatedAt = time.Now().UTC()
	op.UpdatedAt = op.CreatedAt
	cp := *op
	m.ops[op.Ref] = &cp
	return nil
}

func (m *memOps) GetByRef(_ context.Context, ref string) (*models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[ref]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *memOps) GetOpenByAsset(_ context.Context, assetID int64) (*models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if op.AssetID == assetID && models.IsOpenOperation(op.Status) {
			cp := *op
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (m *memOps) Transition(_ context.Context, ref, from, to string, txRef, reason *string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[ref]
	if !ok || op.Status != from {
		return repositories.ErrNotFound
	}
	op.Status = to
	if txRef != nil {
		op.TxRef = txRef
	}
	if reason != nil {
		op.FailureReason = reason
	}
	if result != nil {
		op.Result = result
	}
	op.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memOps) ListStale(_ context.Context, olderThan time.Duration, _ int) ([]models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []models.Operation
	for _, op := range m.ops {
		if models.IsOpenOperation(op.Status) && !op.UpdatedAt.After(cutoff) {
			out = append(out, *op)
		}
	}
	return out, nil
}

// --- audit, retry queue, publisher, oracle ---

type memAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (m *memAudit) Log(_ context.Context, e models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

type memRetry struct {
	mu       sync.Mutex
	items    []events.RetryItem
	failPush int
	popErr   error
}

var errQueueDown = errors.New("queue unavailable")

func (m *memRetry) Push(_ context.Context, item events.RetryItem, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPush > 0 {
		m.failPush--
		return errQueueDown
	}
	m.items = append(m.items, item)
	return nil
}

func (m *memRetry) PopDue(_ context.Context, _ time.Time, limit int) ([]events.RetryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.items) {
		limit = len(m.items)
	}
	out := m.items[:limit:limit]
	m.items = m.items[limit:]
	return out, m.popErr
}

func (m *memRetry) Len(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *memPublisher) Publish(_ context.Context, _ string, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memPublisher) count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type staticOracle map[string]bool

func (o staticOracle) IsVerified(_ context.Context, addr string) (bool, error) {
	return o[addr], nil
}

// --- harness ---

type harness struct {
	ledger    *ledger.MemoryLedger
	escrows   *memEscrows
	listings  *memListings
	interests *memInterests
	records   *memRecords
	ops       *memOps
	audit     *memAudit
	retry     *memRetry
	pub       *memPublisher

	recorder   *SettlementRecorder
	mirror     *MirrorApplier
	runner     *OperationRunner
	escrow     *EscrowService
	listing    *ListingService
	interest   *InterestService
	feed       *NotificationFeed
	reconciler *Reconciler
}

type harnessOpts struct {
	policy  string
	oracle  VerificationOracle
	timeout time.Duration
}

func newHarness(t *testing.T, owners map[int64]string, opts ...func(*harnessOpts)) *harness {
	t.Helper()
	o := harnessOpts{policy: config.FundedCancelDisabled, oracle: AllowAll{}, timeout: 2 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}

	log := zap.NewNop()
	h := &harness{
		ledger:    ledger.NewMemoryLedger(operator, owners),
		escrows:   &memEscrows{},
		listings:  &memListings{},
		interests: &memInterests{},
		records:   &memRecords{},
		ops:       newMemOps(),
		audit:     &memAudit{},
		retry:     &memRetry{},
		pub:       &memPublisher{},
	}
	locker := locks.NewKeyedMutex()

	h.recorder = NewSettlementRecorder(h.records, h.retry, h.pub, nil, time.Minute, log)
	h.mirror = NewMirrorApplier(h.escrows, h.listings, h.interests, h.recorder, h.audit, log)
	h.runner = NewOperationRunner(h.ledger, h.ops, h.mirror, h.pub, o.timeout, nil, log)
	h.escrow = NewEscrowService(h.escrows, h.listings, h.ledger, h.runner, locker, o.oracle, 250, o.policy, log)
	h.listing = NewListingService(h.listings, h.escrows, h.ledger, h.runner, locker, log)
	h.interest = NewInterestService(h.interests, h.ledger, locker, h.audit, h.pub, log)
	h.feed = NewNotificationFeed(h.records)
	h.reconciler = NewReconciler(h.ops, h.runner, locker, 0, nil, log)
	return h
}

func withPolicy(p string) func(*harnessOpts) { return func(o *harnessOpts) { o.policy = p } }

func withOracle(v VerificationOracle) func(*harnessOpts) { return func(o *harnessOpts) { o.oracle = v } }

func withTimeout(d time.Duration) func(*harnessOpts) { return func(o *harnessOpts) { o.timeout = d } }
