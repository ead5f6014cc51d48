package ton

import (
	"bytes"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/propertyledger/backend/internal/ledger"
)

var (
	sellerAddr = testAddr(0xAA).String()
	buyerAddr  = testAddr(0xBB).String()
)

func testAddr(fill byte) *address.Address {
	data := make([]byte, 32)
	for i := range data {
		data[i] = fill
	}
	return address.NewAddress(0, 0, data)
}

func TestBuildBodyCarriesQueryID(t *testing.T) {
	op := ledger.Operation{
		Kind:    ledger.OpBuy,
		AssetID: 7,
		Caller:  buyerAddr,
		Amount:  decimal.NewFromInt(2_000_000_000),
	}
	body, err := buildBody(op, 42)
	if err != nil {
		t.Fatal(err)
	}
	q, ok := queryIDOf(body)
	if !ok || q != 42 {
		t.Fatalf("queryIDOf = %d, %v", q, ok)
	}

	s := body.BeginParse()
	code, _ := s.LoadUInt(32)
	if code != opBuy {
		t.Errorf("op = %#x, want %#x", code, opBuy)
	}
}

func TestBuildBodyRejectsUnknownKind(t *testing.T) {
	_, err := buildBody(ledger.Operation{Kind: "teleport", Caller: sellerAddr}, 1)
	if err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestQueryIDOfIgnoresForeignBodies(t *testing.T) {
	comment := cell.BeginCell().MustStoreUInt(0, 32).MustStoreUInt(99, 64).EndCell()
	if _, ok := queryIDOf(comment); ok {
		t.Error("text comment must not match a registry op")
	}
	if _, ok := queryIDOf(nil); ok {
		t.Error("nil body must not match")
	}
}

func TestParseSoldLog(t *testing.T) {
	seller := testAddr(0xAA)
	buyer := testAddr(0xBB)
	body := cell.BeginCell().
		MustStoreUInt(logSold, 32).
		MustStoreUInt(42, 64).
		MustStoreUInt(7, 64).
		MustStoreAddr(seller).
		MustStoreBoolBit(true).
		MustStoreAddr(buyer).
		MustStoreBigCoins(decimal.NewFromInt(2_000_000_000).BigInt()).
		MustStoreBigCoins(decimal.Zero.BigInt()).
		EndCell()

	l, ok, err := parseLog(body)
	if err != nil || !ok {
		t.Fatalf("parseLog: ok=%v err=%v", ok, err)
	}
	if l.queryID != 42 || l.event.Kind != ledger.EventSold || l.event.AssetID != 7 {
		t.Errorf("unexpected log %+v", l)
	}
	if !sameAccount(l.event.Seller, seller) || !sameAccount(l.event.Buyer, buyer) {
		t.Errorf("parties = %s -> %s", l.event.Seller, l.event.Buyer)
	}
	if l.event.Price.String() != "2000000000" {
		t.Errorf("price = %s", l.event.Price)
	}
}

func sameAccount(s string, want *address.Address) bool {
	got, err := parseAddr(s)
	if err != nil {
		return false
	}
	return got.Workchain() == want.Workchain() && bytes.Equal(got.Data(), want.Data())
}

func TestParseRejectedLog(t *testing.T) {
	reason := cell.BeginCell()
	if err := reason.StoreStringSnake("already listed"); err != nil {
		t.Fatal(err)
	}
	body := cell.BeginCell().
		MustStoreUInt(logRejected, 32).
		MustStoreUInt(5, 64).
		MustStoreRef(reason.EndCell()).
		EndCell()

	l, ok, err := parseLog(body)
	if err != nil || !ok {
		t.Fatalf("parseLog: ok=%v err=%v", ok, err)
	}
	if l.queryID != 5 || l.reason != "already listed" {
		t.Errorf("unexpected rejection %+v", l)
	}
}

func TestParseRef(t *testing.T) {
	q, lt, err := parseRef("42:1000")
	if err != nil || q != 42 || lt != 1000 {
		t.Fatalf("parseRef = %d %d %v", q, lt, err)
	}
	if _, _, err := parseRef("0xabc"); !errors.Is(err, ledger.ErrUnknownRef) {
		t.Errorf("expected ErrUnknownRef, got %v", err)
	}
}
