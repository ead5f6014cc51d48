package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/propertyledger/backend/internal/apperr"
	"github.com/propertyledger/backend/internal/events"
	"github.com/propertyledger/backend/internal/models"
)

func approvedCount(t *testing.T, h *harness, assetID int64) int {
	t.Helper()
	list, err := h.interest.ByAsset(context.Background(), assetID)
	if err != nil {
		t.Fatalf("ByAsset: %v", err)
	}
	n := 0
	for _, i := range list {
		if i.Status == models.InterestStatusApproved {
			n++
		}
	}
	return n
}

func TestInterestLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]string{3: ownerO})

	x, err := h.interest.ExpressInterest(ctx, buyerB1, 3)
	if err != nil {
		t.Fatalf("express B1: %v", err)
	}
	if x.Status != models.InterestStatusPending || x.OwnerAddress != ownerO {
		t.Fatalf("unexpected interest %+v", x)
	}

	if _, err := h.interest.ExpressInterest(ctx, buyerB1, 3); apperr.CodeOf(err) != apperr.CodeDuplicateInterest {
		t.Fatalf("second express: got %v, want DuplicateInterest", err)
	}

	y, err := h.interest.ExpressInterest(ctx, buyerB2, 3)
	if err != nil {
		t.Fatalf("express B2: %v", err)
	}

	if _, err := h.interest.Approve(ctx, 3, x.ID, ownerO); err != nil {
		t.Fatalf("approve X: %v", err)
	}
	if _, err := h.interest.Approve(ctx, 3, y.ID, ownerO); err != nil {
		t.Fatalf("approve Y: %v", err)
	}

	list, _ := h.interest.ByAsset(ctx, 3)
	for _, i := range list {
		switch i.ID {
		case x.ID:
			if i.Status != models.InterestStatusPending || i.ApprovedAt != nil {
				t.Errorf("X should be demoted, got %s approved_at=%v", i.Status, i.ApprovedAt)
			}
		case y.ID:
			if i.Status != models.InterestStatusApproved || i.ApprovedAt == nil {
				t.Errorf("Y should be approved, got %s", i.Status)
			}
		}
	}

	if err := h.interest.Remove(ctx, 3, y.ID, buyerB2); apperr.CodeOf(err) != apperr.CodeCannotRemoveApproved {
		t.Fatalf("remove approved: got %v, want CannotRemoveApproved", err)
	}
	if err := h.interest.Remove(ctx, 3, x.ID, buyerB2); apperr.CodeOf(err) != apperr.CodeNotBuyer {
		t.Fatalf("remove by other buyer: got %v, want NotBuyer", err)
	}
	if err := h.interest.Remove(ctx, 3, x.ID, buyerB1); err != nil {
		t.Fatalf("remove X: %v", err)
	}
	if list, _ := h.interest.ByAsset(ctx, 3); len(list) != 1 {
		t.Fatalf("expected 1 interest left, got %d", len(list))
	}
	if n := h.pub.count(events.EventInterestApproved); n != 2 {
		t.Errorf("interest_approved events = %d, want 2", n)
	}
	h.audit.mu.Lock()
	for _, e := range h.audit.entries {
		if e.Action == "interest_approved" && e.EntityID != "3" {
			t.Errorf("approval audited under entity %q, want the asset id", e.EntityID)
		}
	}
	h.audit.mu.Unlock()
}

func TestInterestSelfInterestIgnoresCase(t *testing.T) {
	h := newHarness(t, map[int64]string{3: "0x00000000000000000000000000000000000000A1"})

	hex := ownerO[2:]
	for _, caller := range []string{ownerO, "0x" + strings.ToUpper(hex), "0X" + strings.ToUpper(hex)} {
		_, err := h.interest.ExpressInterest(context.Background(), caller, 3)
		if apperr.CodeOf(err) != apperr.CodeSelfInterest {
			t.Errorf("caller %s: got %v, want SelfInterest", caller, err)
		}
	}
}

func TestInterestApproveRequiresOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]string{3: ownerO, 4: ownerO})

	x, err := h.interest.ExpressInterest(ctx, buyerB1, 3)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		asset  int64
		id     uuid.UUID
		caller string
		want   apperr.Code
	}{
		{"not owner", 3, x.ID, stranger, apperr.CodeNotOwner},
		{"unknown interest", 3, uuid.New(), ownerO, apperr.CodeNotFound},
		{"interest of another asset", 4, x.ID, ownerO, apperr.CodeNotFound},
		{"unknown asset", 99, x.ID, ownerO, apperr.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.interest.Approve(ctx, tt.asset, tt.id, tt.caller)
			if apperr.CodeOf(err) != tt.want {
				t.Fatalf("got %v, want %s", err, tt.want)
			}
		})
	}
	if n := approvedCount(t, h, 3); n != 0 {
		t.Fatalf("approved = %d after rejected approvals", n)
	}
}

func TestInterestConcurrentApprovalsLeaveOneApproved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]string{3: ownerO})

	var ids []uuid.UUID
	for i := 0; i < 12; i++ {
		buyer := fmt.Sprintf("0x%040x", 0x100+i)
		in, err := h.interest.ExpressInterest(ctx, buyer, 3)
		if err != nil {
			t.Fatalf("express %s: %v", buyer, err)
		}
		ids = append(ids, in.ID)
	}

	stop := make(chan struct{})
	observed := make(chan int, 1)
	go func() {
		maxSeen := 0
		for {
			select {
			case <-stop:
				observed <- maxSeen
				return
			default:
			}
			list, _ := h.interests.ListByAsset(ctx, 3)
			n := 0
			for _, i := range list {
				if i.Status == models.InterestStatusApproved {
					n++
				}
			}
			if n > maxSeen {
				maxSeen = n
			}
		}
	}()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if _, err := h.interest.Approve(ctx, 3, id, ownerO); err != nil {
				t.Errorf("approve %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	close(stop)

	if maxSeen := <-observed; maxSeen > 1 {
		t.Errorf("observed %d approved interests at once", maxSeen)
	}
	if n := approvedCount(t, h, 3); n != 1 {
		t.Fatalf("approved = %d, want exactly 1", n)
	}
}

func TestInterestStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]string{3: ownerO, 5: ownerO, 6: stranger})

	x, _ := h.interest.ExpressInterest(ctx, buyerB1, 3)
	_, _ = h.interest.ExpressInterest(ctx, buyerB2, 3)
	_, _ = h.interest.ExpressInterest(ctx, buyerB1, 5)
	_, _ = h.interest.ExpressInterest(ctx, buyerB1, 6)
	if _, err := h.interest.Approve(ctx, 3, x.ID, ownerO); err != nil {
		t.Fatal(err)
	}

	s, err := h.interest.Stats(ctx, ownerO)
	if err != nil {
		t.Fatal(err)
	}
	want := models.InterestStats{Total: 3, Pending: 2, Approved: 1, DistinctAssets: 2, DistinctBuyers: 2}
	if s != want {
		t.Fatalf("stats = %+v, want %+v", s, want)
	}

	all, _ := h.interest.Stats(ctx, "")
	if all.Total != 4 || all.DistinctAssets != 3 {
		t.Fatalf("global stats = %+v", all)
	}

	mine, _ := h.interest.ByBuyer(ctx, buyerB1)
	if len(mine) != 3 {
		t.Fatalf("ByBuyer = %d, want 3", len(mine))
	}
}

func TestInterestsFollowOwnershipTransfer(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		newOwner string
		transfer func(t *testing.T, h *harness)
	}{
		{
			name:     "marketplace sale",
			newOwner: buyerB1,
			transfer: func(t *testing.T, h *harness) {
				if _, err := h.listing.List(ctx, ownerO, 3, dec("5")); err != nil {
					t.Fatalf("list: %v", err)
				}
				if _, err := h.listing.Buy(ctx, buyerB1, 3, dec("5")); err != nil {
					t.Fatalf("buy: %v", err)
				}
			},
		},
		{
			name:     "escrow completion",
			newOwner: buyerB1,
			transfer: func(t *testing.T, h *harness) {
				fundDeal(t, h, 3)
				if _, err := h.escrow.CompleteDeal(ctx, buyerB1, 3); err != nil {
					t.Fatalf("complete: %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, map[int64]string{3: ownerO})
			if _, err := h.interest.ExpressInterest(ctx, tt.newOwner, 3); err != nil {
				t.Fatalf("express new owner: %v", err)
			}
			other, err := h.interest.ExpressInterest(ctx, buyerB2, 3)
			if err != nil {
				t.Fatalf("express B2: %v", err)
			}
			if _, err := h.interest.Approve(ctx, 3, other.ID, ownerO); err != nil {
				t.Fatalf("approve: %v", err)
			}

			tt.transfer(t, h)
			replay(t, h, ledgerEvents(t, h))

			if old, _ := h.interest.ByOwner(ctx, ownerO); len(old) != 0 {
				t.Fatalf("previous owner still holds %d interests", len(old))
			}
			held, _ := h.interest.ByOwner(ctx, tt.newOwner)
			if len(held) != 1 || held[0].ID != other.ID {
				t.Fatalf("new owner interests = %+v, want B2's", held)
			}
			if held[0].Status != models.InterestStatusPending || held[0].ApprovedAt != nil {
				t.Fatalf("inherited interest = %+v, want approval cleared", held[0])
			}
			if own, _ := h.interest.ByBuyer(ctx, tt.newOwner); len(own) != 0 {
				t.Fatalf("new owner keeps interest in their own asset: %+v", own)
			}

			// the new owner decides afresh
			if _, err := h.interest.Approve(ctx, 3, other.ID, tt.newOwner); err != nil {
				t.Fatalf("approve by new owner: %v", err)
			}
			if s, _ := h.interest.Stats(ctx, tt.newOwner); s.Total != 1 || s.Approved != 1 {
				t.Fatalf("stats = %+v", s)
			}
		})
	}
}
