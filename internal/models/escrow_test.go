package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsValidEscrowTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path
		{EscrowStatusPending, EscrowStatusFunded, true},
		{EscrowStatusFunded, EscrowStatusCompleted, true},
		{EscrowStatusFunded, EscrowStatusRefunded, true},

		// Cancellation paths
		{EscrowStatusPending, EscrowStatusCancelled, true},
		{EscrowStatusFunded, EscrowStatusCancelled, true},

		// Invalid transitions
		{EscrowStatusPending, EscrowStatusCompleted, false},
		{EscrowStatusPending, EscrowStatusRefunded, false},
		{EscrowStatusRefunded, EscrowStatusCompleted, false},
		{EscrowStatusCompleted, EscrowStatusRefunded, false},
		{EscrowStatusCancelled, EscrowStatusFunded, false},
		{EscrowStatusFunded, EscrowStatusPending, false},
		{"nonexistent", EscrowStatusFunded, false},
		{EscrowStatusPending, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidEscrowTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidEscrowTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestTerminalEscrowStatusesHaveNoTransitions(t *testing.T) {
	terminal := []string{EscrowStatusCompleted, EscrowStatusCancelled, EscrowStatusRefunded}
	for _, status := range terminal {
		transitions, ok := ValidEscrowTransitions[status]
		if !ok {
			t.Errorf("status %q missing from ValidEscrowTransitions map", status)
		}
		if len(transitions) != 0 {
			t.Errorf("terminal status %q should have no transitions, got %v", status, transitions)
		}
		if IsActiveEscrow(status) {
			t.Errorf("terminal status %q reported active", status)
		}
	}
}

func TestComputeFee(t *testing.T) {
	tests := []struct {
		price string
		bps   int64
		fee   string
		total string
	}{
		{"2000000000000000000", 250, "50000000000000000", "2050000000000000000"},
		{"100", 250, "2", "102"}, // 2.5 floors to 2
		{"399", 250, "9", "408"}, // 9.975 floors to 9
		{"100", 0, "0", "100"},
		{"1", 10000, "1", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			price := decimal.RequireFromString(tt.price)
			fee := ComputeFee(price, tt.bps)
			if !fee.Equal(decimal.RequireFromString(tt.fee)) {
				t.Errorf("ComputeFee(%s, %d) = %s, want %s", tt.price, tt.bps, fee, tt.fee)
			}
			d := EscrowDeal{Price: price, Fee: fee}
			if !d.Total().Equal(decimal.RequireFromString(tt.total)) {
				t.Errorf("Total() = %s, want %s", d.Total(), tt.total)
			}
		})
	}
}

func TestOperationTransitions(t *testing.T) {
	if !IsValidOperationTransition(OperationSubmitted, OperationConfirmed) {
		t.Error("submitted -> confirmed should be valid")
	}
	if !IsValidOperationTransition(OperationConfirmed, OperationSettled) {
		t.Error("confirmed -> settled should be valid")
	}
	if IsValidOperationTransition(OperationSubmitted, OperationSettled) {
		t.Error("submitted -> settled must pass through confirmed")
	}
	if IsValidOperationTransition(OperationFailed, OperationConfirmed) {
		t.Error("failed is terminal")
	}
	if IsOpenOperation(OperationSettled) || !IsOpenOperation(OperationSubmitted) {
		t.Error("IsOpenOperation mismatch")
	}
}

func TestListingTransitions(t *testing.T) {
	if !IsValidListingTransition(ListingStatusListed, ListingStatusSold) {
		t.Error("listed -> sold should be valid")
	}
	if IsValidListingTransition(ListingStatusSold, ListingStatusCancelled) {
		t.Error("sold is terminal")
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  0xAbCdEF  ", "0xabcdef"},
		{"0XABC", "0xabc"},
		{"0:ABCDEF", "0:abcdef"},
		{"EQBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0XggGG", "0:6f5bc67986e06430961d9df00433926a4cd92e597ddd8aa6043645ac20bd1782"},
		{"not-an-address", "not-an-address"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAddress(tt.in); got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if !SameAddress("0xABC", "0xabc") {
		t.Error("expected case-insensitive match")
	}
	// bounceable and non-bounceable forms of one TON account
	if !SameAddress("EQBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0XggGG", "UQBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0XggGG") {
		t.Error("expected EQ/UQ forms to match")
	}
}

func TestRecordNotifies(t *testing.T) {
	r := TransactionRecord{Type: TxTypeSale, From: "0xowner", To: "0xbuyer"}
	if !r.Notifies("0xOWNER") {
		t.Error("seller should be notified of sale")
	}
	if r.Notifies("0xbuyer") {
		t.Error("buyer is not notified")
	}
	if !r.Involves("0xBuyer") {
		t.Error("buyer is involved")
	}
	l := TransactionRecord{Type: TxTypeListing, From: "0xowner"}
	if l.Notifies("0xowner") {
		t.Error("listing records never notify")
	}
}
