package ledger

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled wraps a Client so RPC calls share one token bucket.
// AwaitConfirmation is not throttled itself; backends pace their own polling.
type Throttled struct {
	next    Client
	limiter *rate.Limiter
}

// NewThrottled returns next unchanged when rps <= 0.
func NewThrottled(next Client, rps float64, burst int) Client {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *Throttled) GetOwner(ctx context.Context, assetID int64) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.GetOwner(ctx, assetID)
}

func (t *Throttled) GetApprovalStatus(ctx context.Context, owner, operator string) (bool, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return t.next.GetApprovalStatus(ctx, owner, operator)
}

func (t *Throttled) Submit(ctx context.Context, op Operation) (PendingRef, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.Submit(ctx, op)
}

func (t *Throttled) AwaitConfirmation(ctx context.Context, ref PendingRef) (Outcome, error) {
	return t.next.AwaitConfirmation(ctx, ref)
}

func (t *Throttled) Operator() string { return t.next.Operator() }
