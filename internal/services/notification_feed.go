package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/propertyledger/backend/internal/apperr"
	"github.com/propertyledger/backend/internal/models"
)

// NotificationFeed is the read projection over transaction records. A party's
// notifications are the sale records where they are the seller.
type NotificationFeed struct {
	records TransactionStore
}

func NewNotificationFeed(records TransactionStore) *NotificationFeed {
	return &NotificationFeed{records: records}
}

// Feed lists the party's notifications, newest first.
func (f *NotificationFeed) Feed(ctx context.Context, party string, limit, offset int) ([]models.TransactionRecord, error) {
	return f.records.Feed(ctx, models.NormalizeAddress(party), limit, offset)
}

func (f *NotificationFeed) UnreadCount(ctx context.Context, party string) (int, error) {
	return f.records.UnreadCount(ctx, models.NormalizeAddress(party))
}

// Detail returns a record the party is involved in.
func (f *NotificationFeed) Detail(ctx context.Context, id uuid.UUID, party string) (*models.TransactionRecord, error) {
	rec, err := f.records.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "transaction record")
	}
	if !rec.Involves(party) {
		return nil, apperr.New(apperr.CodeNotFound, "transaction record not found")
	}
	return rec, nil
}

// MarkRead flips the read flag. Only the notified seller may do so; ordering is unaffected.
func (f *NotificationFeed) MarkRead(ctx context.Context, id uuid.UUID, party string) error {
	rec, err := f.records.GetByID(ctx, id)
	if err != nil {
		return notFound(err, "notification")
	}
	if !rec.Notifies(party) {
		return apperr.New(apperr.CodeNotSeller, "only the notified seller can mark this notification read")
	}
	if rec.NotificationRead {
		return nil
	}
	return notFound(f.records.MarkRead(ctx, id), "notification")
}

// Transactions lists every record where party is either side, newest first.
func (f *NotificationFeed) Transactions(ctx context.Context, party string, limit, offset int) ([]models.TransactionRecord, error) {
	return f.records.ListByParty(ctx, models.NormalizeAddress(party), limit, offset)
}
