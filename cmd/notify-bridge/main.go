package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/config"
	"github.com/propertyledger/backend/internal/db"
	"github.com/propertyledger/backend/internal/events"
	"github.com/propertyledger/backend/internal/models"
	"github.com/propertyledger/backend/internal/repositories"
	"github.com/propertyledger/backend/internal/services"
)

const (
	notifyAttempts = 3
	notifyBackoff  = 2 * time.Second
)

// Notify bridge subscribes to settlement events and forwards completed sales
// to the seller notification webhook.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.NotifyWebhookURL == "" {
		log.Fatal("NOTIFY_WEBHOOK_URL is required")
	}

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, int32(cfg.PostgresMaxConns), log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	records := repositories.NewTransactionRepo(pool)
	notifier := services.NewNotifyClient(cfg.NotifyWebhookURL, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	log.Info("notify-bridge started")

	err = subscriber.Subscribe(ctx, events.ChannelSettlement, func(event events.Event) {
		if event.Type != events.EventRecordCreated {
			return
		}
		if t, _ := event.Payload["type"].(string); t != models.TxTypeSale {
			return
		}
		raw, _ := event.Payload["id"].(string)
		id, err := uuid.Parse(raw)
		if err != nil {
			log.Warn("sale event without record id", zap.Any("payload", event.Payload))
			return
		}
		go forwardSale(ctx, records, notifier, id, log)
	})
	if err != nil {
		log.Fatal("failed to subscribe", zap.Error(err))
	}

	<-ctx.Done()
	log.Info("shutting down notify-bridge")
}

// forwardSale loads the record so the webhook sees the persisted values, then
// delivers it with a short fixed backoff.
func forwardSale(ctx context.Context, records *repositories.TransactionRepo, notifier *services.NotifyClient, id uuid.UUID, log *zap.Logger) {
	rec, err := records.GetByID(ctx, id)
	if err != nil {
		log.Warn("failed to load sale record", zap.String("id", id.String()), zap.Error(err))
		return
	}

	for attempt := 1; attempt <= notifyAttempts; attempt++ {
		if err = notifier.NotifySale(ctx, *rec); err == nil {
			log.Info("sale notification sent", zap.String("tx_ref", rec.TxRef), zap.String("seller", rec.From))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(notifyBackoff * time.Duration(attempt)):
		}
	}
	log.Error("sale notification dropped", zap.String("tx_ref", rec.TxRef), zap.Error(err))
}
