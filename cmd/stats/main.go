package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/config"
	"github.com/propertyledger/backend/internal/db"
	"github.com/propertyledger/backend/internal/repositories"
	"github.com/propertyledger/backend/internal/services"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	// The cache outlives one interval so readers never see a gap between refreshes.
	statsService := services.NewStatsService(
		repositories.NewTransactionRepo(pool),
		repositories.NewListingRepo(pool),
		repositories.NewEscrowRepo(pool),
		repositories.NewInterestRepo(pool),
		rdb, 2*cfg.StatsRefreshInterval, log,
	)

	log.Info("stats refresher started", zap.Duration("interval", cfg.StatsRefreshInterval))

	// Initial run
	refresh(ctx, statsService, log)

	ticker := time.NewTicker(cfg.StatsRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			refresh(ctx, statsService, log)
		case <-ctx.Done():
			log.Info("shutting down stats refresher")
			return
		}
	}
}

func refresh(ctx context.Context, statsService *services.StatsService, log *zap.Logger) {
	summary, err := statsService.Refresh(ctx)
	if err != nil {
		log.Error("failed to refresh marketplace stats", zap.Error(err))
		return
	}
	log.Info("marketplace stats updated",
		zap.Int("active_listings", summary.ActiveListings),
		zap.Int("active_escrows", summary.ActiveEscrows),
		zap.Int("sales", summary.Sales),
	)
}
