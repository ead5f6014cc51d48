package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/propertyledger/backend/internal/config"
	"github.com/propertyledger/backend/internal/db"
	"github.com/propertyledger/backend/internal/events"
	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/ledger/backend"
	"github.com/propertyledger/backend/internal/locks"
	"github.com/propertyledger/backend/internal/metrics"
	"github.com/propertyledger/backend/internal/repositories"
	"github.com/propertyledger/backend/internal/services"
)

const drainBatch = 100

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

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

	escrowRepo := repositories.NewEscrowRepo(pool)
	listingRepo := repositories.NewListingRepo(pool)
	interestRepo := repositories.NewInterestRepo(pool)
	operationRepo := repositories.NewOperationRepo(pool)
	transactionRepo := repositories.NewTransactionRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	publisher := events.NewRedisPublisher(rdb, log)
	m := metrics.New()

	recorder := services.NewSettlementRecorder(transactionRepo, events.NewRedisRetryQueue(rdb, log), publisher, m, cfg.MaxMirrorRetryBackoff, log)
	mirror := services.NewMirrorApplier(escrowRepo, listingRepo, interestRepo, recorder, auditRepo, log)

	g, ctx := errgroup.WithContext(ctx)

	if backend.Shared(cfg) {
		chain, err := backend.Open(ctx, cfg, log)
		if err != nil {
			log.Fatal("failed to open ledger", zap.String("backend", cfg.LedgerBackend), zap.Error(err))
		}
		client := ledger.NewThrottled(chain, cfg.LedgerRPS, cfg.LedgerBurst)
		runner := services.NewOperationRunner(client, operationRepo, mirror, publisher, cfg.ConfirmationTimeout, m, log)
		locker := locks.NewRedisLocker(rdb, cfg.LockTTL, log)
		reconciler := services.NewReconciler(operationRepo, runner, locker, cfg.ReconcileStaleAfter, m, log)

		g.Go(func() error {
			return reconciler.Run(ctx, cfg.ReconcileInterval)
		})
	} else {
		log.Warn("memory ledger is process-local, reconciliation runs inside the API")
	}

	g.Go(func() error {
		return drainRetries(ctx, recorder, cfg.RetryDrainInterval, log)
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%s", cfg.WorkerPort), Handler: m.Handler()}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("worker started",
		zap.String("ledger", cfg.LedgerBackend),
		zap.Duration("reconcile_interval", cfg.ReconcileInterval),
		zap.Duration("drain_interval", cfg.RetryDrainInterval),
	)

	if err := g.Wait(); err != nil {
		log.Error("worker stopped", zap.Error(err))
		return
	}
	log.Info("worker stopped")
}

// drainRetries replays queued mirror writes until ctx is done.
func drainRetries(ctx context.Context, recorder *services.SettlementRecorder, interval time.Duration, log *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := recorder.DrainRetries(ctx, drainBatch)
			if err != nil {
				log.Error("retry drain failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("replayed mirror writes", zap.Int("count", n))
			}
		}
	}
}
