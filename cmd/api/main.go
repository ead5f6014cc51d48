package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/config"
	"github.com/propertyledger/backend/internal/db"
	"github.com/propertyledger/backend/internal/events"
	apphttp "github.com/propertyledger/backend/internal/http"
	"github.com/propertyledger/backend/internal/http/handlers"
	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/ledger/backend"
	"github.com/propertyledger/backend/internal/locks"
	"github.com/propertyledger/backend/internal/metrics"
	"github.com/propertyledger/backend/internal/repositories"
	"github.com/propertyledger/backend/internal/services"
	"github.com/propertyledger/backend/migrations"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, int32(cfg.PostgresMaxConns), log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Ledger
	chain, err := backend.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open ledger", zap.String("backend", cfg.LedgerBackend), zap.Error(err))
	}
	client := ledger.NewThrottled(chain, cfg.LedgerRPS, cfg.LedgerBurst)

	// Repositories
	escrowRepo := repositories.NewEscrowRepo(pool)
	listingRepo := repositories.NewListingRepo(pool)
	interestRepo := repositories.NewInterestRepo(pool)
	operationRepo := repositories.NewOperationRepo(pool)
	transactionRepo := repositories.NewTransactionRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)
	retryQueue := events.NewRedisRetryQueue(rdb, log)

	m := metrics.New()
	locker := newLocker(cfg, rdb, log)

	// Services
	recorder := services.NewSettlementRecorder(transactionRepo, retryQueue, publisher, m, cfg.MaxMirrorRetryBackoff, log)
	mirror := services.NewMirrorApplier(escrowRepo, listingRepo, interestRepo, recorder, auditRepo, log)
	runner := services.NewOperationRunner(client, operationRepo, mirror, publisher, cfg.ConfirmationTimeout, m, log)
	escrowService := services.NewEscrowService(
		escrowRepo, listingRepo, client, runner, locker,
		newOracle(cfg, pool, log), cfg.FeeBPS(), cfg.FundedCancelPolicy, log,
	)
	listingService := services.NewListingService(listingRepo, escrowRepo, client, runner, locker, log)
	interestService := services.NewInterestService(interestRepo, client, locker, auditRepo, publisher, log)
	feed := services.NewNotificationFeed(transactionRepo)
	statsService := services.NewStatsService(transactionRepo, listingRepo, escrowRepo, interestRepo, rdb, 2*cfg.StatsRefreshInterval, log)

	// The memory ledger cannot be observed by the worker, so its operations are reconciled here.
	if !backend.Shared(cfg) {
		reconciler := services.NewReconciler(operationRepo, runner, locker, cfg.ReconcileStaleAfter, m, log)
		go func() {
			_ = reconciler.Run(ctx, cfg.ReconcileInterval)
		}()
	}

	// Handlers
	wsHub := handlers.NewWSHub(cfg, subscriber, log)
	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to start websocket hub", zap.Error(err))
	}

	h := apphttp.Handlers{
		Escrow:       handlers.NewEscrowHandler(escrowService, log),
		Listing:      handlers.NewListingHandler(listingService, log),
		Interest:     handlers.NewInterestHandler(interestService, log),
		Notification: handlers.NewNotificationHandler(feed, log),
		Operation:    handlers.NewOperationHandler(runner, log),
		History:      handlers.NewHistoryHandler(auditRepo, log),
		Meta:         handlers.NewMetaHandler(escrowService, cfg.LedgerBackend, client.Operator()),
		Stats:        handlers.NewStatsHandler(statsService, log),
		WS:           wsHub,
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, m, h)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server",
		zap.String("addr", addr),
		zap.String("ledger", cfg.LedgerBackend),
		zap.String("operator", client.Operator()),
	)
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func newLocker(cfg *config.Config, rdb *redis.Client, log *zap.Logger) locks.Locker {
	if cfg.LockBackend == "local" {
		log.Warn("using in-process asset locks, run a single API replica")
		return locks.NewKeyedMutex()
	}
	return locks.NewRedisLocker(rdb, cfg.LockTTL, log)
}

func newOracle(cfg *config.Config, pool *pgxpool.Pool, log *zap.Logger) services.VerificationOracle {
	switch cfg.VerificationBackend {
	case "http":
		return services.NewKYCClient(cfg.KYCServiceURL, log)
	case "allow-all":
		log.Warn("verification disabled, every address counts as verified")
		return services.AllowAll{}
	default:
		return repositories.NewVerificationRepo(pool)
	}
}
