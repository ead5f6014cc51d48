package main

import (
	"context"
	"errors"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/config"
	"github.com/propertyledger/backend/internal/db"
	"github.com/propertyledger/backend/internal/events"
	"github.com/propertyledger/backend/internal/ledger"
	"github.com/propertyledger/backend/internal/ledger/backend"
	"github.com/propertyledger/backend/internal/metrics"
	"github.com/propertyledger/backend/internal/repositories"
	"github.com/propertyledger/backend/internal/services"
)

const (
	redisCursor  = "ledger-indexer:cursor:"
	pollInterval = 5 * time.Second
)

// The indexer replays confirmed ledger events into the mirror store so that
// settlements made outside this service (or lost by a crashed API) still show up.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !backend.Shared(cfg) {
		log.Fatal("ledger-indexer needs a shared ledger backend (evm or ton)")
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

	source, err := backend.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open ledger", zap.String("backend", cfg.LedgerBackend), zap.Error(err))
	}

	m := metrics.New()
	recorder := services.NewSettlementRecorder(
		repositories.NewTransactionRepo(pool),
		events.NewRedisRetryQueue(rdb, log),
		events.NewRedisPublisher(rdb, log),
		m, cfg.MaxMirrorRetryBackoff, log,
	)
	mirror := services.NewMirrorApplier(
		repositories.NewEscrowRepo(pool),
		repositories.NewListingRepo(pool),
		repositories.NewInterestRepo(pool),
		recorder,
		repositories.NewAuditRepo(pool),
		log,
	)

	idx := &indexer{
		source:    source,
		mirror:    mirror,
		rdb:       rdb,
		cursorKey: redisCursor + cfg.LedgerBackend,
		metrics:   m,
		log:       log,
	}
	if err := idx.initCursor(ctx, cfg.EVMStartBlock); err != nil {
		log.Fatal("failed to initialise cursor", zap.Error(err))
	}

	log.Info("ledger indexer started", zap.String("ledger", cfg.LedgerBackend))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := idx.poll(ctx); err != nil {
				log.Error("poll cycle failed", zap.Error(err))
			}
		case <-ctx.Done():
			log.Info("shutting down ledger indexer")
			return
		}
	}
}

type indexer struct {
	source    ledger.EventSource
	mirror    *services.MirrorApplier
	rdb       *redis.Client
	cursorKey string
	metrics   *metrics.Registry
	log       *zap.Logger
}

// initCursor sets the starting position on first run: the configured start
// block when given, otherwise the current head so only new events are indexed.
func (i *indexer) initCursor(ctx context.Context, startBlock uint64) error {
	existing, err := i.rdb.Get(ctx, i.cursorKey).Result()
	if err == nil && existing != "" {
		i.log.Info("resuming from saved cursor", zap.String("cursor", existing))
		return nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	cursor := startBlock
	if cursor == 0 {
		if cursor, err = i.source.Head(ctx); err != nil {
			return err
		}
	}
	i.log.Info("initialised cursor", zap.Uint64("cursor", cursor))
	return i.rdb.Set(ctx, i.cursorKey, strconv.FormatUint(cursor, 10), 0).Err()
}

// poll applies every event after the cursor. The cursor only advances when the
// whole batch was applied; a partial batch is replayed, which the mirror tolerates.
func (i *indexer) poll(ctx context.Context) error {
	raw, err := i.rdb.Get(ctx, i.cursorKey).Result()
	if err != nil {
		return err
	}
	cursor, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return err
	}

	evs, next, err := i.source.FetchEvents(ctx, cursor)
	if err != nil {
		return err
	}

	for _, ev := range evs {
		if err := i.mirror.Apply(ctx, ev, "", "indexer"); err != nil {
			return err
		}
		i.metrics.IncIndexed(string(ev.Kind))
	}

	if next == cursor {
		return nil
	}
	if len(evs) > 0 {
		i.log.Info("indexed ledger events", zap.Int("count", len(evs)), zap.Uint64("cursor", next))
	}
	return i.rdb.Set(ctx, i.cursorKey, strconv.FormatUint(next, 10), 0).Err()
}
