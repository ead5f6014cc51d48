package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/models"
)

const statsCacheKey = "stats:marketplace"

type MarketSummarySource interface {
	MarketSummary(ctx context.Context) (models.MarketSummary, error)
}

type ActiveCounter interface {
	CountActive(ctx context.Context) (int, error)
}

// StatsService builds the marketplace snapshot and caches it in redis.
type StatsService struct {
	records   MarketSummarySource
	listings  ActiveCounter
	escrows   ActiveCounter
	interests InterestStore
	rdb       *redis.Client
	ttl       time.Duration
	log       *zap.Logger
}

func NewStatsService(records MarketSummarySource, listings, escrows ActiveCounter, interests InterestStore, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *StatsService {
	return &StatsService{
		records:   records,
		listings:  listings,
		escrows:   escrows,
		interests: interests,
		rdb:       rdb,
		ttl:       ttl,
		log:       log,
	}
}

// Compute aggregates the snapshot from the mirror store.
func (s *StatsService) Compute(ctx context.Context) (*models.MarketSummary, error) {
	summary, err := s.records.MarketSummary(ctx)
	if err != nil {
		return nil, err
	}
	if summary.ActiveListings, err = s.listings.CountActive(ctx); err != nil {
		return nil, err
	}
	if summary.ActiveEscrows, err = s.escrows.CountActive(ctx); err != nil {
		return nil, err
	}
	if summary.Interests, err = s.interests.Stats(ctx, ""); err != nil {
		return nil, err
	}
	summary.GeneratedAt = time.Now().UTC()
	return &summary, nil
}

// Refresh recomputes and caches the snapshot.
func (s *StatsService) Refresh(ctx context.Context) (*models.MarketSummary, error) {
	summary, err := s.Compute(ctx)
	if err != nil {
		return nil, err
	}
	data, _ := json.Marshal(summary)
	if err := s.rdb.Set(ctx, statsCacheKey, string(data), s.ttl).Err(); err != nil {
		s.log.Warn("failed to cache marketplace stats", zap.Error(err))
	}
	return summary, nil
}

// Snapshot serves the cached snapshot, computing it on a cache miss.
func (s *StatsService) Snapshot(ctx context.Context) (*models.MarketSummary, error) {
	data, err := s.rdb.Get(ctx, statsCacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return s.Refresh(ctx)
	}
	if err != nil {
		s.log.Warn("stats cache unavailable", zap.Error(err))
		return s.Compute(ctx)
	}
	var summary models.MarketSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return s.Refresh(ctx)
	}
	return &summary, nil
}
