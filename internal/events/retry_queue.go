package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/models"
)

const RetryQueueKey = "settlement:mirror_retry"

// RetryItem is a mirror write that failed and waits for another attempt.
type RetryItem struct {
	Record  models.TransactionRecord `json:"record"`
	Attempt int                      `json:"attempt"`
}

// RedisRetryQueue is a delayed queue on a sorted set scored by due time (unix ms).
type RedisRetryQueue struct {
	client *redis.Client
	key    string
	log    *zap.Logger
}

func NewRedisRetryQueue(client *redis.Client, log *zap.Logger) *RedisRetryQueue {
	return &RedisRetryQueue{client: client, key: RetryQueueKey, log: log}
}

func (q *RedisRetryQueue) Push(ctx context.Context, item RetryItem, delay time.Duration) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay).UnixMilli()
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(due), Member: string(data)}).Err()
}

// PopDue removes and returns up to limit items due at now. An item is returned to
// exactly one caller even when several workers drain concurrently.
func (q *RedisRetryQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]RetryItem, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	var items []RetryItem
	for _, m := range members {
		n, err := q.client.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return items, err
		}
		if n == 0 {
			continue // claimed by another worker
		}
		var item RetryItem
		if err := json.Unmarshal([]byte(m), &item); err != nil {
			q.log.Error("dropping malformed retry item", zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (q *RedisRetryQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
