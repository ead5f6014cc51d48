package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	lockPrefix   = "lock:"
	retryBackoff = 50 * time.Millisecond
)

// releaseScript deletes the lease only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease-based Locker shared by every replica.
// The TTL must outlive the longest critical section (ledger confirmation timeout included).
type RedisLocker struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl, log: log}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	redisKey := lockPrefix + key

	for {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff):
		}
	}

	return func() {
		// release with a fresh context: the caller's may already be cancelled
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := releaseScript.Run(rctx, l.rdb, []string{redisKey}, token).Int()
		if err != nil {
			l.log.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
			return
		}
		if n == 0 {
			l.log.Warn("lock lease expired before release", zap.String("key", key))
		}
	}, nil
}
