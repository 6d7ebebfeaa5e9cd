package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis shares presence between server replicas. Expiry is left to Redis.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

// Open dials addr and pings it once; a failed ping is returned so callers can
// fall back to the in-memory tracker.
func Open(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("presence: redis ping: %w", err)
	}
	return NewRedis(rdb, ttl), nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) Beat(ctx context.Context, userID, chatID uuid.UUID) error {
	return r.rdb.Set(ctx, redisKey(userID, chatID), time.Now().UTC().Unix(), r.ttl).Err()
}

func (r *Redis) Clear(ctx context.Context, userID, chatID uuid.UUID) error {
	return r.rdb.Del(ctx, redisKey(userID, chatID)).Err()
}

func (r *Redis) Viewing(ctx context.Context, userID, chatID uuid.UUID) (bool, error) {
	n, err := r.rdb.Exists(ctx, redisKey(userID, chatID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func redisKey(userID, chatID uuid.UUID) string {
	return "presence:" + userID.String() + ":" + chatID.String()
}
