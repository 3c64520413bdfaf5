package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"parkwise/internal/config"
	"parkwise/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "parkwise:lot_lock:"

// releaseScript deletes the lock only if it is still owned by the token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLotLocker serializes lot-scoped sections across instances with
// SET NX PX. A holder that dies releases the lock after ttl.
type RedisLotLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisClient creates a Redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisLotLocker(client *redis.Client, ttl time.Duration) *RedisLotLocker {
	return &RedisLotLocker{
		client: client,
		ttl:    ttl,
		poll:   20 * time.Millisecond,
	}
}

var _ domain.LotLocker = (*RedisLotLocker)(nil)

func (r *RedisLotLocker) Lock(ctx context.Context, lotID string) (func(), error) {
	if r.client == nil {
		return nil, fmt.Errorf("lock lot %s: %w: redis client is nil", lotID, domain.ErrTransient)
	}
	key := lockKeyPrefix + lotID
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock lot %s: %w: %w", lotID, domain.ErrTransient, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lock lot %s: %w: %w", lotID, domain.ErrTransient, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's ctx may already be done
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err()
		})
	}, nil
}

// Ping checks the connection to Redis.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
