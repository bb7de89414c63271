package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "atlas:conversation:"

// Redis is a Locker backed by redsync, so workers in several processes
// never run the same conversation at once.
type Redis struct {
	client *redis.Client
	rs     *redsync.Redsync
	expiry time.Duration
	tries  int
}

// NewRedis connects to the server at url (redis://...). expiry must exceed
// the longest turn; the lock is released early on success.
func NewRedis(ctx context.Context, url string, expiry time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		tries:  64,
	}, nil
}

// Lock blocks, retrying, until the key is acquired or ctx ends.
func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	mutex := r.rs.NewMutex(keyPrefix+key,
		redsync.WithExpiry(r.expiry),
		redsync.WithTries(r.tries),
		redsync.WithRetryDelay(50*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		if _, err := mutex.UnlockContext(ctx); err != nil {
			return fmt.Errorf("unlock %s: %w", key, err)
		}
		return nil
	}, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
