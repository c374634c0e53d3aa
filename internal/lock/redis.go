package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisOptions tunes the redsync mutexes backing RedisManager.
type RedisOptions struct {
	// Expiry bounds how long a crashed holder can block an account.
	Expiry     time.Duration
	RetryDelay time.Duration
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{Expiry: 30 * time.Second, RetryDelay: 20 * time.Millisecond}
}

// RedisManager takes per-account locks in Redis so several API processes
// can share one account store.
type RedisManager struct {
	rs     *redsync.Redsync
	prefix string
	opts   RedisOptions
}

func NewRedisManager(client redis.UniversalClient, prefix string, opts RedisOptions) *RedisManager {
	pool := goredis.NewPool(client)
	return &RedisManager{rs: redsync.New(pool), prefix: prefix, opts: opts}
}

func (r *RedisManager) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]*redsync.Mutex, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// unlock must run even when the caller's ctx is already done
			_, _ = held[i].UnlockContext(context.Background())
		}
	}

	for _, k := range keys {
		m := r.rs.NewMutex(
			fmt.Sprintf("%s:lock:%s", r.prefix, k),
			redsync.WithExpiry(r.opts.Expiry),
			redsync.WithTries(1<<20),
			redsync.WithRetryDelay(r.opts.RetryDelay),
		)
		if err := m.LockContext(ctx); err != nil {
			release()
			if ctx.Err() != nil || errors.Is(err, redsync.ErrFailed) {
				return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, k, err)
			}
			return nil, fmt.Errorf("acquire %s: %w", k, err)
		}
		held = append(held, m)
	}
	return release, nil
}
