package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/storefront-fulfillment/pkg/instance"
)

const defaultLockTTL = 15 * time.Minute

// Lock gives one worker instance exclusive use of a job per cycle.
type Lock interface {
	Acquire(ctx context.Context, job string) (bool, error)
	Release(ctx context.Context, job string) error
}

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	LockKey(name string) string
}

// RedisLock implements Lock with SETNX plus TTL, one key per job.
type RedisLock struct {
	client redisStore
	scope  string
	ttl    time.Duration

	mu     sync.Mutex
	owners map[string]string
}

// NewRedisLock scopes lock keys by scope (typically the environment).
func NewRedisLock(client redisStore, scope string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if scope == "" {
		return nil, errors.New("lock scope is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, scope: scope, ttl: ttl, owners: map[string]string{}}, nil
}

func (l *RedisLock) key(job string) string {
	return l.client.LockKey("cron:" + l.scope + ":" + job)
}

func (l *RedisLock) Acquire(ctx context.Context, job string) (bool, error) {
	owner := instance.GetID() + ":" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(job), owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.owners[job] = owner
		l.mu.Unlock()
	}
	return ok, nil
}

// Release frees the job lock only while this instance still owns it.
func (l *RedisLock) Release(ctx context.Context, job string) error {
	l.mu.Lock()
	owner := l.owners[job]
	delete(l.owners, job)
	l.mu.Unlock()
	if owner == "" {
		return nil
	}

	value, err := l.client.Get(ctx, l.key(job))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read lock owner: %w", err)
	}
	if value != owner {
		return nil
	}
	if err := l.client.Del(ctx, l.key(job)); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}
