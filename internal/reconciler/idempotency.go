package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/storefront-fulfillment/pkg/redis"
)

// IdempotencyGuard drops provider deliveries already seen within ttl.
type IdempotencyGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

func NewIdempotencyGuard(store redis.IdempotencyStore, ttl time.Duration) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &IdempotencyGuard{store: store, ttl: ttl}, nil
}

// CheckAndMark reports true when eventID was already recorded for provider.
func (g *IdempotencyGuard) CheckAndMark(ctx context.Context, provider, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	set, err := g.store.SetNX(ctx, g.key(provider, eventID), "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return !set, nil
}

func (g *IdempotencyGuard) Delete(ctx context.Context, provider, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	return g.store.Del(ctx, g.key(provider, eventID))
}

func (g *IdempotencyGuard) key(provider, eventID string) string {
	return g.store.IdempotencyKey("webhook:"+provider, eventID)
}
