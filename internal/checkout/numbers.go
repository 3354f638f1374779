package checkout

import (
	"context"
	"fmt"
	"sync"

	pkgredis "github.com/angelmondragon/storefront-fulfillment/pkg/redis"
)

const orderNumberCounter = "order_number"

type maxOrderNumberReader interface {
	MaxOrderNumber(ctx context.Context) (int64, error)
}

// NumberAllocator hands out sequential order numbers from a Redis counter. The
// counter is seeded once from the highest persisted number so numbers are
// never reused after a Redis flush.
type NumberAllocator struct {
	counter pkgredis.Counter
	orders  maxOrderNumberReader
	floor   int64

	mu     sync.Mutex
	seeded bool
}

func NewNumberAllocator(counter pkgredis.Counter, orders maxOrderNumberReader, floor int64) (*NumberAllocator, error) {
	if counter == nil {
		return nil, fmt.Errorf("counter required")
	}
	if orders == nil {
		return nil, fmt.Errorf("order number reader required")
	}
	return &NumberAllocator{counter: counter, orders: orders, floor: floor}, nil
}

// Seed initializes the counter if it does not exist yet.
func (a *NumberAllocator) Seed(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seeded {
		return nil
	}
	current, err := a.orders.MaxOrderNumber(ctx)
	if err != nil {
		return fmt.Errorf("read max order number: %w", err)
	}
	if current < a.floor {
		current = a.floor
	}
	if _, err := a.counter.SetNX(ctx, a.counter.CounterKey(orderNumberCounter), current, 0); err != nil {
		return fmt.Errorf("seed order number counter: %w", err)
	}
	a.seeded = true
	return nil
}

func (a *NumberAllocator) Next(ctx context.Context) (int64, error) {
	if err := a.Seed(ctx); err != nil {
		return 0, err
	}
	return a.counter.Incr(ctx, a.counter.CounterKey(orderNumberCounter))
}
