package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/storefront-fulfillment/pkg/config"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Every key lives under sf:<family>:...
const namespace = "sf"

type keyFamily string

const (
	familyIdempotency keyFamily = "idempotency"
	familyRateLimit   keyFamily = "rate_limit"
	familyCounter     keyFamily = "counter"
	familyLock        keyFamily = "lock"
)

func (f keyFamily) key(parts ...string) string {
	var b strings.Builder
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(string(f))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}

var errNotConnected = errors.New("redis client not initialized")

// commands is the slice of go-redis the storefront touches.
type commands interface {
	Ping(context.Context) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Incr(context.Context, string) *redis.IntCmd
	Del(context.Context, ...string) *redis.IntCmd
}

// Client is shared by the idempotency middleware, webhook dedupe,
// order numbering, rate limiting and cron locks.
type Client struct {
	cmd  commands
	conn *redis.Client
}

// IdempotencyStore exposes minimal operations used by idempotency helpers.
type IdempotencyStore interface {
	Get(context.Context, string) (string, error)
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	IdempotencyKey(scope, id string) string
	Del(context.Context, ...string) error
}

// Counter is the sequence surface used for order numbers.
type Counter interface {
	Incr(context.Context, string) (int64, error)
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	CounterKey(name string) string
}

// New dials redis and fails fast when the server does not answer.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	conn := redis.NewClient(opts)
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logg != nil {
		logg.Info(ctx, "redis connection established")
	}
	return &Client{cmd: conn, conn: conn}, nil
}

// dialOptions prefers the URL; pool and timeout settings from env fill
// whatever the URL leaves unset.
func dialOptions(cfg config.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	case cfg.Address != "":
		opts = &redis.Options{Addr: cfg.Address, Password: cfg.Password}
	default:
		return nil, errors.New("redis url or address is required")
	}

	fillInt(&opts.DB, cfg.DB)
	fillInt(&opts.PoolSize, cfg.PoolSize)
	fillInt(&opts.MinIdleConns, cfg.MinIdleConns)
	fillDuration(&opts.DialTimeout, cfg.DialTimeout)
	fillDuration(&opts.ReadTimeout, cfg.ReadTimeout)
	fillDuration(&opts.WriteTimeout, cfg.WriteTimeout)
	return opts, nil
}

func fillInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

func fillDuration(dst *time.Duration, v time.Duration) {
	if *dst == 0 {
		*dst = v
	}
}

func (c *Client) commands() (commands, error) {
	if c == nil || c.cmd == nil {
		return nil, errNotConnected
	}
	return c.cmd, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	cmd, err := c.commands()
	if err != nil {
		return "", err
	}
	return cmd.Get(ctx, key).Result()
}

// SetNX writes value only when key is absent. A zero ttl keeps the key forever.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	cmd, err := c.commands()
	if err != nil {
		return false, err
	}
	return cmd.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	cmd, err := c.commands()
	if err != nil {
		return 0, err
	}
	return cmd.Incr(ctx, key).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	cmd, err := c.commands()
	if err != nil {
		return err
	}
	return cmd.Del(ctx, keys...).Err()
}

func (c *Client) Ping(ctx context.Context) error {
	cmd, err := c.commands()
	if err != nil {
		return err
	}
	return cmd.Ping(ctx).Err()
}

// FixedWindowAllow counts hits for scope in the current window. The window
// key is created with its TTL before the first INCR, so a crash between the
// two calls cannot leave a counter that never expires.
func (c *Client) FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error) {
	key := c.RateLimitKey(scope)
	if _, err := c.SetNX(ctx, key, 0, window); err != nil {
		return false, 0, fmt.Errorf("open rate window: %w", err)
	}
	count, err := c.Incr(ctx, key)
	if err != nil {
		return false, 0, fmt.Errorf("count rate window: %w", err)
	}
	return count <= limit, count, nil
}

func (c *Client) IdempotencyKey(scope, id string) string {
	return familyIdempotency.key(scope, id)
}

func (c *Client) RateLimitKey(scope string) string {
	return familyRateLimit.key(scope)
}

func (c *Client) CounterKey(name string) string {
	return familyCounter.key(name)
}

func (c *Client) LockKey(name string) string {
	return familyLock.key(name)
}

// Close is a no-op for clients built around a fake command set.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
