// Package queue coordinates processes that share one rules database through
// Redis: it wakes idle outbox processors and remembers recently seen email
// events.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Common errors
var (
	ErrClosed = errors.New("queue client is closed")
)

// maxWakeTokens bounds the wake list.
const maxWakeTokens = 16

// Config configures the Redis client.
type Config struct {
	// RedisURL is the Redis connection URL.
	RedisURL string
	// Prefix is the key prefix for all keys.
	Prefix string
	// DedupeWindow is how long an email event is remembered.
	DedupeWindow time.Duration
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		RedisURL:     "redis://localhost:6379/0",
		Prefix:       "mailrules",
		DedupeWindow: 24 * time.Hour,
	}
}

// Client wraps a Redis connection.
type Client struct {
	rdb    *redis.Client
	config Config
	closed atomic.Bool
}

// Connect opens and pings a Redis connection.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.ConnMaxLifetime = 30 * time.Minute
	opts.PoolTimeout = 4 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var lastErr error
	for i := 0; i < 3; i++ {
		if lastErr = rdb.Ping(ctx).Err(); lastErr == nil {
			break
		}
		if i < 2 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(i+1) * time.Second):
			}
		}
	}
	if lastErr != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", lastErr)
	}

	return NewClient(rdb, cfg), nil
}

// NewClient wraps an existing connection.
func NewClient(rdb *redis.Client, cfg Config) *Client {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultConfig().DedupeWindow
	}
	return &Client{rdb: rdb, config: cfg}
}

func (c *Client) wakeKey() string { return c.config.Prefix + ":outbox:wake" }
func (c *Client) seenKey(ownerID, emailID string) string {
	return c.config.Prefix + ":seen:" + ownerID + ":" + emailID
}

func (c *Client) check() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.rdb.Close()
}

// Notifier returns the outbox wake-up channel backed by this client.
func (c *Client) Notifier() *Notifier { return &Notifier{c: c} }

// Deduper returns the email event window backed by this client.
func (c *Client) Deduper() *Deduper { return &Deduper{c: c} }

// Notifier wakes outbox processors blocked in Wait, in any process.
type Notifier struct {
	c *Client
}

// Notify pushes a wake token.
func (n *Notifier) Notify(ctx context.Context) error {
	if err := n.c.check(); err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		pipe := n.c.rdb.TxPipeline()
		pipe.LPush(ctx, n.c.wakeKey(), 1)
		pipe.LTrim(ctx, n.c.wakeKey(), 0, maxWakeTokens-1)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Wait blocks until a wake token is popped or timeout passes.
func (n *Notifier) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := n.c.check(); err != nil {
		return false, err
	}
	if timeout < time.Second {
		// BLPOP timeouts have a one second resolution on older servers.
		timeout = time.Second
	}
	_, err := n.c.rdb.BLPop(ctx, timeout, n.c.wakeKey()).Result()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, fmt.Errorf("failed to wait for wake-up: %w", err)
	}
}

// Deduper remembers email events for the configured window so a redelivered
// event is processed once.
type Deduper struct {
	c *Client
}

// Claim records the event and reports whether it is the first delivery
// inside the window.
func (d *Deduper) Claim(ctx context.Context, ownerID, emailID string) (bool, error) {
	if err := d.c.check(); err != nil {
		return false, err
	}
	var first bool
	err := withRetry(ctx, func() error {
		var err error
		first, err = d.c.rdb.SetNX(ctx, d.c.seenKey(ownerID, emailID), time.Now().Unix(), d.c.config.DedupeWindow).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to record email event: %w", err)
	}
	return first, nil
}

// Forget removes an event so a later delivery is processed again.
func (d *Deduper) Forget(ctx context.Context, ownerID, emailID string) error {
	if err := d.c.check(); err != nil {
		return err
	}
	return d.c.rdb.Del(ctx, d.c.seenKey(ownerID, emailID)).Err()
}

// withRetry runs fn up to three times while it fails with a transient error.
func withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = fn(); err == nil || !isTransientRedisError(err) {
			return err
		}
		if attempt < maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
			}
		}
	}
	return err
}

// isTransientRedisError checks if an error is transient and worth retrying.
func isTransientRedisError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "timeout", "connection reset", "broken pipe", "network", "EOF"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
