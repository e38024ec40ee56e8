// Package kv wraps the Redis connections shared by the pipeline: queues,
// worker presence, throttle state, locks, and progress pub/sub. Blocking
// pops and pub/sub subscriptions hold their socket for long stretches, so
// they get dedicated clients with longer read timeouts instead of sharing
// the general pool.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// DialTimeout applies to all connections.
	DialTimeout time.Duration
	// ReadTimeout applies to the general client.
	ReadTimeout time.Duration
	// BlockingTimeout applies to the client reserved for BRPOP and friends.
	BlockingTimeout time.Duration
	// PubSubTimeout applies to the client that owns subscriptions.
	PubSubTimeout time.Duration

	PoolSize         int
	BlockingPoolSize int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.BlockingTimeout == 0 {
		c.BlockingTimeout = 300 * time.Second
	}
	if c.PubSubTimeout == 0 {
		c.PubSubTimeout = 60 * time.Second
	}
	if c.PoolSize == 0 {
		c.PoolSize = 50
	}
	if c.BlockingPoolSize == 0 {
		c.BlockingPoolSize = 20
	}
	return c
}

// Client bundles the three Redis clients used by a single process.
type Client struct {
	cfg      Config
	db       *redis.Client
	blocking *redis.Client
	pubsub   *redis.Client
	logger   *slog.Logger
}

// New connects to Redis and verifies the connection with a bounded
// exponential backoff before returning.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg: cfg,
		db: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.DialTimeout,
			ReadTimeout: cfg.ReadTimeout,
			PoolSize:    cfg.PoolSize,
		}),
		blocking: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.DialTimeout,
			ReadTimeout: cfg.BlockingTimeout,
			PoolSize:    cfg.BlockingPoolSize,
		}),
		pubsub: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.DialTimeout,
			ReadTimeout: cfg.PubSubTimeout,
			PoolSize:    10,
		}),
		logger: logger.With("component", "kv"),
	}

	err := retry.Do(
		func() error { return c.db.Ping(ctx).Err() },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	c.logger.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return c, nil
}

// DB returns the general-purpose client.
func (c *Client) DB() *redis.Client { return c.db }

// Blocking returns the client reserved for blocking list operations.
func (c *Client) Blocking() *redis.Client { return c.blocking }

// PubSub returns the client reserved for subscriptions.
func (c *Client) PubSub() *redis.Client { return c.pubsub }

// Healthy pings the general client.
func (c *Client) Healthy(ctx context.Context) error {
	return c.db.Ping(ctx).Err()
}

// Close releases all three connection pools.
func (c *Client) Close() error {
	var errs []error
	for _, cl := range []*redis.Client{c.db, c.blocking, c.pubsub} {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetJSON marshals v and stores it under key. A zero ttl means no expiry.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return c.db.Set(ctx, key, data, ttl).Err()
}

// GetJSON loads key into dest. The bool reports whether the key existed.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.db.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return true, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// ScanKeys returns all keys matching pattern. Uses SCAN, never KEYS.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.db.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}
