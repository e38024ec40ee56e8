// Package throttle enforces per-provider failure accounting and request
// rate limits on top of the KV store.
//
// Three keys per provider: fail:P counts consecutive failures, suspend:P
// marks the provider unusable while it exists, last_req:P records the last
// permitted request time. Rate limiting is a single scripted KV operation
// so concurrent workers cannot both win the same slot; when the KV store is
// unreachable the limiter degrades to per-process state.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loregraph/loregraph/internal/kv"
)

const (
	failPrefix    = "fail:"
	suspendPrefix = "suspend:"
	lastReqPrefix = "last_req:"
)

// permitScript implements try-acquire atomically. Wait seconds return as a
// string because Lua number replies truncate to integers.
var permitScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]))
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
if interval <= 0 then
  return {1, '0'}
end
if not last or (now - last) >= interval then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[3]))
  return {1, '0'}
end
return {0, tostring(interval - (now - last))}
`)

// IntervalSource resolves a provider's configured minimum seconds between
// requests. Zero means unlimited.
type IntervalSource interface {
	RateLimitInterval(ctx context.Context, provider string) (float64, error)
}

// Config holds throttle tuning.
type Config struct {
	// FailureThreshold is the consecutive-failure count that suspends a
	// provider.
	FailureThreshold int
	// SuspendTTL is how long a suspension lasts.
	SuspendTTL time.Duration
	// FailTTL expires stale failure counters.
	FailTTL time.Duration
	// IntervalCacheTTL bounds how long a provider's configured interval is
	// reused before asking the source again.
	IntervalCacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.SuspendTTL == 0 {
		c.SuspendTTL = 10 * time.Minute
	}
	if c.FailTTL == 0 {
		c.FailTTL = 24 * time.Hour
	}
	if c.IntervalCacheTTL == 0 {
		c.IntervalCacheTTL = time.Minute
	}
	return c
}

// SuspendHook is called synchronously after a provider transitions into
// suspension. Hooks migrate queued work and pause affected tasks.
type SuspendHook func(ctx context.Context, provider string)

type cachedInterval struct {
	value     float64
	fetchedAt time.Time
}

// Throttle coordinates failure counting, suspension and rate limiting.
type Throttle struct {
	kv        *kv.Client
	intervals IntervalSource
	cfg       Config
	logger    *slog.Logger

	mu            sync.Mutex
	intervalCache map[string]cachedInterval
	localLastReq  map[string]float64
	hooks         []SuspendHook
}

// New builds a Throttle. intervals may be nil, in which case every provider
// is unlimited until a source is attached.
func New(kvc *kv.Client, intervals IntervalSource, cfg Config, logger *slog.Logger) *Throttle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttle{
		kv:            kvc,
		intervals:     intervals,
		cfg:           cfg.withDefaults(),
		logger:        logger.With("component", "throttle"),
		intervalCache: make(map[string]cachedInterval),
		localLastReq:  make(map[string]float64),
	}
}

// OnSuspend registers a suspension hook.
func (t *Throttle) OnSuspend(h SuspendHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, h)
}

// SetIntervalSource attaches the interval source after construction, which
// breaks the build-order knot between throttle and provider registry.
func (t *Throttle) SetIntervalSource(src IntervalSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.intervals = src
}

// IsSuspended reports whether suspend:P currently exists.
func (t *Throttle) IsSuspended(ctx context.Context, provider string) (bool, error) {
	n, err := t.kv.DB().Exists(ctx, suspendPrefix+provider).Result()
	if err != nil {
		return false, fmt.Errorf("check suspension: %w", err)
	}
	return n > 0, nil
}

// SuspendedFor returns the remaining suspension time, zero when the
// provider is not suspended.
func (t *Throttle) SuspendedFor(ctx context.Context, provider string) (time.Duration, error) {
	d, err := t.kv.DB().TTL(ctx, suspendPrefix+provider).Result()
	if err != nil {
		return 0, fmt.Errorf("suspension ttl: %w", err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// FailureCount returns the current consecutive-failure count.
func (t *Throttle) FailureCount(ctx context.Context, provider string) (int64, error) {
	v, err := t.kv.DB().Get(ctx, failPrefix+provider).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failure count: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse failure count %q: %w", v, err)
	}
	return n, nil
}

// IncrementFailure records one failed request. When the count reaches the
// threshold the provider is suspended, the counter resets, and suspend
// hooks fire. An already-suspended provider is left untouched.
func (t *Throttle) IncrementFailure(ctx context.Context, provider string) (count int64, suspendedNow bool, err error) {
	suspended, err := t.IsSuspended(ctx, provider)
	if err != nil {
		return 0, false, err
	}
	if suspended {
		return 0, true, nil
	}

	key := failPrefix + provider
	pipe := t.kv.DB().TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, t.cfg.FailTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("increment failures: %w", err)
	}
	count = incr.Val()
	t.logger.Warn("provider failure recorded", "provider", provider, "consecutive", count)

	if count < int64(t.cfg.FailureThreshold) {
		return count, false, nil
	}
	if err := t.Suspend(ctx, provider); err != nil {
		return count, false, err
	}
	return count, true, nil
}

// ResetFailures clears the consecutive-failure counter after a success.
func (t *Throttle) ResetFailures(ctx context.Context, provider string) error {
	if err := t.kv.DB().Del(ctx, failPrefix+provider).Err(); err != nil {
		return fmt.Errorf("reset failures: %w", err)
	}
	return nil
}

// Suspend marks a provider unusable for the configured TTL, resets its
// failure counter and fires the registered hooks.
func (t *Throttle) Suspend(ctx context.Context, provider string) error {
	pipe := t.kv.DB().TxPipeline()
	pipe.Set(ctx, suspendPrefix+provider, "1", t.cfg.SuspendTTL)
	pipe.Del(ctx, failPrefix+provider)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("suspend provider: %w", err)
	}
	t.logger.Warn("provider suspended", "provider", provider, "ttl", t.cfg.SuspendTTL)

	t.mu.Lock()
	hooks := make([]SuspendHook, len(t.hooks))
	copy(hooks, t.hooks)
	t.mu.Unlock()
	for _, h := range hooks {
		h(ctx, provider)
	}
	return nil
}

// Resume lifts a suspension early.
func (t *Throttle) Resume(ctx context.Context, provider string) error {
	if err := t.kv.DB().Del(ctx, suspendPrefix+provider).Err(); err != nil {
		return fmt.Errorf("resume provider: %w", err)
	}
	t.logger.Info("provider resumed", "provider", provider)
	return nil
}

// TryAcquirePermit atomically claims the next request slot for a provider.
// When denied it reports how long the caller should wait before retrying.
func (t *Throttle) TryAcquirePermit(ctx context.Context, provider string) (bool, time.Duration, error) {
	interval, err := t.interval(ctx, provider)
	if err != nil {
		return false, 0, err
	}
	if interval <= 0 {
		return true, 0, nil
	}

	now := float64(time.Now().UnixNano()) / 1e9
	res, err := permitScript.Run(ctx, t.kv.DB(),
		[]string{lastReqPrefix + provider},
		strconv.FormatFloat(now, 'f', 6, 64),
		strconv.FormatFloat(interval, 'f', 6, 64),
		int(t.cfg.FailTTL.Seconds()),
	).Result()
	if err != nil {
		t.logger.Warn("permit script unavailable, using local limiter", "provider", provider, "error", err)
		return t.localPermit(provider, now, interval), 0, nil
	}

	reply, ok := res.([]any)
	if !ok || len(reply) != 2 {
		return false, 0, fmt.Errorf("unexpected permit reply %v", res)
	}
	granted, _ := reply[0].(int64)
	if granted == 1 {
		return true, 0, nil
	}
	waitStr, _ := reply[1].(string)
	waitSec, err := strconv.ParseFloat(waitStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse wait %q: %w", waitStr, err)
	}
	return false, time.Duration(waitSec * float64(time.Second)), nil
}

// localPermit is the best-effort fallback: atomic within this process only.
func (t *Throttle) localPermit(provider string, now, interval float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.localLastReq[provider]
	if !ok || now-last >= interval {
		t.localLastReq[provider] = now
		return true
	}
	return false
}

func (t *Throttle) interval(ctx context.Context, provider string) (float64, error) {
	t.mu.Lock()
	cached, ok := t.intervalCache[provider]
	src := t.intervals
	ttl := t.cfg.IntervalCacheTTL
	t.mu.Unlock()

	if ok && time.Since(cached.fetchedAt) < ttl {
		return cached.value, nil
	}
	if src == nil {
		return 0, nil
	}
	v, err := src.RateLimitInterval(ctx, provider)
	if err != nil {
		if ok {
			// Stale beats unavailable.
			return cached.value, nil
		}
		return 0, fmt.Errorf("rate limit interval for %s: %w", provider, err)
	}
	t.mu.Lock()
	t.intervalCache[provider] = cachedInterval{value: v, fetchedAt: time.Now()}
	t.mu.Unlock()
	return v, nil
}
