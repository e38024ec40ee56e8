// Package queue implements the per-provider two-level task queues.
//
// Every provider P owns a long-term backlog `main:P` and a small working
// set `active:P` that workers block-pop from. The scheduler promotes
// entries from main to active in fixed-size batches, and only when the
// active batch has fully drained. Keeping the working set small limits
// the blast radius of a bad provider and leaves the backlog free for
// admin operations while a batch is in flight.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loregraph/loregraph/internal/kv"
)

// RulesProvider is the synthetic provider served without an AI client.
// Entries with no provider land here.
const RulesProvider = "rules"

const (
	mainPrefix   = "main:"
	activePrefix = "active:"
	metaPrefix   = "batch_meta:"

	// DefaultBatchSize bounds one promotion from main to active.
	DefaultBatchSize = 10
	// DefaultPopTimeout bounds a worker's blocking pop so shutdown and
	// heartbeat checks are never starved.
	DefaultPopTimeout = 3 * time.Second

	batchMetaTTL = 24 * time.Hour
)

// Entry is one queued unit of work.
type Entry struct {
	TaskID   int64  `json:"task_id"`
	Provider string `json:"provider"`
}

// Rebalance strategies.
const (
	StrategyShortest   = "shortest"
	StrategyRoundRobin = "round_robin"
)

// loadBatchScript promotes up to ARGV[1] entries from the head of main
// to the head of active in one atomic step. A non-empty active batch
// means another promoter won; return 0 without touching anything.
// LPOP+LPUSH keeps overall FIFO order because workers pop from the
// opposite end.
var loadBatchScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) > 0 then
	return 0
end
local moved = 0
for i = 1, tonumber(ARGV[1]) do
	local item = redis.call('LPOP', KEYS[2])
	if not item then
		break
	end
	redis.call('LPUSH', KEYS[1], item)
	moved = moved + 1
end
if moved > 0 then
	redis.call('HSET', KEYS[3], 'loaded_at', ARGV[2], 'task_count', moved, 'provider', ARGV[3])
	redis.call('EXPIRE', KEYS[3], ARGV[4])
end
return moved
`)

// Config tunes the queue layer.
type Config struct {
	BatchSize  int
	PopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = DefaultPopTimeout
	}
	return c
}

// Queues is the KV-backed queue layer shared by the scheduler, the
// workers and the admin surface.
type Queues struct {
	kv     *kv.Client
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex
	rr uint64
}

// New creates the queue layer.
func New(kvc *kv.Client, cfg Config, logger *slog.Logger) *Queues {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queues{
		kv:     kvc,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "queue"),
	}
}

// Normalize canonicalizes a provider name for use in queue keys.
func Normalize(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		return RulesProvider
	}
	return p
}

func mainKey(provider string) string   { return mainPrefix + Normalize(provider) }
func activeKey(provider string) string { return activePrefix + Normalize(provider) }
func metaKey(provider string) string   { return metaPrefix + Normalize(provider) }

// EnqueueMain appends a task to the provider's backlog.
func (q *Queues) EnqueueMain(ctx context.Context, taskID int64, provider string) error {
	provider = Normalize(provider)
	payload, err := json.Marshal(Entry{TaskID: taskID, Provider: provider})
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if err := q.kv.DB().RPush(ctx, mainKey(provider), payload).Err(); err != nil {
		return fmt.Errorf("enqueue task %d to %s: %w", taskID, provider, err)
	}
	q.logger.Debug("enqueued task", "task_id", taskID, "provider", provider)
	return nil
}

// LoadNextBatch moves up to limit entries from the backlog into the
// active batch. It returns 0 when the active batch is not yet drained,
// so concurrent callers race harmlessly: exactly one moves entries.
// limit <= 0 uses the configured batch size.
func (q *Queues) LoadNextBatch(ctx context.Context, provider string, limit int) (int, error) {
	provider = Normalize(provider)
	if limit <= 0 {
		limit = q.cfg.BatchSize
	}
	keys := []string{activeKey(provider), mainKey(provider), metaKey(provider)}
	args := []any{
		limit,
		strconv.FormatInt(time.Now().Unix(), 10),
		provider,
		int(batchMetaTTL / time.Second),
	}
	n, err := loadBatchScript.Run(ctx, q.kv.DB(), keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("load batch for %s: %w", provider, err)
	}
	if n > 0 {
		q.logger.Info("loaded batch", "provider", provider, "count", n)
	}
	return n, nil
}

// PopActive block-pops one entry from the provider's active batch.
// Returns (nil, nil) when the timeout elapses with no work. timeout <= 0
// uses the configured default.
func (q *Queues) PopActive(ctx context.Context, provider string, timeout time.Duration) (*Entry, error) {
	provider = Normalize(provider)
	if timeout <= 0 {
		timeout = q.cfg.PopTimeout
	}
	res, err := q.kv.Blocking().BRPop(ctx, timeout, activeKey(provider)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop active for %s: %w", provider, err)
	}
	// BRPOP replies [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("pop active for %s: unexpected reply length %d", provider, len(res))
	}
	var e Entry
	if err := json.Unmarshal([]byte(res[1]), &e); err != nil {
		return nil, fmt.Errorf("decode queue entry %q: %w", res[1], err)
	}
	return &e, nil
}

// MainLen returns the backlog length.
func (q *Queues) MainLen(ctx context.Context, provider string) (int64, error) {
	return q.kv.DB().LLen(ctx, mainKey(provider)).Result()
}

// ActiveLen returns the active batch length.
func (q *Queues) ActiveLen(ctx context.Context, provider string) (int64, error) {
	return q.kv.DB().LLen(ctx, activeKey(provider)).Result()
}

// CombinedLen returns main plus active length, the load figure used for
// provider selection.
func (q *Queues) CombinedLen(ctx context.Context, provider string) (int64, error) {
	m, err := q.MainLen(ctx, provider)
	if err != nil {
		return 0, err
	}
	a, err := q.ActiveLen(ctx, provider)
	if err != nil {
		return 0, err
	}
	return m + a, nil
}

// PurgeMain clears the backlog and returns how many entries were dropped.
func (q *Queues) PurgeMain(ctx context.Context, provider string) (int64, error) {
	return q.purgeKey(ctx, mainKey(provider))
}

// PurgeActive clears the active batch and returns how many entries were
// dropped.
func (q *Queues) PurgeActive(ctx context.Context, provider string) (int64, error) {
	return q.purgeKey(ctx, activeKey(provider))
}

// Purge clears both queues and the batch metadata for a provider.
func (q *Queues) Purge(ctx context.Context, provider string) (int64, error) {
	m, err := q.PurgeMain(ctx, provider)
	if err != nil {
		return m, err
	}
	a, err := q.PurgeActive(ctx, provider)
	if err != nil {
		return m + a, err
	}
	if err := q.kv.DB().Del(ctx, metaKey(provider)).Err(); err != nil {
		return m + a, fmt.Errorf("purge batch meta for %s: %w", provider, err)
	}
	return m + a, nil
}

func (q *Queues) purgeKey(ctx context.Context, key string) (int64, error) {
	n, err := q.kv.DB().LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", key, err)
	}
	if err := q.kv.DB().Del(ctx, key).Err(); err != nil {
		return 0, fmt.Errorf("purge %s: %w", key, err)
	}
	if n > 0 {
		q.logger.Info("purged queue", "key", key, "dropped", n)
	}
	return n, nil
}

// Snapshot is a point-in-time diagnostic view of one provider's queues.
type Snapshot struct {
	Provider  string            `json:"provider"`
	MainLen   int64             `json:"main_len"`
	ActiveLen int64             `json:"active_len"`
	Main      []Entry           `json:"main,omitempty"`
	Active    []Entry           `json:"active,omitempty"`
	BatchMeta map[string]string `json:"batch_meta,omitempty"`
}

// Snapshot reads both queues and the batch metadata. Not atomic; meant
// for status commands, not decisions.
func (q *Queues) Snapshot(ctx context.Context, provider string) (*Snapshot, error) {
	provider = Normalize(provider)
	s := &Snapshot{Provider: provider}

	var err error
	if s.Main, err = q.readList(ctx, mainKey(provider)); err != nil {
		return nil, err
	}
	if s.Active, err = q.readList(ctx, activeKey(provider)); err != nil {
		return nil, err
	}
	s.MainLen = int64(len(s.Main))
	s.ActiveLen = int64(len(s.Active))

	meta, err := q.kv.DB().HGetAll(ctx, metaKey(provider)).Result()
	if err != nil {
		return nil, fmt.Errorf("read batch meta for %s: %w", provider, err)
	}
	if len(meta) > 0 {
		s.BatchMeta = meta
	}
	return s, nil
}

func (q *Queues) readList(ctx context.Context, key string) ([]Entry, error) {
	raw, err := q.kv.DB().LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			q.logger.Warn("skipping undecodable queue entry", "key", key, "raw", item)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// QueuedProviders lists providers that currently hold entries in either
// queue level.
func (q *Queues) QueuedProviders(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, prefix := range []string{mainPrefix, activePrefix} {
		keys, err := q.kv.ScanKeys(ctx, prefix+"*")
		if err != nil {
			return nil, fmt.Errorf("scan queues: %w", err)
		}
		for _, k := range keys {
			seen[strings.TrimPrefix(k, prefix)] = true
		}
	}
	providers := make([]string, 0, len(seen))
	for p := range seen {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers, nil
}

// RebalanceResult reports what a Rebalance call moved.
type RebalanceResult struct {
	Moved      int            `json:"moved"`
	Dropped    int            `json:"dropped"`
	SourceLeft int64          `json:"source_left"`
	Targets    map[string]int `json:"targets"`
}

// Rebalance drains the source provider's active batch and backlog and
// redistributes every entry to the targets' backlogs, rewriting the
// provider field on the way. The source and rules are excluded from the
// targets unless nothing else remains. Entries are moved one at a time,
// so a crash mid-migration leaves the remainder in the source queues for
// a later call to finish.
func (q *Queues) Rebalance(ctx context.Context, source string, targets []string, strategy string) (*RebalanceResult, error) {
	source = Normalize(source)
	res := &RebalanceResult{Targets: make(map[string]int)}

	eligible := make([]string, 0, len(targets))
	fallback := make([]string, 0, len(targets))
	for _, t := range targets {
		t = Normalize(t)
		if t == source {
			continue
		}
		fallback = append(fallback, t)
		if t != RulesProvider {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		eligible = fallback
	}
	if len(eligible) == 0 {
		left, err := q.CombinedLen(ctx, source)
		if err != nil {
			return nil, err
		}
		res.SourceLeft = left
		q.logger.Warn("rebalance skipped, no targets", "source", source)
		return res, nil
	}
	sort.Strings(eligible)

	// Active entries first so in-flight work resumes ahead of the backlog.
	for _, key := range []string{activeKey(source), mainKey(source)} {
		if err := q.drainInto(ctx, key, eligible, strategy, res); err != nil {
			return res, err
		}
	}

	left, err := q.CombinedLen(ctx, source)
	if err != nil {
		return res, err
	}
	res.SourceLeft = left
	q.logger.Info("rebalanced queues",
		"source", source, "moved", res.Moved, "dropped", res.Dropped, "targets", res.Targets)
	return res, nil
}

func (q *Queues) drainInto(ctx context.Context, key string, targets []string, strategy string, res *RebalanceResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := q.kv.DB().LPop(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("drain %s: %w", key, err)
		}

		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			q.logger.Warn("dropping undecodable entry during rebalance", "key", key, "raw", raw)
			res.Dropped++
			continue
		}

		target := q.pickTarget(ctx, targets, strategy)
		if err := q.EnqueueMain(ctx, e.TaskID, target); err != nil {
			return err
		}
		res.Targets[target]++
		res.Moved++
	}
}

func (q *Queues) pickTarget(ctx context.Context, targets []string, strategy string) string {
	if len(targets) == 1 {
		return targets[0]
	}
	if strategy == StrategyRoundRobin {
		q.mu.Lock()
		target := targets[q.rr%uint64(len(targets))]
		q.rr++
		q.mu.Unlock()
		return target
	}
	// Shortest combined queue, re-read per entry so the spread stays even.
	best := targets[0]
	bestLen := int64(-1)
	for _, t := range targets {
		n, err := q.CombinedLen(ctx, t)
		if err != nil {
			q.logger.Warn("queue length unavailable during rebalance", "provider", t, "error", err)
			continue
		}
		if bestLen < 0 || n < bestLen {
			best, bestLen = t, n
		}
	}
	return best
}

// ChooseProvider picks the queue for a new task: the usable candidate
// with the shortest combined backlog, round-robin between ties. Rules is
// returned when the task does not use AI or when no candidate is usable.
// The unusable predicate typically reports throttle suspensions.
func (q *Queues) ChooseProvider(ctx context.Context, useAI bool, candidates []string, unusable func(string) bool) string {
	if !useAI {
		return RulesProvider
	}

	type load struct {
		name string
		n    int64
	}
	loads := make([]load, 0, len(candidates))
	for _, c := range candidates {
		c = Normalize(c)
		if c == RulesProvider {
			continue
		}
		if unusable != nil && unusable(c) {
			continue
		}
		n, err := q.CombinedLen(ctx, c)
		if err != nil {
			q.logger.Warn("queue length unavailable during selection", "provider", c, "error", err)
			n = 0
		}
		loads = append(loads, load{name: c, n: n})
	}
	if len(loads) == 0 {
		return RulesProvider
	}

	sort.Slice(loads, func(i, j int) bool {
		if loads[i].n != loads[j].n {
			return loads[i].n < loads[j].n
		}
		return loads[i].name < loads[j].name
	})
	tied := 1
	for tied < len(loads) && loads[tied].n == loads[0].n {
		tied++
	}
	if tied == 1 {
		return loads[0].name
	}
	q.mu.Lock()
	pick := loads[q.rr%uint64(tied)].name
	q.rr++
	q.mu.Unlock()
	return pick
}
