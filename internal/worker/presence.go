// Package worker runs provider-bound extraction workers, the process
// pool that spawns them, and the guard loop that heals the system:
// respawning dead workers, reclassifying zombie tasks, enqueueing
// dormant ones and firing due auto-retries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loregraph/loregraph/internal/kv"
)

// Presence key layout. Worker hashes outlive one loop iteration by an
// hour so a long LLM call never drops a live worker off the map; node
// hashes expire fast because a dead node must stop vouching for its
// workers quickly.
const (
	workerPrefix = "worker:"
	nodePrefix   = "nodes:"

	workerTTL = time.Hour
	nodeTTL   = 180 * time.Second
)

// WorkerInfo is one worker presence hash.
type WorkerInfo struct {
	Key           string
	Provider      string
	PID           int
	NodeName      string
	LastHeartbeat time.Time
	TaskID        int64 // 0 when idle
	StartTime     time.Time
}

// NodeInfo is one node presence hash.
type NodeInfo struct {
	Name          string
	NodeID        string
	NodeType      string
	PID           int
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// Presence tracks worker and node liveness through KV hashes.
type Presence struct {
	kv     *kv.Client
	logger *slog.Logger
}

// NewPresence creates the presence tracker.
func NewPresence(kvc *kv.Client, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{kv: kvc, logger: logger.With("component", "presence")}
}

func workerKey(pid int) string { return workerPrefix + strconv.Itoa(pid) }

// RegisterWorker writes this process's worker hash.
func (p *Presence) RegisterWorker(ctx context.Context, provider, nodeName string) error {
	pid := os.Getpid()
	key := workerKey(pid)
	fields := map[string]any{
		"provider":       provider,
		"pid":            strconv.Itoa(pid),
		"node_name":      nodeName,
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
	}
	if err := p.kv.DB().HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("register worker %s: %w", key, err)
	}
	return p.kv.DB().Expire(ctx, key, workerTTL).Err()
}

// Heartbeat refreshes this worker's heartbeat field and TTL.
func (p *Presence) Heartbeat(ctx context.Context) error {
	key := workerKey(os.Getpid())
	if err := p.kv.DB().HSet(ctx, key, "last_heartbeat", time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return err
	}
	return p.kv.DB().Expire(ctx, key, workerTTL).Err()
}

// Claim marks this worker as processing a task.
func (p *Presence) Claim(ctx context.Context, taskID int64) error {
	key := workerKey(os.Getpid())
	return p.kv.DB().HSet(ctx, key,
		"task_id", strconv.FormatInt(taskID, 10),
		"start_time", time.Now().UTC().Format(time.RFC3339),
	).Err()
}

// Unclaim clears the per-task fields after a task reference is done.
func (p *Presence) Unclaim(ctx context.Context) error {
	return p.kv.DB().HDel(ctx, workerKey(os.Getpid()), "task_id", "start_time").Err()
}

// DeregisterWorker removes this process's worker hash on clean shutdown.
func (p *Presence) DeregisterWorker(ctx context.Context) error {
	return p.kv.DB().Del(ctx, workerKey(os.Getpid())).Err()
}

// RemoveWorker deletes a worker hash by key; the guard calls this for
// workers it has established are dead.
func (p *Presence) RemoveWorker(ctx context.Context, key string) error {
	return p.kv.DB().Del(ctx, key).Err()
}

// ListWorkers returns every worker presence hash.
func (p *Presence) ListWorkers(ctx context.Context) ([]WorkerInfo, error) {
	keys, err := p.kv.ScanKeys(ctx, workerPrefix+"*")
	if err != nil {
		return nil, err
	}
	workers := make([]WorkerInfo, 0, len(keys))
	for _, key := range keys {
		fields, err := p.kv.DB().HGetAll(ctx, key).Result()
		if err != nil || len(fields) == 0 {
			continue // expired between scan and read
		}
		workers = append(workers, parseWorker(key, fields))
	}
	return workers, nil
}

func parseWorker(key string, fields map[string]string) WorkerInfo {
	w := WorkerInfo{
		Key:      key,
		Provider: fields["provider"],
		NodeName: fields["node_name"],
	}
	w.PID, _ = strconv.Atoi(fields["pid"])
	if w.PID == 0 {
		// fall back to the key suffix
		w.PID, _ = strconv.Atoi(strings.TrimPrefix(key, workerPrefix))
	}
	w.TaskID, _ = strconv.ParseInt(fields["task_id"], 10, 64)
	w.LastHeartbeat, _ = time.Parse(time.RFC3339, fields["last_heartbeat"])
	w.StartTime, _ = time.Parse(time.RFC3339, fields["start_time"])
	return w
}

// TasksOnProvider lists task ids live workers currently claim for a
// provider. Satisfies the task service's ClaimSource.
func (p *Presence) TasksOnProvider(ctx context.Context, provider string) ([]int64, error) {
	workers, err := p.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, w := range workers {
		if w.Provider == provider && w.TaskID != 0 {
			ids = append(ids, w.TaskID)
		}
	}
	return ids, nil
}

// ClaimedTasks returns the set of task ids any live worker claims.
func (p *Presence) ClaimedTasks(ctx context.Context) (map[int64]bool, error) {
	workers, err := p.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	claimed := make(map[int64]bool)
	for _, w := range workers {
		if w.TaskID != 0 {
			claimed[w.TaskID] = true
		}
	}
	return claimed, nil
}

// NodeHeartbeat writes this host's node hash. Called by the guard every
// cycle; the TTL tolerates a few missed beats.
func (p *Presence) NodeHeartbeat(ctx context.Context, name, nodeID, nodeType string, workersPerProvider int) error {
	key := nodePrefix + name
	now := time.Now().UTC().Format(time.RFC3339)
	fields := map[string]any{
		"node_id":              nodeID,
		"node_type":            nodeType,
		"pid":                  strconv.Itoa(os.Getpid()),
		"workers_per_provider": strconv.Itoa(workersPerProvider),
		"last_heartbeat":       now,
	}
	started, err := p.kv.DB().HGet(ctx, key, "started_at").Result()
	if errors.Is(err, redis.Nil) || started == "" {
		fields["started_at"] = now
	}
	if err := p.kv.DB().HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("node heartbeat %s: %w", key, err)
	}
	return p.kv.DB().Expire(ctx, key, nodeTTL).Err()
}

// NodeAlive reports whether a node's hash still exists.
func (p *Presence) NodeAlive(ctx context.Context, name string) (bool, error) {
	n, err := p.kv.DB().Exists(ctx, nodePrefix+name).Result()
	return n > 0, err
}

// ListNodes returns every live node hash.
func (p *Presence) ListNodes(ctx context.Context) ([]NodeInfo, error) {
	keys, err := p.kv.ScanKeys(ctx, nodePrefix+"*")
	if err != nil {
		return nil, err
	}
	nodes := make([]NodeInfo, 0, len(keys))
	for _, key := range keys {
		fields, err := p.kv.DB().HGetAll(ctx, key).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		n := NodeInfo{
			Name:     strings.TrimPrefix(key, nodePrefix),
			NodeID:   fields["node_id"],
			NodeType: fields["node_type"],
		}
		n.PID, _ = strconv.Atoi(fields["pid"])
		n.StartedAt, _ = time.Parse(time.RFC3339, fields["started_at"])
		n.LastHeartbeat, _ = time.Parse(time.RFC3339, fields["last_heartbeat"])
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// RemoveNode deletes a node hash on clean shutdown.
func (p *Presence) RemoveNode(ctx context.Context, name string) error {
	return p.kv.DB().Del(ctx, nodePrefix+name).Err()
}
