package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
)

// Upsert op names double as dead-letter entry discriminators, so renaming
// one invalidates entries already spilled.
const (
	opCharacter    = "upsert_character"
	opLocation     = "upsert_location"
	opOrganization = "upsert_organization"
	opEvent        = "upsert_event"
	opChapter      = "upsert_chapter"
	opNovel        = "upsert_novel"
	opPlot         = "upsert_plot"
)

const dlqPrefix = "graph_dlq:"

type dlqEntry struct {
	Op       string         `json:"op"`
	Params   map[string]any `json:"params"`
	FailedAt time.Time      `json:"failed_at"`
}

func dlqKey(taskID int64) string {
	return fmt.Sprintf("%s%d", dlqPrefix, taskID)
}

// spill appends a failed write payload to the task's dead-letter list.
func (s *Store) spill(ctx context.Context, op string, params map[string]any, taskID int64) error {
	data, err := json.Marshal(dlqEntry{Op: op, Params: params, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}
	if err := s.kv.DB().RPush(ctx, dlqKey(taskID), data).Err(); err != nil {
		return fmt.Errorf("push dead-letter entry: %w", err)
	}
	s.logger.Warn("graph write spilled to dead-letter", "op", op, "task_id", taskID)
	return nil
}

// PendingDeadLetters returns the number of spilled writes for a task.
func (s *Store) PendingDeadLetters(ctx context.Context, taskID int64) (int64, error) {
	n, err := s.kv.DB().LLen(ctx, dlqKey(taskID)).Result()
	if err != nil {
		return 0, fmt.Errorf("dead-letter length: %w", err)
	}
	return n, nil
}

// ReplayTask re-executes spilled writes for a task in order. It stops on
// the first write that fails again, pushing that entry back to the front so
// a later replay resumes from the same place. Returns the number replayed.
func (s *Store) ReplayTask(ctx context.Context, taskID int64) (int, error) {
	key := dlqKey(taskID)
	replayed := 0
	for {
		raw, err := s.kv.DB().LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return replayed, nil
		}
		if err != nil {
			return replayed, fmt.Errorf("pop dead-letter entry: %w", err)
		}

		var entry dlqEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Error("dropping unreadable dead-letter entry", "task_id", taskID, "error", err)
			continue
		}
		query, ok := queries[entry.Op]
		if !ok {
			s.logger.Error("dropping dead-letter entry with unknown op", "op", entry.Op)
			continue
		}

		// json round-trips int64 params as float64; the merge keys must
		// come back as integers or they will not match existing nodes.
		coerceIntParams(entry.Params)

		_, err = s.breaker.Execute(func() (any, error) {
			return neo4j.ExecuteQuery(ctx, s.driver, query, entry.Params,
				neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(s.db))
		})
		if err != nil {
			if pushErr := s.kv.DB().LPush(ctx, key, raw).Err(); pushErr != nil {
				s.logger.Error("failed to requeue dead-letter entry", "error", pushErr)
			}
			return replayed, fmt.Errorf("replay %s: %w", entry.Op, err)
		}
		replayed++
	}
}

// DiscardTask drops all spilled writes for a task, used on restart when
// the graph is rebuilt from scratch anyway.
func (s *Store) DiscardTask(ctx context.Context, taskID int64) error {
	if err := s.kv.DB().Del(ctx, dlqKey(taskID)).Err(); err != nil {
		return fmt.Errorf("discard dead-letters: %w", err)
	}
	return nil
}

var integerParams = map[string]bool{
	"id": true, "novel_id": true, "chapter_id": true, "task_id": true, "chapter_number": true,
}

func coerceIntParams(params map[string]any) {
	for k, v := range params {
		if f, ok := v.(float64); ok && integerParams[k] {
			params[k] = int64(f)
		}
	}
}
