// Package progress publishes and consumes task progress events.
//
// Workers publish one event per chapter outcome on a well-known pub/sub
// channel; a single subscriber process fans them out to clients. The
// channel gives at-least-once delivery with no ordering guarantee, so
// consumers drop anything not newer than what they have already seen
// for a task.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/loregraph/loregraph/internal/kv"
	"github.com/loregraph/loregraph/internal/store"
)

// Channel is the pub/sub channel carrying task progress.
const Channel = "kg_progress"

// EventType identifies the one message type on the channel.
const EventType = "kg_task_progress"

// Event is the wire format of one progress update.
type Event struct {
	Type      string    `json:"type"`
	TaskID    int64     `json:"task_id"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FromTask builds the progress event for a task's current counters.
// Progress is rounded to one decimal place.
func FromTask(t *store.Task) Event {
	return Event{
		Type:      EventType,
		TaskID:    t.ID,
		Status:    string(t.Status),
		Progress:  math.Round(t.Progress()*10) / 10,
		Completed: t.CompletedChapters,
		Failed:    t.FailedChapters,
		Total:     t.TotalChapters,
		UpdatedAt: t.UpdatedAt,
	}
}

// Publisher emits progress events.
type Publisher struct {
	kv     *kv.Client
	logger *slog.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(kvc *kv.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{kv: kvc, logger: logger.With("component", "progress")}
}

// TaskProgress publishes one event. Failures must never stall the
// extraction flow; callers log and move on.
func (p *Publisher) TaskProgress(ctx context.Context, e Event) error {
	if e.Type == "" {
		e.Type = EventType
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := p.kv.PubSub().Publish(ctx, Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish progress for task %d: %w", e.TaskID, err)
	}
	p.logger.Debug("published progress",
		"task_id", e.TaskID, "status", e.Status, "progress", e.Progress)
	return nil
}

// Handler consumes deduplicated progress events.
type Handler interface {
	HandleTaskProgress(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Event) error

// HandleTaskProgress calls f.
func (f HandlerFunc) HandleTaskProgress(ctx context.Context, e Event) error { return f(ctx, e) }

// Subscriber consumes the progress channel on a dedicated connection,
// reconnecting with backoff and suppressing duplicates and stale
// out-of-order arrivals per task.
type Subscriber struct {
	kv     *kv.Client
	logger *slog.Logger

	mu     sync.Mutex
	latest map[int64]time.Time
}

// NewSubscriber creates a subscriber.
func NewSubscriber(kvc *kv.Client, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		kv:     kvc,
		logger: logger.With("component", "progress"),
		latest: make(map[int64]time.Time),
	}
}

// Run consumes events until ctx is cancelled, forwarding each accepted
// event to the handler. Handler errors are logged, not fatal.
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.consume(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("progress subscription lost, reconnecting",
			"error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (s *Subscriber) consume(ctx context.Context, h Handler) error {
	pubsub := s.kv.PubSub().Subscribe(ctx, Channel)
	defer pubsub.Close()

	// Wait for the subscription ack so publishes are not raced.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	s.logger.Info("subscribed to progress channel", "channel", Channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				s.logger.Warn("dropping undecodable progress message", "error", err)
				continue
			}
			if e.Type != EventType {
				continue
			}
			if !s.accept(e) {
				continue
			}
			if err := h.HandleTaskProgress(ctx, e); err != nil {
				s.logger.Warn("progress handler failed", "task_id", e.TaskID, "error", err)
			}
		}
	}
}

// accept reports whether this event is newer than anything seen for the
// task. Duplicates and stale arrivals return false.
func (s *Subscriber) accept(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.latest[e.TaskID]
	if ok && !e.UpdatedAt.After(last) {
		return false
	}
	s.latest[e.TaskID] = e.UpdatedAt
	return true
}

// Forget drops the dedupe state for a task, freeing memory once a task
// reaches a terminal status.
func (s *Subscriber) Forget(taskID int64) {
	s.mu.Lock()
	delete(s.latest, taskID)
	s.mu.Unlock()
}
