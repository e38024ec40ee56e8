// Package tasks coordinates the lifecycle of extraction tasks: creation,
// the status state machine, per-chapter bookkeeping, retry and restart.
//
// Every multi-row update runs in one database transaction so a crash
// between steps never leaves a task half-updated. Queue and graph side
// effects happen outside the transaction and are safe to repeat.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/loregraph/loregraph/internal/metrics"
	"github.com/loregraph/loregraph/internal/progress"
	"github.com/loregraph/loregraph/internal/queue"
	"github.com/loregraph/loregraph/internal/store"
)

// DefaultRetryMinutes is the auto-retry interval used when a task is
// created without an explicit one.
const DefaultRetryMinutes = 30

var (
	// ErrInvalidTransition reports a status change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrChapterNotPending reports a claim on a chapter that another
	// worker already took or that is past pending.
	ErrChapterNotPending = errors.New("chapter is not pending")
)

// Reasons a TryStart can refuse to promote a task.
const (
	ReasonTaskNotFound     = "task_not_found"
	ReasonAlreadyRunning   = "already_running"
	ReasonAlreadyCompleted = "already_completed"
	ReasonCancelled        = "cancelled"
)

// allowedTransitions is the task state machine. Restart and Resume are
// compound operations with their own entry points and do not go through
// this table.
var allowedTransitions = map[store.TaskStatus]map[store.TaskStatus]bool{
	store.TaskCreated:   {store.TaskRunning: true, store.TaskFailed: true, store.TaskCompleted: true, store.TaskCancelled: true},
	store.TaskRunning:   {store.TaskPaused: true, store.TaskFailed: true, store.TaskCompleted: true, store.TaskCancelled: true},
	store.TaskPaused:    {store.TaskRunning: true, store.TaskFailed: true, store.TaskCancelled: true},
	store.TaskFailed:    {store.TaskRunning: true, store.TaskCancelled: true},
	store.TaskCompleted: {store.TaskRunning: true},
	store.TaskCancelled: {},
}

// GraphCleaner is the slice of the graph layer that Restart and Delete
// need. The graph store satisfies it.
type GraphCleaner interface {
	RemoveTaskNodes(ctx context.Context, taskID int64) (int64, error)
	DiscardTask(ctx context.Context, taskID int64) error
}

// ClaimSource reports which tasks live workers currently hold for a
// provider. The worker presence layer satisfies it.
type ClaimSource interface {
	TasksOnProvider(ctx context.Context, provider string) ([]int64, error)
}

// ProviderChooser picks the queue a dispatched task should land on.
type ProviderChooser func(ctx context.Context, useAI bool) string

// Service owns all task state changes. Workers, the guard, the HTTP API
// and the CLI all go through it rather than touching rows directly.
type Service struct {
	store  *store.Store
	graph  GraphCleaner
	queues *queue.Queues
	pub    *progress.Publisher
	choose ProviderChooser
	logger *slog.Logger

	claims ClaimSource
}

// New builds the service. graph, queues, pub and choose may be nil; the
// operations needing them degrade as documented.
func New(st *store.Store, graph GraphCleaner, queues *queue.Queues, pub *progress.Publisher, choose ProviderChooser, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		graph:  graph,
		queues: queues,
		pub:    pub,
		choose: choose,
		logger: logger.With("component", "tasks"),
	}
}

// SetClaimSource wires the worker presence lookup after construction.
// The worker layer depends on this service, so the reference cannot be
// passed to New without a cycle.
func (s *Service) SetClaimSource(cs ClaimSource) { s.claims = cs }

// CreateParams describes a new extraction task.
type CreateParams struct {
	Name                 string
	NovelID              int64
	ChapterIDs           []int64 // nil means every chapter of the novel
	UseAI                bool
	AutoRetry            bool
	RetryIntervalMinutes int
}

// Create inserts the task and one status row per chapter in a single
// transaction. A task over zero chapters is completed on the spot instead
// of being parked in a queue it could never leave.
func (s *Service) Create(ctx context.Context, p CreateParams) (*store.Task, error) {
	novel, err := s.store.GetNovel(ctx, p.NovelID)
	if err != nil {
		return nil, err
	}
	chapterIDs := p.ChapterIDs
	if len(chapterIDs) == 0 {
		chapterIDs, err = s.store.ListChapterIDs(ctx, p.NovelID)
		if err != nil {
			return nil, err
		}
	}
	name := p.Name
	if name == "" {
		name = fmt.Sprintf("%s knowledge graph", novel.Title)
	}
	interval := p.RetryIntervalMinutes
	if interval <= 0 {
		interval = DefaultRetryMinutes
	}
	t := &store.Task{
		TaskName:             name,
		NovelID:              p.NovelID,
		UseAI:                p.UseAI,
		TotalChapters:        len(chapterIDs),
		AutoRetryEnabled:     p.AutoRetry,
		RetryIntervalMinutes: interval,
	}
	if p.ChapterIDs != nil {
		t.ChapterIDs = store.Int64List(p.ChapterIDs)
	}
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.CreateTask(ctx, tx, t); err != nil {
			return err
		}
		if len(chapterIDs) == 0 {
			if err := s.store.MarkTaskCompleted(ctx, tx, t.ID); err != nil {
				return err
			}
			t.Status = store.TaskCompleted
			return nil
		}
		return s.store.InitChapterStatuses(ctx, tx, t.ID, chapterIDs)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("created task",
		"task_id", t.ID, "novel_id", p.NovelID, "chapters", len(chapterIDs), "use_ai", p.UseAI)
	return t, nil
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, id int64) (*store.Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns tasks matching the filter, newest first.
func (s *Service) List(ctx context.Context, f store.TaskFilter) ([]store.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// Chapters returns the per-chapter status rows of a task.
func (s *Service) Chapters(ctx context.Context, taskID int64) ([]store.ChapterStatus, error) {
	return s.store.ListChapterStatuses(ctx, taskID)
}

// PendingChapters lists the chapters still waiting, in processing order.
func (s *Service) PendingChapters(ctx context.Context, taskID int64) ([]int64, error) {
	return s.store.ListChapterIDsByState(ctx, taskID, store.ChapterPending)
}

// Dispatch picks a provider for a dormant task and appends it to that
// provider's backlog. The scheduler takes it from there.
func (s *Service) Dispatch(ctx context.Context, id int64) (string, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	if t.Status != store.TaskCreated && t.Status != store.TaskPaused {
		return "", fmt.Errorf("task %d is %s, only created or paused tasks can be queued", id, t.Status)
	}
	if s.queues == nil {
		return "", errors.New("queue layer not configured")
	}
	provider := queue.RulesProvider
	if s.choose != nil {
		provider = s.choose(ctx, t.UseAI)
	}
	if err := s.queues.EnqueueMain(ctx, id, provider); err != nil {
		return "", err
	}
	s.logger.Info("queued task", "task_id", id, "provider", provider)
	return provider, nil
}

// TryStart atomically promotes a dormant task to running. The row stays
// locked for the duration, so two workers popping duplicate queue entries
// cannot both win; the loser gets ok=false and a machine-readable reason.
func (s *Service) TryStart(ctx context.Context, id int64) (bool, string, error) {
	var (
		ok     bool
		reason string
	)
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskForUpdate(ctx, tx, id)
		if errors.Is(err, store.ErrNotFound) {
			reason = ReasonTaskNotFound
			return nil
		}
		if err != nil {
			return err
		}
		switch t.Status {
		case store.TaskRunning:
			reason = ReasonAlreadyRunning
		case store.TaskCompleted:
			reason = ReasonAlreadyCompleted
		case store.TaskCancelled:
			reason = ReasonCancelled
		default: // created, paused, failed
			if err := s.store.MarkTaskRunning(ctx, tx, id); err != nil {
				return err
			}
			ok = true
		}
		return nil
	})
	return ok, reason, err
}

// UpdateStatus moves a task through the state machine, applying the side
// effects each target state carries. Transitions outside the machine
// return ErrInvalidTransition.
func (s *Service) UpdateStatus(ctx context.Context, id int64, target store.TaskStatus, errMsg string) error {
	return s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status == target {
			return nil
		}
		if !allowedTransitions[t.Status][target] {
			return fmt.Errorf("%s to %s: %w", t.Status, target, ErrInvalidTransition)
		}
		switch target {
		case store.TaskRunning:
			return s.store.MarkTaskRunning(ctx, tx, id)
		case store.TaskPaused:
			return s.store.MarkTaskPaused(ctx, tx, id)
		case store.TaskCompleted:
			return s.store.MarkTaskCompleted(ctx, tx, id)
		case store.TaskFailed:
			if errMsg == "" {
				errMsg = "task failed"
			}
			return s.store.MarkTaskFailed(ctx, tx, id, errMsg)
		case store.TaskCancelled:
			return s.store.MarkTaskCancelled(ctx, tx, id)
		default:
			return fmt.Errorf("%s to %s: %w", t.Status, target, ErrInvalidTransition)
		}
	})
}

// Cancel stops a task for good. Queue entries left behind are harmless:
// TryStart refuses cancelled tasks when a worker pops one.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	return s.UpdateStatus(ctx, id, store.TaskCancelled, "")
}

// Pause suspends a running task.
func (s *Service) Pause(ctx context.Context, id int64) error {
	return s.UpdateStatus(ctx, id, store.TaskPaused, "")
}

// Resume returns a paused task to created and puts it back on a provider
// queue so the next worker picks it up.
func (s *Service) Resume(ctx context.Context, id int64) error {
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != store.TaskPaused {
			return fmt.Errorf("%s to %s: %w", t.Status, store.TaskCreated, ErrInvalidTransition)
		}
		return s.store.MarkTaskCreated(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	_, err = s.Dispatch(ctx, id)
	return err
}

// UpdateChapterStatus records a chapter state change and refreshes the
// task's aggregate counters in the same transaction, so the counters can
// never drift from the rows they summarize.
func (s *Service) UpdateChapterStatus(ctx context.Context, taskID, chapterID int64, state store.ChapterState, errMsg string) error {
	return s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		switch state {
		case store.ChapterRunning:
			claimed, err := s.store.ClaimChapter(ctx, tx, taskID, chapterID)
			if err != nil {
				return err
			}
			if !claimed {
				return fmt.Errorf("chapter %d of task %d: %w", chapterID, taskID, ErrChapterNotPending)
			}
			cur := sql.NullInt64{Int64: chapterID, Valid: true}
			if err := s.store.SetCurrentChapter(ctx, tx, taskID, cur); err != nil {
				return err
			}
		case store.ChapterCompleted:
			if err := s.store.CompleteChapter(ctx, tx, taskID, chapterID, 0, 0); err != nil {
				return err
			}
		case store.ChapterFailed:
			if errMsg == "" {
				errMsg = "chapter failed"
			}
			if err := s.store.FailChapter(ctx, tx, taskID, chapterID, errMsg); err != nil {
				return err
			}
			if err := s.store.SetTaskError(ctx, tx, taskID, errMsg, chapterID); err != nil {
				return err
			}
		case store.ChapterSkipped:
			if err := s.store.SkipChapter(ctx, tx, taskID, chapterID, errMsg); err != nil {
				return err
			}
		case store.ChapterPending:
			if err := s.store.ReleaseChapter(ctx, tx, taskID, chapterID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown chapter state %q", state)
		}
		return s.refreshCounters(ctx, tx, taskID)
	})
}

// CompleteChapter records the outcome of one extracted chapter. When the
// graph write failed the chapter counts as failed even though extraction
// succeeded, so a retry will run it against the graph again.
func (s *Service) CompleteChapter(ctx context.Context, taskID, chapterID int64, entities, relations int, graphOK bool, graphErr string) error {
	return s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if graphOK {
			if err := s.store.CompleteChapter(ctx, tx, taskID, chapterID, entities, relations); err != nil {
				return err
			}
			if err := s.store.AddTaskTotals(ctx, tx, taskID, entities, relations); err != nil {
				return err
			}
		} else {
			msg := "graph write failed"
			if graphErr != "" {
				msg = "graph write failed: " + graphErr
			}
			if err := s.store.FailChapter(ctx, tx, taskID, chapterID, msg); err != nil {
				return err
			}
			if err := s.store.SetTaskError(ctx, tx, taskID, msg, chapterID); err != nil {
				return err
			}
		}
		return s.refreshCounters(ctx, tx, taskID)
	})
}

// FinalizeIfDone closes out a running task once no chapter is pending or
// running. The task completes only when every single chapter completed;
// anything less is a failure, which keeps retry and restart available.
func (s *Service) FinalizeIfDone(ctx context.Context, taskID int64) (store.TaskStatus, bool, error) {
	var (
		final store.TaskStatus
		done  bool
	)
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != store.TaskRunning {
			return nil
		}
		counts, err := s.store.CountChapterStates(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if counts.Pending > 0 || counts.Running > 0 {
			return nil
		}
		if err := s.store.UpdateTaskCounters(ctx, tx, taskID, counts); err != nil {
			return err
		}
		if counts.Completed == counts.Total() {
			if err := s.store.MarkTaskCompleted(ctx, tx, taskID); err != nil {
				return err
			}
			final = store.TaskCompleted
		} else {
			msg := fmt.Sprintf("%d of %d chapters did not complete", counts.Total()-counts.Completed, counts.Total())
			if t.ErrorMessage.Valid && t.ErrorMessage.String != "" {
				msg = t.ErrorMessage.String
			}
			if err := s.store.MarkTaskFailed(ctx, tx, taskID, msg); err != nil {
				return err
			}
			final = store.TaskFailed
		}
		done = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if done {
		metrics.TasksFinished.WithLabelValues(string(final)).Inc()
		s.logger.Info("task finished", "task_id", taskID, "status", final)
	}
	return final, done, nil
}

// RetryFailedChapters returns a failed task's failed chapters to pending,
// parks the task in paused and queues it for another run. Skipped
// chapters stay skipped.
func (s *Service) RetryFailedChapters(ctx context.Context, id int64) error {
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != store.TaskFailed {
			return fmt.Errorf("%s to %s: %w", t.Status, store.TaskPaused, ErrInvalidTransition)
		}
		if _, err := s.store.ResetChapterStates(ctx, tx, id, store.ChapterFailed, store.ChapterPending); err != nil {
			return err
		}
		if err := s.store.ClearTaskError(ctx, tx, id); err != nil {
			return err
		}
		if err := s.store.MarkTaskPaused(ctx, tx, id); err != nil {
			return err
		}
		return s.refreshCounters(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	_, err = s.Dispatch(ctx, id)
	return err
}

// Restart wipes everything a finished task produced and runs it again
// from scratch. Graph cleanup comes first: if the graph is unreachable
// the task stays terminal instead of re-running into stale nodes.
func (s *Service) Restart(ctx context.Context, id int64) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !restartable(t.Status) {
		return fmt.Errorf("%s to %s: %w", t.Status, store.TaskCreated, ErrInvalidTransition)
	}
	if err := s.cleanGraph(ctx, id); err != nil {
		return err
	}
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := s.store.GetTaskForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !restartable(cur.Status) {
			return fmt.Errorf("%s to %s: %w", cur.Status, store.TaskCreated, ErrInvalidTransition)
		}
		if err := s.store.ResetAllChapters(ctx, tx, id); err != nil {
			return err
		}
		return s.store.ResetTaskForRestart(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info("restarted task", "task_id", id)
	_, err = s.Dispatch(ctx, id)
	return err
}

func restartable(st store.TaskStatus) bool {
	switch st {
	case store.TaskCompleted, store.TaskFailed, store.TaskCancelled:
		return true
	}
	return false
}

// Delete removes a task, its chapter rows and its graph footprint.
// Running tasks must be cancelled first.
func (s *Service) Delete(ctx context.Context, id int64) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == store.TaskRunning {
		return fmt.Errorf("task %d is running, cancel it first", id)
	}
	if err := s.cleanGraph(ctx, id); err != nil {
		return err
	}
	return s.store.DeleteTask(ctx, id)
}

func (s *Service) cleanGraph(ctx context.Context, id int64) error {
	if s.graph == nil {
		return nil
	}
	removed, err := s.graph.RemoveTaskNodes(ctx, id)
	if err != nil {
		return fmt.Errorf("graph cleanup: %w", err)
	}
	if err := s.graph.DiscardTask(ctx, id); err != nil {
		return fmt.Errorf("graph cleanup: %w", err)
	}
	s.logger.Info("removed graph nodes", "task_id", id, "nodes", removed)
	return nil
}

// ReclassifyZombie settles a running task whose worker died. Chapters
// left running return to pending, then the task is closed out from what
// actually finished, or sent back to created for another attempt.
func (s *Service) ReclassifyZombie(ctx context.Context, id int64) (store.TaskStatus, error) {
	var out store.TaskStatus
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		out = t.Status
		if t.Status != store.TaskRunning {
			return nil
		}
		if _, err := s.store.ResetChapterStates(ctx, tx, id, store.ChapterRunning, store.ChapterPending); err != nil {
			return err
		}
		counts, err := s.store.CountChapterStates(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.store.UpdateTaskCounters(ctx, tx, id, counts); err != nil {
			return err
		}
		switch {
		case counts.Total() > 0 && counts.Completed == counts.Total():
			err = s.store.MarkTaskCompleted(ctx, tx, id)
			out = store.TaskCompleted
		case counts.Failed > 0 || t.ErrorMessage.Valid:
			msg := "worker lost before the task finished"
			if t.ErrorMessage.Valid && t.ErrorMessage.String != "" {
				msg = t.ErrorMessage.String
			}
			err = s.store.MarkTaskFailed(ctx, tx, id, msg)
			out = store.TaskFailed
		default:
			err = s.store.MarkTaskCreated(ctx, tx, id)
			out = store.TaskCreated
		}
		return err
	})
	return out, err
}

// RecoverInterrupted returns every running task to created after a full
// stop. Only call this when no worker can still be alive; on a multi-node
// deployment the guard's liveness pass is the safe alternative.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	running, err := s.store.ListTasksByStatus(ctx, store.TaskRunning, 0)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i := range running {
		id := running[i].ID
		err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := s.store.ResetChapterStates(ctx, tx, id, store.ChapterRunning, store.ChapterPending); err != nil {
				return err
			}
			return s.store.MarkTaskCreated(ctx, tx, id)
		})
		if err != nil {
			return recovered, err
		}
		recovered++
		s.logger.Warn("recovered interrupted task", "task_id", id)
	}
	return recovered, nil
}

// PendingRetries lists failed tasks whose auto-retry timer has come due.
func (s *Service) PendingRetries(ctx context.Context, limit int) ([]store.Task, error) {
	return s.store.ListRetryDueTasks(ctx, limit)
}

// ExecuteRetry consumes a due auto-retry: the retry counter advances,
// failed chapters go back to pending and the task parks in paused before
// being queued again. Returns false when another node already took it.
func (s *Service) ExecuteRetry(ctx context.Context, id int64) (bool, error) {
	var ran bool
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTaskForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != store.TaskFailed || !t.RetryScheduledAt.Valid {
			return nil
		}
		if err := s.store.ActivateTaskRetry(ctx, tx, id); err != nil {
			return err
		}
		if _, err := s.store.ResetChapterStates(ctx, tx, id, store.ChapterFailed, store.ChapterPending); err != nil {
			return err
		}
		if err := s.store.ClearTaskError(ctx, tx, id); err != nil {
			return err
		}
		if err := s.refreshCounters(ctx, tx, id); err != nil {
			return err
		}
		ran = true
		return nil
	})
	if err != nil || !ran {
		return false, err
	}
	s.logger.Info("auto retry", "task_id", id)
	if _, err := s.Dispatch(ctx, id); err != nil {
		return true, err
	}
	return true, nil
}

// ToggleAutoRetry flips auto-retry for a task. Turning it off clears any
// scheduled attempt.
func (s *Service) ToggleAutoRetry(ctx context.Context, id int64, enabled bool, intervalMinutes int) error {
	if intervalMinutes <= 0 {
		intervalMinutes = DefaultRetryMinutes
	}
	return s.store.SetTaskAutoRetry(ctx, id, enabled, intervalMinutes)
}

// PauseRunningOnProvider pauses every task a live worker currently holds
// for the named provider. The throttle layer calls this on suspension so
// claimed work stops quickly instead of burning the penalty window.
func (s *Service) PauseRunningOnProvider(ctx context.Context, provider string) (int, error) {
	if s.claims == nil {
		s.logger.Warn("no claim source wired, cannot pause tasks", "provider", provider)
		return 0, nil
	}
	ids, err := s.claims.TasksOnProvider(ctx, provider)
	if err != nil {
		return 0, err
	}
	paused := 0
	for _, id := range ids {
		if err := s.UpdateStatus(ctx, id, store.TaskPaused, ""); err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			return paused, err
		}
		paused++
		s.logger.Info("paused task for suspended provider", "task_id", id, "provider", provider)
	}
	return paused, nil
}

// PublishProgress pushes the task's current counters to the progress
// channel. Failures are logged, never returned: progress is advisory.
func (s *Service) PublishProgress(ctx context.Context, taskID int64) {
	if s.pub == nil {
		return
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Warn("progress lookup failed", "task_id", taskID, "error", err)
		return
	}
	if err := s.pub.TaskProgress(ctx, progress.FromTask(t)); err != nil {
		s.logger.Warn("progress publish failed", "task_id", taskID, "error", err)
	}
}

func (s *Service) refreshCounters(ctx context.Context, tx *sqlx.Tx, taskID int64) error {
	counts, err := s.store.CountChapterStates(ctx, tx, taskID)
	if err != nil {
		return err
	}
	return s.store.UpdateTaskCounters(ctx, tx, taskID, counts)
}
