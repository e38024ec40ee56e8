package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loregraph/loregraph/internal/graph"
	"github.com/loregraph/loregraph/internal/metrics"
	"github.com/loregraph/loregraph/internal/providers"
	"github.com/loregraph/loregraph/internal/store"
	"github.com/loregraph/loregraph/internal/tasks"
	"github.com/loregraph/loregraph/internal/throttle"
)

// GraphWriter is the slice of the graph store the runner writes through.
type GraphWriter interface {
	UpsertNovel(ctx context.Context, novelID int64, title, author string) error
	UpsertChapter(ctx context.Context, chapterID int64, title string, chapterNumber int, novelID, taskID int64) error
	UpsertCharacter(ctx context.Context, name string, novelID, taskID int64, props map[string]any) error
	UpsertLocation(ctx context.Context, name string, novelID, taskID int64, props map[string]any) error
	UpsertOrganization(ctx context.Context, name string, novelID, taskID int64, props map[string]any) error
	UpsertEvent(ctx context.Context, id, name string, novelID, chapterID, taskID int64, props map[string]any) error
	Relate(ctx context.Context, from, to graph.NodeRef, relType string, props map[string]any) error
}

// characterRelTypes are the edge types allowed between two characters.
var characterRelTypes = map[string]bool{
	"FRIEND": true, "ENEMY": true, "LOVES": true, "HATES": true,
	"KNOWS": true, "LEADS": true, "FOLLOWS": true,
}

// Runner executes the chapter loop of one popped task reference.
type Runner struct {
	tasks     *tasks.Service
	store     *store.Store
	graph     GraphWriter
	extractor *Extractor
	throttle  *throttle.Throttle
	logger    *slog.Logger
}

// NewRunner assembles the per-task extraction loop.
func NewRunner(svc *tasks.Service, st *store.Store, gw GraphWriter, ex *Extractor, thr *throttle.Throttle, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		tasks:     svc,
		store:     st,
		graph:     gw,
		extractor: ex,
		throttle:  thr,
		logger:    logger.With("component", "runner"),
	}
}

// BuildGraph processes a task until no pending chapter remains, the task
// leaves running, the provider is suspended, or ctx ends. It is safe to
// call for a task another worker already runs: chapter claims are atomic,
// so two runners interleave instead of double-processing.
//
// Graph writes precede the relational commit for every chapter. A crash
// between the two leaves the chapter row running, which the guard loop
// reclassifies; the upserts are idempotent and simply repeat on re-run.
func (r *Runner) BuildGraph(ctx context.Context, taskID int64, provider string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = providers.RulesName
	}
	log := r.logger.With("task_id", taskID, "provider", provider)

	ok, reason, err := r.tasks.TryStart(ctx, taskID)
	if err != nil {
		return fmt.Errorf("start task %d: %w", taskID, err)
	}
	if !ok && reason != tasks.ReasonAlreadyRunning {
		log.Info("task not startable, dropping queue entry", "reason", reason)
		return nil
	}

	t, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	novel, err := r.store.GetNovel(ctx, t.NovelID)
	if err != nil {
		return err
	}
	cfg, err := r.store.EnsureDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("extraction config: %w", err)
	}

	if err := r.graph.UpsertNovel(ctx, novel.ID, novel.Title, novel.Author.String); err != nil {
		log.Warn("novel node upsert failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cur, err := r.tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if cur.Status != store.TaskRunning {
			log.Info("task left running, stopping", "status", cur.Status)
			return nil
		}

		if provider != providers.RulesName {
			suspended, err := r.throttle.IsSuspended(ctx, provider)
			if err != nil {
				log.Warn("suspension check failed", "error", err)
			}
			if suspended {
				log.Info("provider suspended, pausing task")
				return r.pauseTask(ctx, taskID)
			}
		}

		pending, err := r.tasks.PendingChapters(ctx, taskID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			break
		}

		chapterID := pending[0]
		if err := r.tasks.UpdateChapterStatus(ctx, taskID, chapterID, store.ChapterRunning, ""); err != nil {
			if errors.Is(err, tasks.ErrChapterNotPending) {
				continue // another runner claimed it first
			}
			return err
		}

		stop, err := r.runChapter(ctx, t, novel, cfg, provider, chapterID, log)
		if err != nil {
			return err
		}
		r.tasks.PublishProgress(ctx, taskID)
		if stop {
			return nil
		}
	}

	final, done, err := r.tasks.FinalizeIfDone(ctx, taskID)
	if err != nil {
		return err
	}
	if done {
		log.Info("task finalized", "status", final)
	}
	r.tasks.PublishProgress(ctx, taskID)
	return nil
}

// runChapter extracts one claimed chapter and records its outcome. The
// bool asks the caller to stop the loop (suspension mid-batch).
func (r *Runner) runChapter(ctx context.Context, t *store.Task, novel *store.Novel, cfg *store.ExtractionConfig, provider string, chapterID int64, log *slog.Logger) (bool, error) {
	chapter, err := r.store.GetChapter(ctx, chapterID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			uerr := r.tasks.UpdateChapterStatus(ctx, t.ID, chapterID, store.ChapterFailed, "chapter row missing")
			return false, uerr
		}
		return false, err
	}

	start := time.Now()
	res, err := r.extractor.ExtractChapter(ctx, provider, chapter, cfg)
	switch {
	case errors.Is(err, ErrSkipped):
		log.Info("chapter skipped", "chapter_id", chapterID)
		uerr := r.tasks.UpdateChapterStatus(ctx, t.ID, chapterID, store.ChapterSkipped, "content too short")
		metrics.ChaptersProcessed.WithLabelValues(provider, string(store.ChapterSkipped)).Inc()
		return false, uerr
	case errors.Is(err, ErrSuspended):
		// Release the claim before pausing so a later resume re-runs
		// this chapter instead of losing it.
		if uerr := r.tasks.UpdateChapterStatus(ctx, t.ID, chapterID, store.ChapterPending, ""); uerr != nil {
			return true, uerr
		}
		log.Info("provider suspended mid-chapter, pausing task", "chapter_id", chapterID)
		return true, r.pauseTask(ctx, t.ID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutdown, not a provider failure: give the chapter back.
		uerr := r.tasks.UpdateChapterStatus(ctx, t.ID, chapterID, store.ChapterPending, "")
		if uerr != nil {
			return true, uerr
		}
		return true, err
	case err != nil:
		log.Warn("chapter extraction failed", "chapter_id", chapterID, "error", err)
		uerr := r.tasks.UpdateChapterStatus(ctx, t.ID, chapterID, store.ChapterFailed, err.Error())
		metrics.ChaptersProcessed.WithLabelValues(provider, string(store.ChapterFailed)).Inc()
		return false, uerr
	}

	graphOK, graphErr := r.writeGraph(ctx, t, novel, chapter, res)
	if err := r.tasks.CompleteChapter(ctx, t.ID, chapterID, len(res.Entities), len(res.Relations), graphOK, graphErr); err != nil {
		return false, err
	}

	status := store.ChapterCompleted
	if !graphOK {
		status = store.ChapterFailed
	}
	metrics.ChaptersProcessed.WithLabelValues(provider, string(status)).Inc()
	metrics.ChapterDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	log.Info("chapter done",
		"chapter_id", chapterID, "status", status,
		"entities", len(res.Entities), "relations", len(res.Relations),
		"took", time.Since(start).Round(time.Millisecond))
	return false, nil
}

func (r *Runner) pauseTask(ctx context.Context, taskID int64) error {
	if err := r.tasks.Pause(ctx, taskID); err != nil && !errors.Is(err, tasks.ErrInvalidTransition) {
		return err
	}
	r.tasks.PublishProgress(ctx, taskID)
	return nil
}

// writeGraph upserts the chapter's nodes and edges. Partial writes are
// left in place on failure: every operation is an idempotent merge, so
// the retry that follows a failed chapter simply covers them again.
func (r *Runner) writeGraph(ctx context.Context, t *store.Task, novel *store.Novel, chapter *store.Chapter, res *Result) (bool, string) {
	if err := r.graph.UpsertChapter(ctx, chapter.ID, chapter.Title, chapter.ChapterNumber, novel.ID, t.ID); err != nil {
		return false, err.Error()
	}

	byName := make(map[string]string, len(res.Entities))
	for _, e := range res.Entities {
		byName[e.Name] = e.Type
		props := map[string]any{}
		if e.Description != "" {
			props["description"] = e.Description
		}
		if e.Confidence > 0 {
			props["confidence"] = e.Confidence
		}
		var err error
		switch e.Type {
		case TypeCharacter:
			err = r.graph.UpsertCharacter(ctx, e.Name, novel.ID, t.ID, props)
		case TypeLocation:
			err = r.graph.UpsertLocation(ctx, e.Name, novel.ID, t.ID, props)
		case TypeOrganization:
			err = r.graph.UpsertOrganization(ctx, e.Name, novel.ID, t.ID, props)
		case TypeEvent:
			err = r.graph.UpsertEvent(ctx, EventID(novel.ID, chapter.ID, e.Name), e.Name, novel.ID, chapter.ID, t.ID, props)
		default:
			continue
		}
		if err != nil {
			return false, err.Error()
		}
	}

	edgeProps := map[string]any{"novel_id": novel.ID, "chapter_id": chapter.ID}
	for _, e := range res.Entities {
		if e.Type != TypeCharacter {
			continue
		}
		from := graph.NodeRef{Label: "Character", Property: "name", Value: e.Name}
		to := graph.NodeRef{Label: "Chapter", Property: "id", Value: chapter.ID}
		if err := r.graph.Relate(ctx, from, to, "APPEARS_IN", edgeProps); err != nil {
			return false, err.Error()
		}
	}

	for _, rel := range res.Relations {
		from, to, ok := r.resolveEndpoints(rel, byName, novel.ID, chapter.ID)
		if !ok {
			continue
		}
		props := map[string]any{"novel_id": novel.ID}
		if rel.Description != "" {
			props["description"] = rel.Description
		}
		if err := r.graph.Relate(ctx, from, to, rel.Type, props); err != nil {
			return false, err.Error()
		}
	}
	return true, ""
}

// resolveEndpoints maps a relation's names onto node references using the
// entity types extracted in the same chapter. Relations whose endpoints
// were not extracted, or whose type does not fit the endpoint kinds, are
// dropped rather than guessed.
func (r *Runner) resolveEndpoints(rel Relation, byName map[string]string, novelID, chapterID int64) (graph.NodeRef, graph.NodeRef, bool) {
	fromType, okFrom := byName[rel.From]
	toType, okTo := byName[rel.To]
	if !okFrom || !okTo {
		return graph.NodeRef{}, graph.NodeRef{}, false
	}

	ref := func(typ, name string) graph.NodeRef {
		switch typ {
		case TypeCharacter:
			return graph.NodeRef{Label: "Character", Property: "name", Value: name}
		case TypeLocation:
			return graph.NodeRef{Label: "Location", Property: "name", Value: name}
		case TypeOrganization:
			return graph.NodeRef{Label: "Organization", Property: "name", Value: name}
		case TypeEvent:
			return graph.NodeRef{Label: "Event", Property: "id", Value: EventID(novelID, chapterID, name)}
		}
		return graph.NodeRef{}
	}

	valid := false
	switch rel.Type {
	case "PARTICIPATES_IN":
		valid = fromType == TypeCharacter && toType == TypeEvent
	case "OCCURS_IN":
		valid = fromType == TypeEvent && toType == TypeLocation
	case "BELONGS_TO":
		valid = fromType == TypeCharacter && toType == TypeOrganization
	default:
		valid = characterRelTypes[rel.Type] && fromType == TypeCharacter && toType == TypeCharacter
	}
	if !valid {
		return graph.NodeRef{}, graph.NodeRef{}, false
	}
	return ref(fromType, rel.From), ref(toType, rel.To), true
}
