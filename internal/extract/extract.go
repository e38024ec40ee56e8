// Package extract turns chapter text into graph entities and relations,
// either through an LLM provider or through deterministic regex rules.
// The Runner in this package drives the per-task loop a worker executes
// after popping a queue entry.
package extract

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loregraph/loregraph/internal/metrics"
	"github.com/loregraph/loregraph/internal/providers"
	"github.com/loregraph/loregraph/internal/store"
	"github.com/loregraph/loregraph/internal/throttle"
)

// minContentRunes is the shortest chapter worth extracting; anything
// below is marked skipped instead of burning an LLM call.
const minContentRunes = 10

// Entity types produced by extraction. Graph labels derive from these.
const (
	TypeCharacter    = "character"
	TypeLocation     = "location"
	TypeOrganization = "organization"
	TypeEvent        = "event"
)

var (
	// ErrSuspended reports that the provider entered its cooldown window.
	// The caller releases the chapter and pauses the task.
	ErrSuspended = errors.New("provider is suspended")

	// ErrSkipped reports content too short to extract from.
	ErrSkipped = errors.New("chapter content too short")
)

// ExtractionError is a chapter-level failure with the kind used for
// provider failure accounting.
type ExtractionError struct {
	Kind string // transport, protocol, empty, provider_error
	Msg  string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Entity is one extracted graph node candidate.
type Entity struct {
	Type        string
	Name        string
	Description string
	Confidence  float64
}

// Relation is one extracted edge candidate between two named entities.
type Relation struct {
	From        string
	To          string
	Type        string
	Description string
}

// Result is the outcome of extracting one chapter.
type Result struct {
	Entities  []Entity
	Relations []Relation

	InputTokens  int
	OutputTokens int
}

// EventID derives the stable graph identity of an event. Events have no
// unique name across a novel, so the chapter scopes them.
func EventID(novelID, chapterID int64, name string) string {
	sum := md5.Sum([]byte(name))
	return fmt.Sprintf("%d_%d_%s", novelID, chapterID, hex.EncodeToString(sum[:])[:8])
}

// Extractor runs entity and relation extraction for single chapters.
type Extractor struct {
	registry *providers.Registry
	throttle *throttle.Throttle
	logger   *slog.Logger

	// LLMTimeout bounds one Generate call. Zero means the provider
	// client default.
	LLMTimeout time.Duration
	// MaxTokens and Temperature are passed through to the provider.
	MaxTokens   int
	Temperature float64
}

// NewExtractor builds an extractor over the provider registry and
// throttle.
func NewExtractor(registry *providers.Registry, thr *throttle.Throttle, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		registry:    registry,
		throttle:    thr,
		logger:      logger.With("component", "extract"),
		Temperature: 0.3,
	}
}

// ExtractChapter extracts entities and relations from one chapter using
// the named provider. In AI mode a dead or empty provider response is a
// failure, never a silent fall back to rules; the rules provider runs the
// deterministic path.
func (e *Extractor) ExtractChapter(ctx context.Context, provider string, chapter *store.Chapter, cfg *store.ExtractionConfig) (*Result, error) {
	content := truncateRunes(chapter.Content, cfg.MaxContentLength)
	if utf8.RuneCountInString(strings.TrimSpace(content)) < minContentRunes {
		return nil, ErrSkipped
	}

	if provider == providers.RulesName {
		return extractWithRules(content, cfg.RuleConfig), nil
	}
	return e.extractWithAI(ctx, provider, chapter.Title, content, cfg)
}

func (e *Extractor) extractWithAI(ctx context.Context, provider, title, content string, cfg *store.ExtractionConfig) (*Result, error) {
	client, err := e.registry.Client(provider)
	if err != nil {
		return nil, &ExtractionError{Kind: providers.ErrKindProvider, Msg: err.Error()}
	}

	res := &Result{}

	if cfg.EnableEntityExtraction {
		raw, err := e.generate(ctx, client, provider, renderPrompt(entityPromptTemplate, title, content), cfg, res)
		if err != nil {
			return nil, err
		}
		payload, err := parseEntityResponse(raw)
		if err != nil {
			return nil, e.countFailure(ctx, provider, providers.ErrKindProtocol, err.Error())
		}
		appendEntities(res, payload)
	}

	if cfg.EnableRelationExtraction {
		raw, err := e.generate(ctx, client, provider, renderPrompt(relationPromptTemplate, title, content), cfg, res)
		if err != nil {
			return nil, err
		}
		payload, err := parseRelationResponse(raw)
		if err != nil {
			return nil, e.countFailure(ctx, provider, providers.ErrKindProtocol, err.Error())
		}
		appendRelations(res, payload)
	}

	if err := e.throttle.ResetFailures(ctx, provider); err != nil {
		e.logger.Warn("failure counter reset failed", "provider", provider, "error", err)
	}
	return res, nil
}

// generate runs one prompt: pre-call suspension check, rate-limit
// permit, Generate. Token usage accumulates into res.
func (e *Extractor) generate(ctx context.Context, client providers.Client, provider, prompt string, cfg *store.ExtractionConfig, res *Result) (string, error) {
	suspended, err := e.throttle.IsSuspended(ctx, provider)
	if err != nil {
		e.logger.Warn("suspension check failed", "provider", provider, "error", err)
	}
	if suspended {
		return "", ErrSuspended
	}

	if err := e.waitForPermit(ctx, provider); err != nil {
		return "", err
	}

	req := &providers.GenerateRequest{
		Prompt:      prompt,
		Model:       cfg.AIModel.String,
		MaxTokens:   e.MaxTokens,
		Temperature: e.Temperature,
		Timeout:     e.LLMTimeout,
	}
	gen, err := client.Generate(ctx, req)
	if err != nil {
		return "", e.countFailure(ctx, provider, providers.ErrKindTransport, err.Error())
	}
	if !gen.Success {
		kind := gen.ErrorKind
		if kind == "" {
			kind = providers.ErrKindProvider
		}
		return "", e.countFailure(ctx, provider, kind, gen.ErrorMessage)
	}
	if strings.TrimSpace(gen.Content) == "" {
		return "", e.countFailure(ctx, provider, providers.ErrKindEmpty, "provider returned empty content")
	}

	res.InputTokens += gen.InputTokens
	res.OutputTokens += gen.OutputTokens
	return gen.Content, nil
}

// waitForPermit sleeps out rate-limit denials until a permit is granted
// or ctx ends. Denials are not failures.
func (e *Extractor) waitForPermit(ctx context.Context, provider string) error {
	for {
		granted, wait, err := e.throttle.TryAcquirePermit(ctx, provider)
		if err != nil {
			e.logger.Warn("permit check failed, proceeding", "provider", provider, "error", err)
			return nil
		}
		if granted {
			return nil
		}
		metrics.RateLimitDenials.WithLabelValues(provider).Inc()
		e.logger.Debug("rate limited", "provider", provider, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// countFailure feeds the throttle and wraps the chapter-level error. When
// this failure tips the provider into suspension the caller sees
// ErrSuspended so the chapter is released instead of failed.
func (e *Extractor) countFailure(ctx context.Context, provider, kind, msg string) error {
	metrics.ProviderFailures.WithLabelValues(provider, kind).Inc()
	count, suspendedNow, err := e.throttle.IncrementFailure(ctx, provider)
	if err != nil {
		e.logger.Warn("failure accounting failed", "provider", provider, "error", err)
	}
	e.logger.Warn("provider call failed",
		"provider", provider, "kind", kind, "consecutive", count, "error", msg)
	if suspendedNow {
		return ErrSuspended
	}
	return &ExtractionError{Kind: kind, Msg: msg}
}

func appendEntities(res *Result, p *entityPayload) {
	add := func(items []namedItem, typ string) {
		for _, it := range items {
			name := normalizeName(it.Name)
			if name == "" {
				continue
			}
			res.Entities = append(res.Entities, Entity{
				Type:        typ,
				Name:        name,
				Description: strings.TrimSpace(it.Description),
				Confidence:  1,
			})
		}
	}
	add(p.Characters, TypeCharacter)
	add(p.Locations, TypeLocation)
	add(p.Organizations, TypeOrganization)
	add(p.Events, TypeEvent)
	res.Entities = dedupeEntities(res.Entities)
}

func appendRelations(res *Result, p *relationPayload) {
	seen := make(map[string]bool)
	for _, r := range p.Relations {
		from, to := normalizeName(r.From), normalizeName(r.To)
		typ := strings.ToUpper(strings.TrimSpace(r.Type))
		if from == "" || to == "" || typ == "" || from == to {
			continue
		}
		key := from + "\x00" + typ + "\x00" + to
		if seen[key] {
			continue
		}
		seen[key] = true
		res.Relations = append(res.Relations, Relation{
			From:        from,
			To:          to,
			Type:        typ,
			Description: strings.TrimSpace(r.Description),
		})
	}
}

func dedupeEntities(entities []Entity) []Entity {
	seen := make(map[string]bool, len(entities))
	out := entities[:0]
	for _, e := range entities {
		key := e.Type + "\x00" + e.Name
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}
