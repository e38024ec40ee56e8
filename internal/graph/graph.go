// Package graph persists extracted entities and relations to Neo4j.
//
// All node writes are merge-upserts keyed by stable identity properties, so
// re-running a chapter is safe. Every node carries a task_id list property;
// removing a task from the graph means removing its id from that list and
// deleting nodes whose list becomes empty.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jcfg "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"github.com/sony/gobreaker"

	"github.com/loregraph/loregraph/internal/kv"
)

// Config holds Neo4j connection settings.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
	// MaxPoolSize bounds driver connections per process.
	MaxPoolSize int
}

func (c Config) withDefaults() Config {
	if c.Database == "" {
		c.Database = "neo4j"
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 25
	}
	return c
}

// Store wraps the Neo4j driver behind a circuit breaker. Writes that fail
// while carrying a task id spill their payload to a KV dead-letter list so
// the extraction work is not lost when the graph store is down.
type Store struct {
	driver  neo4j.DriverWithContext
	db      string
	breaker *gobreaker.CircuitBreaker
	kv      *kv.Client
	logger  *slog.Logger
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, cfg Config, kvc *kv.Client, logger *slog.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "graph")

	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4jcfg.Config) {
			c.MaxConnectionPoolSize = cfg.MaxPoolSize
		})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}

	s := &Store{
		driver: driver,
		db:     cfg.Database,
		kv:     kvc,
		logger: logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "neo4j",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("graph breaker state change", "from", from.String(), "to", to.String())
		},
	})
	logger.Info("connected to neo4j", "uri", cfg.URI, "database", cfg.Database)
	return s, nil
}

// Healthy runs a trivial query.
func (s *Store) Healthy(ctx context.Context) error {
	_, err := neo4j.ExecuteQuery(ctx, s.driver, "RETURN 1", nil,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(s.db))
	return err
}

// Close releases the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// taskListClause appends the current task id to the node's task_id list
// when absent. %s is the node variable.
const taskListClause = `
SET %[1]s.task_id = CASE WHEN %[1]s.task_id IS NULL THEN [$task_id]
    WHEN NOT $task_id IN %[1]s.task_id THEN %[1]s.task_id + [$task_id]
    ELSE %[1]s.task_id END`

var queries = map[string]string{
	opCharacter: `
MERGE (c:Character {name: $name, novel_id: $novel_id})
SET c += $props
SET c.created_at = coalesce(c.created_at, datetime())
SET c.updated_at = datetime()` + fmt.Sprintf(taskListClause, "c"),

	opLocation: `
MERGE (l:Location {name: $name, novel_id: $novel_id})
SET l += $props
SET l.created_at = coalesce(l.created_at, datetime())
SET l.updated_at = datetime()` + fmt.Sprintf(taskListClause, "l"),

	opOrganization: `
MERGE (o:Organization {name: $name, novel_id: $novel_id})
SET o += $props
SET o.created_at = coalesce(o.created_at, datetime())
SET o.updated_at = datetime()` + fmt.Sprintf(taskListClause, "o"),

	opEvent: `
MERGE (e:Event {id: $id})
SET e.name = $name
SET e.novel_id = $novel_id
SET e.chapter_id = $chapter_id
SET e += $props
SET e.created_at = coalesce(e.created_at, datetime())
SET e.updated_at = datetime()` + fmt.Sprintf(taskListClause, "e"),

	opChapter: `
MERGE (ch:Chapter {id: $id})
SET ch.title = $title
SET ch.novel_id = $novel_id
SET ch.chapter_number = $chapter_number
SET ch.created_at = coalesce(ch.created_at, datetime())
SET ch.updated_at = datetime()` + fmt.Sprintf(taskListClause, "ch"),

	opNovel: `
MERGE (n:Novel {id: $id})
SET n.title = $title
SET n.author = $author
SET n.created_at = coalesce(n.created_at, datetime())
SET n.updated_at = datetime()`,

	opPlot: `
MERGE (p:Plot {id: $id})
SET p.name = $name
SET p.novel_id = $novel_id
SET p += $props
SET p.created_at = coalesce(p.created_at, datetime())
SET p.updated_at = datetime()` + fmt.Sprintf(taskListClause, "p"),
}

// UpsertCharacter merges a character node keyed by (name, novel).
func (s *Store) UpsertCharacter(ctx context.Context, name string, novelID, taskID int64, props map[string]any) error {
	return s.write(ctx, opCharacter, map[string]any{
		"name": name, "novel_id": novelID, "task_id": taskID, "props": orEmpty(props),
	}, taskID)
}

// UpsertLocation merges a location node keyed by (name, novel).
func (s *Store) UpsertLocation(ctx context.Context, name string, novelID, taskID int64, props map[string]any) error {
	return s.write(ctx, opLocation, map[string]any{
		"name": name, "novel_id": novelID, "task_id": taskID, "props": orEmpty(props),
	}, taskID)
}

// UpsertOrganization merges an organization node keyed by (name, novel).
func (s *Store) UpsertOrganization(ctx context.Context, name string, novelID, taskID int64, props map[string]any) error {
	return s.write(ctx, opOrganization, map[string]any{
		"name": name, "novel_id": novelID, "task_id": taskID, "props": orEmpty(props),
	}, taskID)
}

// UpsertEvent merges an event node keyed by its derived id, which already
// encodes novel, chapter and name.
func (s *Store) UpsertEvent(ctx context.Context, id, name string, novelID, chapterID, taskID int64, props map[string]any) error {
	return s.write(ctx, opEvent, map[string]any{
		"id": id, "name": name, "novel_id": novelID, "chapter_id": chapterID,
		"task_id": taskID, "props": orEmpty(props),
	}, taskID)
}

// UpsertChapter merges a chapter node keyed by its relational id.
func (s *Store) UpsertChapter(ctx context.Context, chapterID int64, title string, chapterNumber int, novelID, taskID int64) error {
	return s.write(ctx, opChapter, map[string]any{
		"id": chapterID, "title": title, "chapter_number": chapterNumber,
		"novel_id": novelID, "task_id": taskID,
	}, taskID)
}

// UpsertNovel merges the novel node. Novel nodes are shared across tasks
// and carry no task_id list, so restarts never delete them.
func (s *Store) UpsertNovel(ctx context.Context, novelID int64, title, author string) error {
	return s.write(ctx, opNovel, map[string]any{
		"id": novelID, "title": title, "author": author,
	}, 0)
}

// UpsertPlot merges a plot node keyed by its derived id. Plot nodes come
// from downstream analysis rather than chapter extraction, but they share
// the task_id ownership scheme so restarts clean them up too.
func (s *Store) UpsertPlot(ctx context.Context, id, name string, novelID, taskID int64, props map[string]any) error {
	return s.write(ctx, opPlot, map[string]any{
		"id": id, "name": name, "novel_id": novelID, "task_id": taskID, "props": orEmpty(props),
	}, taskID)
}

// NodeRef identifies one node endpoint of a relation by label and a single
// key property.
type NodeRef struct {
	Label    string
	Property string
	Value    any
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Relate merge-upserts a relation between two existing nodes. The relation
// identity is (from node, type, to node); properties are overwritten.
// Labels, property names and the relation type are interpolated into the
// query text, so they are restricted to identifier characters.
func (s *Store) Relate(ctx context.Context, from, to NodeRef, relType string, props map[string]any) error {
	for _, ident := range []string{from.Label, from.Property, to.Label, to.Property, relType} {
		if !identRe.MatchString(ident) {
			return fmt.Errorf("invalid graph identifier %q", ident)
		}
	}
	query := fmt.Sprintf(`
MATCH (a:%s {%s: $from_value})
MATCH (b:%s {%s: $to_value})
MERGE (a)-[r:%s]->(b)
SET r += $props
SET r.created_at = coalesce(r.created_at, datetime())`,
		from.Label, from.Property, to.Label, to.Property, relType)

	params := map[string]any{
		"from_value": from.Value, "to_value": to.Value, "props": orEmpty(props),
	}
	_, err := s.breaker.Execute(func() (any, error) {
		return neo4j.ExecuteQuery(ctx, s.driver, query, params,
			neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(s.db))
	})
	if err != nil {
		return fmt.Errorf("relate %s-[%s]->%s: %w", from.Label, relType, to.Label, err)
	}
	return nil
}

// RemoveTaskNodes strips a task id from every node's task_id list and
// deletes nodes left with an empty list. Returns the number deleted.
func (s *Store) RemoveTaskNodes(ctx context.Context, taskID int64) (int64, error) {
	const query = `
MATCH (n)
WHERE $task_id IN n.task_id
WITH n, n.task_id AS task_ids
SET n.task_id = [tid IN task_ids WHERE tid <> $task_id]
WITH n
WHERE size(n.task_id) = 0
DETACH DELETE n
RETURN count(n) AS deleted_count`

	res, err := s.breaker.Execute(func() (any, error) {
		return neo4j.ExecuteQuery(ctx, s.driver, query, map[string]any{"task_id": taskID},
			neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(s.db))
	})
	if err != nil {
		return 0, fmt.Errorf("remove task %d nodes: %w", taskID, err)
	}
	eager := res.(*neo4j.EagerResult)
	var deleted int64
	if len(eager.Records) > 0 {
		if v, ok := eager.Records[0].Get("deleted_count"); ok {
			deleted, _ = v.(int64)
		}
	}
	s.logger.Info("removed task nodes from graph", "task_id", taskID, "deleted", deleted)
	return deleted, nil
}

// DeleteNovelGraph removes every node belonging to a novel.
func (s *Store) DeleteNovelGraph(ctx context.Context, novelID int64) error {
	const query = `
MATCH (n {novel_id: $novel_id})
DETACH DELETE n`
	_, err := s.breaker.Execute(func() (any, error) {
		return neo4j.ExecuteQuery(ctx, s.driver, query, map[string]any{"novel_id": novelID},
			neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(s.db))
	})
	if err != nil {
		return fmt.Errorf("delete novel %d graph: %w", novelID, err)
	}
	return nil
}

// statsQuery aggregates per-label node counts and per-type relation counts
// for one novel. The relation match is directed so each relation is
// traversed, and therefore counted, once.
const statsQuery = `
MATCH (n {novel_id: $novel_id})
WITH labels(n) AS node_labels, count(n) AS c
RETURN node_labels[0] AS label, c AS count
UNION ALL
MATCH (a {novel_id: $novel_id})-[r]->(b {novel_id: $novel_id})
RETURN type(r) AS label, count(r) AS count`

// Stats returns node counts per label and relation counts per type for one
// novel.
func (s *Store) Stats(ctx context.Context, novelID int64) (map[string]int64, error) {
	res, err := neo4j.ExecuteQuery(ctx, s.driver, statsQuery, map[string]any{"novel_id": novelID},
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(s.db))
	if err != nil {
		return nil, fmt.Errorf("graph stats: %w", err)
	}
	stats := make(map[string]int64)
	for _, rec := range res.Records {
		label, _ := rec.Get("label")
		count, _ := rec.Get("count")
		name, ok := label.(string)
		if !ok {
			continue
		}
		n, _ := count.(int64)
		stats[name] = n
	}
	return stats, nil
}

// write runs one upsert behind the breaker, spilling the payload to the
// dead-letter list on failure when a task id is known.
func (s *Store) write(ctx context.Context, op string, params map[string]any, taskID int64) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return neo4j.ExecuteQuery(ctx, s.driver, queries[op], params,
			neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(s.db))
	})
	if err == nil {
		return nil
	}
	if taskID != 0 && s.kv != nil {
		if spillErr := s.spill(ctx, op, params, taskID); spillErr != nil {
			s.logger.Error("dead-letter spill failed", "op", op, "error", spillErr)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func orEmpty(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	return props
}
