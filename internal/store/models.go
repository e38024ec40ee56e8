package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus enumerates the task lifecycle states.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// ChapterState enumerates per-chapter processing states within a task.
type ChapterState string

const (
	ChapterPending   ChapterState = "pending"
	ChapterRunning   ChapterState = "running"
	ChapterCompleted ChapterState = "completed"
	ChapterFailed    ChapterState = "failed"
	ChapterSkipped   ChapterState = "skipped"
)

// Int64List maps a jsonb column to a slice of ids.
type Int64List []int64

func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *Int64List) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Int64List", src)
	}
	return json.Unmarshal(data, l)
}

// StringList maps a jsonb column to a slice of strings.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
	return json.Unmarshal(data, l)
}

// TypeToggle enables or disables one entity or relation type.
type TypeToggle struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// TypeToggleList maps a jsonb column to a list of type toggles.
type TypeToggleList []TypeToggle

func (l TypeToggleList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *TypeToggleList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into TypeToggleList", src)
	}
	return json.Unmarshal(data, l)
}

// Enabled returns the type names whose toggle is on.
func (l TypeToggleList) EnabledTypes() []string {
	var out []string
	for _, t := range l {
		if t.Enabled {
			out = append(out, t.Type)
		}
	}
	return out
}

// RuleConfig holds the deterministic extraction patterns used by the
// synthetic rules provider.
type RuleConfig struct {
	CharacterPatterns []string `json:"character_patterns"`
	LocationPatterns  []string `json:"location_patterns"`
	FilterWords       []string `json:"filter_words"`
}

func (r RuleConfig) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *RuleConfig) Scan(src any) error {
	if src == nil {
		*r = RuleConfig{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into RuleConfig", src)
	}
	return json.Unmarshal(data, r)
}

// Novel is an imported book.
type Novel struct {
	ID             int64      `db:"id"`
	Title          string     `db:"title"`
	Author         sql.NullString `db:"author"`
	Description    sql.NullString `db:"description"`
	TotalChapters  int        `db:"total_chapters"`
	TotalWordCount int        `db:"total_word_count"`
	Tags           StringList `db:"tags"`
	IsDeleting     bool       `db:"is_deleting"`
	ChaptersParsed bool       `db:"chapters_parsed"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Chapter is one unit of extraction input.
type Chapter struct {
	ID            int64     `db:"id"`
	NovelID       int64     `db:"novel_id"`
	Title         string    `db:"title"`
	Content       string    `db:"content"`
	ChapterNumber int       `db:"chapter_number"`
	WordCount     int       `db:"word_count"`
	CreatedAt     time.Time `db:"created_at"`
}

// Provider is an LLM backend definition. Name is unique and lowercase.
// The synthetic "rules" provider has no credentials.
type Provider struct {
	ID                int64      `db:"id"`
	Name              string     `db:"name"`
	DisplayName       string     `db:"display_name"`
	APIKey            sql.NullString `db:"api_key"`
	BaseURL           sql.NullString `db:"base_url"`
	Models            StringList `db:"models"`
	RateLimitInterval float64    `db:"rate_limit_interval"`
	IsActive          bool       `db:"is_active"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// Task is the unit of extraction work over a set of chapters.
type Task struct {
	ID                 int64         `db:"id"`
	TaskName           string        `db:"task_name"`
	NovelID            int64         `db:"novel_id"`
	ChapterIDs         Int64List     `db:"chapter_ids"`
	UseAI              bool          `db:"use_ai"`
	Status             TaskStatus    `db:"status"`
	TotalChapters      int           `db:"total_chapters"`
	CompletedChapters  int           `db:"completed_chapters"`
	FailedChapters     int           `db:"failed_chapters"`
	SkippedChapters    int           `db:"skipped_chapters"`
	CurrentChapterID   sql.NullInt64 `db:"current_chapter_id"`
	TotalEntities      int           `db:"total_entities"`
	TotalRelations     int           `db:"total_relations"`
	ErrorMessage       sql.NullString `db:"error_message"`
	LastErrorChapterID sql.NullInt64 `db:"last_error_chapter_id"`

	AutoRetryEnabled     bool          `db:"auto_retry_enabled"`
	RetryIntervalMinutes int           `db:"retry_interval_minutes"`
	FailedAt             sql.NullTime  `db:"failed_at"`
	RetryScheduledAt     sql.NullTime  `db:"retry_scheduled_at"`
	RetryCount           int           `db:"retry_count"`

	CreatedAt   time.Time    `db:"created_at"`
	StartedAt   sql.NullTime `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
	PausedAt    sql.NullTime `db:"paused_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

// Progress returns the completion percentage over total chapters.
func (t *Task) Progress() float64 {
	if t.TotalChapters == 0 {
		return 0
	}
	done := t.CompletedChapters + t.FailedChapters + t.SkippedChapters
	return float64(done) / float64(t.TotalChapters) * 100
}

// ChapterStatus is the authoritative per-(task, chapter) processing state.
type ChapterStatus struct {
	ID                 int64        `db:"id"`
	TaskID             int64        `db:"task_id"`
	ChapterID          int64        `db:"chapter_id"`
	Status             ChapterState `db:"status"`
	EntitiesExtracted  int          `db:"entities_extracted"`
	RelationsExtracted int          `db:"relations_extracted"`
	ErrorMessage       sql.NullString `db:"error_message"`
	StartedAt          sql.NullTime `db:"started_at"`
	CompletedAt        sql.NullTime `db:"completed_at"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

// ExtractionConfig holds tunable extraction settings. One row is marked
// default; workers read it through a short-lived cache.
type ExtractionConfig struct {
	ID                       int64          `db:"id"`
	Name                     string         `db:"name"`
	Description              sql.NullString `db:"description"`
	AIProvider               sql.NullString `db:"ai_provider"`
	AIModel                  sql.NullString `db:"ai_model"`
	UseAI                    bool           `db:"use_ai"`
	MaxContentLength         int            `db:"max_content_length"`
	EnableEntityExtraction   bool           `db:"enable_entity_extraction"`
	EnableRelationExtraction bool           `db:"enable_relation_extraction"`
	EntityTypes              TypeToggleList `db:"entity_types"`
	RelationTypes            TypeToggleList `db:"relation_types"`
	RuleConfig               RuleConfig     `db:"rule_config"`
	IsDefault                bool           `db:"is_default"`
	CreatedAt                time.Time      `db:"created_at"`
	UpdatedAt                time.Time      `db:"updated_at"`
}

// StatusCounts aggregates ChapterStatus rows by state for one task.
type StatusCounts struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Skipped   int
}

// Total sums all states.
func (c StatusCounts) Total() int {
	return c.Pending + c.Running + c.Completed + c.Failed + c.Skipped
}
