package models

import (
	"strconv"
	"time"
)

// Research modes
const (
	ModeRAG  = "rag"
	ModeDeep = "deep"
	ModeAuto = "auto"
)

// ParseMode coerces an arbitrary input mode string to one of the known
// modes, falling back to the caller-supplied default for anything else.
func ParseMode(s string, fallback string) string {
	switch s {
	case ModeRAG, ModeDeep, ModeAuto:
		return s
	}
	return fallback
}

// Task statuses
const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// IsTerminalStatus reports whether a task status is final.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task types
const (
	TaskAutoPipeline     = "auto_pipeline"
	TaskDeepResearch     = "deep_research"
	TaskLiteratureSearch = "literature_search"
	TaskGapAnalysis      = "gap_analysis"
	TaskSynthesis        = "synthesis"
)

// ParseTaskType coerces an input type string to a known task kind,
// defaulting to the generic pipeline kind.
func ParseTaskType(s string) string {
	switch s {
	case TaskAutoPipeline, TaskDeepResearch, TaskLiteratureSearch, TaskGapAnalysis, TaskSynthesis:
		return s
	}
	return TaskAutoPipeline
}

// Source is a single citation attached to a research result.
type Source struct {
	Title      string   `json:"title" db:"title"`
	Authors    []string `json:"authors" db:"-"`
	Year       int      `json:"year" db:"year"`
	DOI        string   `json:"doi" db:"doi"`
	Confidence float64  `json:"confidence" db:"confidence"`
}

// ResearchResult is the canonical answer record every backend payload
// shape is normalized into. Instances are immutable after creation;
// newer data for the same ID supersedes rather than mutates.
type ResearchResult struct {
	ID            string            `json:"id"`
	ProjectID     int               `json:"project_id"`
	Mode          string            `json:"mode"`
	Question      string            `json:"question"`
	Answer        string            `json:"answer"`
	KeyFindings   []string          `json:"key_findings"`
	ResearchGaps  []string          `json:"research_gaps"`
	NextQuestions []string          `json:"next_questions"`
	Sources       []Source          `json:"sources"`
	Confidence    float64           `json:"confidence"`
	Timestamp     string            `json:"timestamp"`
	Metadata      map[string]string `json:"metadata"`
}

// NonTrivial reports whether the result carries any substance worth
// surfacing: a non-empty answer or at least one finding, source, gap
// or follow-up question. Empty completions are filtered on this.
func (r *ResearchResult) NonTrivial() bool {
	return r.Answer != "" ||
		len(r.KeyFindings) > 0 ||
		len(r.Sources) > 0 ||
		len(r.ResearchGaps) > 0 ||
		len(r.NextQuestions) > 0
}

// Task is an observable unit of backend-executed work. The local ID is
// assigned on submission or first observed event; BackendTaskID appears
// once the backend has materialized the task.
type Task struct {
	ID            string     `json:"id"`
	BackendTaskID *int64     `json:"backend_task_id,omitempty"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	Progress      float64    `json:"progress"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Message       string     `json:"message"`
	Error         string     `json:"error,omitempty"`
	ProjectID     int        `json:"project_id"`
	Query         string     `json:"query,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Key returns the deduplication key for the task: the backend task id
// when known, else the local id.
func (t *Task) Key() string {
	if t.BackendTaskID != nil {
		return "backend:" + strconv.FormatInt(*t.BackendTaskID, 10)
	}
	return t.ID
}

// SubscriptionID returns the push topic id for the task. Events address
// the backend id once it is known, else the local id. Subscribe and
// unsubscribe paths must both use this so the pair cancels out.
func (t *Task) SubscriptionID() string {
	if t.BackendTaskID != nil {
		return strconv.FormatInt(*t.BackendTaskID, 10)
	}
	return t.ID
}

// ClampProgress bounds a progress value to the 0..100 range.
func ClampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ClarificationOption is one selectable choice on a clarification card.
// Metadata is opaque here; it parameterizes the pipeline that runs after
// the dialogue resolves.
type ClarificationOption struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	Confidence    float64                `json:"confidence"`
	IsRecommended bool                   `json:"is_recommended"`
	Implications  string                 `json:"implications,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// DefaultClarificationTimeout is the countdown length, in seconds, when
// a card does not specify one.
const DefaultClarificationTimeout = 5

// ClarificationCard is a server-issued set of mutually exclusive options
// presented to disambiguate user intent. At most one card is active per
// session; a new card always replaces the current one.
type ClarificationCard struct {
	SessionID           string                `json:"session_id"`
	Stage               string                `json:"stage"`
	Question            string                `json:"question"`
	Options             []ClarificationOption `json:"options"`
	RecommendedOptionID string                `json:"recommended_option_id,omitempty"`
	TimeoutSeconds      int                   `json:"timeout_seconds"`
	CustomInputAllowed  bool                  `json:"custom_input_allowed"`
}

// Option returns the option with the given id, if present.
func (c *ClarificationCard) Option(id string) (*ClarificationOption, bool) {
	for i := range c.Options {
		if c.Options[i].ID == id {
			return &c.Options[i], true
		}
	}
	return nil, false
}

// Recommended returns the card's recommended option. It honors
// RecommendedOptionID first, then any option flagged is_recommended.
func (c *ClarificationCard) Recommended() (*ClarificationOption, bool) {
	if c.RecommendedOptionID != "" {
		if opt, ok := c.Option(c.RecommendedOptionID); ok {
			return opt, true
		}
	}
	for i := range c.Options {
		if c.Options[i].IsRecommended {
			return &c.Options[i], true
		}
	}
	return nil, false
}

// Timeout returns the countdown length for the card in seconds.
func (c *ClarificationCard) Timeout() int {
	if c.TimeoutSeconds > 0 {
		return c.TimeoutSeconds
	}
	return DefaultClarificationTimeout
}

// PendingAutoQuery is a user intent deferred while a clarification
// dialogue is outstanding. It is consumed exactly once on resolution.
type PendingAutoQuery struct {
	Query     string `json:"query"`
	ProjectID int    `json:"project_id"`
	Mode      string `json:"mode"`
}

// PipelineOptions carries parameters derived from a chosen clarification
// option's metadata into the autonomous pipeline.
type PipelineOptions struct {
	Keywords []string               `json:"keywords,omitempty"`
	Agent    string                 `json:"agent,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty"`
}
