// Package history persists research results to a local SQLite database
// so past answers survive restarts and back the loadHistory surface.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/meridianhq/researchkit/internal/metrics"
	"github.com/meridianhq/researchkit/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS research_results (
    id             TEXT PRIMARY KEY,
    project_id     INTEGER NOT NULL,
    mode           TEXT NOT NULL,
    question       TEXT NOT NULL DEFAULT '',
    answer         TEXT NOT NULL DEFAULT '',
    key_findings   TEXT NOT NULL DEFAULT '[]',
    research_gaps  TEXT NOT NULL DEFAULT '[]',
    next_questions TEXT NOT NULL DEFAULT '[]',
    sources        TEXT NOT NULL DEFAULT '[]',
    confidence     REAL NOT NULL DEFAULT 0,
    timestamp      TEXT NOT NULL DEFAULT '',
    metadata       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_results_project ON research_results(project_id, timestamp DESC);
`

// Store is the local result archive. A nil *Store is tolerated by the
// orchestrator; history operations are then no-ops.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open opens (and migrates) the SQLite database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

type resultRow struct {
	ID            string  `db:"id"`
	ProjectID     int     `db:"project_id"`
	Mode          string  `db:"mode"`
	Question      string  `db:"question"`
	Answer        string  `db:"answer"`
	KeyFindings   string  `db:"key_findings"`
	ResearchGaps  string  `db:"research_gaps"`
	NextQuestions string  `db:"next_questions"`
	Sources       string  `db:"sources"`
	Confidence    float64 `db:"confidence"`
	Timestamp     string  `db:"timestamp"`
	Metadata      string  `db:"metadata"`
}

// SaveResult upserts one result by id.
func (s *Store) SaveResult(ctx context.Context, res models.ResearchResult) error {
	row := resultRow{
		ID:            res.ID,
		ProjectID:     res.ProjectID,
		Mode:          res.Mode,
		Question:      res.Question,
		Answer:        res.Answer,
		KeyFindings:   mustJSON(res.KeyFindings, "[]"),
		ResearchGaps:  mustJSON(res.ResearchGaps, "[]"),
		NextQuestions: mustJSON(res.NextQuestions, "[]"),
		Sources:       mustJSON(res.Sources, "[]"),
		Confidence:    res.Confidence,
		Timestamp:     res.Timestamp,
		Metadata:      mustJSON(res.Metadata, "{}"),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO research_results
		(id, project_id, mode, question, answer, key_findings, research_gaps,
		 next_questions, sources, confidence, timestamp, metadata)
		VALUES (:id, :project_id, :mode, :question, :answer, :key_findings,
		 :research_gaps, :next_questions, :sources, :confidence, :timestamp, :metadata)`,
		row)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// LoadHistory returns up to limit results for a project, most recent
// first. projectID <= 0 loads across projects.
func (s *Store) LoadHistory(ctx context.Context, projectID, limit int) ([]models.ResearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []resultRow
	var err error
	if projectID > 0 {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM research_results
			WHERE project_id = ?
			ORDER BY timestamp DESC LIMIT ?`, projectID, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM research_results
			ORDER BY timestamp DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]models.ResearchResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toResult(s.logger))
	}
	metrics.HistoryLoads.Inc()
	return out, nil
}

func (r resultRow) toResult(logger *zap.Logger) models.ResearchResult {
	res := models.ResearchResult{
		ID:            r.ID,
		ProjectID:     r.ProjectID,
		Mode:          models.ParseMode(r.Mode, models.ModeRAG),
		Question:      r.Question,
		Answer:        r.Answer,
		KeyFindings:   []string{},
		ResearchGaps:  []string{},
		NextQuestions: []string{},
		Sources:       []models.Source{},
		Confidence:    r.Confidence,
		Timestamp:     r.Timestamp,
		Metadata:      map[string]string{},
	}
	decodeColumn(logger, r.KeyFindings, &res.KeyFindings)
	decodeColumn(logger, r.ResearchGaps, &res.ResearchGaps)
	decodeColumn(logger, r.NextQuestions, &res.NextQuestions)
	decodeColumn(logger, r.Sources, &res.Sources)
	decodeColumn(logger, r.Metadata, &res.Metadata)
	return res
}

// decodeColumn tolerates corrupt JSON columns; the zero value stands in.
func decodeColumn(logger *zap.Logger, data string, out interface{}) {
	if data == "" {
		return
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		logger.Warn("corrupt history column skipped", zap.Error(err))
	}
}

// mustJSON encodes a list or map column. Nil values take the empty
// literal: a stored "null" would nil out the decoded field on load,
// and loaded results must always be safe to iterate.
func mustJSON(v interface{}, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
