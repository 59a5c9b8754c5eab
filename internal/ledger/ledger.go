// Package ledger owns the collection of observed background tasks and
// the canonical result list. All mutation goes through the ledger's own
// methods, giving one serialized mutation path per resource.
package ledger

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/researchkit/internal/metrics"
	"github.com/meridianhq/researchkit/internal/models"
	"github.com/meridianhq/researchkit/internal/normalize"
)

// DetailFetcher retrieves the full result payload for a completed task.
// The backend client satisfies it.
type DetailFetcher interface {
	TaskDetail(ctx context.Context, backendTaskID int64) (map[string]interface{}, error)
}

// Subscriptions is the slice of the event router the ledger needs to
// release a removed task's push subscription.
type Subscriptions interface {
	UnsubscribeFromTask(id string)
}

// Update is a partial task mutation. Nil fields are left untouched.
type Update struct {
	BackendTaskID *int64
	Status        *string
	Progress      *float64
	Title         *string
	Description   *string
	Message       *string
	Error         *string
}

// Ledger tracks background tasks and research results for one
// application root.
type Ledger struct {
	mu      sync.Mutex
	tasks   []models.Task
	results []models.ResearchResult

	fetcher  DetailFetcher
	subs     Subscriptions
	onResult func(models.ResearchResult)
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an empty ledger. fetcher and subs may be nil in tests that
// don't exercise completion fetches or removal.
func New(fetcher DetailFetcher, subs Subscriptions, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		fetcher: fetcher,
		subs:    subs,
		logger:  logger,
		now:     time.Now,
	}
}

// SetResultHook registers a callback invoked after each result insert,
// outside the ledger lock. Used to persist results to the history store.
func (l *Ledger) SetResultHook(fn func(models.ResearchResult)) {
	l.mu.Lock()
	l.onResult = fn
	l.mu.Unlock()
}

// MergeTasks returns the right-biased union of incoming over existing:
// incoming concatenated with every existing task whose key is not
// claimed by incoming. Fresh data wins for a shared key; tasks absent
// from incoming survive untouched.
func MergeTasks(incoming, existing []models.Task) []models.Task {
	seen := make(map[string]struct{}, len(incoming))
	merged := make([]models.Task, 0, len(incoming)+len(existing))
	for _, t := range incoming {
		key := t.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, t)
	}
	for _, t := range existing {
		if _, claimed := seen[t.Key()]; !claimed {
			merged = append(merged, t)
		}
	}
	return merged
}

// Sync applies a full task snapshot over the current set using
// MergeTasks semantics.
func (l *Ledger) Sync(incoming []models.Task) {
	l.mu.Lock()
	l.tasks = MergeTasks(incoming, l.tasks)
	metrics.TasksTracked.Set(float64(len(l.tasks)))
	l.mu.Unlock()
}

// Register adds or replaces a single task by key.
func (l *Ledger) Register(task models.Task) {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = l.now()
	}
	task.UpdatedAt = l.now()
	l.Sync([]models.Task{task})
}

// Update locates a task by local id, derived key, or backend id and
// shallow-merges the update in place, replacing the slice entry rather
// than mutating captured references. A transition into completed on a
// task with a known backend id triggers an asynchronous detail fetch.
func (l *Ledger) Update(ctx context.Context, taskID string, upd Update) {
	l.mu.Lock()
	idx := l.indexOf(taskID)
	if idx < 0 {
		l.mu.Unlock()
		l.logger.Debug("update for unknown task dropped", zap.String("task_id", taskID))
		return
	}

	task := l.tasks[idx]
	wasCompleted := task.Status == models.StatusCompleted
	if upd.BackendTaskID != nil {
		task.BackendTaskID = upd.BackendTaskID
	}
	if upd.Status != nil {
		task.Status = *upd.Status
		metrics.TaskTransitions.WithLabelValues(task.Status).Inc()
	}
	if upd.Progress != nil {
		task.Progress = models.ClampProgress(*upd.Progress)
	}
	if upd.Title != nil {
		task.Title = *upd.Title
	}
	if upd.Description != nil {
		task.Description = *upd.Description
	}
	if upd.Message != nil {
		task.Message = *upd.Message
	}
	if upd.Error != nil {
		task.Error = *upd.Error
	}
	task.UpdatedAt = l.now()
	if !wasCompleted && task.Status == models.StatusCompleted {
		done := l.now()
		task.CompletedAt = &done
		task.Progress = 100
	}
	l.tasks[idx] = task
	l.mu.Unlock()

	if !wasCompleted && task.Status == models.StatusCompleted && task.BackendTaskID != nil && l.fetcher != nil {
		go l.fetchDetail(ctx, task)
	}
}

// Remove deletes a task and releases its push subscription. Removing an
// unknown id is a no-op.
func (l *Ledger) Remove(taskID string) {
	l.mu.Lock()
	idx := l.indexOf(taskID)
	if idx < 0 {
		l.mu.Unlock()
		return
	}
	task := l.tasks[idx]
	l.tasks = append(l.tasks[:idx:idx], l.tasks[idx+1:]...)
	metrics.TasksTracked.Set(float64(len(l.tasks)))
	l.mu.Unlock()

	if l.subs != nil {
		// Must use the same id the subscribe path registered under.
		l.subs.UnsubscribeFromTask(task.SubscriptionID())
	}
}

// indexOf must be called with l.mu held.
func (l *Ledger) indexOf(taskID string) int {
	for i := range l.tasks {
		t := &l.tasks[i]
		if t.ID == taskID || t.Key() == taskID {
			return i
		}
		if t.BackendTaskID != nil && strconv.FormatInt(*t.BackendTaskID, 10) == taskID {
			return i
		}
	}
	return -1
}

func (l *Ledger) fetchDetail(ctx context.Context, task models.Task) {
	payload, err := l.fetcher.TaskDetail(ctx, *task.BackendTaskID)
	if err != nil {
		l.logger.Warn("task detail fetch failed",
			zap.String("task_id", task.ID),
			zap.Int64("backend_task_id", *task.BackendTaskID),
			zap.Error(err),
		)
		return
	}
	res := normalize.Normalize(payload, normalize.Defaults{
		ID:        task.ID,
		ProjectID: task.ProjectID,
		Mode:      modeForTask(task.Type),
		Question:  task.Query,
		Metadata: map[string]string{
			"task_id":   strconv.FormatInt(*task.BackendTaskID, 10),
			"task_type": task.Type,
		},
	})
	if !l.InsertResultIfNonTrivial(res) {
		l.logger.Debug("empty completion skipped", zap.String("task_id", task.ID))
	}
}

func modeForTask(taskType string) string {
	if taskType == models.TaskDeepResearch {
		return models.ModeDeep
	}
	return models.ModeAuto
}

// InsertResult inserts a result at the front of the list, superseding
// any existing entry with the same id.
func (l *Ledger) InsertResult(res models.ResearchResult) {
	l.mu.Lock()
	kept := make([]models.ResearchResult, 0, len(l.results)+1)
	kept = append(kept, res)
	for _, r := range l.results {
		if r.ID != res.ID {
			kept = append(kept, r)
		}
	}
	l.results = kept
	hook := l.onResult
	l.mu.Unlock()

	metrics.ResultsInserted.Inc()
	if hook != nil {
		hook(res)
	}
}

// InsertResultIfNonTrivial inserts only results that carry substance,
// reporting whether an insert happened.
func (l *Ledger) InsertResultIfNonTrivial(res models.ResearchResult) bool {
	if !res.NonTrivial() {
		metrics.ResultsSkippedTrivial.Inc()
		return false
	}
	l.InsertResult(res)
	return true
}

// Tasks returns a snapshot copy of the tracked tasks.
func (l *Ledger) Tasks() []models.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Task, len(l.tasks))
	copy(out, l.tasks)
	return out
}

// Results returns a snapshot copy of the result list, most recent first.
func (l *Ledger) Results() []models.ResearchResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.ResearchResult, len(l.results))
	copy(out, l.results)
	return out
}

// Reset clears tasks and results. Push subscriptions are released by
// the router's own reset; the ledger only drops its state.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.tasks = nil
	l.results = nil
	metrics.TasksTracked.Set(0)
	l.mu.Unlock()
}
