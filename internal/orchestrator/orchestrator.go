// Package orchestrator is the top-level entry point of the research
// client core: it routes a user query through the rag, deep, or auto
// protocol path, coordinates the clarification machine and task ledger,
// and exposes read-only snapshots to presentation.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridianhq/researchkit/internal/backend"
	"github.com/meridianhq/researchkit/internal/events"
	"github.com/meridianhq/researchkit/internal/history"
	"github.com/meridianhq/researchkit/internal/interaction"
	"github.com/meridianhq/researchkit/internal/ledger"
	"github.com/meridianhq/researchkit/internal/metrics"
	"github.com/meridianhq/researchkit/internal/models"
	"github.com/meridianhq/researchkit/internal/normalize"
)

var (
	// ErrUnknownMode is returned for a submit with an unrecognized mode.
	ErrUnknownMode = errors.New("unknown research mode")

	// ErrRateLimited is returned when submissions outpace the configured
	// rate limit. Local precondition, no network call made.
	ErrRateLimited = errors.New("query rate limit exceeded")
)

// Backend is the query surface of the backend client the orchestrator
// depends on. *backend.Client satisfies it (and interaction.Service).
type Backend interface {
	SubmitQuery(ctx context.Context, req backend.QueryRequest) (backend.QueryResponse, error)
	TaskDetail(ctx context.Context, backendTaskID int64) (map[string]interface{}, error)
}

// ScopeStatusReady marks a project scope as usable for clarification
// dialogues.
const ScopeStatusReady = "ready"

// Orchestrator is the dependency-injected session store. Construct one
// per application root; tear it down with Reset.
type Orchestrator struct {
	mu           sync.Mutex
	isLoading    bool
	lastErr      error
	historyItems []models.ResearchResult
	scopes       map[int]string

	backend     Backend
	router      *events.Router
	ledger      *ledger.Ledger
	machine     *interaction.Machine
	store       *history.Store
	limiter     *rate.Limiter
	machineOpts []interaction.Option
	logger      *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistoryStore attaches the local result archive. Without it,
// history operations are no-ops.
func WithHistoryStore(s *history.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithRateLimit bounds query submissions per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *Orchestrator) { o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithMachineOptions forwards options to the clarification machine
// (clock injection in tests).
func WithMachineOptions(opts ...interaction.Option) Option {
	return func(o *Orchestrator) { o.machineOpts = append(o.machineOpts, opts...) }
}

// New wires the orchestrator: ledger over the router's subscriptions,
// clarification machine over the interaction service, push handlers for
// every consumed topic.
func New(b Backend, svc interaction.Service, router *events.Router, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		backend: b,
		router:  router,
		scopes:  make(map[int]string),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.ledger = ledger.New(b, router, logger)
	o.ledger.SetResultHook(o.persistResult)

	machineOpts := append([]interaction.Option{
		interaction.WithScopeChecker(o.scopeReady),
	}, o.machineOpts...)
	o.machine = interaction.NewMachine(svc, router, logger, machineOpts...)
	o.machine.SetPipelineRunner(o.runAutoPipeline)

	router.On(events.TopicTaskProgress, o.taskEventHandler(""))
	router.On(events.TopicTaskStarted, o.taskEventHandler(models.StatusRunning))
	router.On(events.TopicTaskCompleted, o.taskEventHandler(models.StatusCompleted))
	router.On(events.TopicTaskFailed, o.taskEventHandler(models.StatusFailed))
	router.On(events.TopicResearchResult, o.onResearchResult)
	router.On(events.TopicInteractionUpdate, o.onInteractionUpdate)
	return o
}

// Submit routes one user query through the protocol path for its mode.
// Failures are both returned and recorded into the error snapshot; the
// loading flag is always cleared on the way out of an error.
func (o *Orchestrator) Submit(ctx context.Context, query, mode string, projectID int) error {
	switch mode {
	case models.ModeRAG, models.ModeDeep, models.ModeAuto:
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownMode, mode)
		o.setError(err)
		return err
	}
	if o.limiter != nil && !o.limiter.Allow() {
		o.setError(ErrRateLimited)
		return ErrRateLimited
	}

	metrics.QueriesSubmitted.WithLabelValues(mode).Inc()
	timer := time.Now()
	defer func() {
		metrics.QueryDuration.WithLabelValues(mode).Observe(time.Since(timer).Seconds())
	}()

	o.setLoading(true)
	var err error
	switch mode {
	case models.ModeRAG:
		err = o.submitRAG(ctx, query, projectID)
	case models.ModeDeep:
		err = o.submitDeep(ctx, query, projectID)
	case models.ModeAuto:
		err = o.submitAuto(ctx, query, projectID)
	}
	if err != nil {
		metrics.QueriesFailed.WithLabelValues(mode).Inc()
		o.setError(err)
		return err
	}
	o.setLoading(false)
	return nil
}

// submitRAG issues a single synchronous request and inserts exactly one
// normalized result. On failure nothing partial is recorded.
func (o *Orchestrator) submitRAG(ctx context.Context, query string, projectID int) error {
	resp, err := o.backend.SubmitQuery(ctx, backend.QueryRequest{
		Query: query, Mode: models.ModeRAG, ProjectID: projectID,
	})
	if err != nil {
		return err
	}
	res := normalize.Normalize(resp.Payload, normalize.Defaults{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Mode:      models.ModeRAG,
		Question:  query,
	})
	o.ledger.InsertResult(res)
	return nil
}

// submitDeep registers a pending task from the returned descriptor and
// subscribes to its push topic. It does not wait for completion.
func (o *Orchestrator) submitDeep(ctx context.Context, query string, projectID int) error {
	resp, err := o.backend.SubmitQuery(ctx, backend.QueryRequest{
		Query: query, Mode: models.ModeDeep, ProjectID: projectID,
	})
	if err != nil {
		return err
	}
	backendID, ok := numericField(resp.Payload, "task_id")
	if !ok {
		return fmt.Errorf("%w: deep response carried no task_id", backend.ErrBackend)
	}
	task := models.Task{
		ID:            uuid.New().String(),
		BackendTaskID: &backendID,
		Type:          models.TaskDeepResearch,
		Status:        models.StatusPending,
		Progress:      0,
		Title:         query,
		Query:         query,
		ProjectID:     projectID,
	}
	if msg, ok := resp.Payload["message"].(string); ok {
		task.Message = msg
	}
	o.ledger.Register(task)
	o.router.SubscribeToTask(strconv.FormatInt(backendID, 10))
	o.logger.Info("deep research task registered",
		zap.String("task_id", task.ID),
		zap.Int64("backend_task_id", backendID),
	)
	return nil
}

// submitAuto attempts a clarification dialogue first. An open card
// returns control to the caller with the intent deferred; an immediate
// resolution or an interaction-start failure falls back to running the
// pipeline directly, without surfacing the interaction error.
func (o *Orchestrator) submitAuto(ctx context.Context, query string, projectID int) error {
	if err := o.scopeReady(projectID); err != nil {
		return err
	}
	card, err := o.machine.Start(ctx, interaction.StartRequest{
		Query: query, ProjectID: projectID, Mode: models.ModeAuto,
	})
	if err != nil {
		o.logger.Warn("interaction start failed, falling back to pipeline", zap.Error(err))
	} else if card != nil {
		// Clarification outstanding; the pipeline runs on resolution.
		return nil
	}
	return o.runAutoPipeline(ctx, models.PendingAutoQuery{
		Query: query, ProjectID: projectID, Mode: models.ModeAuto,
	}, models.PipelineOptions{})
}

// runAutoPipeline submits the autonomous pipeline, registers every task
// the backend returns, and captures an immediate partial result when it
// passes the non-trivial guard. Also the machine's pipeline runner.
func (o *Orchestrator) runAutoPipeline(ctx context.Context, q models.PendingAutoQuery, opts models.PipelineOptions) error {
	resp, err := o.backend.SubmitQuery(ctx, backend.QueryRequest{
		Query: q.Query, Mode: models.ModeAuto, ProjectID: q.ProjectID, Options: opts,
	})
	if err != nil {
		o.setError(err)
		return err
	}

	tasks := parseTaskDescriptors(resp.Payload, q)
	if len(tasks) > 0 {
		o.ledger.Sync(tasks)
		for i := range tasks {
			o.router.SubscribeToTask(tasks[i].SubscriptionID())
		}
	}

	res := normalize.Normalize(resp.Payload, normalize.Defaults{
		ID:        uuid.New().String(),
		ProjectID: q.ProjectID,
		Mode:      models.ModeAuto,
		Question:  q.Query,
		Metadata:  planMetadata(resp.Payload, opts),
	})
	o.ledger.InsertResultIfNonTrivial(res)
	o.setLoading(false)
	o.logger.Info("auto pipeline started",
		zap.Int("tasks", len(tasks)),
		zap.Int("project_id", q.ProjectID),
	)
	return nil
}

// SyncTasks applies a full task resync snapshot. Latest snapshot wins
// for any task it includes; tasks absent from it remain untouched.
func (o *Orchestrator) SyncTasks(incoming []models.Task) {
	o.ledger.Sync(incoming)
}

// RemoveTask removes a tracked task and releases its push subscription.
func (o *Orchestrator) RemoveTask(taskID string) {
	o.ledger.Remove(taskID)
}

// LoadHistory refreshes the history snapshot from the local store.
func (o *Orchestrator) LoadHistory(ctx context.Context, projectID, limit int) error {
	if o.store == nil {
		return nil
	}
	items, err := o.store.LoadHistory(ctx, projectID, limit)
	if err != nil {
		o.setError(err)
		return err
	}
	o.mu.Lock()
	o.historyItems = items
	o.mu.Unlock()
	return nil
}

// SelectOption resolves the active clarification card with a choice.
func (o *Orchestrator) SelectOption(ctx context.Context, optionID string) error {
	return o.recordErr(o.machine.SelectOption(ctx, optionID))
}

// SubmitCustomInput resolves the active card with free-form input.
func (o *Orchestrator) SubmitCustomInput(ctx context.Context, text string) error {
	return o.recordErr(o.machine.SubmitCustomInput(ctx, text))
}

// HandleTimeout resolves the active card as timed out.
func (o *Orchestrator) HandleTimeout(ctx context.Context) error {
	return o.recordErr(o.machine.HandleTimeout(ctx))
}

// Reset unsubscribes every tracked task and session topic before
// clearing state, so stale handlers cannot fire after the reset.
func (o *Orchestrator) Reset() {
	o.router.Reset()
	o.machine.Reset()
	o.ledger.Reset()
	o.mu.Lock()
	o.historyItems = nil
	o.lastErr = nil
	o.isLoading = false
	o.mu.Unlock()
	o.logger.Info("orchestrator reset")
}

// RegisterScope records a project scope and its readiness state.
func (o *Orchestrator) RegisterScope(projectID int, status string) {
	o.mu.Lock()
	o.scopes[projectID] = status
	o.mu.Unlock()
}

// scopeReady is the local clarification precondition: with scope
// tracking configured, the project must be registered and ready. With
// no scopes registered the check is a pass-through.
func (o *Orchestrator) scopeReady(projectID int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.scopes) == 0 {
		return nil
	}
	status, ok := o.scopes[projectID]
	if !ok || status != ScopeStatusReady {
		return interaction.ErrScopeNotReady
	}
	return nil
}

// Snapshots exposed to presentation.

// ActiveTasks returns the tracked background tasks.
func (o *Orchestrator) ActiveTasks() []models.Task { return o.ledger.Tasks() }

// Results returns the result list, most recent first.
func (o *Orchestrator) Results() []models.ResearchResult { return o.ledger.Results() }

// History returns the last loaded history snapshot.
func (o *Orchestrator) History() []models.ResearchResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.ResearchResult, len(o.historyItems))
	copy(out, o.historyItems)
	return out
}

// CurrentCard returns the active clarification card, if any.
func (o *Orchestrator) CurrentCard() *models.ClarificationCard { return o.machine.Card() }

// ClarificationHistory returns the bounded clarification audit trail.
func (o *Orchestrator) ClarificationHistory() []interaction.HistoryEntry {
	return o.machine.History()
}

// IsLoading reports whether a submission is in flight.
func (o *Orchestrator) IsLoading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isLoading
}

// Err returns the current error snapshot, nil when healthy.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Event handlers. These call back into the ledger and machine methods
// rather than mutating state directly, keeping one serialized mutation
// path per resource.

func (o *Orchestrator) taskEventHandler(impliedStatus string) events.Handler {
	return func(payload interface{}) {
		ev, ok := events.ParseTaskEvent(payload)
		if !ok {
			metrics.EventsDropped.Inc()
			o.logger.Debug("unparseable task event dropped")
			return
		}
		upd := ledger.Update{
			BackendTaskID: ev.BackendTaskID,
			Status:        ev.Status,
			Progress:      ev.Progress,
			Message:       ev.Message,
			Error:         ev.Error,
		}
		if upd.Status == nil && impliedStatus != "" {
			status := impliedStatus
			upd.Status = &status
		}
		o.ledger.Update(context.Background(), ev.TaskID, upd)
	}
}

func (o *Orchestrator) onResearchResult(payload interface{}) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		metrics.EventsDropped.Inc()
		return
	}
	res := normalize.Normalize(m, normalize.Defaults{
		ID:   pushResultID(m),
		Mode: models.ModeAuto,
	})
	o.ledger.InsertResultIfNonTrivial(res)
}

// pushResultID derives a stable result id for a push payload, so a
// redelivered event upserts its result instead of inserting a
// duplicate. Payload-supplied ids win; otherwise the id is a content
// hash, identical across deliveries of the same event.
func pushResultID(m map[string]interface{}) string {
	if s, ok := m["id"].(string); ok && s != "" {
		return s
	}
	data, err := json.Marshal(m)
	if err != nil {
		return uuid.New().String()
	}
	h := fnv.New64a()
	h.Write(data)
	return "push-" + strconv.FormatUint(h.Sum64(), 16)
}

func (o *Orchestrator) onInteractionUpdate(payload interface{}) {
	ev, ok := events.ParseInteractionEvent(payload)
	if !ok {
		metrics.EventsDropped.Inc()
		o.logger.Debug("unparseable interaction event dropped")
		return
	}
	if ev.Card != nil {
		o.machine.PresentCard(*ev.Card)
	}
}

func (o *Orchestrator) persistResult(res models.ResearchResult) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveResult(context.Background(), res); err != nil {
		o.logger.Warn("history persist failed", zap.String("result_id", res.ID), zap.Error(err))
	}
}

func (o *Orchestrator) recordErr(err error) error {
	if err != nil {
		o.setError(err)
	}
	return err
}

func (o *Orchestrator) setLoading(v bool) {
	o.mu.Lock()
	o.isLoading = v
	if v {
		o.lastErr = nil
	}
	o.mu.Unlock()
}

// setError records the single current error value and always clears the
// loading flag so the caller never observes a stuck spinner.
func (o *Orchestrator) setError(err error) {
	o.mu.Lock()
	o.lastErr = err
	o.isLoading = false
	o.mu.Unlock()
}

// parseTaskDescriptors maps the auto payload's task array into ledger
// tasks, probing defensively per field.
func parseTaskDescriptors(payload map[string]interface{}, q models.PendingAutoQuery) []models.Task {
	raw, ok := payload["tasks"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]models.Task, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		task := models.Task{
			ID:        uuid.New().String(),
			Type:      models.TaskAutoPipeline,
			Status:    models.StatusPending,
			ProjectID: q.ProjectID,
			Query:     q.Query,
		}
		if id, ok := numericField(m, "task_id", "id"); ok {
			task.BackendTaskID = &id
		}
		if s, ok := m["type"].(string); ok {
			task.Type = models.ParseTaskType(s)
		}
		if s, ok := m["title"].(string); ok {
			task.Title = s
		}
		if s, ok := m["description"].(string); ok {
			task.Description = s
		}
		if s, ok := m["status"].(string); ok {
			task.Status = s
		}
		out = append(out, task)
	}
	return out
}

// planMetadata folds the optional agent plan and derived options into
// result provenance.
func planMetadata(payload map[string]interface{}, opts models.PipelineOptions) map[string]string {
	meta := make(map[string]string)
	if plan, ok := payload["agent_plan"].([]interface{}); ok && len(plan) > 0 {
		names := make([]string, 0, len(plan))
		for _, p := range plan {
			if s, ok := p.(string); ok {
				names = append(names, s)
			}
		}
		if len(names) > 0 {
			meta["agent_plan"] = strings.Join(names, ",")
		}
	}
	if opts.Agent != "" {
		meta["agent"] = opts.Agent
	}
	if len(opts.Keywords) > 0 {
		meta["keywords"] = strings.Join(opts.Keywords, ",")
	}
	return meta
}

func numericField(m map[string]interface{}, keys ...string) (int64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int64(math.Round(v)), true
		case int:
			return int64(v), true
		case int64:
			return v, true
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
