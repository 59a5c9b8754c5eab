// Package interaction owns the lifecycle of a clarification dialogue:
// an explicit state machine covering card presentation, option
// selection, custom input, countdown-driven auto-resolution, and
// chaining into follow-up cards before a deferred auto query runs.
package interaction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/researchkit/internal/metrics"
	"github.com/meridianhq/researchkit/internal/models"
)

var (
	// ErrScopeNotReady is returned by Start when the local scope
	// precondition fails; no network call has been made.
	ErrScopeNotReady = errors.New("scope is not ready for clarification")

	// ErrNoActiveCard is returned when a resolution is attempted with no
	// card presented.
	ErrNoActiveCard = errors.New("no active clarification card")
)

// State is the machine's lifecycle position. Illegal combinations (a
// card present while mid-resolution, for example) are unrepresentable.
type State int

const (
	StateIdle State = iota
	StateAwaitingCard
	StateCardPresented
	StateResolving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCard:
		return "awaiting_card"
	case StateCardPresented:
		return "card_presented"
	case StateResolving:
		return "resolving"
	}
	return "unknown"
}

// Resolution outcomes recorded in the clarification history.
const (
	OutcomeSelected  = "selected"
	OutcomeCustom    = "custom_input"
	OutcomeTimeout   = "timeout"
	OutcomeExpired   = "expired"
	OutcomeDismissed = "dismissed"
)

// historyBound caps the clarification history kept for audit display.
const historyBound = 20

// StartRequest opens an interaction session for a deferred auto query.
type StartRequest struct {
	Query     string
	ProjectID int
	Mode      string
}

// StartResult is the server's verdict on session start.
type StartResult struct {
	SessionID             string
	RequiresClarification bool
	Card                  *models.ClarificationCard
}

// ResolveRequest carries one resolution attempt to the server.
type ResolveRequest struct {
	SessionID   string
	OptionID    string
	CustomInput string
	TimedOut    bool
}

// ResolveResult is the server's verdict on a resolution. A non-nil
// NextCard chains the dialogue into a follow-up card.
type ResolveResult struct {
	NextCard *models.ClarificationCard
}

// Service is the backend surface the machine drives. The HTTP backend
// client satisfies it.
type Service interface {
	StartInteraction(ctx context.Context, req StartRequest) (StartResult, error)
	ResolveInteraction(ctx context.Context, req ResolveRequest) (ResolveResult, error)
}

// SessionSubscriptions is the slice of the event router the machine
// needs for session topic addressing.
type SessionSubscriptions interface {
	SubscribeToSession(id string)
	UnsubscribeFromSession(id string)
}

// ScopeChecker verifies the local precondition for starting a
// clarification: the owning scope (library/project) must exist and be
// ready. It must not perform network calls.
type ScopeChecker func(projectID int) error

// PipelineRunner consumes the deferred query once the dialogue finally
// resolves, carrying option-derived parameters.
type PipelineRunner func(ctx context.Context, q models.PendingAutoQuery, opts models.PipelineOptions) error

// HistoryEntry is one immutable audit record of a resolution.
type HistoryEntry struct {
	SessionID   string    `json:"session_id"`
	Stage       string    `json:"stage,omitempty"`
	Question    string    `json:"question"`
	OptionID    string    `json:"option_id,omitempty"`
	CustomInput string    `json:"custom_input,omitempty"`
	Outcome     string    `json:"outcome"`
	At          time.Time `json:"at"`
}

type countdown struct {
	remaining int
	stop      chan struct{}
}

// Machine is the clarification state machine. One instance exists per
// application root; all fields are guarded by mu.
type Machine struct {
	mu        sync.Mutex
	state     State
	card      *models.ClarificationCard
	sessionID string
	pending   *models.PendingAutoQuery
	history   []HistoryEntry
	cd        *countdown

	svc         Service
	subs        SessionSubscriptions
	scopeCheck  ScopeChecker
	runPipeline PipelineRunner
	clock       Clock
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithScopeChecker installs the local start precondition.
func WithScopeChecker(check ScopeChecker) Option {
	return func(m *Machine) { m.scopeCheck = check }
}

// WithClock replaces the countdown clock. Passing nil disables the
// automatic countdown goroutine; Tick then drives the countdown
// manually, which is how tests simulate seconds.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// NewMachine creates an idle machine.
func NewMachine(svc Service, subs SessionSubscriptions, logger *zap.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		svc:    svc,
		subs:   subs,
		clock:  RealClock{},
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPipelineRunner wires the orchestrator's auto-pipeline path. Called
// once during wiring.
func (m *Machine) SetPipelineRunner(run PipelineRunner) {
	m.mu.Lock()
	m.runPipeline = run
	m.mu.Unlock()
}

// Start opens a clarification dialogue for the given deferred query.
// It fails fast on the scope precondition without touching the network.
// The returned card is nil when the session resolved immediately; the
// caller then runs the pipeline directly.
func (m *Machine) Start(ctx context.Context, req StartRequest) (*models.ClarificationCard, error) {
	if m.scopeCheck != nil {
		if err := m.scopeCheck(req.ProjectID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if m.state == StateCardPresented {
		// A new dialogue supersedes the current card.
		m.appendEntryLocked(OutcomeDismissed, "", "")
		m.clearDialogueLocked()
	}
	m.state = StateAwaitingCard
	m.mu.Unlock()

	res, err := m.svc.StartInteraction(ctx, req)
	if err != nil {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !res.RequiresClarification || res.Card == nil {
		m.state = StateIdle
		return nil, nil
	}
	card := *res.Card
	if card.SessionID == "" {
		card.SessionID = res.SessionID
	}
	m.card = &card
	m.sessionID = card.SessionID
	m.pending = &models.PendingAutoQuery{Query: req.Query, ProjectID: req.ProjectID, Mode: req.Mode}
	m.state = StateCardPresented
	m.startCountdownLocked(card.Timeout())
	metrics.ClarificationsPresented.Inc()
	if m.subs != nil && m.sessionID != "" {
		m.subs.SubscribeToSession(m.sessionID)
	}
	m.logger.Info("clarification card presented",
		zap.String("session_id", m.sessionID),
		zap.Int("options", len(card.Options)),
		zap.Int("timeout_seconds", card.Timeout()),
	)
	return &card, nil
}

// PresentCard installs a card delivered over the push channel. A new
// card always replaces the current one.
func (m *Machine) PresentCard(card models.ClarificationCard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateResolving {
		// A resolution round-trip is in flight; its verdict governs.
		return
	}
	m.card = &card
	if card.SessionID != "" {
		m.sessionID = card.SessionID
	}
	m.state = StateCardPresented
	m.startCountdownLocked(card.Timeout())
	metrics.ClarificationsPresented.Inc()
	if m.subs != nil && m.sessionID != "" {
		m.subs.SubscribeToSession(m.sessionID)
	}
}

// SelectOption resolves the active card with an explicit choice.
func (m *Machine) SelectOption(ctx context.Context, optionID string) error {
	return m.resolve(ctx, optionID, "", OutcomeSelected)
}

// SubmitCustomInput resolves the active card with free-form user input.
func (m *Machine) SubmitCustomInput(ctx context.Context, text string) error {
	return m.resolve(ctx, "", text, OutcomeCustom)
}

// HandleTimeout resolves the active card as timed out: the recommended
// option is auto-selected when one exists, otherwise the card expires
// with no selection.
func (m *Machine) HandleTimeout(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateCardPresented || m.card == nil {
		m.mu.Unlock()
		return ErrNoActiveCard
	}
	rec, ok := m.card.Recommended()
	if !ok {
		m.appendEntryLocked(OutcomeExpired, "", "")
		m.clearDialogueLocked()
		m.state = StateIdle
		m.mu.Unlock()
		metrics.ClarificationsResolved.WithLabelValues(OutcomeExpired).Inc()
		m.logger.Info("clarification card expired without recommendation")
		return nil
	}
	optionID := rec.ID
	m.mu.Unlock()
	return m.resolve(ctx, optionID, "", OutcomeTimeout)
}

// Dismiss abandons the dialogue: the card and the deferred query are
// both discarded.
func (m *Machine) Dismiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCardPresented {
		return
	}
	m.appendEntryLocked(OutcomeDismissed, "", "")
	m.clearDialogueLocked()
	m.pending = nil
	m.state = StateIdle
	metrics.ClarificationsResolved.WithLabelValues(OutcomeDismissed).Inc()
}

// resolve is the single convergence point for explicit selection,
// custom input, and countdown timeout.
func (m *Machine) resolve(ctx context.Context, optionID, customInput, outcome string) error {
	m.mu.Lock()
	if m.state != StateCardPresented || m.card == nil {
		m.mu.Unlock()
		return ErrNoActiveCard
	}
	card := m.card
	var chosen *models.ClarificationOption
	if optionID != "" {
		chosen, _ = card.Option(optionID)
	}
	sessionID := m.sessionID
	m.state = StateResolving
	m.stopCountdownLocked()
	m.mu.Unlock()

	res, err := m.svc.ResolveInteraction(ctx, ResolveRequest{
		SessionID:   sessionID,
		OptionID:    optionID,
		CustomInput: customInput,
		TimedOut:    outcome == OutcomeTimeout,
	})
	if err != nil {
		// Terminal for this attempt only: the card and the pending query
		// stay so the user can retry with their original intent intact.
		m.mu.Lock()
		m.state = StateCardPresented
		m.mu.Unlock()
		m.logger.Warn("clarification resolution failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return err
	}

	m.mu.Lock()
	m.appendEntryLocked(outcome, optionID, customInput)

	if res.NextCard != nil {
		next := *res.NextCard
		if next.SessionID == "" {
			next.SessionID = sessionID
		}
		m.card = &next
		m.state = StateCardPresented
		m.startCountdownLocked(next.Timeout())
		metrics.ClarificationsPresented.Inc()
		m.mu.Unlock()
		m.logger.Info("clarification chained to follow-up card",
			zap.String("session_id", sessionID))
		return nil
	}

	pending := m.pending
	m.pending = nil
	m.clearDialogueLocked()
	m.state = StateIdle
	run := m.runPipeline
	m.mu.Unlock()

	metrics.ClarificationsResolved.WithLabelValues(outcome).Inc()
	if pending == nil || run == nil {
		return nil
	}
	return run(ctx, *pending, deriveOptions(chosen))
}

// Tick advances the countdown by one second. The machine drives it from
// its own clock goroutine; presentation layers that own a timer may call
// it directly instead.
func (m *Machine) Tick(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateCardPresented || m.cd == nil {
		m.mu.Unlock()
		return
	}
	m.cd.remaining--
	if m.cd.remaining > 0 {
		m.mu.Unlock()
		return
	}
	m.stopCountdownLocked()
	m.mu.Unlock()

	if err := m.HandleTimeout(ctx); err != nil && !errors.Is(err, ErrNoActiveCard) {
		m.logger.Warn("countdown resolution failed", zap.Error(err))
	}
}

// State returns the machine's current lifecycle position.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Card returns a copy of the active card, if any.
func (m *Machine) Card() *models.ClarificationCard {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.card == nil {
		return nil
	}
	card := *m.card
	return &card
}

// Pending returns a copy of the deferred auto query, if any.
func (m *Machine) Pending() *models.PendingAutoQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return nil
	}
	p := *m.pending
	return &p
}

// Remaining returns the countdown seconds left, or 0 with no countdown.
func (m *Machine) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cd == nil {
		return 0
	}
	return m.cd.remaining
}

// History returns a snapshot of the clarification history, oldest first.
func (m *Machine) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// Reset tears the machine down to idle, discarding the card, countdown,
// deferred query, and history.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearDialogueLocked()
	m.pending = nil
	m.history = nil
	m.state = StateIdle
}

// appendEntryLocked records one resolution in the bounded history.
// Must be called with m.mu held and a card present (or clearing).
func (m *Machine) appendEntryLocked(outcome, optionID, customInput string) {
	entry := HistoryEntry{
		SessionID:   m.sessionID,
		Outcome:     outcome,
		OptionID:    optionID,
		CustomInput: customInput,
		At:          m.now(),
	}
	if m.card != nil {
		entry.Question = m.card.Question
		entry.Stage = m.card.Stage
	}
	m.history = append(m.history, entry)
	if len(m.history) > historyBound {
		m.history = m.history[len(m.history)-historyBound:]
	}
}

// clearDialogueLocked drops the card, countdown, and session
// subscription. Must be called with m.mu held.
func (m *Machine) clearDialogueLocked() {
	m.stopCountdownLocked()
	m.card = nil
	if m.sessionID != "" && m.subs != nil {
		// Unsubscribe outside the lock is not needed; the router call is
		// non-blocking bookkeeping plus a transport write.
		m.subs.UnsubscribeFromSession(m.sessionID)
	}
	m.sessionID = ""
}

func (m *Machine) startCountdownLocked(seconds int) {
	m.stopCountdownLocked()
	if seconds <= 0 {
		return
	}
	cd := &countdown{remaining: seconds, stop: make(chan struct{})}
	m.cd = cd
	if m.clock == nil {
		return
	}
	ticker := m.clock.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-cd.stop:
				return
			case <-ticker.Chan():
				m.Tick(context.Background())
			}
		}
	}()
}

func (m *Machine) stopCountdownLocked() {
	if m.cd != nil {
		close(m.cd.stop)
		m.cd = nil
	}
}

// deriveOptions extracts pipeline parameters from a chosen option's
// metadata: keywords, agent selection, and the remaining keys as
// free-form config.
func deriveOptions(opt *models.ClarificationOption) models.PipelineOptions {
	if opt == nil || len(opt.Metadata) == 0 {
		return models.PipelineOptions{}
	}
	out := models.PipelineOptions{}
	config := make(map[string]interface{})
	for k, v := range opt.Metadata {
		switch k {
		case "keywords":
			out.Keywords = toStringList(v)
		case "agent", "agent_selection":
			if s, ok := v.(string); ok {
				out.Agent = s
			}
		default:
			config[k] = v
		}
	}
	if len(config) > 0 {
		out.Config = config
	}
	return out
}

func toStringList(v interface{}) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}
