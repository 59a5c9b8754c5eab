// Package events provides the push-event router: an in-process registry
// mapping named topics to ordered handler lists, with task/session
// subscription addressing over an external transport and a per-topic
// ring buffer for best-effort replay.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/researchkit/internal/metrics"
)

// Topics delivered over the push channel.
const (
	TopicTaskProgress      = "task_progress"
	TopicResearchResult    = "research_result"
	TopicInteractionUpdate = "interaction_update"
	// Lifecycle variants observed in auto mode
	TopicTaskStarted   = "task_started"
	TopicTaskCompleted = "task_completed"
	TopicTaskFailed    = "task_failed"
)

// Handler consumes one raw push payload. Payload shape is not fixed;
// handlers parse defensively via the Parse* helpers.
type Handler func(payload interface{})

// HandlerID identifies a registered handler for removal.
type HandlerID uint64

// Event is one routed push message, sequenced per topic for replay.
type Event struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
}

// Transport is the push-channel collaborator beneath the router. It only
// forwards remote topic membership; received messages come back through
// the router's Emit.
type Transport interface {
	SubscribeTask(id string) error
	UnsubscribeTask(id string) error
	SubscribeSession(id string) error
	UnsubscribeSession(id string) error
	Close() error
}

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// Router routes push events to handlers. One router is constructed per
// application root; it is safe for concurrent use.
type Router struct {
	mu          sync.RWMutex
	handlers    map[string][]handlerEntry
	nextID      HandlerID
	taskSubs    map[string]struct{}
	sessionSubs map[string]struct{}
	history     map[string]*ring
	capacity    int
	transport   Transport
	logger      *zap.Logger
}

// NewRouter creates a router with the given replay ring capacity per
// topic. A nil transport is allowed; subscription calls then only track
// membership locally.
func NewRouter(capacity int, logger *zap.Logger) *Router {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handlers:    make(map[string][]handlerEntry),
		taskSubs:    make(map[string]struct{}),
		sessionSubs: make(map[string]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
	}
}

// SetTransport attaches the push transport. Called once during wiring,
// before any subscription traffic.
func (r *Router) SetTransport(t Transport) {
	r.mu.Lock()
	r.transport = t
	r.mu.Unlock()
}

// On registers a handler for a topic. Handlers run in registration order.
func (r *Router) On(topic string, h Handler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.handlers[topic] = append(r.handlers[topic], handlerEntry{id: id, fn: h})
	return id
}

// Off removes a previously registered handler. Unknown ids are a no-op.
func (r *Router) Off(topic string, id HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.handlers[topic]
	for i, e := range entries {
		if e.id == id {
			r.handlers[topic] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(r.handlers[topic]) == 0 {
		delete(r.handlers, topic)
	}
}

// Emit dispatches a payload to every handler of the topic, in
// registration order. A panicking handler never prevents its siblings
// from running. Emit is invoked by the transport, not by callers.
func (r *Router) Emit(topic string, payload interface{}) {
	r.mu.Lock()
	rg := r.history[topic]
	if rg == nil {
		rg = newRing(r.capacity)
		r.history[topic] = rg
	}
	evt := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	entries := make([]handlerEntry, len(r.handlers[topic]))
	copy(entries, r.handlers[topic])
	r.mu.Unlock()

	metrics.EventsDispatched.WithLabelValues(topic).Inc()
	for _, e := range entries {
		r.invoke(topic, e, payload)
	}
}

func (r *Router) invoke(topic string, e handlerEntry, payload interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerPanics.Inc()
			r.logger.Error("event handler panicked",
				zap.String("topic", topic),
				zap.Uint64("handler_id", uint64(e.id)),
				zap.Any("panic", rec),
			)
		}
	}()
	e.fn(payload)
}

// ReplaySince returns buffered events for a topic with Seq > since,
// best-effort within ring capacity. Since sequences start at 1, a since
// of 0 replays everything still buffered. The lock is held across the
// ring scan; Emit mutates the ring under the write lock.
func (r *Router) ReplaySince(topic string, since uint64) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rg := r.history[topic]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// SubscribeToTask tells the transport to forward events for a task.
// Subscribing twice to the same id is a no-op.
func (r *Router) SubscribeToTask(id string) {
	r.subscribe(id, r.taskSubs, func(t Transport) error { return t.SubscribeTask(id) }, "task")
}

// UnsubscribeFromTask releases a task subscription. Unknown ids are a no-op.
func (r *Router) UnsubscribeFromTask(id string) {
	r.unsubscribe(id, r.taskSubs, func(t Transport) error { return t.UnsubscribeTask(id) }, "task")
}

// SubscribeToSession tells the transport to forward events for an
// interaction session. Idempotent.
func (r *Router) SubscribeToSession(id string) {
	r.subscribe(id, r.sessionSubs, func(t Transport) error { return t.SubscribeSession(id) }, "session")
}

// UnsubscribeFromSession releases a session subscription.
func (r *Router) UnsubscribeFromSession(id string) {
	r.unsubscribe(id, r.sessionSubs, func(t Transport) error { return t.UnsubscribeSession(id) }, "session")
}

func (r *Router) subscribe(id string, set map[string]struct{}, fwd func(Transport) error, kind string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	if _, ok := set[id]; ok {
		r.mu.Unlock()
		return
	}
	set[id] = struct{}{}
	t := r.transport
	r.mu.Unlock()
	if t != nil {
		if err := fwd(t); err != nil {
			r.logger.Warn("push subscribe failed",
				zap.String("kind", kind), zap.String("id", id), zap.Error(err))
		}
	}
}

func (r *Router) unsubscribe(id string, set map[string]struct{}, fwd func(Transport) error, kind string) {
	r.mu.Lock()
	if _, ok := set[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(set, id)
	t := r.transport
	r.mu.Unlock()
	if t != nil {
		if err := fwd(t); err != nil {
			r.logger.Warn("push unsubscribe failed",
				zap.String("kind", kind), zap.String("id", id), zap.Error(err))
		}
	}
}

// Reset releases every tracked task and session subscription. Handler
// registrations survive; they belong to the wiring, not the session.
func (r *Router) Reset() {
	r.mu.Lock()
	tasks := make([]string, 0, len(r.taskSubs))
	for id := range r.taskSubs {
		tasks = append(tasks, id)
	}
	sessions := make([]string, 0, len(r.sessionSubs))
	for id := range r.sessionSubs {
		sessions = append(sessions, id)
	}
	r.taskSubs = make(map[string]struct{})
	r.sessionSubs = make(map[string]struct{})
	t := r.transport
	r.mu.Unlock()

	if t == nil {
		return
	}
	for _, id := range tasks {
		if err := t.UnsubscribeTask(id); err != nil {
			r.logger.Warn("reset unsubscribe failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	for _, id := range sessions {
		if err := t.UnsubscribeSession(id); err != nil {
			r.logger.Warn("reset unsubscribe failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// newRing starts sequencing at 1 so seq 0 means "replay from the start".
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
