package events

import (
	"math"
	"strconv"
	"strings"

	"github.com/meridianhq/researchkit/internal/models"
)

// TaskEvent is the parsed form of a task-scoped push payload. Optional
// fields are pointers: nil means the event did not carry the field, and
// the ledger leaves the current value untouched.
type TaskEvent struct {
	TaskID        string
	BackendTaskID *int64
	Status        *string
	Progress      *float64
	Message       *string
	Error         *string
}

// ParseTaskEvent probes a push payload for task fields. It is total:
// missing or mistyped fields are treated as absent, and ok is false only
// when no task identity can be found at all.
func ParseTaskEvent(payload interface{}) (TaskEvent, bool) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return TaskEvent{}, false
	}
	var ev TaskEvent

	// Task identity arrives under any of several keys depending on the
	// emitting stage.
	for _, key := range []string{"task_id", "id", "taskId"} {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				ev.TaskID = v
			}
		case float64:
			n := int64(math.Round(v))
			ev.BackendTaskID = &n
			if ev.TaskID == "" {
				ev.TaskID = strconv.FormatInt(n, 10)
			}
		}
		if ev.TaskID != "" {
			break
		}
	}
	if ev.TaskID == "" {
		return TaskEvent{}, false
	}

	if s, ok := m["status"].(string); ok && s != "" {
		status := strings.ToLower(s)
		ev.Status = &status
	}
	switch v := m["progress"].(type) {
	case float64:
		p := models.ClampProgress(v)
		ev.Progress = &p
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			p := models.ClampProgress(f)
			ev.Progress = &p
		}
	}
	for _, key := range []string{"message", "description"} {
		if s, ok := m[key].(string); ok && s != "" {
			ev.Message = &s
			break
		}
	}
	if s, ok := m["error"].(string); ok && s != "" {
		ev.Error = &s
	}
	return ev, true
}

// InteractionEvent is the parsed form of an interaction_update payload.
type InteractionEvent struct {
	SessionID string
	Card      *models.ClarificationCard
	Stage     string
}

// ParseInteractionEvent probes a push payload for an interaction update.
// ok is false when no session id is present.
func ParseInteractionEvent(payload interface{}) (InteractionEvent, bool) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return InteractionEvent{}, false
	}
	var ev InteractionEvent
	for _, key := range []string{"session_id", "sessionId"} {
		if s, ok := m[key].(string); ok && s != "" {
			ev.SessionID = s
			break
		}
	}
	if ev.SessionID == "" {
		return InteractionEvent{}, false
	}
	if s, ok := m["stage"].(string); ok {
		ev.Stage = s
	}
	for _, key := range []string{"clarification_card", "card"} {
		if cm, ok := m[key].(map[string]interface{}); ok {
			card := ParseCard(cm)
			if card.SessionID == "" {
				card.SessionID = ev.SessionID
			}
			ev.Card = &card
			break
		}
	}
	return ev, true
}

// ParseCard maps a loosely-typed card object into a ClarificationCard.
func ParseCard(m map[string]interface{}) models.ClarificationCard {
	card := models.ClarificationCard{
		TimeoutSeconds: models.DefaultClarificationTimeout,
	}
	if s, ok := m["session_id"].(string); ok {
		card.SessionID = s
	}
	if s, ok := m["stage"].(string); ok {
		card.Stage = s
	}
	if s, ok := m["question"].(string); ok {
		card.Question = s
	}
	if s, ok := m["recommended_option_id"].(string); ok {
		card.RecommendedOptionID = s
	}
	if f, ok := m["timeout_seconds"].(float64); ok && f > 0 {
		card.TimeoutSeconds = int(f)
	}
	if b, ok := m["custom_input_allowed"].(bool); ok {
		card.CustomInputAllowed = b
	}
	if raw, ok := m["options"].([]interface{}); ok {
		for _, item := range raw {
			om, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			opt := models.ClarificationOption{}
			if s, ok := om["id"].(string); ok {
				opt.ID = s
			}
			if s, ok := om["title"].(string); ok {
				opt.Title = s
			}
			if s, ok := om["description"].(string); ok {
				opt.Description = s
			}
			if f, ok := om["confidence"].(float64); ok {
				opt.Confidence = f
			}
			if b, ok := om["is_recommended"].(bool); ok {
				opt.IsRecommended = b
			}
			if s, ok := om["implications"].(string); ok {
				opt.Implications = s
			}
			if meta, ok := om["metadata"].(map[string]interface{}); ok {
				opt.Metadata = meta
			}
			card.Options = append(card.Options, opt)
		}
	}
	return card
}
