// Package normalize translates heterogeneous backend payload shapes into
// the canonical ResearchResult record. Everything here is pure and total:
// type mismatches substitute defaults, they never error.
package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/meridianhq/researchkit/internal/models"
)

// Defaults supplies the base identity and fallback values for one
// normalization call.
type Defaults struct {
	ID                string
	ProjectID         int
	Mode              string // fallback when payload mode is absent or unrecognized
	Question          string
	Timestamp         string // RFC3339; defaulted to now when empty
	FallbackAnswer    string
	FallbackAnalysis  string
	DefaultConfidence float64
	Metadata          map[string]string
}

// Normalize maps an arbitrary backend payload to a ResearchResult.
// The payload may be nil, a flat object, or an object nesting the real
// fields under a "payload" key. Normalizing an already-normalized
// result's fields reproduces the same record.
func Normalize(payload interface{}, d Defaults) models.ResearchResult {
	m := unwrap(payload)

	ts := stringField(m, d.Timestamp, "timestamp")
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}

	answer := stringField(m, "", "answer")
	if answer == "" {
		answer = stringField(m, d.FallbackAnswer, "analysis")
		if answer == "" {
			answer = d.FallbackAnalysis
		}
	}

	meta := make(map[string]string, len(d.Metadata))
	for k, v := range d.Metadata {
		meta[k] = v
	}
	mergeMetadata(meta, m)

	return models.ResearchResult{
		ID:            stringField(m, d.ID, "id"),
		ProjectID:     intField(m, d.ProjectID, "project_id"),
		Mode:          models.ParseMode(stringField(m, "", "mode"), models.ParseMode(d.Mode, models.ModeRAG)),
		Question:      stringField(m, d.Question, "question", "query"),
		Answer:        answer,
		KeyFindings:   stringList(m, "key_findings"),
		ResearchGaps:  stringList(m, "research_gaps"),
		NextQuestions: stringList(m, "next_questions"),
		Sources:       sourceList(m),
		Confidence:    confidence(m, d.DefaultConfidence),
		Timestamp:     ts,
		Metadata:      meta,
	}
}

// unwrap descends through a nested "payload" key when present and
// returns a map view of the input, or an empty map for anything else.
func unwrap(payload interface{}) map[string]interface{} {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	if inner, ok := m["payload"].(map[string]interface{}); ok {
		return inner
	}
	return m
}

func stringField(m map[string]interface{}, fallback string, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func intField(m map[string]interface{}, fallback int, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(math.Round(v))
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	return fallback
}

// confidence accepts a number or a numeric string; anything else falls
// back to the supplied default.
func confidence(m map[string]interface{}, fallback float64) float64 {
	switch v := m["confidence"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

// stringList returns an always-iterable list for the key: []string and
// []interface{} inputs are accepted, everything else yields an empty list.
func stringList(m map[string]interface{}, key string) []string {
	switch v := m[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

func sourceList(m map[string]interface{}) []models.Source {
	raw, ok := m["sources"].([]interface{})
	if !ok {
		return []models.Source{}
	}
	out := make([]models.Source, 0, len(raw))
	for _, item := range raw {
		sm, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, models.Source{
			Title:      stringField(sm, "", "title"),
			Authors:    authors(sm),
			Year:       intField(sm, 0, "year"),
			DOI:        stringField(sm, "", "doi"),
			Confidence: confidence(sm, 0),
		})
	}
	return out
}

// authors tolerates a list or a comma-separated string.
func authors(m map[string]interface{}) []string {
	if list := stringList(m, "authors"); len(list) > 0 {
		return list
	}
	if s, ok := m["authors"].(string); ok && s != "" {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return []string{}
}

// mergeMetadata folds provenance fields from the payload into the
// metadata map without overwriting caller-supplied entries.
func mergeMetadata(meta map[string]string, m map[string]interface{}) {
	raw, ok := m["metadata"].(map[string]interface{})
	if !ok {
		return
	}
	for k, v := range raw {
		if _, exists := meta[k]; exists {
			continue
		}
		switch val := v.(type) {
		case string:
			meta[k] = val
		case float64:
			meta[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			meta[k] = strconv.FormatBool(val)
		}
	}
}
