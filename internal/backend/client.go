// Package backend implements the HTTP client for the research backend:
// query submission, task detail retrieval, and the interaction
// (clarification) endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhq/researchkit/internal/interaction"
	"github.com/meridianhq/researchkit/internal/models"
)

// ErrBackend is wrapped by every transport/backend failure so callers
// can distinguish them from local precondition errors.
var ErrBackend = errors.New("backend request failed")

// QueryRequest is one research query submission.
type QueryRequest struct {
	Query     string                 `json:"query"`
	Mode      string                 `json:"mode"`
	ProjectID int                    `json:"project_id"`
	Options   models.PipelineOptions `json:"options,omitempty"`
}

// QueryResponse is the mode-tagged submission result. Payload shape
// differs by mode: flat answer fields for rag, a task descriptor for
// deep, a task array plus optional immediate payload for auto.
type QueryResponse struct {
	Mode    string                 `json:"mode"`
	Payload map[string]interface{} `json:"payload"`
}

// Client is the HTTP research backend client.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
	tracer  oteltrace.Tracer
}

// New creates a client for the given base URL.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		tracer:  otel.Tracer("researchkit/backend"),
	}
}

// SubmitQuery submits a research query and returns the mode-tagged
// response payload.
func (c *Client) SubmitQuery(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	ctx, span := c.tracer.Start(ctx, "backend.SubmitQuery",
		oteltrace.WithAttributes(
			attribute.String("research.mode", req.Mode),
			attribute.Int("research.project_id", req.ProjectID),
		))
	defer span.End()

	var resp QueryResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/research/query", req, &resp); err != nil {
		span.RecordError(err)
		return QueryResponse{}, err
	}
	if resp.Payload == nil {
		resp.Payload = map[string]interface{}{}
	}
	return resp, nil
}

// TaskDetail fetches the full result payload for a completed backend task.
func (c *Client) TaskDetail(ctx context.Context, backendTaskID int64) (map[string]interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "backend.TaskDetail",
		oteltrace.WithAttributes(attribute.Int64("research.task_id", backendTaskID)))
	defer span.End()

	var out map[string]interface{}
	path := "/api/v1/research/tasks/" + strconv.FormatInt(backendTaskID, 10)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// startWire mirrors the interaction start endpoint response.
type startWire struct {
	Success               bool                      `json:"success"`
	SessionID             string                    `json:"session_id,omitempty"`
	ClarificationCard     *models.ClarificationCard `json:"clarification_card,omitempty"`
	RequiresClarification bool                      `json:"requires_clarification,omitempty"`
	Error                 string                    `json:"error,omitempty"`
}

// resolveWire mirrors the selection/timeout/custom-input response.
type resolveWire struct {
	Success               bool                      `json:"success"`
	NextAction            string                    `json:"next_action,omitempty"`
	NextClarificationCard *models.ClarificationCard `json:"next_clarification_card,omitempty"`
	Error                 string                    `json:"error,omitempty"`
}

// StartInteraction opens a clarification session for a deferred query.
func (c *Client) StartInteraction(ctx context.Context, req interaction.StartRequest) (interaction.StartResult, error) {
	ctx, span := c.tracer.Start(ctx, "backend.StartInteraction")
	defer span.End()

	body := map[string]interface{}{
		"query":      req.Query,
		"project_id": req.ProjectID,
		"mode":       req.Mode,
	}
	var wire startWire
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/interactions", body, &wire); err != nil {
		span.RecordError(err)
		return interaction.StartResult{}, err
	}
	if !wire.Success {
		err := fmt.Errorf("%w: %s", ErrBackend, messageOr(wire.Error, "interaction start rejected"))
		span.RecordError(err)
		return interaction.StartResult{}, err
	}
	return interaction.StartResult{
		SessionID:             wire.SessionID,
		RequiresClarification: wire.RequiresClarification,
		Card:                  wire.ClarificationCard,
	}, nil
}

// ResolveInteraction submits one resolution attempt (selection, custom
// input, or timeout) and reports whether the dialogue chains into a
// follow-up card.
func (c *Client) ResolveInteraction(ctx context.Context, req interaction.ResolveRequest) (interaction.ResolveResult, error) {
	ctx, span := c.tracer.Start(ctx, "backend.ResolveInteraction")
	defer span.End()

	body := map[string]interface{}{
		"option_id":    req.OptionID,
		"custom_input": req.CustomInput,
		"timed_out":    req.TimedOut,
	}
	var wire resolveWire
	path := "/api/v1/interactions/" + req.SessionID + "/resolve"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &wire); err != nil {
		span.RecordError(err)
		return interaction.ResolveResult{}, err
	}
	if !wire.Success {
		err := fmt.Errorf("%w: %s", ErrBackend, messageOr(wire.Error, "interaction resolution rejected"))
		span.RecordError(err)
		return interaction.ResolveResult{}, err
	}
	if wire.NextAction == "next_clarification" && wire.NextClarificationCard != nil {
		return interaction.ResolveResult{NextCard: wire.NextClarificationCard}, nil
	}
	return interaction.ResolveResult{}, nil
}

// apiError is the structured error body the backend returns on 4xx/5xx.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrBackend, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s", ErrBackend, extractErrorMessage(data, resp.StatusCode))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrBackend, err)
	}
	return nil
}

// extractErrorMessage pulls a human-readable message from a structured
// error body when present, else falls back to a generic status string.
func extractErrorMessage(data []byte, status int) string {
	var e apiError
	if err := json.Unmarshal(data, &e); err == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return "request failed with status " + strconv.Itoa(status)
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
