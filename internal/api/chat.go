package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/kalambet/chatflow/internal/flow"
	"github.com/kalambet/chatflow/internal/pipeline"
	"github.com/kalambet/chatflow/internal/storage"
	"github.com/kalambet/chatflow/internal/tracing"
)

// AskTimeout bounds a synchronous chat request.
const AskTimeout = 2 * time.Minute

// ChatRequest is the body of POST /v1/chat. With Wait set the handler blocks
// until the flow completes and returns the completion.
type ChatRequest struct {
	Message string `json:"message"`
	Wait    bool   `json:"wait,omitempty"`
}

// ChatAccepted is the 202 response to an asynchronous chat request.
type ChatAccepted struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	FlowID  string `json:"flow_id"`
}

// FlowResponse is the JSON view of a persisted flow.
type FlowResponse struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Message      string          `json:"message"`
	Query        string          `json:"query,omitempty"`
	Filter       json.RawMessage `json:"filter,omitempty"`
	ContextCount int             `json:"context_count"`
	Response     string          `json:"response"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  time.Time       `json:"completed_at,omitzero"`
}

// TraceResponse lists a flow's spans in start order.
type TraceResponse struct {
	FlowID string         `json:"flow_id"`
	Spans  []tracing.Span `json:"spans"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		if req.Wait {
			ctx, cancel := context.WithTimeout(r.Context(), AskTimeout)
			defer cancel()
			c, err := deps.Chat.Ask(ctx, req.Message)
			if err != nil {
				chatError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, c)
			return
		}

		id, err := deps.Chat.Submit(r.Context(), req.Message)
		if err != nil {
			chatError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ChatAccepted{
			Status:  "processing",
			Message: req.Message,
			FlowID:  id,
		})
	}
}

func chatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrValidation):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, pipeline.ErrNotRunning):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusGatewayTimeout, "timeout", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func handleListFlows(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Flows == nil {
			httpError(w, http.StatusNotImplemented, "unavailable", "flow storage is disabled")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		flows, err := deps.Flows.ListFlows(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list flows: %v", err)
			return
		}
		out := make([]FlowResponse, len(flows))
		for i, f := range flows {
			out[i] = flowResponse(f)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

var flowIDs flow.Registry

// flowIDParam reads the {id} route parameter, answering 400 when it is not a
// flow id.
func flowIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !flowIDs.Recognize(id) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "malformed flow id %q", id)
		return "", false
	}
	return id, true
}

func handleGetFlow(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Flows == nil {
			httpError(w, http.StatusNotImplemented, "unavailable", "flow storage is disabled")
			return
		}
		id, ok := flowIDParam(w, r)
		if !ok {
			return
		}

		f, err := deps.Flows.GetFlow(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "flow not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get flow: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, flowResponse(f))
	}
}

func handleGetTrace(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Traces == nil {
			httpError(w, http.StatusNotImplemented, "unavailable", "tracing is disabled")
			return
		}
		id, ok := flowIDParam(w, r)
		if !ok {
			return
		}

		spans, err := deps.Traces.Spans(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read trace: %v", err)
			return
		}
		if len(spans) == 0 {
			httpError(w, http.StatusNotFound, "not_found", "no trace for flow %s", id)
			return
		}
		writeJSON(w, http.StatusOK, TraceResponse{FlowID: id, Spans: spans})
	}
}

func flowResponse(f storage.Flow) FlowResponse {
	out := FlowResponse{
		ID:           f.ID,
		Status:       f.Status,
		Message:      f.Message,
		Query:        f.Query,
		ContextCount: f.ContextCount,
		Response:     f.Response,
		Error:        f.Error,
		CreatedAt:    f.CreatedAt,
		CompletedAt:  f.CompletedAt,
	}
	if f.FilterJSON != "" {
		out.Filter = json.RawMessage(f.FilterJSON)
	}
	return out
}
