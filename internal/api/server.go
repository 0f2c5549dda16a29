package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/kalambet/chatflow/internal/ingest"
	"github.com/kalambet/chatflow/internal/metrics"
	"github.com/kalambet/chatflow/internal/pipeline"
	"github.com/kalambet/chatflow/internal/storage"
	"github.com/kalambet/chatflow/internal/tracing"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ChatService starts flows.
type ChatService interface {
	Submit(ctx context.Context, message string) (string, error)
	Ask(ctx context.Context, message string) (pipeline.Completion, error)
}

// FlowStore reads persisted flows.
type FlowStore interface {
	GetFlow(ctx context.Context, id string) (storage.Flow, error)
	ListFlows(ctx context.Context, limit int) ([]storage.Flow, error)
}

// TraceReader lists the spans recorded for a flow.
type TraceReader interface {
	Spans(ctx context.Context, correlationID string) ([]tracing.Span, error)
}

// Deps holds the HTTP handler's collaborators. Flows, Traces and Jobs are
// optional; the routes that need them answer 501 when unset.
type Deps struct {
	Chat   ChatService
	Flows  FlowStore
	Traces TraceReader
	Jobs   ingest.JobEnqueuer
}

// NewHandler returns the chatflow HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", handleChat(deps))
		r.Get("/flows", handleListFlows(deps))
		r.Get("/flows/{id}", handleGetFlow(deps))
		r.Get("/flows/{id}/trace", handleGetTrace(deps))
		r.Post("/entries", handleCreateEntry(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, ErrorResponse{Error: ErrorDetail{Message: fmt.Sprintf(format, args...), Type: errType}})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
