// Package tracing records one span per pipeline stage execution, grouped into a
// session keyed by the flow's correlation id.
package tracing

import (
	"context"
	"time"
)

// Status is the outcome recorded on a finished span.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Span is a single traced stage execution.
type Span struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Stage         string    `json:"stage"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitzero"`
	Status        Status    `json:"status,omitempty"`
	Error         string    `json:"error,omitempty"`
	Input         string    `json:"input,omitempty"`
	Output        string    `json:"output,omitempty"`
}

// Duration is zero for spans that have not ended.
func (s Span) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Backend persists spans. Errors returned by a backend are logged by the
// Tracer and never reach the traced function.
type Backend interface {
	StartSpan(ctx context.Context, span *Span) error
	EndSpan(ctx context.Context, span *Span) error
	// EndSession must be idempotent.
	EndSession(ctx context.Context, correlationID string) error
}

// Reader lists recorded spans for inspection.
type Reader interface {
	Spans(ctx context.Context, correlationID string) ([]Span, error)
}
