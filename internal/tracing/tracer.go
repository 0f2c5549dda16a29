package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// DefaultMaxAttrLen caps the recorded input and output, in runes.
const DefaultMaxAttrLen = 4096

// Tracer wraps stage functions with spans written to a Backend.
type Tracer struct {
	backend    Backend
	maxAttrLen int
	now        func() time.Time
}

// NewTracer returns a Tracer writing to b. A nil backend disables recording.
func NewTracer(b Backend) *Tracer {
	if b == nil {
		b = NoopBackend{}
	}
	return &Tracer{backend: b, maxAttrLen: DefaultMaxAttrLen, now: time.Now}
}

// WithMaxAttrLen sets the rune limit for recorded span input and output.
// Non-positive values keep the current limit.
func (t *Tracer) WithMaxAttrLen(n int) *Tracer {
	if n > 0 {
		t.maxAttrLen = n
	}
	return t
}

// Func is the shape of a traceable stage function.
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

// Wrap returns fn with a span around every call. The span records the
// JSON-encoded argument, and the result or error. A panic in fn ends the span
// with an error and is re-raised. An empty correlationID or nil tracer returns
// fn unchanged.
func Wrap[In, Out any](t *Tracer, stage, correlationID string, fn Func[In, Out]) Func[In, Out] {
	if t == nil || correlationID == "" {
		return fn
	}
	return func(ctx context.Context, in In) (out Out, err error) {
		span := &Span{
			ID:            uuid.NewString(),
			CorrelationID: correlationID,
			Stage:         stage,
			StartedAt:     t.now(),
			Input:         t.encode(in),
		}
		if serr := t.safely(func() error { return t.backend.StartSpan(ctx, span) }); serr != nil {
			slog.Warn("starting trace span", "stage", stage, "correlation_id", correlationID, "error", serr)
			return fn(ctx, in)
		}

		defer func() {
			r := recover()
			span.EndedAt = t.now()
			switch {
			case r != nil:
				span.Status = StatusError
				span.Error = fmt.Sprintf("panic: %v", r)
			case err != nil:
				span.Status = StatusError
				span.Error = err.Error()
			default:
				span.Status = StatusOK
				span.Output = t.encode(out)
			}
			// The span is closed even when the caller's context is already done.
			endCtx := context.WithoutCancel(ctx)
			if eerr := t.safely(func() error { return t.backend.EndSpan(endCtx, span) }); eerr != nil {
				slog.Warn("ending trace span", "stage", stage, "correlation_id", correlationID, "error", eerr)
			}
			if r != nil {
				panic(r)
			}
		}()

		return fn(ctx, in)
	}
}

// EndTrace closes the trace session for correlationID. Calling it more than
// once is harmless. Failures are logged.
func (t *Tracer) EndTrace(ctx context.Context, correlationID string) {
	if t == nil || correlationID == "" {
		return
	}
	endCtx := context.WithoutCancel(ctx)
	if err := t.safely(func() error { return t.backend.EndSession(endCtx, correlationID) }); err != nil {
		slog.Warn("ending trace session", "correlation_id", correlationID, "error", err)
	}
}

// Spans returns the recorded spans when the backend supports reading them.
func (t *Tracer) Spans(ctx context.Context, correlationID string) ([]Span, error) {
	r, ok := t.backend.(Reader)
	if !ok {
		return nil, fmt.Errorf("tracing backend %T does not support reading spans", t.backend)
	}
	return r.Spans(ctx, correlationID)
}

func (t *Tracer) safely(call func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tracing backend panic: %v", r)
		}
	}()
	return call()
}

// encode renders v for a span attribute. It never fails or panics; values the
// encoder rejects are recorded as a placeholder.
func (t *Tracer) encode(v any) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = truncate(fmt.Sprintf("<unencodable: %v>", r), t.maxAttrLen)
		}
	}()
	b, err := json.Marshal(v)
	if err != nil {
		return truncate(fmt.Sprintf("<unencodable: %v>", err), t.maxAttrLen)
	}
	return truncate(string(b), t.maxAttrLen)
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
