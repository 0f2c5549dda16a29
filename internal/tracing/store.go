package tracing

import (
	"context"
	"time"

	"github.com/kalambet/chatflow/internal/storage"
)

// SpanStore is the subset of storage.Store used for tracing.
type SpanStore interface {
	InsertSpan(ctx context.Context, sp storage.SpanRecord) error
	FinishSpan(ctx context.Context, sp storage.SpanRecord) error
	EndTraceSession(ctx context.Context, correlationID string, at time.Time) error
	ListSpans(ctx context.Context, correlationID string) ([]storage.SpanRecord, error)
}

// StoreBackend writes spans to the SQLite store.
type StoreBackend struct {
	store SpanStore
	now   func() time.Time
}

func NewStoreBackend(s SpanStore) *StoreBackend {
	return &StoreBackend{store: s, now: time.Now}
}

func (b *StoreBackend) StartSpan(ctx context.Context, span *Span) error {
	return b.store.InsertSpan(ctx, toRecord(span))
}

func (b *StoreBackend) EndSpan(ctx context.Context, span *Span) error {
	return b.store.FinishSpan(ctx, toRecord(span))
}

func (b *StoreBackend) EndSession(ctx context.Context, correlationID string) error {
	return b.store.EndTraceSession(ctx, correlationID, b.now())
}

func (b *StoreBackend) Spans(ctx context.Context, correlationID string) ([]Span, error) {
	records, err := b.store.ListSpans(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	spans := make([]Span, len(records))
	for i, r := range records {
		spans[i] = Span{
			ID:            r.ID,
			CorrelationID: r.CorrelationID,
			Stage:         r.Stage,
			StartedAt:     r.StartedAt,
			EndedAt:       r.EndedAt,
			Status:        Status(r.Status),
			Error:         r.Error,
			Input:         r.Input,
			Output:        r.Output,
		}
	}
	return spans, nil
}

func toRecord(s *Span) storage.SpanRecord {
	return storage.SpanRecord{
		ID:            s.ID,
		CorrelationID: s.CorrelationID,
		Stage:         s.Stage,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
		Status:        string(s.Status),
		Error:         s.Error,
		Input:         s.Input,
		Output:        s.Output,
	}
}
