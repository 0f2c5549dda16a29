package tracing

import (
	"context"
	"sync"
)

// NoopBackend discards everything. Used when tracing is disabled.
type NoopBackend struct{}

func (NoopBackend) StartSpan(context.Context, *Span) error   { return nil }
func (NoopBackend) EndSpan(context.Context, *Span) error     { return nil }
func (NoopBackend) EndSession(context.Context, string) error { return nil }

// MemoryBackend keeps spans in process memory.
type MemoryBackend struct {
	// FailStart and FailEnd, when set, are returned by StartSpan and EndSpan.
	FailStart error
	FailEnd   error

	mu       sync.Mutex
	spans    map[string][]Span
	sessions map[string]int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		spans:    make(map[string][]Span),
		sessions: make(map[string]int),
	}
}

func (m *MemoryBackend) StartSpan(_ context.Context, span *Span) error {
	if m.FailStart != nil {
		return m.FailStart
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans[span.CorrelationID] = append(m.spans[span.CorrelationID], *span)
	return nil
}

func (m *MemoryBackend) EndSpan(_ context.Context, span *Span) error {
	if m.FailEnd != nil {
		return m.FailEnd
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.spans[span.CorrelationID]
	for i := range list {
		if list[i].ID == span.ID {
			list[i] = *span
			return nil
		}
	}
	m.spans[span.CorrelationID] = append(list, *span)
	return nil
}

func (m *MemoryBackend) EndSession(_ context.Context, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[correlationID]++
	return nil
}

// Spans returns a copy of the spans recorded for correlationID in start order.
func (m *MemoryBackend) Spans(_ context.Context, correlationID string) ([]Span, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Span(nil), m.spans[correlationID]...), nil
}

// SessionEnded reports whether EndSession was called for correlationID.
func (m *MemoryBackend) SessionEnded(correlationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[correlationID] > 0
}

// CorrelationIDs lists every id that has at least one span.
func (m *MemoryBackend) CorrelationIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.spans))
	for id := range m.spans {
		ids = append(ids, id)
	}
	return ids
}
