package flow

// Envelope wraps a stage payload with the flow's correlation id. An empty
// CorrelationID is legal and means the payload is not traced.
type Envelope[T any] struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload       T      `json:"payload"`
}

// Traced reports whether the envelope carries a correlation id.
func (e Envelope[T]) Traced() bool {
	return e.CorrelationID != ""
}
