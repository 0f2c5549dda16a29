package pipeline

import (
	"time"

	"github.com/kalambet/chatflow/internal/filters"
	"github.com/kalambet/chatflow/internal/retrieval"
)

// Topics connecting the stages, in flow order.
const (
	TopicReceived     = "chat.message.received"
	TopicPreprocessed = "chat.message.preprocessed"
	TopicFiltered     = "chat.filters.extracted"
	TopicRetrieved    = "chat.context.retrieved"
	TopicGenerated    = "chat.response.generated"
)

// Stage names, used as router handler names, span names and metric labels.
const (
	StagePreprocess     = "preprocess"
	StageExtractFilters = "extract_filters"
	StageRetrieve       = "retrieve"
	StageGenerate       = "generate"
	StageComplete       = "complete"
)

// Each payload embeds its upstream payload, so every field set by an earlier
// stage reaches the later ones. Embedded payloads carry their own JSON key and
// nest on the wire.

// Inbound is published on TopicReceived.
type Inbound struct {
	Message    string    `json:"message" validate:"required"`
	ReceivedAt time.Time `json:"received_at"`
	// Fallbacks lists the stages that substituted a fallback result.
	Fallbacks []string `json:"fallbacks,omitempty"`
}

func (in *Inbound) markFallback(stage string) {
	in.Fallbacks = append(in.Fallbacks, stage)
}

// Preprocessed is published on TopicPreprocessed.
type Preprocessed struct {
	Inbound `json:"inbound"`

	Text string `json:"text" validate:"required"`
}

// FiltersExtracted is published on TopicFiltered.
type FiltersExtracted struct {
	Preprocessed `json:"preprocessed"`

	Query    string                  `json:"query" validate:"required"`
	Date     *filters.DateFilter     `json:"date_filters,omitempty"`
	Metadata *filters.MetadataFilter `json:"metadata_filters,omitempty"`
	Filter   *filters.Expression     `json:"filter,omitempty"`
}

// ContextRetrieved is published on TopicRetrieved. Context is never null on
// the wire; an empty list is a valid result.
type ContextRetrieved struct {
	FiltersExtracted `json:"filters_extracted"`

	Context []retrieval.ContextItem `json:"context" validate:"required"`
}

// ResponseGenerated is published on TopicGenerated.
type ResponseGenerated struct {
	ContextRetrieved `json:"context_retrieved"`

	Response        string `json:"response" validate:"required"`
	GenerationError string `json:"generation_error,omitempty"`
}

// Completion is the outcome of a flow as seen by callers of Ask.
type Completion struct {
	FlowID          string                  `json:"flow_id"`
	Message         string                  `json:"message"`
	Query           string                  `json:"query"`
	Filter          *filters.Expression     `json:"filter,omitempty"`
	Context         []retrieval.ContextItem `json:"context"`
	Response        string                  `json:"response"`
	GenerationError string                  `json:"generation_error,omitempty"`
	Fallbacks       []string                `json:"fallbacks,omitempty"`
	ReceivedAt      time.Time               `json:"received_at"`
	CompletedAt     time.Time               `json:"completed_at"`
}

// Degraded reports whether any stage fell back.
func (c Completion) Degraded() bool {
	return len(c.Fallbacks) > 0
}

func completionFrom(id string, r ResponseGenerated, at time.Time) Completion {
	return Completion{
		FlowID:          id,
		Message:         r.Message,
		Query:           r.Query,
		Filter:          r.Filter,
		Context:         r.Context,
		Response:        r.Response,
		GenerationError: r.GenerationError,
		Fallbacks:       r.Fallbacks,
		ReceivedAt:      r.ReceivedAt,
		CompletedAt:     at,
	}
}
