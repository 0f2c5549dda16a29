package engine

import "github.com/goccy/go-json"

// CompletionRequest is a single-turn chat completion.
type CompletionRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	// Schema requests structured JSON output when non-nil.
	Schema *Schema
}

// Schema describes the expected JSON output structure.
type Schema struct {
	Name       string                    `json:"-"`
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string                    `json:"type"`
	Description string                    `json:"description,omitempty"`
	Enum        []string                  `json:"enum,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
}

// Map renders the schema as a generic JSON object.
func (s *Schema) Map() map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
