package filters

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kalambet/chatflow/internal/engine"
)

const (
	extractionTimeout = 3 * time.Second
	// Extraction is a classification task; keep the model deterministic.
	extractionTemperature = 0
	extractionMaxTokens   = 300
)

// Completer is the slice of engine.Engine the LLM extractor needs.
type Completer interface {
	Complete(ctx context.Context, req engine.CompletionRequest) (string, error)
}

// LLMExtractor asks a completion model to pull filters out of the query
// and optionally rewrite it for retrieval.
type LLMExtractor struct {
	client Completer
	now    func() time.Time
}

// NewLLMExtractor creates an LLMExtractor using the given completion client.
func NewLLMExtractor(client Completer) *LLMExtractor {
	return &LLMExtractor{client: client, now: time.Now}
}

type llmResponse struct {
	DateFilters     *DateFilter     `json:"date_filters"`
	MetadataFilters *MetadataFilter `json:"metadata_filters"`
	RewrittenQuery  string          `json:"rewritten_query"`
}

// Extract returns the filters the model found. On timeout, provider error,
// empty output or malformed JSON it returns no filters and the original
// query; extraction must never block a flow.
func (e *LLMExtractor) Extract(ctx context.Context, query string) Extraction {
	fallback := Extraction{Query: query}
	if strings.TrimSpace(query) == "" {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	raw, err := e.client.Complete(ctx, engine.CompletionRequest{
		System:      BuildSystemPrompt(e.now()),
		User:        query,
		Temperature: extractionTemperature,
		MaxTokens:   extractionMaxTokens,
		Schema:      extractionSchema(),
	})
	if err != nil {
		slog.Warn("filter extraction completion failed", "error", err)
		return fallback
	}
	raw = stripCodeFence(raw)
	if raw == "" {
		slog.Warn("filter extraction returned empty response")
		return fallback
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		slog.Warn("failed to unmarshal filters from LLM response", "error", err, "response", raw)
		return fallback
	}

	out := Extraction{
		Date:     sanitizeDate(resp.DateFilters),
		Metadata: sanitizeMetadata(resp.MetadataFilters),
		Query:    strings.TrimSpace(resp.RewrittenQuery),
	}
	if out.Query == "" {
		out.Query = query
	}
	return out
}

// stripCodeFence removes a surrounding ```json fence some models add
// despite the schema.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// sanitizeDate keeps the highest-priority well-formed date kind and drops
// the rest, so the result obeys the same exclusivity as PatternExtractor.
func sanitizeDate(d *DateFilter) *DateFilter {
	if d == nil {
		return nil
	}
	if validDate(d.DateStr) {
		return &DateFilter{DateStr: d.DateStr}
	}
	if validDate(d.StartDate) && validDate(d.EndDate) && d.StartDate <= d.EndDate {
		return &DateFilter{StartDate: d.StartDate, EndDate: d.EndDate}
	}
	year := 0
	if d.Year >= 1900 && d.Year <= 2100 {
		year = d.Year
	}
	if d.Month >= 1 && d.Month <= 12 {
		return &DateFilter{Month: d.Month, Year: year}
	}
	if year != 0 {
		return &DateFilter{Year: year}
	}
	return nil
}

func validDate(s string) bool {
	if s == "" {
		return false
	}
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

func sanitizeMetadata(m *MetadataFilter) *MetadataFilter {
	if m == nil {
		return nil
	}
	out := &MetadataFilter{IsCorrect: m.IsCorrect}
	if env := strings.ToLower(strings.TrimSpace(m.Environment)); slices.Contains(Environments, env) {
		out.Environment = env
	}
	if status := strings.ToLower(strings.TrimSpace(m.Status)); slices.Contains(Statuses, status) {
		out.Status = status
	}
	if out.IsZero() {
		return nil
	}
	return out
}

// FallbackExtractor consults Primary and, when it finds no filters, takes
// the filters from Secondary. The query rewrite from Primary is kept.
type FallbackExtractor struct {
	Primary   Extractor
	Secondary Extractor
}

func (f *FallbackExtractor) Extract(ctx context.Context, query string) Extraction {
	res := f.Primary.Extract(ctx, query)
	if !res.Empty() {
		return res
	}
	alt := f.Secondary.Extract(ctx, query)
	res.Date, res.Metadata = alt.Date, alt.Metadata
	return res
}
