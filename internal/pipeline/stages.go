package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/goccy/go-json"

	"github.com/kalambet/chatflow/internal/composer"
	"github.com/kalambet/chatflow/internal/filters"
	"github.com/kalambet/chatflow/internal/retrieval"
	"github.com/kalambet/chatflow/internal/storage"
)

var errBlankMessage = errors.New("message is blank after trimming")

func (p *Pipeline) preprocess(_ context.Context, in Inbound) (Preprocessed, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return Preprocessed{}, errBlankMessage
	}
	return Preprocessed{Inbound: in, Text: text}, nil
}

func preprocessFallback(in Inbound, _ error) Preprocessed {
	return Preprocessed{Inbound: in, Text: in.Message}
}

func (p *Pipeline) extractFilters(ctx context.Context, in Preprocessed) (FiltersExtracted, error) {
	ex := p.extractor.Extract(ctx, in.Text)

	out := FiltersExtracted{Preprocessed: in, Query: ex.Query}
	if strings.TrimSpace(out.Query) == "" {
		out.Query = in.Text
	}
	if !ex.Date.IsZero() {
		out.Date = ex.Date
	}
	if !ex.Metadata.IsZero() {
		out.Metadata = ex.Metadata
	}
	out.Filter = filters.Build(out.Date, out.Metadata)
	return out, nil
}

func extractFiltersFallback(in Preprocessed, _ error) FiltersExtracted {
	return FiltersExtracted{Preprocessed: in, Query: in.Text}
}

func (p *Pipeline) retrieve(ctx context.Context, in FiltersExtracted) (ContextRetrieved, error) {
	items, err := p.retriever.Retrieve(ctx, in.Query, in.Filter)
	if err != nil {
		return ContextRetrieved{}, err
	}
	if items == nil {
		items = []retrieval.ContextItem{}
	}
	return ContextRetrieved{FiltersExtracted: in, Context: items}, nil
}

func retrieveFallback(in FiltersExtracted, _ error) ContextRetrieved {
	return ContextRetrieved{FiltersExtracted: in, Context: []retrieval.ContextItem{}}
}

// generate answers the user's own words; the rewritten query only drives retrieval.
func (p *Pipeline) generate(ctx context.Context, in ContextRetrieved) (ResponseGenerated, error) {
	answer, err := p.generator.Generate(ctx, in.Text, p.formatter.Format(in.Context))
	if err != nil {
		return ResponseGenerated{}, err
	}
	return ResponseGenerated{ContextRetrieved: in, Response: answer}, nil
}

func generateFallback(in ContextRetrieved, err error) ResponseGenerated {
	return ResponseGenerated{
		ContextRetrieved: in,
		Response:         composer.ApologyAnswer,
		GenerationError:  err.Error(),
	}
}

// persist stores the completed flow and returns the stored status.
func (p *Pipeline) persist(ctx context.Context, c Completion) (string, error) {
	rec := flowRecord(c)
	if p.sink == nil {
		return rec.Status, nil
	}
	if err := p.sink.SaveFlow(ctx, rec); err != nil {
		return "", err
	}
	return rec.Status, nil
}

func flowRecord(c Completion) storage.Flow {
	rec := storage.Flow{
		ID:           c.FlowID,
		CreatedAt:    c.ReceivedAt,
		CompletedAt:  c.CompletedAt,
		Message:      c.Message,
		Query:        c.Query,
		ContextCount: len(c.Context),
		Response:     c.Response,
		Status:       storage.FlowCompleted,
		Error:        c.GenerationError,
	}
	if c.Degraded() {
		rec.Status = storage.FlowDegraded
	}
	if c.Filter != nil {
		if b, err := json.Marshal(c.Filter); err == nil {
			rec.FilterJSON = string(b)
		}
	}
	return rec
}
