// Package retrieval embeds queries and finds similar past interactions in
// a vector store.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/chatflow/internal/filters"
)

// DefaultTopK is the number of context items returned per query. It is also
// the most a Retriever ever returns.
const DefaultTopK = 5

// ItemType tags what kind of record a vector was built from.
type ItemType string

const (
	ItemEntry   ItemType = "entry"
	ItemInsight ItemType = "insight"
)

// Metadata keys written at ingestion and read back here.
const (
	KeyType      = "type"
	KeyInput     = "input"
	KeyOutput    = "output"
	KeyProblem   = "problem"
	KeySolution  = "solution"
	KeyCreatedAt = "created_at"
	KeyMessages  = "messages"
)

// ContextItem is one retrieved record. Entries carry Input/Output, insights
// carry Problem/Solution. Score is cosine similarity, for display only.
type ContextItem struct {
	ID        string   `json:"id"`
	Type      ItemType `json:"type"`
	Input     string   `json:"input,omitempty"`
	Output    string   `json:"output,omitempty"`
	Problem   string   `json:"problem,omitempty"`
	Solution  string   `json:"solution,omitempty"`
	CreatedAt string   `json:"created_at"`
	Score     float32  `json:"score"`
}

// itemFromMatch maps a store hit by its type tag. Missing fields become
// empty strings; an unknown or missing tag is read as an entry.
func itemFromMatch(m Match) ContextItem {
	item := ContextItem{
		ID:        m.ID,
		CreatedAt: m.Metadata.String(KeyCreatedAt),
		Score:     m.Score,
	}
	if ItemType(m.Metadata.String(KeyType)) == ItemInsight {
		item.Type = ItemInsight
		item.Problem = m.Metadata.String(KeyProblem)
		item.Solution = m.Metadata.String(KeySolution)
		return item
	}
	item.Type = ItemEntry
	item.Input = m.Metadata.String(KeyInput)
	item.Output = m.Metadata.String(KeyOutput)
	return item
}

// Retriever combines embedding and vector search to find relevant context.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
	topK     int
}

// NewRetriever creates a Retriever. topK outside 1..DefaultTopK selects
// DefaultTopK.
func NewRetriever(embedder *Embedder, store VectorStore, topK int) *Retriever {
	if topK <= 0 || topK > DefaultTopK {
		topK = DefaultTopK
	}
	return &Retriever{embedder: embedder, store: store, topK: topK}
}

// Retrieve embeds the query once and returns the most similar records that
// satisfy filter, in store order. An embedding or store failure is returned
// to the caller; a nil filter searches everything.
func (r *Retriever) Retrieve(ctx context.Context, query string, filter *filters.Expression) ([]ContextItem, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	matches, err := r.store.Query(ctx, vec, r.topK, filter)
	if err != nil {
		return nil, fmt.Errorf("querying vector store: %w", err)
	}
	if len(matches) > r.topK {
		matches = matches[:r.topK]
	}
	slog.Debug("retrieved context", "matches", len(matches), "filter", filter.String())

	items := make([]ContextItem, len(matches))
	for i, m := range matches {
		items[i] = itemFromMatch(m)
	}
	return items, nil
}
