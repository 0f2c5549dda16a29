package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/chatflow/internal/filters"
)

// VectorStore stores embedded records and answers filtered similarity
// queries. Two implementations exist: SQLiteStore (brute-force cosine, the
// default) and QdrantStore.
type VectorStore interface {
	// Upsert inserts or replaces records by ID.
	Upsert(ctx context.Context, records []Record) error

	// Query returns up to topK records most similar to vector, restricted to
	// records whose metadata satisfies filter (nil means unfiltered), in
	// descending score order.
	Query(ctx context.Context, vector []float32, topK int, filter *filters.Expression) ([]Match, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// Metadata is the flat payload stored with each vector. Values are
// restricted to strings, numbers, booleans and string lists; structured
// data must be serialized to a JSON string first.
type Metadata map[string]any

// Record is a vector with its metadata.
type Record struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

// Match is a query hit. Score is cosine similarity.
type Match struct {
	ID       string
	Score    float32
	Metadata Metadata
}

// Validate reports the first value whose type the stores cannot hold.
func (m Metadata) Validate() error {
	for k, v := range m {
		switch v.(type) {
		case nil, string, bool, int, int32, int64, float32, float64, []string:
		default:
			return fmt.Errorf("metadata field %q: unsupported type %T", k, v)
		}
	}
	return nil
}

// String returns the string value at key, or "" when absent or not a string.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}
