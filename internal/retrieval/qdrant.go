package retrieval

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kalambet/chatflow/internal/filters"
)

var _ VectorStore = (*QdrantStore)(nil)

// QdrantStore keeps vectors in a Qdrant collection over its REST API.
// Point IDs must be UUIDs or unsigned integers.
type QdrantStore struct {
	endpoint   string
	collection string
	apiKey     string
	httpClient *http.Client
}

// NewQdrantStore returns a store for collection at endpoint
// (e.g. http://localhost:6333). apiKey may be empty.
func NewQdrantStore(endpoint, collection, apiKey string) *QdrantStore {
	return &QdrantStore{
		endpoint:   strings.TrimRight(endpoint, "/"),
		collection: collection,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (q *QdrantStore) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.endpoint+path, body)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("qdrant: %s %s: status %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("qdrant: decoding %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// EnsureCollection creates the collection with cosine distance when it does
// not exist yet.
func (q *QdrantStore) EnsureCollection(ctx context.Context, dimensions int) error {
	path := "/collections/" + q.collection
	status, err := q.do(ctx, http.MethodGet, path, nil, nil)
	if err == nil {
		return nil
	}
	if status != http.StatusNotFound {
		return err
	}
	_, err = q.do(ctx, http.MethodPut, path, map[string]any{
		"vectors": map[string]any{"size": dimensions, "distance": "Cosine"},
	}, nil)
	return err
}

func (q *QdrantStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]map[string]any, 0, len(records))
	for _, r := range records {
		if err := r.Metadata.Validate(); err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
		points = append(points, map[string]any{
			"id":      r.ID,
			"vector":  r.Vector,
			"payload": r.Metadata,
		})
	}
	_, err := q.do(ctx, http.MethodPut, "/collections/"+q.collection+"/points?wait=true",
		map[string]any{"points": points}, nil)
	return err
}

func (q *QdrantStore) Query(ctx context.Context, vector []float32, topK int, filter *filters.Expression) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if f := filter.Qdrant(); f != nil {
		body["filter"] = f
	}

	var out struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if _, err := q.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/search", body, &out); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(out.Result))
	for _, r := range out.Result {
		matches = append(matches, Match{
			ID:       fmt.Sprint(r.ID),
			Score:    r.Score,
			Metadata: r.Payload,
		})
	}
	return matches, nil
}

func (q *QdrantStore) Count(ctx context.Context) (int, error) {
	var out struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if _, err := q.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/count",
		map[string]any{"exact": true}, &out); err != nil {
		return 0, err
	}
	return out.Result.Count, nil
}
