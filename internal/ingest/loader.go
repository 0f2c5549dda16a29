package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/chatflow/internal/metrics"
	"github.com/kalambet/chatflow/internal/retrieval"
)

// DefaultBatchSize is the number of records embedded together.
const DefaultBatchSize = 100

// BatchEmbedder embeds several texts at once.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Stats summarizes a Load call.
type Stats struct {
	Loaded  int
	Skipped int
	Batches int
}

// Loader embeds documents batch by batch and upserts each batch into the
// vector store. Embeddings within a batch run concurrently; batches run one
// after another.
type Loader struct {
	embedder  BatchEmbedder
	store     retrieval.VectorStore
	batchSize int
	source    string
	now       func() time.Time
}

// NewLoader creates a Loader. source labels the ingested-records metric.
// A non-positive batchSize selects DefaultBatchSize.
func NewLoader(embedder BatchEmbedder, store retrieval.VectorStore, batchSize int, source string) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Loader{
		embedder:  embedder,
		store:     store,
		batchSize: batchSize,
		source:    source,
		now:       time.Now,
	}
}

// Load ingests docs. Invalid documents are logged and skipped. The first
// embedding or store failure stops the load; Stats reflects the batches
// already written.
func (l *Loader) Load(ctx context.Context, docs []Document) (Stats, error) {
	var stats Stats
	for start := 0; start < len(docs); start += l.batchSize {
		end := min(start+l.batchSize, len(docs))
		loaded, skipped, err := l.loadBatch(ctx, docs[start:end], start)
		stats.Skipped += skipped
		if err != nil {
			return stats, fmt.Errorf("batch %d: %w", stats.Batches+1, err)
		}
		stats.Loaded += loaded
		stats.Batches++
		slog.Debug("ingest batch stored", "batch", stats.Batches, "records", loaded, "skipped", skipped)
	}
	return stats, nil
}

func (l *Loader) loadBatch(ctx context.Context, batch []Document, offset int) (loaded, skipped int, err error) {
	now := l.now()
	records := make([]retrieval.Record, 0, len(batch))
	texts := make([]string, 0, len(batch))
	for i := range batch {
		d := batch[i]
		d.Normalize(now)
		if err := d.Validate(); err != nil {
			slog.Warn("skipping document", "index", offset+i, "error", err)
			skipped++
			continue
		}
		meta, err := d.Metadata()
		if err != nil {
			slog.Warn("skipping document", "index", offset+i, "error", err)
			skipped++
			continue
		}
		records = append(records, retrieval.Record{ID: d.RecordID(), Metadata: meta})
		texts = append(texts, d.Text())
	}
	if len(records) == 0 {
		return 0, skipped, nil
	}

	vectors, err := l.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, skipped, err
	}
	for i := range records {
		records[i].Vector = vectors[i]
	}
	if err := l.store.Upsert(ctx, records); err != nil {
		return 0, skipped, fmt.Errorf("upserting vectors: %w", err)
	}
	metrics.IngestedRecords.WithLabelValues(l.source).Add(float64(len(records)))
	return len(records), skipped, nil
}
