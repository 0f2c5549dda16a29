package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/chatflow/internal/composer"
	"github.com/kalambet/chatflow/internal/config"
	"github.com/kalambet/chatflow/internal/engine"
	"github.com/kalambet/chatflow/internal/filters"
	"github.com/kalambet/chatflow/internal/pipeline"
	"github.com/kalambet/chatflow/internal/retrieval"
	"github.com/kalambet/chatflow/internal/storage"
	"github.com/kalambet/chatflow/internal/tracing"
)

// app holds the components shared by serve and the local ingest command.
type app struct {
	cfg       config.Config
	store     *storage.Store
	engine    *engine.BreakerEngine
	embedder  *retrieval.Embedder
	vectors   retrieval.VectorStore
	retriever *retrieval.Retriever
	extractor filters.Extractor
	tracer    *tracing.Tracer
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	eng, err := engine.New(engine.Config{
		Backend:       cfg.Engine.Backend,
		OpenAIAPIKey:  cfg.Engine.OpenAIAPIKey,
		OpenAIBaseURL: cfg.Engine.OpenAIBaseURL,
		OllamaBaseURL: cfg.Engine.OllamaBaseURL,
		ChatModel:     cfg.Engine.ChatModel,
		EmbedModel:    cfg.Engine.EmbedModel,
		MaxRetries:    cfg.Engine.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	vectors, err := newVectorStore(ctx, cfg.Retrieval, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Retrieval.EmbedConcurrency)
	a := &app{
		cfg:       cfg,
		store:     store,
		engine:    eng,
		embedder:  embedder,
		vectors:   vectors,
		retriever: retrieval.NewRetriever(embedder, vectors, cfg.Retrieval.TopK),
		extractor: newExtractor(cfg.Filters.Strategy, eng),
	}
	if cfg.Tracing.Enabled {
		a.tracer = tracing.NewTracer(tracing.NewStoreBackend(store)).WithMaxAttrLen(cfg.Tracing.MaxAttrLen)
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}

func newVectorStore(ctx context.Context, cfg config.RetrievalConfig, store *storage.Store) (retrieval.VectorStore, error) {
	if cfg.Store != "qdrant" {
		return retrieval.NewSQLiteStore(store.DB()), nil
	}
	q := retrieval.NewQdrantStore(cfg.QdrantURL, cfg.QdrantCollection, cfg.QdrantAPIKey)
	if err := q.EnsureCollection(ctx, cfg.EmbedDimensions); err != nil {
		return nil, fmt.Errorf("preparing qdrant collection %s: %w", cfg.QdrantCollection, err)
	}
	return q, nil
}

// newExtractor returns the configured strategy. The llm strategy keeps the
// pattern extractor as a fallback for queries the model finds no filters in.
func newExtractor(strategy string, c filters.Completer) filters.Extractor {
	pattern := filters.NewPatternExtractor()
	if strategy != "llm" {
		return pattern
	}
	return &filters.FallbackExtractor{
		Primary:   filters.NewLLMExtractor(c),
		Secondary: pattern,
	}
}

func (a *app) newPipeline(logger *slog.Logger) (*pipeline.Pipeline, error) {
	return pipeline.New(pipeline.Deps{
		Extractor: a.extractor,
		Retriever: a.retriever,
		Formatter: composer.NewFormatter(a.cfg.Retrieval.MaxContextTokens, 0),
		Generator: composer.NewGenerator(a.engine),
		Tracer:    a.tracer,
		Sink:      a.store,
		Logger:    logger,
	})
}
