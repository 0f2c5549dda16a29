package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "CHATFLOW_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "CHATFLOW_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "engine.backend", typ: kString, env: "CHATFLOW_ENGINE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Engine.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Backend },
	},
	{
		key: "engine.openai_api_key", typ: kString, env: "CHATFLOW_ENGINE_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Engine.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OpenAIAPIKey },
	},
	{
		key: "engine.openai_base_url", typ: kString, env: "CHATFLOW_ENGINE_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OpenAIBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OpenAIBaseURL },
	},
	{
		key: "engine.ollama_base_url", typ: kString, env: "CHATFLOW_ENGINE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OllamaBaseURL },
	},
	{
		key: "engine.chat_model", typ: kString, env: "CHATFLOW_ENGINE_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.ChatModel },
	},
	{
		key: "engine.embed_model", typ: kString, env: "CHATFLOW_ENGINE_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.EmbedModel },
	},
	{
		key: "engine.max_retries", typ: kInt, env: "CHATFLOW_ENGINE_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Engine.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.MaxRetries },
	},
	{
		key: "filters.strategy", typ: kString, env: "CHATFLOW_FILTERS_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Filters.Strategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Filters.Strategy },
	},
	{
		key: "retrieval.store", typ: kString, env: "CHATFLOW_RETRIEVAL_STORE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Store = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Store },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "CHATFLOW_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "CHATFLOW_RETRIEVAL_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "retrieval.embed_concurrency", typ: kInt, env: "CHATFLOW_RETRIEVAL_EMBED_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.EmbedConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.EmbedConcurrency },
	},
	{
		key: "retrieval.embed_dimensions", typ: kInt, env: "CHATFLOW_RETRIEVAL_EMBED_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.EmbedDimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.EmbedDimensions },
	},
	{
		key: "retrieval.qdrant_url", typ: kString, env: "CHATFLOW_RETRIEVAL_QDRANT_URL",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.QdrantURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.QdrantURL },
	},
	{
		key: "retrieval.qdrant_collection", typ: kString, env: "CHATFLOW_RETRIEVAL_QDRANT_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.QdrantCollection = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.QdrantCollection },
	},
	{
		key: "retrieval.qdrant_api_key", typ: kString, env: "CHATFLOW_RETRIEVAL_QDRANT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.QdrantAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.QdrantAPIKey },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CHATFLOW_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "tracing.enabled", typ: kBool, env: "CHATFLOW_TRACING_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Tracing.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Tracing.Enabled },
	},
	{
		key: "tracing.max_attr_len", typ: kInt, env: "CHATFLOW_TRACING_MAX_ATTR_LEN",
		apply:   func(cfg *Config, v any) { cfg.Tracing.MaxAttrLen = v.(int) },
		extract: func(cfg Config) any { return cfg.Tracing.MaxAttrLen },
	},
	{
		key: "ingest.batch_size", typ: kInt, env: "CHATFLOW_INGEST_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.BatchSize },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "CHATFLOW_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "CHATFLOW_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "CHATFLOW_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func specFor(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text to the Go type of a key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring invalid config value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring invalid environment value", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
