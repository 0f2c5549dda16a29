// Package config loads chatflow settings from a JSON file and CHATFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server    ServerConfig    `key:"server"`
	Engine    EngineConfig    `key:"engine"`
	Filters   FiltersConfig   `key:"filters"`
	Retrieval RetrievalConfig `key:"retrieval"`
	Storage   StorageConfig   `key:"storage"`
	Tracing   TracingConfig   `key:"tracing"`
	Ingest    IngestConfig    `key:"ingest"`
	Log       LogConfig       `key:"log"`
}

type ServerConfig struct {
	Host string `key:"host"`
	Port int    `key:"port" validate:"min=1,max=65535"`
}

// EngineConfig selects the completion and embedding provider.
type EngineConfig struct {
	Backend       string `key:"backend" validate:"oneof=openai ollama"`
	OpenAIAPIKey  string `key:"openai_api_key" validate:"required_if=Backend openai"`
	OpenAIBaseURL string `key:"openai_base_url" validate:"omitempty,url"`
	OllamaBaseURL string `key:"ollama_base_url" validate:"required_if=Backend ollama,omitempty,url"`
	ChatModel     string `key:"chat_model"`
	EmbedModel    string `key:"embed_model"`
	MaxRetries    int    `key:"max_retries" validate:"min=0,max=10"`
}

// FiltersConfig selects the filter extraction strategy.
type FiltersConfig struct {
	Strategy string `key:"strategy" validate:"oneof=pattern llm"`
}

type RetrievalConfig struct {
	Store            string `key:"store" validate:"oneof=sqlite qdrant"`
	TopK             int    `key:"top_k" validate:"min=1,max=5"`
	MaxContextTokens int    `key:"max_context_tokens" validate:"min=0"`
	EmbedConcurrency int    `key:"embed_concurrency" validate:"min=0"`
	QdrantURL        string `key:"qdrant_url" validate:"required_if=Store qdrant,omitempty,url"`
	QdrantCollection string `key:"qdrant_collection" validate:"required_if=Store qdrant"`
	QdrantAPIKey     string `key:"qdrant_api_key"`
	EmbedDimensions  int    `key:"embed_dimensions" validate:"min=1"`
}

type StorageConfig struct {
	DataDir string `key:"data_dir" validate:"required"`
}

type TracingConfig struct {
	Enabled    bool `key:"enabled"`
	MaxAttrLen int  `key:"max_attr_len" validate:"min=0"`
}

type IngestConfig struct {
	BatchSize    int           `key:"batch_size" validate:"min=1,max=1000"`
	PollInterval time.Duration `key:"poll_interval" validate:"min=0"`
}

type LogConfig struct {
	Level  string `key:"level" validate:"oneof=debug info warn error"`
	Format string `key:"format" validate:"oneof=json console"`
}

// EnvOpenAIAPIKey is read when CHATFLOW_ENGINE_OPENAI_API_KEY is unset.
const EnvOpenAIAPIKey = "OPENAI_API_KEY"

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Engine: EngineConfig{
			Backend:       "openai",
			OllamaBaseURL: "http://localhost:11434",
			ChatModel:     "gpt-4o-mini",
			EmbedModel:    "text-embedding-3-small",
			MaxRetries:    2,
		},
		Filters: FiltersConfig{
			Strategy: "pattern",
		},
		Retrieval: RetrievalConfig{
			Store:            "sqlite",
			TopK:             5,
			MaxContextTokens: 4000,
			EmbedConcurrency: 8,
			QdrantCollection: "chatflow",
			EmbedDimensions:  1536,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Tracing: TracingConfig{
			Enabled:    true,
			MaxAttrLen: 4096,
		},
		Ingest: IngestConfig{
			BatchSize:    100,
			PollInterval: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from the JSON config file (see ConfigFilePath)
// and applies CHATFLOW_* environment overrides. The OpenAI key falls back
// to OPENAI_API_KEY. Load does not validate; call Validate before using the
// config to start services.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Engine.OpenAIAPIKey == "" {
		cfg.Engine.OpenAIAPIKey = os.Getenv(EnvOpenAIAPIKey)
	}
	cfg.Engine.Backend = strings.ToLower(strings.TrimSpace(cfg.Engine.Backend))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))

	return cfg, nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			return f.Tag.Get("key")
		})
	})
	return validate
}

// Validate reports every invalid setting, naming the dotted config key and,
// for secrets, the environment variable that supplies it.
func (c Config) Validate() error {
	err := configValidator().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	key := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		msg := key + " is required"
		if fe.Tag() == "required_if" {
			cond := strings.Fields(fe.Param())
			if len(cond) == 2 {
				msg += fmt.Sprintf(" when %s is %s", siblingKey(key, cond[0]), cond[1])
			}
		}
		if s, ok := specFor(key); ok && s.secret {
			msg += fmt.Sprintf(" (set %s", s.env)
			if key == "engine.openai_api_key" {
				msg += " or " + EnvOpenAIAPIKey
			}
			msg += ")"
		}
		return msg
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", key, fe.Param(), fmt.Sprint(fe.Value()))
	case "url":
		return fmt.Sprintf("%s must be a URL, got %q", key, fmt.Sprint(fe.Value()))
	case "min", "max":
		return fmt.Sprintf("%s is out of range (%s=%s), got %v", key, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s failed %s", key, fe.Tag())
}

// siblingKey maps a Go field name in a required_if condition to its key.
func siblingKey(key, field string) string {
	section, _, _ := strings.Cut(key, ".")
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Tag.Get("key") != section {
			continue
		}
		if f, ok := sf.Type.FieldByName(field); ok {
			return section + "." + f.Tag.Get("key")
		}
	}
	return field
}
