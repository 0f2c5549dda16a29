package engine

import "fmt"

// Backend names accepted by New.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// Config selects and configures a backend.
type Config struct {
	Backend       string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OllamaBaseURL string
	ChatModel     string
	EmbedModel    string
	MaxRetries    int
	Breaker       BreakerSettings
}

// New builds the configured backend wrapped in a circuit breaker.
func New(cfg Config) (*BreakerEngine, error) {
	var e Engine
	switch cfg.Backend {
	case BackendOpenAI, "":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai backend requires an API key")
		}
		e = NewOpenAIEngine(OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			ChatModel:  cfg.ChatModel,
			EmbedModel: cfg.EmbedModel,
			MaxRetries: cfg.MaxRetries,
		})
	case BackendOllama:
		e = NewOllamaEngine(cfg.OllamaBaseURL, cfg.ChatModel, cfg.EmbedModel)
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
	return WithBreaker(e, cfg.backendName(), cfg.Breaker), nil
}

func (c Config) backendName() string {
	if c.Backend == "" {
		return BackendOpenAI
	}
	return c.Backend
}
