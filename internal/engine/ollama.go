package engine

import (
	"context"

	"github.com/kalambet/chatflow/internal/ollama"
)

// OllamaEngine serves completions and embeddings from a local Ollama server.
type OllamaEngine struct {
	client     *ollama.Client
	chatModel  string
	embedModel string
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL, chatModel, embedModel string) *OllamaEngine {
	return &OllamaEngine{
		client:     ollama.New(baseURL),
		chatModel:  chatModel,
		embedModel: embedModel,
	}
}

func (e *OllamaEngine) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	msgs := []ollama.Message{
		{Role: "system", Content: req.System},
		{Role: "user", Content: req.User},
	}
	var format any
	if req.Schema != nil {
		format = req.Schema
	}
	return e.client.Chat(ctx, e.chatModel, msgs, format, &ollama.Options{
		Temperature: req.Temperature,
		NumPredict:  req.MaxTokens,
	})
}

func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.client.Embed(ctx, e.embedModel, text)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{Status: p.Status, Total: p.Total, Completed: p.Completed})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}

// Models returns the chat and embedding model names in use.
func (e *OllamaEngine) Models() []string {
	if e.embedModel == e.chatModel {
		return []string{e.chatModel}
	}
	return []string{e.chatModel, e.embedModel}
}
