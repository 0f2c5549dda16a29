package composer

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/chatflow/internal/engine"
)

// Generation policy.
const (
	Temperature = 0.2
	MaxTokens   = 800
)

const (
	// EmptyAnswer is returned when the model produced no content.
	EmptyAnswer = "I could not generate a response at this time."
	// ApologyAnswer replaces the answer when generation fails outright.
	ApologyAnswer = "I'm sorry, something went wrong while generating a response. Please try again."
)

const systemPromptTemplate = `You are an assistant answering questions about a history of past AI interactions and the insights drawn from them.

Use the context below when it is relevant. Each block is numbered; cite blocks as [n] when you rely on them. If the context does not contain the answer, say so plainly and answer from general knowledge only when that is safe.

[Context]
%s`

// Completer is the slice of engine.Engine the generator needs.
type Completer interface {
	Complete(ctx context.Context, req engine.CompletionRequest) (string, error)
}

// Generator produces the final answer from the query and formatted context.
type Generator struct {
	client Completer
}

// NewGenerator creates a Generator using the given completion client.
func NewGenerator(client Completer) *Generator {
	return &Generator{client: client}
}

// BuildSystemPrompt embeds the formatted context block in the instructions.
func BuildSystemPrompt(contextText string) string {
	return fmt.Sprintf(systemPromptTemplate, contextText)
}

// Generate asks the model once. A provider error is returned; an empty
// reply is not an error and yields EmptyAnswer.
func (g *Generator) Generate(ctx context.Context, query, contextText string) (string, error) {
	answer, err := g.client.Complete(ctx, engine.CompletionRequest{
		System:      BuildSystemPrompt(contextText),
		User:        query,
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("generating response: %w", err)
	}
	if strings.TrimSpace(answer) == "" {
		return EmptyAnswer, nil
	}
	return answer, nil
}
