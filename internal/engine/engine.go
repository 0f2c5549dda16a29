// Package engine abstracts the completion and embedding provider behind a
// single interface so the pipeline does not depend on a concrete backend.
package engine

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the provider is failing fast because its
// circuit breaker is open.
var ErrUnavailable = errors.New("inference provider unavailable")

// Engine is a completion and embedding provider.
type Engine interface {
	// Complete runs one chat completion and returns the assistant text.
	// An empty string with a nil error means the provider returned no
	// content.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool
}

// ModelManager is implemented by backends that host models locally and
// can download missing ones.
type ModelManager interface {
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
