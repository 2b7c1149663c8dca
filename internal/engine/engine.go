package engine

import (
	"context"
	"errors"
)

// ErrModelUnavailable is returned when the embedding model cannot be loaded
// or reached. It is fatal at startup.
var ErrModelUnavailable = errors.New("embedding model unavailable")

// Engine abstracts a sentence-embedding backend (Ollama or a local ONNX
// model). Consumers such as the complaint matcher use this interface
// instead of depending on a concrete client.
type Engine interface {
	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// EmbedBatch returns one vector per text, in input order. Results are
	// bit-identical to calling Embed on each text; backends whose batch
	// endpoints cannot promise that embed texts one at a time.
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error

	// Close releases backend resources.
	Close() error
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Identifier is implemented by engines that can name the exact model
// producing their vectors. Cached vectors are keyed by this identity.
type Identifier interface {
	Identity(model string) string
}

// Identity returns e's identity for model, or model itself when e does not
// implement Identifier.
func Identity(e Engine, model string) string {
	if id, ok := e.(Identifier); ok {
		return id.Identity(model)
	}
	return model
}
