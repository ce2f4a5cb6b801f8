// Package embedder provides embedding providers for folderd and the
// model-management surface (availability checks, downloads) the folder
// lifecycle depends on.
package embedder

import "context"

// Embedder turns text into vectors.
type Embedder interface {
	// Embed vectorizes a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch vectorizes several texts in one provider round trip.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector size this embedder produces.
	Dimensions() int

	// Ping verifies the provider is reachable.
	Ping(ctx context.Context) error

	// Close releases provider resources.
	Close() error
}

// ModelManager is implemented by providers that manage local models
// (currently Ollama). CheckModel reports whether the model is already
// present; PullModel downloads it, reporting byte progress.
type ModelManager interface {
	CheckModel(ctx context.Context, model string) (bool, error)
	PullModel(ctx context.Context, model string, onProgress func(completed, total int64)) error
	ListModels(ctx context.Context) ([]string, error)
}
