package embedder

import (
	"fmt"

	"folderd/config"
)

// NewFromConfig creates an Embedder based on the provided configuration.
// This factory function centralizes provider initialization and
// eliminates code duplication across the daemon, CLI and MCP server.
func NewFromConfig(cfg *config.Config) (Embedder, error) {
	switch cfg.Embedder.Provider {
	case "ollama":
		opts := []OllamaOption{
			WithOllamaEndpoint(cfg.Embedder.Endpoint),
			WithOllamaModel(cfg.Embedder.Model),
		}
		if cfg.Embedder.Dimensions != nil {
			opts = append(opts, WithOllamaDimensions(*cfg.Embedder.Dimensions))
		}
		return NewOllamaEmbedder(opts...), nil

	case "synthetic":
		opts := []SyntheticOption{
			WithSyntheticModel(cfg.Embedder.Model),
			WithSyntheticKey(cfg.Embedder.APIKey),
			WithSyntheticEndpoint(cfg.Embedder.Endpoint),
		}
		if cfg.Embedder.Dimensions != nil {
			opts = append(opts, WithSyntheticDimensions(*cfg.Embedder.Dimensions))
		}
		return NewSyntheticEmbedder(opts...)

	case "openrouter":
		opts := []OpenRouterOption{
			WithOpenRouterModel(cfg.Embedder.Model),
			WithOpenRouterKey(cfg.Embedder.APIKey),
			WithOpenRouterEndpoint(cfg.Embedder.Endpoint),
		}
		if cfg.Embedder.Dimensions != nil {
			opts = append(opts, WithOpenRouterDimensions(*cfg.Embedder.Dimensions))
		}
		return NewOpenRouterEmbedder(opts...)

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Embedder.Provider)
	}
}
