package embedder

import "folderd/fmdm"

// CuratedModels is the embedding model catalog shipped in every FMDM
// snapshot so clients can offer a sensible picker without probing
// providers themselves.
func CuratedModels() []fmdm.CuratedModel {
	return []fmdm.CuratedModel{
		{ID: "nomic-embed-text", Name: "Nomic Embed Text v1.5", Provider: "ollama", Dimensions: 768},
		{ID: "mxbai-embed-large", Name: "MxBai Embed Large v1", Provider: "ollama", Dimensions: 1024},
		{ID: "all-minilm", Name: "All-MiniLM L6 v2", Provider: "ollama", Dimensions: 384},
		{ID: "snowflake-arctic-embed", Name: "Snowflake Arctic Embed", Provider: "ollama", Dimensions: 1024},
		{ID: "text-embedding-3-small", Name: "OpenAI Text Embedding 3 Small", Provider: "openrouter", Dimensions: 1536},
		{ID: "text-embedding-3-large", Name: "OpenAI Text Embedding 3 Large", Provider: "openrouter", Dimensions: 3072},
		{ID: "hf:nomic-ai/nomic-embed-text-v1.5", Name: "Nomic Embed Text v1.5 (hosted)", Provider: "synthetic", Dimensions: 768},
	}
}
