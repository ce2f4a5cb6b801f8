// Package indexer turns detected file changes into stored, embedded
// chunks. The Scanner produces the change list; the Indexer applies one
// change at a time on behalf of the executor pool.
package indexer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"folderd/embedder"
	"folderd/lifecycle"
	"folderd/store"
)

// ChangeStats reports what applying one change did.
type ChangeStats struct {
	ChunksCreated int
	Duration      time.Duration
}

type Indexer struct {
	root     string
	store    store.VectorStore
	embedder embedder.Embedder
	chunker  *Chunker
}

func NewIndexer(root string, st store.VectorStore, emb embedder.Embedder, chunker *Chunker) *Indexer {
	return &Indexer{
		root:     root,
		store:    st,
		embedder: emb,
		chunker:  chunker,
	}
}

// ApplyChange applies one detected change to the index: adds and
// modifies re-index the file, deletes drop it.
func (idx *Indexer) ApplyChange(ctx context.Context, change lifecycle.FileChangeInfo) (*ChangeStats, error) {
	start := time.Now()

	var chunks int
	var err error
	switch change.Kind {
	case lifecycle.ChangeAdd, lifecycle.ChangeModify:
		chunks, err = idx.IndexFile(ctx, change.Path, change.Fingerprint)
	case lifecycle.ChangeDelete:
		err = idx.RemoveFile(ctx, change.Path)
	default:
		err = fmt.Errorf("unknown change kind %q", change.Kind)
	}
	if err != nil {
		return nil, err
	}

	return &ChangeStats{
		ChunksCreated: chunks,
		Duration:      time.Since(start),
	}, nil
}

// IndexFile re-indexes a single file: chunk, embed, store. Existing
// chunks for the path are replaced. Returns the number of chunks saved.
func (idx *Indexer) IndexFile(ctx context.Context, relPath, fingerprint string) (int, error) {
	absPath := filepath.Join(idx.root, relPath)
	content, err := os.ReadFile(absPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", relPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", relPath, err)
	}

	if fingerprint == "" {
		fingerprint = hashContent(string(content))
	}

	if err := idx.store.DeleteByFile(ctx, relPath); err != nil {
		return 0, fmt.Errorf("failed to delete existing chunks: %w", err)
	}

	chunkInfos := idx.chunker.ChunkWithContext(relPath, string(content))
	if len(chunkInfos) == 0 {
		// Empty file: keep the document so the scanner sees it as indexed.
		doc := store.Document{Path: relPath, Hash: fingerprint, ModTime: info.ModTime()}
		if err := idx.store.SaveDocument(ctx, doc); err != nil {
			return 0, fmt.Errorf("failed to save document: %w", err)
		}
		return 0, nil
	}

	vectors, err := idx.embedChunks(ctx, chunkInfos)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}

	now := time.Now()
	chunks := make([]store.Chunk, len(chunkInfos))
	chunkIDs := make([]string, len(chunkInfos))
	for i, ci := range chunkInfos {
		chunks[i] = store.Chunk{
			ID:          ci.ID,
			FilePath:    ci.FilePath,
			StartLine:   ci.StartLine,
			EndLine:     ci.EndLine,
			Content:     ci.Content,
			Vector:      vectors[i],
			Hash:        ci.Hash,
			ContentHash: ci.ContentHash,
			UpdatedAt:   now,
		}
		chunkIDs[i] = ci.ID
	}

	if err := idx.store.SaveChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("failed to save chunks: %w", err)
	}

	doc := store.Document{
		Path:     relPath,
		Hash:     fingerprint,
		ModTime:  info.ModTime(),
		ChunkIDs: chunkIDs,
	}
	if err := idx.store.SaveDocument(ctx, doc); err != nil {
		return 0, fmt.Errorf("failed to save document: %w", err)
	}

	return len(chunks), nil
}

// embedChunks returns one vector per chunk, reusing cached embeddings
// by content hash when the store supports it.
func (idx *Indexer) embedChunks(ctx context.Context, chunkInfos []ChunkInfo) ([][]float32, error) {
	vectors := make([][]float32, len(chunkInfos))

	var missing []int
	if cache, ok := idx.store.(store.EmbeddingCache); ok {
		hits := 0
		for i, ci := range chunkInfos {
			if ci.ContentHash == "" {
				missing = append(missing, i)
				continue
			}
			vec, found, err := cache.LookupByContentHash(ctx, ci.ContentHash)
			if err != nil {
				log.Printf("Warning: cache lookup failed for %s: %v", ci.ID, err)
				missing = append(missing, i)
				continue
			}
			if found {
				vectors[i] = vec
				hits++
			} else {
				missing = append(missing, i)
			}
		}
		if hits > 0 {
			log.Printf("Reused %d cached embeddings for %s", hits, chunkInfos[0].FilePath)
		}
	} else {
		missing = make([]int, len(chunkInfos))
		for i := range chunkInfos {
			missing[i] = i
		}
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	contents := make([]string, len(missing))
	for j, i := range missing {
		contents[j] = chunkInfos[i].Content
	}
	embedded, err := idx.embedder.EmbedBatch(ctx, contents)
	if err != nil {
		return nil, err
	}
	if len(embedded) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(embedded), len(missing))
	}
	for j, i := range missing {
		vectors[i] = embedded[j]
	}

	return vectors, nil
}

// RemoveFile removes a file's chunks and document from the index.
func (idx *Indexer) RemoveFile(ctx context.Context, relPath string) error {
	if err := idx.store.DeleteByFile(ctx, relPath); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if err := idx.store.DeleteDocument(ctx, relPath); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// NeedsReindex reports whether the stored document for path is missing
// or stale relative to the given fingerprint.
func (idx *Indexer) NeedsReindex(ctx context.Context, path, fingerprint string) (bool, error) {
	doc, err := idx.store.GetDocument(ctx, path)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return true, nil
	}
	return doc.Hash != fingerprint, nil
}
