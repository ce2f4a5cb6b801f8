package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"folderd/lifecycle"
	"folderd/store"
)

type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{1, 0, 0, float32(len(texts[i]))}
	}
	return vecs, nil
}

func (f *fakeEmbedder) Dimensions() int                { return 4 }
func (f *fakeEmbedder) Ping(ctx context.Context) error { return nil }
func (f *fakeEmbedder) Close() error                   { return nil }

func newTestIndexer(t *testing.T, root string) (*Indexer, *store.GOBStore) {
	t.Helper()
	st := store.NewGOBStore(filepath.Join(t.TempDir(), "index.gob"))
	idx := NewIndexer(root, st, &fakeEmbedder{}, NewChunker(100, 10))
	return idx, st
}

func TestIndexer_ApplyChangeAdd(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "main.go", "package main\n\nfunc main() {}\n")

	idx, st := newTestIndexer(t, root)
	ctx := context.Background()

	change := lifecycle.FileChangeInfo{Kind: lifecycle.ChangeAdd, Path: "main.go", Fingerprint: "fp1"}
	stats, err := idx.ApplyChange(ctx, change)
	if err != nil {
		t.Fatalf("ApplyChange() failed: %v", err)
	}
	if stats.ChunksCreated < 1 {
		t.Errorf("ChunksCreated = %d, want >= 1", stats.ChunksCreated)
	}

	doc, err := st.GetDocument(ctx, "main.go")
	if err != nil {
		t.Fatalf("GetDocument() failed: %v", err)
	}
	if doc == nil {
		t.Fatal("document not saved")
	}
	if doc.Hash != "fp1" {
		t.Errorf("document hash = %s, want fp1", doc.Hash)
	}

	chunks, err := st.GetChunksForFile(ctx, "main.go")
	if err != nil {
		t.Fatalf("GetChunksForFile() failed: %v", err)
	}
	if len(chunks) != stats.ChunksCreated {
		t.Errorf("stored %d chunks, stats say %d", len(chunks), stats.ChunksCreated)
	}
	if len(chunks[0].Vector) != 4 {
		t.Errorf("chunk vector has %d dimensions, want 4", len(chunks[0].Vector))
	}
}

func TestIndexer_ApplyChangeModifyReplacesChunks(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "a.go", "package a\n")

	idx, st := newTestIndexer(t, root)
	ctx := context.Background()

	if _, err := idx.ApplyChange(ctx, lifecycle.FileChangeInfo{Kind: lifecycle.ChangeAdd, Path: "a.go", Fingerprint: "v1"}); err != nil {
		t.Fatalf("ApplyChange(add) failed: %v", err)
	}

	writeTestFile(t, root, "a.go", "package a\n\nfunc A() {}\n")
	if _, err := idx.ApplyChange(ctx, lifecycle.FileChangeInfo{Kind: lifecycle.ChangeModify, Path: "a.go", Fingerprint: "v2"}); err != nil {
		t.Fatalf("ApplyChange(modify) failed: %v", err)
	}

	doc, err := st.GetDocument(ctx, "a.go")
	if err != nil {
		t.Fatalf("GetDocument() failed: %v", err)
	}
	if doc.Hash != "v2" {
		t.Errorf("document hash = %s, want v2", doc.Hash)
	}

	chunks, err := st.GetChunksForFile(ctx, "a.go")
	if err != nil {
		t.Fatalf("GetChunksForFile() failed: %v", err)
	}
	if len(chunks) != len(doc.ChunkIDs) {
		t.Errorf("stale chunks left behind: %d chunks, %d ids", len(chunks), len(doc.ChunkIDs))
	}
}

func TestIndexer_ApplyChangeDelete(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "gone.go", "package gone\n")

	idx, st := newTestIndexer(t, root)
	ctx := context.Background()

	if _, err := idx.ApplyChange(ctx, lifecycle.FileChangeInfo{Kind: lifecycle.ChangeAdd, Path: "gone.go", Fingerprint: "v1"}); err != nil {
		t.Fatalf("ApplyChange(add) failed: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "gone.go")); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}

	stats, err := idx.ApplyChange(ctx, lifecycle.FileChangeInfo{Kind: lifecycle.ChangeDelete, Path: "gone.go"})
	if err != nil {
		t.Fatalf("ApplyChange(delete) failed: %v", err)
	}
	if stats.ChunksCreated != 0 {
		t.Errorf("delete created %d chunks", stats.ChunksCreated)
	}

	doc, err := st.GetDocument(ctx, "gone.go")
	if err != nil {
		t.Fatalf("GetDocument() failed: %v", err)
	}
	if doc != nil {
		t.Error("document still present after delete")
	}
}

func TestIndexer_EmptyFileSavesDocumentOnly(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "empty.go", "")

	idx, st := newTestIndexer(t, root)
	ctx := context.Background()

	stats, err := idx.ApplyChange(ctx, lifecycle.FileChangeInfo{Kind: lifecycle.ChangeAdd, Path: "empty.go", Fingerprint: "e1"})
	if err != nil {
		t.Fatalf("ApplyChange() failed: %v", err)
	}
	if stats.ChunksCreated != 0 {
		t.Errorf("expected 0 chunks for empty file, got %d", stats.ChunksCreated)
	}

	doc, err := st.GetDocument(ctx, "empty.go")
	if err != nil {
		t.Fatalf("GetDocument() failed: %v", err)
	}
	if doc == nil {
		t.Error("empty file should still be recorded as a document")
	}
}

func TestIndexer_UnknownChangeKind(t *testing.T) {
	root := t.TempDir()
	idx, _ := newTestIndexer(t, root)

	if _, err := idx.ApplyChange(context.Background(), lifecycle.FileChangeInfo{Kind: "rename", Path: "x.go"}); err == nil {
		t.Error("expected error for unknown change kind")
	}
}

func TestIndexer_NeedsReindex(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "a.go", "package a\n")

	idx, _ := newTestIndexer(t, root)
	ctx := context.Background()

	need, err := idx.NeedsReindex(ctx, "a.go", "v1")
	if err != nil {
		t.Fatalf("NeedsReindex() failed: %v", err)
	}
	if !need {
		t.Error("unindexed file should need reindexing")
	}

	if _, err := idx.ApplyChange(ctx, lifecycle.FileChangeInfo{Kind: lifecycle.ChangeAdd, Path: "a.go", Fingerprint: "v1"}); err != nil {
		t.Fatalf("ApplyChange() failed: %v", err)
	}

	need, err = idx.NeedsReindex(ctx, "a.go", "v1")
	if err != nil {
		t.Fatalf("NeedsReindex() failed: %v", err)
	}
	if need {
		t.Error("freshly indexed file should not need reindexing")
	}

	need, err = idx.NeedsReindex(ctx, "a.go", "v2")
	if err != nil {
		t.Fatalf("NeedsReindex() failed: %v", err)
	}
	if !need {
		t.Error("fingerprint mismatch should need reindexing")
	}
}
