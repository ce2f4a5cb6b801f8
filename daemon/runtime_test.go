package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"folderd/broadcast"
	"folderd/config"
	"folderd/embedder"
	"folderd/executor"
	"folderd/fmdm"
	"folderd/ipc"
)

type stubEmbedder struct{}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0, float32(len(text) % 7)}, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, _ := e.Embed(ctx, t)
		out[i] = vec
	}
	return out, nil
}

func (e *stubEmbedder) Dimensions() int                { return 4 }
func (e *stubEmbedder) Ping(ctx context.Context) error { return nil }
func (e *stubEmbedder) Close() error                   { return nil }

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Scheduler.Workers = 2

	r := &Runtime{
		cfg:      cfg,
		stateDir: t.TempDir(),
		emb:      &stubEmbedder{},
		agg:      fmdm.NewAggregator(embedder.CuratedModels()),
		bcast:    broadcast.New(),
		pool:     executor.NewPool(cfg.Scheduler.Workers),
		folders:  make(map[string]*managedFolder),
		adding:   make(map[string]struct{}),
	}
	r.unsubs = append(r.unsubs,
		r.bcast.OnConnectionsChanged(func(conns fmdm.Connections) { r.agg.SetConnections(conns) }),
		r.agg.OnSnapshot(r.bcast.Publish),
	)
	t.Cleanup(r.bcast.Close)
	return r
}

func waitForStatus(t *testing.T, r *Runtime, path string, want fmdm.FolderStatus) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if f := r.agg.Current().Folder(path); f != nil && f.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	var got fmdm.FolderStatus
	if f := r.agg.Current().Folder(path); f != nil {
		got = f.Status
	}
	t.Fatalf("folder %s never reached %s (last %s)", path, want, got)
}

func TestRuntimeFolderLifecycle(t *testing.T) {
	r := newTestRuntime(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.runCtx = ctx
	go r.pool.Run(ctx)

	dir := t.TempDir()
	content := "package main\n\nfunc main() {\n\tprintln(\"hello\")\n}\n"
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	if err := r.AddFolder(ctx, dir, "test-model"); err != nil {
		t.Fatalf("AddFolder() failed: %v", err)
	}

	// The folder works its way through scan and index to watching.
	waitForStatus(t, r, dir, fmdm.StatusWatching)

	resp, err := r.search(ctx, ipc.SearchRequest{Folder: dir, Query: "hello", Limit: 5})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(resp.Hits) == 0 {
		t.Fatal("expected at least one search hit")
	}
	if resp.Hits[0].FilePath != "main.go" {
		t.Errorf("hit file = %q, want main.go", resp.Hits[0].FilePath)
	}

	// Serving a query flips the folder to active.
	waitForStatus(t, r, dir, fmdm.StatusActive)

	if err := r.RemoveFolder(dir); err != nil {
		t.Fatalf("RemoveFolder() failed: %v", err)
	}
	if f := r.agg.Current().Folder(dir); f != nil {
		t.Errorf("folder still in snapshot after removal: %+v", f)
	}
}

func TestRuntimeAddFolderValidation(t *testing.T) {
	r := newTestRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.runCtx = ctx
	go r.pool.Run(ctx)

	if err := r.AddFolder(ctx, "relative/path", ""); err == nil {
		t.Error("expected error for relative path")
	}

	dir := t.TempDir()
	if err := r.AddFolder(ctx, dir, ""); err != nil {
		t.Fatalf("AddFolder() failed: %v", err)
	}
	t.Cleanup(func() { r.RemoveFolder(dir) })

	if err := r.AddFolder(ctx, dir, ""); err == nil {
		t.Error("expected error for duplicate folder")
	}
}

func TestRuntimeAddFolderConcurrentDuplicate(t *testing.T) {
	r := newTestRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.runCtx = ctx
	go r.pool.Run(ctx)

	dir := t.TempDir()
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- r.AddFolder(ctx, dir, "") }()
	}

	succeeded := 0
	for i := 0; i < 2; i++ {
		if err := <-errs; err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("concurrent AddFolder calls succeeded %d times, want exactly 1", succeeded)
	}
	t.Cleanup(func() { r.RemoveFolder(dir) })
}

func TestRuntimeHandleRequest(t *testing.T) {
	r := newTestRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.runCtx = ctx
	go r.pool.Run(ctx)

	if _, err := r.HandleRequest(ctx, ipc.OpPing, nil); err != nil {
		t.Errorf("ping failed: %v", err)
	}

	res, err := r.HandleRequest(ctx, ipc.OpDaemonStatus, nil)
	if err != nil {
		t.Fatalf("daemon.status failed: %v", err)
	}
	status, ok := res.(ipc.StatusResponse)
	if !ok {
		t.Fatalf("daemon.status returned %T", res)
	}
	if status.FMDM.Version == 0 {
		t.Error("snapshot version should start at 1")
	}

	payload, _ := json.Marshal(ipc.FolderRequest{Path: ""})
	if _, err := r.HandleRequest(ctx, ipc.OpFolderAdd, payload); err == nil {
		t.Error("expected error for empty folder path")
	}

	payload, _ = json.Marshal(ipc.FolderRequest{Path: "/does/not/exist/here"})
	if _, err := r.HandleRequest(ctx, ipc.OpFolderRescan, payload); err == nil {
		t.Error("expected error for rescan of unmanaged folder")
	}

	payload, _ = json.Marshal(ipc.SearchRequest{Folder: "/x", Query: ""})
	if _, err := r.HandleRequest(ctx, ipc.OpSearch, payload); err == nil {
		t.Error("expected error for empty query")
	}

	if _, err := r.HandleRequest(ctx, "bogus.op", nil); err == nil {
		t.Error("expected error for unknown operation")
	}
}

func TestRuntimeHandleRequestFolderAddAndList(t *testing.T) {
	r := newTestRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.runCtx = ctx
	go r.pool.Run(ctx)

	dir := t.TempDir()
	payload, _ := json.Marshal(ipc.FolderRequest{Path: dir})
	if _, err := r.HandleRequest(ctx, ipc.OpFolderAdd, payload); err != nil {
		t.Fatalf("folder.add failed: %v", err)
	}
	t.Cleanup(func() { r.RemoveFolder(dir) })

	res, err := r.HandleRequest(ctx, ipc.OpFolderList, nil)
	if err != nil {
		t.Fatalf("folder.list failed: %v", err)
	}
	list, ok := res.(ipc.FolderListResponse)
	if !ok {
		t.Fatalf("folder.list returned %T", res)
	}
	found := false
	for _, f := range list.Folders {
		if f.Path == dir {
			found = true
		}
	}
	if !found {
		t.Errorf("added folder missing from list: %+v", list.Folders)
	}

	// The folder is persisted for the next daemon start.
	saved, err := config.Load(r.stateDir)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if len(saved.Folders) != 1 || saved.Folders[0].Path != dir {
		t.Errorf("saved folders = %+v", saved.Folders)
	}
}

func TestRuntimeOpenStoreUnknownBackend(t *testing.T) {
	r := newTestRuntime(t)
	r.cfg.Store.Backend = "bogus"
	if _, err := r.openStore(context.Background(), t.TempDir()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
