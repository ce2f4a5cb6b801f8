package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"folderd/broadcast"
	"folderd/config"
	"folderd/embedder"
	"folderd/executor"
	"folderd/fmdm"
	"folderd/indexer"
	"folderd/ipc"
	"folderd/lifecycle"
	"folderd/store"
	"folderd/watcher"
)

// Runtime is the daemon's composition root. It owns one orchestrator,
// store and watcher per folder, the shared executor pool, the snapshot
// aggregator and the IPC surface. It implements ipc.Handler.
type Runtime struct {
	cfg      *config.Config
	stateDir string

	emb   embedder.Embedder
	agg   *fmdm.Aggregator
	bcast *broadcast.Broadcaster
	pool  *executor.Pool

	// runCtx is the daemon lifetime; folder goroutines spawned from
	// request handlers attach to it, not to the request context.
	runCtx context.Context

	mu      sync.Mutex
	folders map[string]*managedFolder
	adding  map[string]struct{}
	unsubs  []func()
}

// managedFolder bundles everything the daemon holds for one folder.
type managedFolder struct {
	path  string
	model string

	orch  *lifecycle.Orchestrator
	store store.VectorStore
	idx   *indexer.Indexer
	watch *watcher.Watcher

	cancel context.CancelFunc
	unsubs []func()

	// pendingRescan remembers a change that arrived while a scan cycle
	// was already running; it triggers one follow-up scan on return to
	// watching.
	pendingRescan atomic.Bool
}

// indexWorker adapts one folder's Indexer to the executor pool. The
// task carries no fingerprint; the indexer recomputes it from the file
// content it reads anyway.
type indexWorker struct {
	idx *indexer.Indexer
}

func (w *indexWorker) Apply(ctx context.Context, folderPath string, task lifecycle.Task) (*lifecycle.TaskMetrics, error) {
	stats, err := w.idx.ApplyChange(ctx, lifecycle.FileChangeInfo{Kind: task.Kind, Path: task.Path})
	if err != nil {
		return nil, err
	}
	return &lifecycle.TaskMetrics{
		ChunksCreated: stats.ChunksCreated,
		Duration:      stats.Duration,
	}, nil
}

// NewRuntime assembles a daemon from configuration. Nothing runs until
// Run is called.
func NewRuntime(cfg *config.Config, stateDir string) (*Runtime, error) {
	emb, err := embedder.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	r := &Runtime{
		cfg:      cfg,
		stateDir: stateDir,
		emb:      emb,
		agg:      fmdm.NewAggregator(embedder.CuratedModels()),
		bcast:    broadcast.New(),
		pool:     executor.NewPool(cfg.Scheduler.Workers),
		folders:  make(map[string]*managedFolder),
		adding:   make(map[string]struct{}),
	}

	// Connection changes flow into the snapshot; every snapshot goes
	// back out to the connected clients.
	r.unsubs = append(r.unsubs,
		r.bcast.OnConnectionsChanged(func(conns fmdm.Connections) {
			r.agg.SetConnections(conns)
		}),
		r.agg.OnSnapshot(r.bcast.Publish),
	)

	return r, nil
}

// Run starts the daemon and blocks until ctx is cancelled or a fatal
// component error occurs.
func (r *Runtime) Run(ctx context.Context) error {
	logDir := r.cfg.Daemon.LogDir
	if logDir == "" {
		var err error
		logDir, err = GetDefaultLogDir()
		if err != nil {
			return fmt.Errorf("failed to resolve log directory: %w", err)
		}
	}

	if err := WritePIDFile(logDir); err != nil {
		return err
	}
	defer func() {
		if err := RemovePIDFile(logDir); err != nil {
			log.Printf("Warning: failed to remove PID file: %v", err)
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)
	r.runCtx = gCtx

	r.probeModels(gCtx)

	socketPath := r.cfg.GetSocketPath(r.stateDir)
	server, err := ipc.NewServer(gCtx, socketPath, r, r.bcast)
	if err != nil {
		return err
	}
	server.Serve()
	log.Printf("Daemon listening on %s", socketPath)

	g.Go(func() error {
		return r.pool.Run(gCtx)
	})

	for _, spec := range r.cfg.Folders {
		if err := r.AddFolder(gCtx, spec.Path, r.cfg.FolderModel(spec)); err != nil {
			log.Printf("Warning: failed to add folder %s: %v", spec.Path, err)
		}
	}

	if err := WriteReadyFile(logDir); err != nil {
		log.Printf("Warning: failed to write ready file: %v", err)
	}
	defer func() {
		if err := RemoveReadyFile(logDir); err != nil {
			log.Printf("Warning: failed to remove ready file: %v", err)
		}
	}()

	<-gCtx.Done()
	server.Close()
	err = g.Wait()

	r.mu.Lock()
	paths := make([]string, 0, len(r.folders))
	for path := range r.folders {
		paths = append(paths, path)
	}
	r.mu.Unlock()
	for _, path := range paths {
		if rmErr := r.RemoveFolder(path); rmErr != nil {
			log.Printf("Warning: failed to release folder %s: %v", path, rmErr)
		}
	}

	for _, unsub := range r.unsubs {
		unsub()
	}
	r.bcast.Close()
	if closeErr := r.emb.Close(); closeErr != nil {
		log.Printf("Warning: failed to close embedder: %v", closeErr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// probeModels records the embedding backend's availability in the
// snapshot so clients can surface misconfiguration early.
func (r *Runtime) probeModels(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status := fmdm.ModelCheckStatus{CheckedAt: time.Now()}
	if err := r.emb.Ping(probeCtx); err != nil {
		status.Error = err.Error()
		r.agg.SetModelCheck(status)
		return
	}
	if mm, ok := r.emb.(embedder.ModelManager); ok {
		models, err := mm.ListModels(probeCtx)
		if err != nil {
			status.Error = err.Error()
		} else {
			status.Available = models
		}
	}
	r.agg.SetModelCheck(status)
}

// AddFolder wires up a folder and launches its lifecycle. The folder
// appears in the snapshot immediately, in the pending state.
func (r *Runtime) AddFolder(ctx context.Context, path, model string) error {
	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		return fmt.Errorf("folder path must be absolute: %s", path)
	}
	if model == "" {
		model = r.cfg.Embedder.Model
	}

	// Reserve the path before releasing the lock so a concurrent add for
	// the same folder fails instead of overwriting this one's entry.
	r.mu.Lock()
	_, managed := r.folders[path]
	_, inFlight := r.adding[path]
	if managed || inFlight {
		r.mu.Unlock()
		return fmt.Errorf("folder already managed: %s", path)
	}
	r.adding[path] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.adding, path)
		r.mu.Unlock()
	}()

	ignore, err := indexer.NewIgnoreMatcher(path, r.cfg.Ignore, "")
	if err != nil {
		return fmt.Errorf("failed to build ignore matcher: %w", err)
	}

	st, err := r.openStore(ctx, path)
	if err != nil {
		return err
	}
	if err := st.Load(ctx); err != nil {
		st.Close()
		return fmt.Errorf("failed to load index: %w", err)
	}

	scanner := indexer.NewScanner(path, st, ignore)
	chunker := indexer.NewChunker(r.cfg.Chunking.Size, r.cfg.Chunking.Overlap)
	idx := indexer.NewIndexer(path, st, r.emb, chunker)

	opts := []lifecycle.Option{
		lifecycle.WithMaxConcurrentTasks(r.cfg.Scheduler.MaxConcurrentTasks),
	}
	if mm, ok := r.emb.(embedder.ModelManager); ok {
		opts = append(opts, lifecycle.WithModelEnsurer(mm))
	}
	orch := lifecycle.New(path, model, scanner, opts...)

	w, err := watcher.NewWatcher(path, ignore, r.cfg.Watch.DebounceMs)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	folderCtx, cancel := context.WithCancel(ctx)
	mf := &managedFolder{
		path:   path,
		model:  model,
		orch:   orch,
		store:  st,
		idx:    idx,
		watch:  w,
		cancel: cancel,
	}

	// State listeners run inside the orchestrator's lock; anything that
	// calls back into it goes through a goroutine.
	unsub := orch.OnStateChange(func(cfg fmdm.FolderConfig) {
		switch cfg.Status {
		case fmdm.StatusReady:
			r.pool.Notify()
		case fmdm.StatusIndexed:
			go func() {
				if err := orch.StartWatching(); err != nil {
					log.Printf("folder %s: failed to enter watching: %v", path, err)
				}
			}()
		case fmdm.StatusWatching:
			if mf.pendingRescan.CompareAndSwap(true, false) {
				go r.rescan(folderCtx, mf)
			}
		}
	})
	mf.unsubs = append(mf.unsubs, unsub)

	r.mu.Lock()
	r.folders[path] = mf
	r.mu.Unlock()

	r.pool.Register(orch, &indexWorker{idx: idx})
	r.agg.AddFolder(orch)

	if err := w.Start(folderCtx); err != nil {
		log.Printf("folder %s: watcher failed to start: %v", path, err)
	}
	go r.consumeWatchEvents(folderCtx, mf)

	go func() {
		if err := orch.Start(folderCtx); err != nil {
			log.Printf("folder %s: lifecycle start failed: %v", path, err)
		}
	}()

	return nil
}

// consumeWatchEvents turns debounced filesystem events into scan
// cycles. A change during an active cycle is remembered and replayed
// once the folder returns to watching.
func (r *Runtime) consumeWatchEvents(ctx context.Context, mf *managedFolder) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-mf.watch.Events():
			if !ok {
				return
			}
			r.rescan(ctx, mf)
		}
	}
}

func (r *Runtime) rescan(ctx context.Context, mf *managedFolder) {
	err := mf.orch.StartScanning(ctx)
	switch {
	case err == nil:
	case errors.Is(err, lifecycle.ErrScanInProgress):
		mf.pendingRescan.Store(true)
	case errors.Is(err, lifecycle.ErrDisposed):
	default:
		log.Printf("folder %s: rescan failed: %v", mf.path, err)
	}
}

// RemoveFolder tears down a folder: its watcher, its pool registration
// and its snapshot entry. The persisted index stays on disk.
func (r *Runtime) RemoveFolder(path string) error {
	path = filepath.Clean(path)

	r.mu.Lock()
	mf, ok := r.folders[path]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("folder not managed: %s", path)
	}
	delete(r.folders, path)
	r.mu.Unlock()

	mf.cancel()
	for _, unsub := range mf.unsubs {
		unsub()
	}
	if err := mf.watch.Close(); err != nil {
		log.Printf("folder %s: failed to close watcher: %v", path, err)
	}
	r.pool.Unregister(path)
	r.agg.RemoveFolder(path)
	mf.orch.Dispose()

	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mf.store.Persist(persistCtx); err != nil {
		log.Printf("folder %s: failed to persist index: %v", path, err)
	}
	return mf.store.Close()
}

// openStore picks the vector store backend for one folder.
func (r *Runtime) openStore(ctx context.Context, folderPath string) (store.VectorStore, error) {
	switch r.cfg.Store.Backend {
	case "", "gob":
		indexPath := config.GetIndexPath(folderPath)
		if err := os.MkdirAll(filepath.Dir(indexPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		return store.NewGOBStore(indexPath), nil
	case "postgres":
		return store.NewPostgresStore(ctx, r.cfg.Store.Postgres.DSN, folderPath, r.cfg.Embedder.GetDimensions())
	case "qdrant":
		collectionName := r.cfg.Store.Qdrant.Collection
		if collectionName == "" {
			collectionName = store.SanitizeCollectionName(folderPath)
		}
		return store.NewQdrantStore(ctx, r.cfg.Store.Qdrant.Endpoint, r.cfg.Store.Qdrant.Port, r.cfg.Store.Qdrant.UseTLS, collectionName, r.cfg.Store.Qdrant.APIKey, r.cfg.Embedder.GetDimensions())
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", r.cfg.Store.Backend)
	}
}

func (r *Runtime) lookup(path string) (*managedFolder, error) {
	path = filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	mf, ok := r.folders[path]
	if !ok {
		return nil, fmt.Errorf("folder not managed: %s", path)
	}
	return mf, nil
}

// HandleRequest serves the daemon's IPC operations.
func (r *Runtime) HandleRequest(ctx context.Context, op string, payload json.RawMessage) (any, error) {
	switch op {
	case ipc.OpPing:
		return nil, nil

	case ipc.OpDaemonStatus:
		return ipc.StatusResponse{FMDM: r.agg.Current()}, nil

	case ipc.OpFolderAdd:
		var req ipc.FolderRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid folder.add payload: %w", err)
		}
		if req.Path == "" {
			return nil, errors.New("folder path is required")
		}
		if err := r.AddFolder(r.runCtx, req.Path, req.Model); err != nil {
			return nil, err
		}
		if err := r.cfg.AddFolder(req.Path, req.Model); err == nil {
			if err := r.cfg.Save(r.stateDir); err != nil {
				log.Printf("Warning: failed to save config: %v", err)
			}
		}
		return nil, nil

	case ipc.OpFolderRemove:
		var req ipc.FolderRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid folder.remove payload: %w", err)
		}
		if req.Path == "" {
			return nil, errors.New("folder path is required")
		}
		if err := r.RemoveFolder(req.Path); err != nil {
			return nil, err
		}
		if r.cfg.RemoveFolder(req.Path) {
			if err := r.cfg.Save(r.stateDir); err != nil {
				log.Printf("Warning: failed to save config: %v", err)
			}
		}
		return nil, nil

	case ipc.OpFolderList:
		return ipc.FolderListResponse{Folders: r.agg.Current().Folders}, nil

	case ipc.OpFolderRescan:
		var req ipc.FolderRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid folder.rescan payload: %w", err)
		}
		mf, err := r.lookup(req.Path)
		if err != nil {
			return nil, err
		}
		go r.rescan(r.runCtx, mf)
		return nil, nil

	case ipc.OpSearch:
		var req ipc.SearchRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid search payload: %w", err)
		}
		return r.search(ctx, req)

	default:
		return nil, fmt.Errorf("unknown operation: %s", op)
	}
}

func (r *Runtime) search(ctx context.Context, req ipc.SearchRequest) (*ipc.SearchResponse, error) {
	if req.Query == "" {
		return nil, errors.New("query is required")
	}
	mf, err := r.lookup(req.Folder)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	vector, err := r.emb.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	results, err := mf.store.Search(ctx, vector, limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	// Serving a query marks the folder as actively used; invalid from
	// other states, which is fine.
	if err := mf.orch.MarkActive(); err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
		log.Printf("folder %s: failed to mark active: %v", mf.path, err)
	}

	hits := make([]ipc.SearchHit, len(results))
	for i, res := range results {
		hits[i] = ipc.SearchHit{
			FilePath:  res.Chunk.FilePath,
			StartLine: res.Chunk.StartLine,
			EndLine:   res.Chunk.EndLine,
			Content:   res.Chunk.Content,
			Score:     res.Score,
		}
	}
	return &ipc.SearchResponse{Hits: hits}, nil
}
