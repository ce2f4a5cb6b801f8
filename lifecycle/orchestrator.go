// Package lifecycle drives one watched folder from "needs attention" to
// "stable and watched". Each folder has exactly one Orchestrator owning
// its state machine and task queue; state is mutated only here, never
// externally. The executor pool pulls work via GetNextTask/StartTask and
// reports back through OnTaskComplete.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"

	"folderd/fmdm"
)

// ScanEngine produces the ordered list of file changes that seed a scan
// cycle. Implementations may report scan progress through onProgress.
type ScanEngine interface {
	Scan(ctx context.Context, folderPath string, onProgress func(processed, total int64)) ([]FileChangeInfo, error)
}

// ModelEnsurer checks and downloads the folder's embedding model. A nil
// ensurer means the model is assumed present.
type ModelEnsurer interface {
	CheckModel(ctx context.Context, model string) (bool, error)
	PullModel(ctx context.Context, model string, onProgress func(completed, total int64)) error
}

type listener struct {
	id int
	fn func(fmdm.FolderConfig)
}

// Orchestrator is the per-folder state machine. All exported methods are
// safe for concurrent use; transitions for one folder are serialized.
// Listeners fire synchronously inside the mutating call and must not call
// back into the orchestrator.
type Orchestrator struct {
	path   string
	model  string
	scan   ScanEngine
	models ModelEnsurer

	mu            sync.Mutex
	state         fmdm.FolderStatus
	queue         *taskQueue
	notification  *fmdm.Notification
	scanProgress  *fmdm.Progress
	indexProgress *fmdm.Progress
	downloadProg  *fmdm.Progress
	disposed      bool
	gen           uint64 // bumped by Reset/Dispose to invalidate in-flight scans

	stateListeners    []listener
	progressListeners []listener
	nextListenerID    int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxConcurrentTasks bounds how many of this folder's tasks may be
// claimed or running at once. Defaults to 2.
func WithMaxConcurrentTasks(n int) Option {
	return func(o *Orchestrator) {
		o.queue = newTaskQueue(n)
	}
}

// WithModelEnsurer wires the model availability/download collaborator.
func WithModelEnsurer(m ModelEnsurer) Option {
	return func(o *Orchestrator) {
		o.models = m
	}
}

// New creates an orchestrator in the pending state.
func New(path, model string, scan ScanEngine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		path:  path,
		model: model,
		scan:  scan,
		state: fmdm.StatusPending,
		queue: newTaskQueue(2),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FolderPath returns the watched folder path.
func (o *Orchestrator) FolderPath() string { return o.path }

// Model returns the folder's embedding model id.
func (o *Orchestrator) Model() string { return o.model }

// State returns the current lifecycle state.
func (o *Orchestrator) State() fmdm.FolderStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Current builds the folder's boundary view: state, progress and
// notification in one consistent value.
func (o *Orchestrator) Current() fmdm.FolderConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentLocked()
}

func (o *Orchestrator) currentLocked() fmdm.FolderConfig {
	cfg := fmdm.FolderConfig{
		Path:   o.path,
		Model:  o.model,
		Status: o.state,
	}
	if o.notification != nil {
		n := *o.notification
		cfg.Notification = &n
	}
	if o.scanProgress != nil {
		p := *o.scanProgress
		cfg.ScanningProgress = &p
	}
	if o.indexProgress != nil {
		p := *o.indexProgress
		cfg.Progress = &p
	}
	if o.downloadProg != nil {
		p := *o.downloadProg
		cfg.DownloadProgress = &p
	}
	return cfg
}

// GetProgress returns the task progress of the current or last index
// batch. Zero values after Reset.
func (o *Orchestrator) GetProgress() fmdm.Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fmdm.Progress{
		Phase:      "indexing",
		Processed:  int64(o.queue.processed),
		Total:      int64(o.queue.total),
		Percentage: fmdm.Percent(int64(o.queue.processed), int64(o.queue.total)),
	}
}

// OnStateChange registers a listener fired on every state transition.
// The returned func unsubscribes; other listeners are unaffected.
func (o *Orchestrator) OnStateChange(fn func(fmdm.FolderConfig)) func() {
	return o.addListener(&o.stateListeners, fn)
}

// OnProgressUpdate registers a listener fired on every progress change.
func (o *Orchestrator) OnProgressUpdate(fn func(fmdm.FolderConfig)) func() {
	return o.addListener(&o.progressListeners, fn)
}

func (o *Orchestrator) addListener(list *[]listener, fn func(fmdm.FolderConfig)) func() {
	o.mu.Lock()
	o.nextListenerID++
	id := o.nextListenerID
	*list = append(*list, listener{id: id, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		for i, l := range *list {
			if l.id == id {
				*list = append((*list)[:i], (*list)[i+1:]...)
				break
			}
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) setStateLocked(s fmdm.FolderStatus) {
	if o.state == s {
		return
	}
	o.state = s
	cfg := o.currentLocked()
	for _, l := range o.stateListeners {
		l.fn(cfg)
	}
}

func (o *Orchestrator) fireProgressLocked() {
	cfg := o.currentLocked()
	for _, l := range o.progressListeners {
		l.fn(cfg)
	}
}

// Start runs the pending-state entry: ensure the embedding model is
// present (downloading it if the ensurer supports that), then run the
// first scan. Intended to be called once, from the daemon's folder
// goroutine.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	if o.state != fmdm.StatusPending {
		o.mu.Unlock()
		return &OpError{Op: "start", Err: ErrInvalidTransition}
	}
	ensurer := o.models
	o.mu.Unlock()

	if ensurer != nil {
		present, err := ensurer.CheckModel(ctx, o.model)
		if err != nil {
			o.fail("", fmt.Errorf("model check failed: %w", err))
			return err
		}
		if !present {
			o.mu.Lock()
			o.setStateLocked(fmdm.StatusDownloadingModel)
			o.mu.Unlock()

			err := ensurer.PullModel(ctx, o.model, func(completed, total int64) {
				o.mu.Lock()
				o.downloadProg = &fmdm.Progress{
					Phase:      "downloading-model",
					Processed:  completed,
					Total:      total,
					Percentage: fmdm.Percent(completed, total),
				}
				o.fireProgressLocked()
				o.mu.Unlock()
			})
			o.mu.Lock()
			o.downloadProg = nil
			o.mu.Unlock()
			if err != nil {
				o.fail("", fmt.Errorf("model download failed: %w", err))
				return err
			}
		}
	}

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	switch o.state {
	case fmdm.StatusScanning, fmdm.StatusIndexing, fmdm.StatusReady:
		o.mu.Unlock()
		return ErrScanInProgress
	}
	return o.scanCycle(ctx)
}

// StartScanning runs one scan cycle. It is rejected with
// ErrScanInProgress while the folder is downloading its model, scanning
// or indexing, which is the re-entrancy guard against overlapping
// cycles; the queue is left untouched in that case. Start bypasses this
// guard so download completion can flow straight into the first scan.
func (o *Orchestrator) StartScanning(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	switch o.state {
	case fmdm.StatusScanning, fmdm.StatusIndexing, fmdm.StatusReady, fmdm.StatusDownloadingModel:
		o.mu.Unlock()
		return ErrScanInProgress
	}
	return o.scanCycle(ctx)
}

// scanCycle performs one scan. Called with o.mu held; the lock is
// released before the scan engine runs.
func (o *Orchestrator) scanCycle(ctx context.Context) error {
	gen := o.gen
	o.notification = nil
	o.scanProgress = &fmdm.Progress{Phase: "scanning"}
	o.indexProgress = nil
	o.setStateLocked(fmdm.StatusScanning)
	o.mu.Unlock()

	// The scan engine runs outside the lock; the scanning state is the
	// guard against a second cycle starting.
	changes, err := o.scan.Scan(ctx, o.path, func(processed, total int64) {
		o.mu.Lock()
		if o.gen == gen && o.state == fmdm.StatusScanning {
			o.scanProgress = &fmdm.Progress{
				Phase:      "scanning",
				Processed:  processed,
				Total:      total,
				Percentage: fmdm.Percent(processed, total),
			}
			o.fireProgressLocked()
		}
		o.mu.Unlock()
	})

	o.mu.Lock()
	if o.disposed || o.gen != gen {
		// Reset or Dispose happened mid-scan; this cycle's results are
		// stale.
		o.mu.Unlock()
		return nil
	}
	o.scanProgress = nil
	if err != nil {
		o.mu.Unlock()
		o.fail("scan failed", err)
		return fmt.Errorf("scan %s: %w", o.path, err)
	}
	o.mu.Unlock()

	return o.ProcessScanResults(changes)
}

// ProcessScanResults converts detected changes into pending tasks, in
// detection order, and moves the folder to ready. With no changes the
// folder goes straight to watching.
func (o *Orchestrator) ProcessScanResults(changes []FileChangeInfo) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return ErrDisposed
	}
	if o.state != fmdm.StatusScanning {
		return &OpError{Op: "processScanResults", Err: ErrInvalidTransition}
	}

	if len(changes) == 0 {
		o.setStateLocked(fmdm.StatusWatching)
		return nil
	}

	o.queue.clear()
	o.queue.enqueue(changes)
	o.indexProgress = &fmdm.Progress{
		Phase: "indexing",
		Total: int64(o.queue.total),
	}
	o.setStateLocked(fmdm.StatusReady)
	return nil
}

// GetNextTask hands the oldest pending task to the executor pool, if the
// concurrency ceiling allows another claim. Returning false signals
// backpressure; the pool retries later. The first successful claim moves
// the folder from ready to indexing.
func (o *Orchestrator) GetNextTask() (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return Task{}, false
	}
	if o.state != fmdm.StatusReady && o.state != fmdm.StatusIndexing {
		return Task{}, false
	}
	t, ok := o.queue.next()
	if !ok {
		return Task{}, false
	}
	if o.state == fmdm.StatusReady {
		o.setStateLocked(fmdm.StatusIndexing)
	}
	return t, true
}

// StartTask transitions a claimed task to running. Calling it for an
// unclaimed id, or twice for the same id, is a contract violation.
func (o *Orchestrator) StartTask(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return ErrDisposed
	}
	return o.queue.start(taskID)
}

// OnTaskComplete applies one task's terminal result, in report order.
// Duplicate or unknown reports are logged and rejected, never applied
// twice. A single failure never aborts the batch: failures accumulate
// and are evaluated only once the queue drains, after which the folder
// is indexed (no failures) or error (at least one).
func (o *Orchestrator) OnTaskComplete(taskID string, result TaskResult) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		// The pool may still report tasks claimed before Dispose.
		log.Printf("folder %s: dropping completion for task %s after dispose", o.path, taskID)
		return nil
	}
	if err := o.queue.complete(taskID, result); err != nil {
		log.Printf("folder %s: rejected completion for task %s: %v", o.path, taskID, err)
		return err
	}

	o.indexProgress = &fmdm.Progress{
		Phase:      "indexing",
		Processed:  int64(o.queue.processed),
		Total:      int64(o.queue.total),
		Percentage: fmdm.Percent(int64(o.queue.processed), int64(o.queue.total)),
	}
	o.fireProgressLocked()

	if o.state == fmdm.StatusIndexing && o.queue.drained() {
		if n := len(o.queue.failures); n > 0 {
			first := o.queue.failures[0]
			o.notification = &fmdm.Notification{
				Type: fmdm.NotificationError,
				Message: fmt.Sprintf("indexing finished with %d of %d tasks failed (first: %s: %s)",
					n, o.queue.total, first.path, first.err),
			}
			o.setStateLocked(fmdm.StatusError)
		} else {
			o.setStateLocked(fmdm.StatusIndexed)
		}
	}
	return nil
}

// StartWatching marks the folder as watched after a successful index.
func (o *Orchestrator) StartWatching() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return ErrDisposed
	}
	switch o.state {
	case fmdm.StatusIndexed, fmdm.StatusActive:
		o.setStateLocked(fmdm.StatusWatching)
		return nil
	default:
		return &OpError{Op: "startWatching", Err: ErrInvalidTransition}
	}
}

// MarkActive flags the folder as actively serving queries while watched.
func (o *Orchestrator) MarkActive() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return ErrDisposed
	}
	switch o.state {
	case fmdm.StatusWatching, fmdm.StatusIndexed:
		o.setStateLocked(fmdm.StatusActive)
		return nil
	default:
		return &OpError{Op: "markActive", Err: ErrInvalidTransition}
	}
}

// Reset discards the queue and all in-flight progress and returns the
// machine to scanning, for a forced re-index. Completions reported for
// cleared tasks are rejected as unknown.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return ErrDisposed
	}
	o.gen++
	o.queue.clear()
	o.notification = nil
	o.scanProgress = nil
	o.indexProgress = nil
	o.downloadProg = nil
	o.setStateLocked(fmdm.StatusScanning)
	return nil
}

// Dispose detaches all listeners and abandons the queue. Safe to call
// from any state, idempotently. In-flight tasks already claimed by the
// pool are not cancelled; their late completions are ignored.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return
	}
	o.disposed = true
	o.gen++
	o.stateListeners = nil
	o.progressListeners = nil
	o.queue.clear()
}

// fail records a cycle failure as the folder's own state rather
// than propagating it upward.
func (o *Orchestrator) fail(prefix string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return
	}
	msg := err.Error()
	if prefix != "" {
		msg = prefix + ": " + msg
	}
	o.notification = &fmdm.Notification{Type: fmdm.NotificationError, Message: msg}
	o.setStateLocked(fmdm.StatusError)
}
