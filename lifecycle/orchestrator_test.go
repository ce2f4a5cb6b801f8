package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"folderd/fmdm"
)

// stubScan is a ScanEngine returning canned changes or a canned error.
type stubScan struct {
	mu      sync.Mutex
	changes []FileChangeInfo
	err     error
	calls   int
}

func (s *stubScan) Scan(ctx context.Context, folderPath string, onProgress func(processed, total int64)) ([]FileChangeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if onProgress != nil {
		onProgress(int64(len(s.changes)), int64(len(s.changes)))
	}
	return s.changes, s.err
}

func changes(n int) []FileChangeInfo {
	out := make([]FileChangeInfo, n)
	for i := range out {
		out[i] = FileChangeInfo{
			Kind:        ChangeAdd,
			Path:        fmt.Sprintf("file%d.go", i),
			Fingerprint: fmt.Sprintf("fp%d", i),
		}
	}
	return out
}

func TestOrchestrator_NoChangesGoesWatching(t *testing.T) {
	o := New("/proj", "nomic-embed-text", &stubScan{})

	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning() failed: %v", err)
	}
	if got := o.State(); got != fmdm.StatusWatching {
		t.Errorf("state = %s, want watching", got)
	}
}

func TestOrchestrator_ScanFailureGoesError(t *testing.T) {
	o := New("/proj", "m", &stubScan{err: errors.New("permission denied")})

	if err := o.StartScanning(context.Background()); err == nil {
		t.Fatal("StartScanning() should have returned the scan error")
	}
	cfg := o.Current()
	if cfg.Status != fmdm.StatusError {
		t.Errorf("state = %s, want error", cfg.Status)
	}
	if cfg.Notification == nil || cfg.Notification.Type != fmdm.NotificationError {
		t.Errorf("expected error notification, got %+v", cfg.Notification)
	}
}

func TestOrchestrator_ConcurrencyCeiling(t *testing.T) {
	o := New("/proj", "m", &stubScan{changes: changes(3)}, WithMaxConcurrentTasks(2))
	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning() failed: %v", err)
	}
	if got := o.State(); got != fmdm.StatusReady {
		t.Fatalf("state = %s, want ready", got)
	}

	t1, ok := o.GetNextTask()
	if !ok {
		t.Fatal("first GetNextTask() returned no task")
	}
	if got := o.State(); got != fmdm.StatusIndexing {
		t.Errorf("state after first claim = %s, want indexing", got)
	}
	t2, ok := o.GetNextTask()
	if !ok {
		t.Fatal("second GetNextTask() returned no task")
	}
	if t1.ID == t2.ID {
		t.Fatal("GetNextTask() returned the same task id twice")
	}
	if _, ok := o.GetNextTask(); ok {
		t.Fatal("third GetNextTask() should be withheld at the ceiling")
	}

	if err := o.StartTask(t1.ID); err != nil {
		t.Fatalf("StartTask(t1) failed: %v", err)
	}
	if _, ok := o.GetNextTask(); ok {
		t.Fatal("claim should still be withheld while 2 tasks are in flight")
	}
	if err := o.OnTaskComplete(t1.ID, TaskResult{Success: true}); err != nil {
		t.Fatalf("OnTaskComplete(t1) failed: %v", err)
	}

	t3, ok := o.GetNextTask()
	if !ok {
		t.Fatal("third task should be claimable after one completion")
	}

	// Drain the rest: all succeed, folder ends indexed.
	for _, id := range []string{t2.ID, t3.ID} {
		if err := o.StartTask(id); err != nil {
			t.Fatalf("StartTask(%s) failed: %v", id, err)
		}
		if err := o.OnTaskComplete(id, TaskResult{Success: true}); err != nil {
			t.Fatalf("OnTaskComplete(%s) failed: %v", id, err)
		}
	}
	if got := o.State(); got != fmdm.StatusIndexed {
		t.Errorf("final state = %s, want indexed", got)
	}
	p := o.GetProgress()
	if p.Processed != 3 || p.Total != 3 || p.Percentage != 100 {
		t.Errorf("progress = %+v, want 3/3 100%%", p)
	}
}

func TestOrchestrator_FailedTaskIsolated(t *testing.T) {
	o := New("/proj", "m", &stubScan{changes: changes(3)}, WithMaxConcurrentTasks(3))
	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning() failed: %v", err)
	}

	var ids []string
	for {
		task, ok := o.GetNextTask()
		if !ok {
			break
		}
		ids = append(ids, task.ID)
		if err := o.StartTask(task.ID); err != nil {
			t.Fatalf("StartTask failed: %v", err)
		}
	}
	if len(ids) != 3 {
		t.Fatalf("claimed %d tasks, want 3", len(ids))
	}

	// Task #2 fails; #1 and #3 still complete normally.
	if err := o.OnTaskComplete(ids[0], TaskResult{Success: true}); err != nil {
		t.Fatalf("complete #1: %v", err)
	}
	if err := o.OnTaskComplete(ids[1], TaskResult{Success: false, Error: "embed timeout"}); err != nil {
		t.Fatalf("complete #2: %v", err)
	}
	if got := o.State(); got != fmdm.StatusIndexing {
		t.Errorf("state after mid-batch failure = %s, want indexing (not fail-fast)", got)
	}
	if err := o.OnTaskComplete(ids[2], TaskResult{Success: true}); err != nil {
		t.Fatalf("complete #3: %v", err)
	}

	cfg := o.Current()
	if cfg.Status != fmdm.StatusError {
		t.Errorf("final state = %s, want error", cfg.Status)
	}
	if cfg.Notification == nil {
		t.Fatal("expected a failure notification")
	}
	if cfg.Notification.Type != fmdm.NotificationError {
		t.Errorf("notification type = %s, want error", cfg.Notification.Type)
	}
}

func TestOrchestrator_DuplicateCompletionRejected(t *testing.T) {
	o := New("/proj", "m", &stubScan{changes: changes(1)})
	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning() failed: %v", err)
	}
	task, ok := o.GetNextTask()
	if !ok {
		t.Fatal("no task claimed")
	}
	if err := o.StartTask(task.ID); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	if err := o.OnTaskComplete(task.ID, TaskResult{Success: true}); err != nil {
		t.Fatalf("first completion failed: %v", err)
	}

	err := o.OnTaskComplete(task.ID, TaskResult{Success: false, Error: "again"})
	if err == nil {
		t.Fatal("second completion should be rejected")
	}
	if !errors.Is(err, ErrUnknownTask) && !errors.Is(err, ErrDuplicateCompletion) {
		t.Errorf("unexpected error: %v", err)
	}
	// The duplicate failure must not flip the outcome.
	if got := o.State(); got != fmdm.StatusIndexed {
		t.Errorf("state = %s, want indexed", got)
	}
}

func TestOrchestrator_StartTaskContract(t *testing.T) {
	o := New("/proj", "m", &stubScan{changes: changes(1)})
	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning() failed: %v", err)
	}

	if err := o.StartTask("nope"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("StartTask(unknown) = %v, want ErrUnknownTask", err)
	}

	task, _ := o.GetNextTask()
	if err := o.StartTask(task.ID); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	if err := o.StartTask(task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second StartTask = %v, want ErrInvalidTransition", err)
	}
}

func TestOrchestrator_RescanRejectedWhileBusy(t *testing.T) {
	o := New("/proj", "m", &stubScan{changes: changes(2)})
	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning() failed: %v", err)
	}
	task, _ := o.GetNextTask() // ready -> indexing

	if err := o.StartScanning(context.Background()); !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("StartScanning while indexing = %v, want ErrScanInProgress", err)
	}
	// The rejected call must not disturb the queue.
	if err := o.StartTask(task.ID); err != nil {
		t.Errorf("queue was altered by rejected rescan: %v", err)
	}
}

func TestOrchestrator_ResetMidIndexing(t *testing.T) {
	o := New("/proj", "m", &stubScan{changes: changes(3)}, WithMaxConcurrentTasks(2))
	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning() failed: %v", err)
	}

	// 2 running, 1 pending.
	var running []string
	for i := 0; i < 2; i++ {
		task, ok := o.GetNextTask()
		if !ok {
			t.Fatal("claim failed")
		}
		if err := o.StartTask(task.ID); err != nil {
			t.Fatalf("StartTask failed: %v", err)
		}
		running = append(running, task.ID)
	}

	if err := o.Reset(); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if got := o.State(); got != fmdm.StatusScanning {
		t.Errorf("state after reset = %s, want scanning", got)
	}
	p := o.GetProgress()
	if p.Processed != 0 || p.Total != 0 {
		t.Errorf("progress after reset = %d/%d, want 0/0", p.Processed, p.Total)
	}

	// Late completions for cleared tasks are rejected as unknown.
	if err := o.OnTaskComplete(running[0], TaskResult{Success: true}); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("late completion = %v, want ErrUnknownTask", err)
	}
}

func TestOrchestrator_ListenersFireAndUnsubscribe(t *testing.T) {
	o := New("/proj", "m", &stubScan{changes: changes(1)})

	var a, b int
	unsubA := o.OnStateChange(func(fmdm.FolderConfig) { a++ })
	o.OnStateChange(func(fmdm.FolderConfig) { b++ })

	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning() failed: %v", err)
	}
	if a == 0 || b == 0 {
		t.Fatalf("listeners did not fire: a=%d b=%d", a, b)
	}
	if a != b {
		t.Errorf("listeners fired unevenly: a=%d b=%d", a, b)
	}

	unsubA()
	before := b
	task, _ := o.GetNextTask() // ready -> indexing fires state change
	_ = task
	if b <= before {
		t.Error("remaining listener stopped firing after sibling unsubscribed")
	}
	if a != before {
		t.Errorf("unsubscribed listener still fired: a=%d want %d", a, before)
	}
}

func TestOrchestrator_ProgressListenerOrder(t *testing.T) {
	o := New("/proj", "m", &stubScan{changes: changes(2)}, WithMaxConcurrentTasks(2))
	var order []string
	o.OnProgressUpdate(func(fmdm.FolderConfig) { order = append(order, "first") })
	o.OnProgressUpdate(func(fmdm.FolderConfig) { order = append(order, "second") })

	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning() failed: %v", err)
	}
	if len(order) < 2 {
		t.Fatalf("progress listeners did not fire: %v", order)
	}
	if order[0] != "first" || order[1] != "second" {
		t.Errorf("listeners fired out of registration order: %v", order)
	}
}

func TestOrchestrator_DisposeIdempotentAndIgnoresLateReports(t *testing.T) {
	o := New("/proj", "m", &stubScan{changes: changes(1)})
	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning() failed: %v", err)
	}
	task, _ := o.GetNextTask()
	if err := o.StartTask(task.ID); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}

	o.Dispose()
	o.Dispose() // must be safe twice

	if err := o.OnTaskComplete(task.ID, TaskResult{Success: true}); err != nil {
		t.Errorf("completion after dispose should be ignored, got %v", err)
	}
	if _, ok := o.GetNextTask(); ok {
		t.Error("GetNextTask after dispose should return nothing")
	}
	if err := o.StartScanning(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Errorf("StartScanning after dispose = %v, want ErrDisposed", err)
	}
}

func TestOrchestrator_ModelDownloadFlow(t *testing.T) {
	ensurer := &stubEnsurer{present: false}
	o := New("/proj", "nomic-embed-text", &stubScan{}, WithModelEnsurer(ensurer))

	var states []fmdm.FolderStatus
	o.OnStateChange(func(cfg fmdm.FolderConfig) { states = append(states, cfg.Status) })

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	want := []fmdm.FolderStatus{fmdm.StatusDownloadingModel, fmdm.StatusScanning, fmdm.StatusWatching}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	if !ensurer.pulled {
		t.Error("model was not pulled")
	}
}

// blockingEnsurer parks PullModel until released, so a test can observe
// the downloading-model state from outside.
type blockingEnsurer struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingEnsurer) CheckModel(ctx context.Context, model string) (bool, error) {
	return false, nil
}

func (b *blockingEnsurer) PullModel(ctx context.Context, model string, onProgress func(completed, total int64)) error {
	close(b.started)
	<-b.release
	return nil
}

func TestOrchestrator_ScanRejectedDuringModelDownload(t *testing.T) {
	ensurer := &blockingEnsurer{started: make(chan struct{}), release: make(chan struct{})}
	o := New("/proj", "nomic-embed-text", &stubScan{}, WithModelEnsurer(ensurer))

	done := make(chan error, 1)
	go func() { done <- o.Start(context.Background()) }()
	<-ensurer.started

	// External rescan requests are rejected mid-download...
	if err := o.StartScanning(context.Background()); !errors.Is(err, ErrScanInProgress) {
		t.Errorf("StartScanning() during download = %v, want ErrScanInProgress", err)
	}

	// ...but download completion still flows into the first scan.
	close(ensurer.release)
	if err := <-done; err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if got := o.State(); got != fmdm.StatusWatching {
		t.Errorf("state = %s, want watching", got)
	}
}

func TestOrchestrator_ModelDownloadFailure(t *testing.T) {
	ensurer := &stubEnsurer{present: false, pullErr: errors.New("registry unreachable")}
	o := New("/proj", "nomic-embed-text", &stubScan{}, WithModelEnsurer(ensurer))

	if err := o.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when the pull fails")
	}
	cfg := o.Current()
	if cfg.Status != fmdm.StatusError {
		t.Errorf("state = %s, want error", cfg.Status)
	}
	if cfg.Notification == nil {
		t.Error("expected a notification describing the download failure")
	}
}

type stubEnsurer struct {
	present bool
	pullErr error
	pulled  bool
}

func (s *stubEnsurer) CheckModel(ctx context.Context, model string) (bool, error) {
	return s.present, nil
}

func (s *stubEnsurer) PullModel(ctx context.Context, model string, onProgress func(completed, total int64)) error {
	s.pulled = true
	if onProgress != nil {
		onProgress(50, 100)
		onProgress(100, 100)
	}
	return s.pullErr
}

func TestOrchestrator_CompletionsAppliedInReportOrder(t *testing.T) {
	o := New("/proj", "m", &stubScan{changes: changes(3)}, WithMaxConcurrentTasks(3))
	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning() failed: %v", err)
	}
	var ids []string
	for {
		task, ok := o.GetNextTask()
		if !ok {
			break
		}
		ids = append(ids, task.ID)
		if err := o.StartTask(task.ID); err != nil {
			t.Fatalf("StartTask failed: %v", err)
		}
	}

	var seen []int64
	o.OnProgressUpdate(func(cfg fmdm.FolderConfig) {
		if cfg.Progress != nil {
			seen = append(seen, cfg.Progress.Processed)
		}
	})

	// Report out of dispatch order: 3rd, 1st, 2nd.
	for _, i := range []int{2, 0, 1} {
		if err := o.OnTaskComplete(ids[i], TaskResult{Success: true}); err != nil {
			t.Fatalf("OnTaskComplete failed: %v", err)
		}
	}
	want := []int64{1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("progress updates = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("progress updates = %v, want %v", seen, want)
		}
	}
	if got := o.State(); got != fmdm.StatusIndexed {
		t.Errorf("final state = %s, want indexed", got)
	}
}
