// Package executor runs folder tasks against a global concurrency bound.
// The pool pulls work from registered sources (one per folder), so a
// folder's own ceiling and the daemon-wide worker budget both apply.
package executor

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"folderd/lifecycle"
)

// Source hands out tasks for one folder. Implemented by the lifecycle
// orchestrator.
type Source interface {
	FolderPath() string
	GetNextTask() (lifecycle.Task, bool)
	StartTask(taskID string) error
	OnTaskComplete(taskID string, result lifecycle.TaskResult) error
}

// Worker applies one task for a folder and reports its metrics.
type Worker interface {
	Apply(ctx context.Context, folderPath string, task lifecycle.Task) (*lifecycle.TaskMetrics, error)
}

// pollInterval is the fallback cadence for discovering work when no
// Notify arrives (e.g. tasks enqueued before the pool started).
const pollInterval = 500 * time.Millisecond

// Pool dispatches tasks from all registered sources to their workers.
type Pool struct {
	sem  *semaphore.Weighted
	wake chan struct{}

	mu      sync.Mutex
	sources []Source
	workers map[string]Worker // folder path -> worker
	next    int               // round-robin cursor

	wg sync.WaitGroup
}

// NewPool creates a pool bounded to n concurrently running tasks across
// all folders.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(n)),
		wake:    make(chan struct{}, 1),
		workers: make(map[string]Worker),
	}
}

// Register adds a folder's task source and its worker. Safe while the
// pool is running.
func (p *Pool) Register(src Source, w Worker) {
	p.mu.Lock()
	p.sources = append(p.sources, src)
	p.workers[src.FolderPath()] = w
	p.mu.Unlock()
	p.Notify()
}

// Unregister removes a folder. In-flight tasks for it finish normally;
// their completion reports are the source's problem to accept or reject.
func (p *Pool) Unregister(folderPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, src := range p.sources {
		if src.FolderPath() == folderPath {
			p.sources = append(p.sources[:i], p.sources[i+1:]...)
			break
		}
	}
	delete(p.workers, folderPath)
}

// Notify wakes the dispatch loop. Call after enqueueing tasks.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is cancelled, then waits for in-flight tasks.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		p.dispatch(ctx)

		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// dispatch claims and launches tasks while capacity and work remain.
// Sources are visited round-robin so one busy folder cannot starve the
// others.
func (p *Pool) dispatch(ctx context.Context) {
	for {
		if !p.sem.TryAcquire(1) {
			return
		}

		src, task, ok := p.claim()
		if !ok {
			p.sem.Release(1)
			return
		}

		p.wg.Add(1)
		go p.run(ctx, src, task)
	}
}

// claim asks each source in turn for a task, advancing the round-robin
// cursor past the source that supplied one.
func (p *Pool) claim() (Source, lifecycle.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.sources)
	for i := 0; i < n; i++ {
		src := p.sources[(p.next+i)%n]
		if task, ok := src.GetNextTask(); ok {
			p.next = (p.next + i + 1) % n
			return src, task, true
		}
	}
	return nil, lifecycle.Task{}, false
}

func (p *Pool) run(ctx context.Context, src Source, task lifecycle.Task) {
	// LIFO: release the slot first, then wake the dispatcher.
	defer p.wg.Done()
	defer p.Notify()
	defer p.sem.Release(1)

	folder := src.FolderPath()

	if err := src.StartTask(task.ID); err != nil {
		log.Printf("executor: start task %s for %s: %v", task.ID, folder, err)
		p.report(src, task.ID, lifecycle.TaskResult{Success: false, Error: err.Error()})
		return
	}

	p.mu.Lock()
	w := p.workers[folder]
	p.mu.Unlock()
	if w == nil {
		p.report(src, task.ID, lifecycle.TaskResult{Success: false, Error: "no worker registered"})
		return
	}

	metrics, err := w.Apply(ctx, folder, task)
	if err != nil {
		p.report(src, task.ID, lifecycle.TaskResult{Success: false, Error: err.Error(), Metrics: metrics})
		return
	}
	p.report(src, task.ID, lifecycle.TaskResult{Success: true, Metrics: metrics})
}

func (p *Pool) report(src Source, taskID string, result lifecycle.TaskResult) {
	if err := src.OnTaskComplete(taskID, result); err != nil {
		log.Printf("executor: report task %s for %s: %v", taskID, src.FolderPath(), err)
	}
}
