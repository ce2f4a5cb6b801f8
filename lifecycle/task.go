package lifecycle

import (
	"time"

	"github.com/google/uuid"
)

// ChangeKind classifies one detected file change.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// FileChangeInfo is one entry of a scan result, in detection order.
type FileChangeInfo struct {
	Kind        ChangeKind `json:"kind"`
	Path        string     `json:"path"`
	Fingerprint string     `json:"fingerprint"`
}

// TaskStatus is the life of one task inside the queue.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed" // handed to the pool, not yet started
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// TaskMetrics carries optional execution measurements.
type TaskMetrics struct {
	ChunksCreated int           `json:"chunks_created,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
}

// TaskResult is reported exactly once per task by the executor pool.
type TaskResult struct {
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	Metrics *TaskMetrics `json:"metrics,omitempty"`
}

// Task is one unit of per-file work derived from a detected change.
type Task struct {
	ID     string      `json:"id"`
	Kind   ChangeKind  `json:"kind"`
	Path   string      `json:"path"`
	Status TaskStatus  `json:"status"`
	Result *TaskResult `json:"result,omitempty"`
}

type taskFailure struct {
	path string
	err  string
}

// taskQueue is the orchestrator's FIFO task queue with a claimed set and
// a concurrency ceiling. It is not safe for concurrent use on its own;
// the owning orchestrator serializes access.
type taskQueue struct {
	maxConcurrent int

	pending []string // FIFO of pending task ids
	tasks   map[string]*Task
	done    map[string]struct{} // terminal ids of the current batch

	claimed int
	running int

	total     int
	processed int
	failures  []taskFailure
}

func newTaskQueue(maxConcurrent int) *taskQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &taskQueue{
		maxConcurrent: maxConcurrent,
		tasks:         make(map[string]*Task),
		done:          make(map[string]struct{}),
	}
}

// enqueue appends one task per change, preserving detection order.
func (q *taskQueue) enqueue(changes []FileChangeInfo) {
	for _, c := range changes {
		t := &Task{
			ID:     uuid.NewString(),
			Kind:   c.Kind,
			Path:   c.Path,
			Status: TaskPending,
		}
		q.tasks[t.ID] = t
		q.pending = append(q.pending, t.ID)
		q.total++
	}
}

// next claims the oldest pending task if the ceiling allows it. A claimed
// task counts against the ceiling until its completion is reported.
func (q *taskQueue) next() (Task, bool) {
	if len(q.pending) == 0 || q.claimed+q.running >= q.maxConcurrent {
		return Task{}, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	t := q.tasks[id]
	t.Status = TaskClaimed
	q.claimed++
	return *t, true
}

// start promotes a claimed task to running.
func (q *taskQueue) start(id string) error {
	t, ok := q.tasks[id]
	if !ok {
		return &OpError{Op: "startTask", Task: id, Err: ErrUnknownTask}
	}
	if t.Status != TaskClaimed {
		return &OpError{Op: "startTask", Task: id, Err: ErrInvalidTransition}
	}
	t.Status = TaskRunning
	q.claimed--
	q.running++
	return nil
}

// complete moves a task to its terminal state and accounts for it. Once
// terminal the task leaves the active set; a second report for the same
// id fails with ErrDuplicateCompletion and is not applied.
func (q *taskQueue) complete(id string, result TaskResult) error {
	if _, terminal := q.done[id]; terminal {
		return &OpError{Op: "onTaskComplete", Task: id, Err: ErrDuplicateCompletion}
	}
	t, ok := q.tasks[id]
	if !ok {
		return &OpError{Op: "onTaskComplete", Task: id, Err: ErrUnknownTask}
	}
	switch t.Status {
	case TaskRunning:
		q.running--
	case TaskClaimed:
		// The pool may report an immediate failure for a task it never
		// managed to start.
		q.claimed--
	default:
		return &OpError{Op: "onTaskComplete", Task: id, Err: ErrInvalidTransition}
	}

	if result.Success {
		t.Status = TaskSucceeded
	} else {
		t.Status = TaskFailed
		q.failures = append(q.failures, taskFailure{path: t.Path, err: result.Error})
	}
	t.Result = &result
	q.processed++
	q.done[id] = struct{}{}
	delete(q.tasks, id)
	return nil
}

// drained reports whether every enqueued task reached a terminal state.
func (q *taskQueue) drained() bool {
	return len(q.pending) == 0 && q.claimed == 0 && q.running == 0
}

func (q *taskQueue) clear() {
	q.pending = nil
	q.tasks = make(map[string]*Task)
	q.done = make(map[string]struct{})
	q.claimed = 0
	q.running = 0
	q.total = 0
	q.processed = 0
	q.failures = nil
}
