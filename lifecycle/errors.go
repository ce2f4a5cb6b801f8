package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrScanInProgress is returned by StartScanning while a scan or an
	// index batch is still in flight for the folder.
	ErrScanInProgress = errors.New("scan already in progress")

	// ErrInvalidTransition marks an operation called in a state that
	// forbids it.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnknownTask marks an operation on a task id the queue does not
	// hold (never enqueued, cleared by Reset, or already terminal).
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateCompletion marks a second completion report for the
	// same task id.
	ErrDuplicateCompletion = errors.New("task already completed")

	// ErrDisposed marks an operation on a disposed orchestrator.
	ErrDisposed = errors.New("orchestrator disposed")
)

// OpError wraps a contract violation with the operation and task that
// triggered it.
type OpError struct {
	Op   string
	Task string
	Err  error
}

func (e *OpError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: task %s: %v", e.Op, e.Task, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
