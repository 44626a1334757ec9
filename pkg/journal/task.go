package journal

import (
	"context"
)

// Task is the handle returned for a scheduled transaction. Completion is
// observed by waiting on Done or calling Wait; tasks complete in
// schedule order with respect to the journal's commit pointer.
type Task struct {
	done chan struct{}
	err  error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

// Done is closed once the task has been durably committed (journal mode)
// or written back (unjournaled mode).
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task outcome. Only valid after Done is closed.
func (t *Task) Err() error { return t.err }

// Wait blocks until the task completes or ctx is cancelled.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) complete(err error) {
	t.err = err
	close(t.done)
}

// completedTask returns an already-finished task, used on fast paths
// such as Sync without a journal.
func completedTask(err error) *Task {
	t := newTask()
	t.complete(err)
	return t
}
