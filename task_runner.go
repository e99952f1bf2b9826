package treelock

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskRunner is a bounded worker pool over errgroup. Each simulated client of the harness
// runs as one task.
type TaskRunner struct {
	eg      *errgroup.Group
	context context.Context
}

// NewTaskRunner creates a new TaskRunner. maxThreadCount > 0 limits the number of concurrent goroutines.
func NewTaskRunner(ctx context.Context, maxThreadCount int) *TaskRunner {
	eg, ctx2 := errgroup.WithContext(ctx)
	if maxThreadCount > 0 {
		eg.SetLimit(maxThreadCount)
	}
	return &TaskRunner{
		eg:      eg,
		context: ctx2,
	}
}

// GetContext returns the TaskRunner's context; it is cancelled when the first task fails.
func (tr *TaskRunner) GetContext() context.Context {
	return tr.context
}

// Go runs task on a pool goroutine, blocking while the pool is full.
func (tr *TaskRunner) Go(task func() error) {
	tr.eg.Go(task)
}

// Wait waits for all launched tasks to complete and returns the first encountered error, if any.
func (tr *TaskRunner) Wait() error {
	return tr.eg.Wait()
}
