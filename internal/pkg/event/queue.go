package event

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fieldmesh/fieldmesh/internal/pkg/log"
)

// Queue runs deferred continuations.
//
// A continuation is submitted with a precondition handle and runs as an
// independent asynchronous task once the precondition fires, never as a
// recursive synchronous call, so the stack depth stays bounded.
type Queue struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  log.Logger
	waiters sync.WaitGroup
	group   *errgroup.Group
}

func NewQueue(logger log.Logger, workers int) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	group := &errgroup.Group{}
	if workers > 0 {
		group.SetLimit(workers)
	}
	return &Queue{ctx: ctx, cancel: cancel, logger: logger.WithComponent("events"), group: group}
}

// Submit runs the task on the queue, the returned handle fires when it finishes.
func (q *Queue) Submit(fn func(ctx context.Context) error) *Handle {
	return q.Defer(nil, fn)
}

// Defer runs the task once the precondition fires.
// The returned handle fires when the task finishes, even if it fails,
// failures are logged, a lost completion would deadlock the waiters.
//
// Only running tasks count against the worker limit,
// tasks blocked on a precondition don't occupy a worker.
func (q *Queue) Defer(pre *Handle, fn func(ctx context.Context) error) *Handle {
	done := NewHandle()
	q.waiters.Add(1)
	go func() {
		defer q.waiters.Done()
		if err := pre.Wait(q.ctx); err != nil {
			q.logger.Warnf("deferred task skipped: %s", err)
			done.Trigger()
			return
		}
		q.group.Go(func() error {
			defer done.Trigger()
			if err := fn(q.ctx); err != nil {
				q.logger.Errorf("deferred task failed: %s", err)
			}
			return nil
		})
	}()
	return done
}

// Close cancels pending preconditions and waits for running tasks.
func (q *Queue) Close() {
	q.cancel()
	q.waiters.Wait()
	_ = q.group.Wait()
}
