// Package run orchestrates detection and matching runs: an Executor
// abstraction with an in-process worker pool, run state machines, per-field
// serialization of matching runs and bounded retry on transient source I/O.
package run

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Executor dispatches run jobs. Callers never branch on which implementation
// is active; a distributed queue can stand in for the in-process pool.
type Executor interface {
	// Submit schedules a job. The job receives the executor's base context
	// and must honor its cancellation.
	Submit(job func(ctx context.Context))
}

// Pool is an in-process Executor bounded to a fixed number of concurrent
// runs. Runs across different fields share no mutable state, so the pool
// imposes no ordering beyond the concurrency cap.
type Pool struct {
	ctx context.Context
	g   *errgroup.Group
}

// NewPool creates a pool executing at most workers jobs at once. Workers
// below one is clamped to one.
func NewPool(ctx context.Context, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	return &Pool{ctx: gctx, g: g}
}

func (p *Pool) Submit(job func(ctx context.Context)) {
	p.g.Go(func() error {
		job(p.ctx)
		return nil
	})
}

// Wait blocks until every submitted job has finished. Used at shutdown and
// in tests; jobs report failures through run status, not through Wait.
func (p *Pool) Wait() {
	p.g.Wait() //nolint:errcheck // jobs never return errors
}

// Synchronous is an Executor that runs jobs inline on the caller's
// goroutine. Tests use it to make submit-then-assert deterministic.
type Synchronous struct {
	Ctx context.Context
}

func (s Synchronous) Submit(job func(ctx context.Context)) {
	ctx := s.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	job(ctx)
}
