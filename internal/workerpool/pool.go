/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package workerpool implements the bounded-concurrency, cancel-on-first-
// failure executor used by every multi-object operation (spec.md §4.5).
package workerpool

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/cloudnative-pg/pgarchive/internal/log"
)

// Task is a unit of work submitted to a Pool. It must check ctx.Err()
// between retry attempts and before spawning subprocesses, per spec.md §5's
// cooperative cancellation contract.
type Task func(ctx context.Context) error

// Pool is a single-use, bounded-concurrency executor. Construct one with
// New, submit work with Submit, and call Wait exactly once.
type Pool struct {
	degree    int
	ctx       context.Context
	cancel    context.CancelFunc
	sem       chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	firstErr  error
	suppressed []error
	cancelled *atomic.Bool
	logger    log.Logger
}

// New creates a Pool with the given concurrency degree, derived from ctx.
// Cancelling ctx (or a first task failure) cancels every task that has not
// yet completed.
func New(ctx context.Context, degree int) *Pool {
	if degree < 1 {
		degree = 1
	}
	childCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		degree:    degree,
		ctx:       childCtx,
		cancel:    cancel,
		sem:       make(chan struct{}, degree),
		cancelled: atomic.NewBool(false),
		logger:    log.FromContext(ctx).WithName("workerpool"),
	}
}

// Submit schedules fn to run once a concurrency slot is available, blocking
// the caller until one is, so tasks start in submission (FIFO) order. Submit
// must not be called from within a Task running on this Pool -- the pool
// is single-use per operation and submitting into itself risks deadlock by
// exhaustion, per spec.md §4.5.
func (p *Pool) Submit(fn Task) {
	p.wg.Add(1)
	select {
	case p.sem <- struct{}{}:
	case <-p.ctx.Done():
		p.recordFailure(p.ctx.Err())
		p.wg.Done()
		return
	}
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()

		if p.cancelled.Load() {
			return
		}

		if err := fn(p.ctx); err != nil {
			p.recordFailure(err)
		}
	}()
}

func (p *Pool) recordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.firstErr == nil {
		p.firstErr = err
		p.cancelled.Store(true)
		p.cancel()
		return
	}
	p.suppressed = append(p.suppressed, err)
}

// Wait blocks until every submitted task has completed, either normally or
// via cancellation, and returns the first error encountered (if any).
// Remaining pending tasks are cancelled on first failure; suppressed
// sibling errors are logged at debug level rather than returned, so the
// caller sees a single, actionable failure.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.suppressed) > 0 {
		p.logger.Debug("additional task failures were suppressed after the first",
			"count", len(p.suppressed), "errors", multierr.Combine(p.suppressed...))
	}
	return p.firstErr
}

// Cancelled reports whether this pool has already recorded a failure and
// cancelled its remaining tasks.
func (p *Pool) Cancelled() bool {
	return p.cancelled.Load()
}
