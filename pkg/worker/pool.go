// Package worker bounds CPU-heavy handler work so it cannot starve the
// goroutines that service connections.
package worker

import (
	"context"
	"fmt"
	"runtime"

	"botcore/pkg/errs"

	"golang.org/x/sync/semaphore"
)

// Pool admits at most size concurrent jobs.
type Pool struct {
	size int64
	sem  *semaphore.Weighted
}

// NewPool creates a pool; size <= 0 uses GOMAXPROCS.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Size() int {
	return int(p.size)
}

// Do waits for a slot and runs fn in the caller's goroutine. A panic inside fn
// is returned as an errs.ErrHandlerPanic error.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			err = errs.NewError(errs.CategoryHandlerPanic, fmt.Sprint(r))
		}
	}()

	return fn(ctx)
}
