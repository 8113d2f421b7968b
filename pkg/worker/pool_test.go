package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"botcore/pkg/errs"

	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	pool := NewPool(2)
	var running, peak atomic.Int32
	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Do(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}

	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolRecoversPanic(t *testing.T) {
	t.Parallel()

	pool := NewPool(1)
	err := pool.Do(context.Background(), func(context.Context) error { panic("boom") })
	require.ErrorIs(t, err, errs.ErrHandlerPanic)

	// The slot must have been released.
	require.NoError(t, pool.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestPoolHonorsContext(t *testing.T) {
	t.Parallel()

	pool := NewPool(1)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Do(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)

	require.Positive(t, NewPool(0).Size())
}
