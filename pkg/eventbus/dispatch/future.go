package dispatch

import (
	"context"
	"sync"
)

// Future resolves once every matching subscription has completed its first
// delivery attempt (success, filtered-out drop, breaker-denied handoff, or
// handoff to retry/DLQ). It never surfaces handler failures — those are
// captured internally and routed through retry/DLQ — only pre-dispatch
// rejections reach the publisher through Publish's own return value.
type Future struct {
	wg sync.WaitGroup
}

func newFuture(n int) *Future {
	f := &Future{}
	f.wg.Add(n)
	return f
}

func (f *Future) done() {
	f.wg.Done()
}

// Wait blocks until every matching subscription's first attempt has
// completed, or ctx is cancelled first.
func (f *Future) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
