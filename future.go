package redpipe

import (
	"context"
	"sync"
)

// Future is a single-completion promise of a command result: a channel
// wrapped so it can only be completed once, and so callers block on it
// with a context rather than borrowing the connection's own read loop.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result interface{}
	err    error
}

// newFuture allocates an uncompleted Future.
func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve completes the future successfully exactly once. Later calls
// (resolve or fail) are no-ops.
func (f *Future) resolve(result interface{}) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

// fail completes the future with an error exactly once. Later calls
// (resolve or fail) are no-ops.
func (f *Future) fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future completes or ctx is done, whichever comes
// first. Cancelling ctx does not withdraw the underlying request from the
// wire: the reply will still be consumed (and dropped) by the correlator
// once it arrives.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
