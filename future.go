package streaming

import (
	"context"
	"sync"
)

// Future is the deferred result of a user call (OPEN, SEND, CLOSE, ABORT).
// The connection resolves it exactly once, either successfully (nil error) or
// with a typed error; later resolutions are ignored.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve completes the future. Only the first call has an effect.
func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the result of the call. It is nil until Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the future is resolved or ctx ends. A ctx error does not
// cancel the underlying call.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
