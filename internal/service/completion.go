package service

import (
	"context"
	"sync"
)

// CompletionHandle is a single-assignment result slot. Resolve and Fail may be
// called from any goroutine; only the first call has an effect.
type CompletionHandle[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func NewCompletionHandle[T any]() *CompletionHandle[T] {
	return &CompletionHandle[T]{done: make(chan struct{})}
}

// Resolve stores value and wakes the waiter. It reports whether this call
// settled the handle.
func (h *CompletionHandle[T]) Resolve(value T) bool {
	return h.settle(value, nil)
}

// Fail stores err and wakes the waiter. It reports whether this call settled
// the handle.
func (h *CompletionHandle[T]) Fail(err error) bool {
	var zero T
	return h.settle(zero, err)
}

func (h *CompletionHandle[T]) settle(value T, err error) bool {
	settled := false
	h.once.Do(func() {
		h.value = value
		h.err = err
		settled = true
		close(h.done)
	})
	return settled
}

// Done is closed once the handle is settled.
func (h *CompletionHandle[T]) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle is settled or ctx is done. Giving up on ctx
// does not withdraw the pending work.
func (h *CompletionHandle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
