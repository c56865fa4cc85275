package queue

import (
	"context"
	"sync/atomic"
)

// Handle is the completion handle of an enqueued operation. It settles
// exactly once, with either the body's result or an error.
type Handle struct {
	id    uint64
	label string
	done  chan struct{}

	settled atomic.Bool
	value   any
	err     error
}

func newHandle(id uint64, label string) *Handle {
	return &Handle{id: id, label: label, done: make(chan struct{})}
}

// ID returns the operation id, usable with Queue.Cancel.
func (h *Handle) ID() uint64 { return h.id }

// Label returns the operation label.
func (h *Handle) Label() string { return h.label }

// Done returns a channel closed when the handle settles.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Settled reports whether the handle has settled.
func (h *Handle) Settled() bool { return h.settled.Load() }

// Wait blocks until the handle settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. It returns ErrNotSettled
// while the handle is unsettled.
func (h *Handle) Result() (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	default:
		return nil, ErrNotSettled
	}
}

// settle records the outcome. It reports false if the handle had already
// settled, in which case the new outcome is dropped.
func (h *Handle) settle(value any, err error) bool {
	if !h.settled.CompareAndSwap(false, true) {
		return false
	}
	h.value, h.err = value, err
	close(h.done)
	return true
}
