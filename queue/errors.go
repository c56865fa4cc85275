package queue

import (
	"errors"
	"fmt"
)

// Queue errors.
var (
	// ErrQueueStopped is the cause of operations dropped by StopAfterCurrent.
	ErrQueueStopped = errors.New("queue: stopped")

	// ErrClosed is returned for operations enqueued on, or pending at, Close.
	ErrClosed = errors.New("queue: closed")

	// ErrNilWork is returned when Enqueue is called without a body.
	ErrNilWork = errors.New("queue: nil work")

	// ErrNotSettled is returned by Handle.Result before the handle settles.
	ErrNotSettled = errors.New("queue: not settled")

	// ErrPanicked wraps the value of a panicking operation body.
	ErrPanicked = errors.New("queue: operation panicked")

	// Sentinels matched by QueueError.Is for each Kind.
	ErrCancelled = errors.New("queue: cancelled")
	ErrTimedOut  = errors.New("queue: timed out")
	ErrFailed    = errors.New("queue: failed")
)

// ErrorKind classifies a QueueError.
type ErrorKind uint8

const (
	// KindCancelled: removed by Cancel, CancelByTag or Clear.
	KindCancelled ErrorKind = iota
	// KindTimedOut: the operation's timeout elapsed before it settled.
	KindTimedOut
	// KindStopped: dropped by StopAfterCurrent or Close.
	KindStopped
	// KindFailed: the drain loop itself failed while the operation was pending.
	KindFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindTimedOut:
		return "timed out"
	case KindStopped:
		return "stopped"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", k)
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindCancelled:
		return ErrCancelled
	case KindTimedOut:
		return ErrTimedOut
	case KindStopped:
		return ErrQueueStopped
	default:
		return ErrFailed
	}
}

// QueueError is the error an operation settles with when the queue, not
// the operation body, decided its outcome.
type QueueError struct {
	Kind  ErrorKind
	ID    uint64
	Label string
	// Err is the underlying cause, if any.
	Err error
}

func (e *QueueError) Error() string {
	name := fmt.Sprintf("operation %d", e.ID)
	if e.Label != "" {
		name = fmt.Sprintf("operation %d (%s)", e.ID, e.Label)
	}
	if e.Err != nil {
		return fmt.Sprintf("queue: %s %s: %v", name, e.Kind, e.Err)
	}
	return fmt.Sprintf("queue: %s %s", name, e.Kind)
}

func (e *QueueError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind, so that
// errors.Is(err, ErrCancelled) works without errors.As.
func (e *QueueError) Is(target error) bool {
	return target == e.Kind.sentinel()
}
