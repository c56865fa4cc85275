// Package queue implements the render queue: a single-runner priority
// queue for render and update operations.
//
// At most one operation body runs at a time. Pending operations are
// selected by priority, ties broken by arrival order. Cancellation is
// cooperative: Cancel, CancelByTag and StopAfterCurrent only remove
// operations that have not been selected yet, and a running operation
// always completes before the queue advances.
//
// When the queue is idle and empty, a normal-priority operation runs
// directly on the enqueuing goroutine (the fast path). Its outcome,
// timeout and statistics are the same as if it had gone through the
// queue.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Priority orders pending operations. Higher values run first.
type Priority int8

const (
	Background Priority = iota
	Low
	Normal
	High
	Urgent
)

func (p Priority) String() string {
	switch p {
	case Background:
		return "background"
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Urgent:
		return "urgent"
	default:
		return fmt.Sprintf("Priority(%d)", p)
	}
}

// ParsePriority parses a priority name as returned by Priority.String.
func ParsePriority(s string) (Priority, error) {
	for p := Background; p <= Urgent; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return Normal, fmt.Errorf("queue: unknown priority %q", s)
}

// Work is the body of an operation. ctx is cancelled when the operation
// times out or is force-cleared while running; the body should return
// soon after, but the queue waits for it either way.
type Work func(ctx context.Context) (any, error)

// Default budgets and limits.
const (
	DefaultFrameBudget      = 16700 * time.Microsecond
	DefaultSchedulingBudget = 5 * time.Millisecond
	DefaultPoolSize         = 64
)

// State is the state of the queue as a whole.
type State uint8

const (
	StateIdle State = iota
	StateProcessing
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Info describes an operation to the dispatch hook. Tags must not be
// modified.
type Info struct {
	ID       uint64
	Label    string
	Priority Priority
	Tags     map[string]string
}

// Stats contains queue statistics.
type Stats struct {
	Enqueued  uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
	TimedOut  uint64
	Stopped   uint64

	// FastPath counts operations run on the enqueuing goroutine.
	FastPath uint64
	// LoopFailures counts failures of the drain loop itself.
	LoopFailures uint64

	// FrameOverruns counts bodies that ran longer than the frame budget.
	FrameOverruns uint64
	// SchedulingOverruns counts dispatches whose scheduling delay exceeded
	// the scheduling budget.
	SchedulingOverruns uint64

	MaxDuration   time.Duration
	TotalDuration time.Duration
	Ran           uint64

	// Recycled counts operation records taken from the free pool.
	Recycled uint64
}

// AvgDuration returns the mean body duration.
func (s Stats) AvgDuration() time.Duration {
	if s.Ran == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Ran) //nolint:gosec // Ran is far below MaxInt64
}

// Status is a read-only view of the queue.
type Status struct {
	State   State
	Pending int
	// Running is the id of the running operation, or 0.
	Running      uint64
	RunningLabel string
	Stats        Stats
}

func (s Status) String() string {
	return fmt.Sprintf("Queue[%s, pending %d, running %d, completed %d, failed %d, cancelled %d, timed out %d]",
		s.State, s.Pending, s.Running, s.Stats.Completed, s.Stats.Failed, s.Stats.Cancelled, s.Stats.TimedOut)
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger for queue diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithClock overrides the time source used for statistics.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithFrameBudget sets the body duration above which a frame overrun is
// recorded.
func WithFrameBudget(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.frameBudget = d
		}
	}
}

// WithSchedulingBudget sets the scheduling delay above which a scheduling
// overrun is recorded.
func WithSchedulingBudget(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.schedBudget = d
		}
	}
}

// WithPoolSize bounds the free pool of operation records.
func WithPoolSize(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.poolSize = n
		}
	}
}

// WithDispatchHook installs fn, called on the runner right before each
// operation body. A panic in fn is a failure of the drain loop: every
// pending operation fails and the queue resets to idle.
func WithDispatchHook(fn func(Info)) Option {
	return func(q *Queue) { q.onDispatch = fn }
}

// WithContext sets the parent of every operation context.
func WithContext(ctx context.Context) Option {
	return func(q *Queue) {
		if ctx != nil {
			q.ctx = ctx
		}
	}
}

// EnqueueOption configures a single operation.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	tags    map[string]string
	timeout time.Duration
	label   string
}

// WithTags attaches metadata tags, matched by CancelByTag.
func WithTags(tags map[string]string) EnqueueOption {
	return func(o *enqueueOptions) {
		if o.tags == nil {
			o.tags = make(map[string]string, len(tags))
		}
		maps.Copy(o.tags, tags)
	}
}

// WithTag attaches a single metadata tag.
func WithTag(key, value string) EnqueueOption {
	return WithTags(map[string]string{key: value})
}

// WithTimeout settles the operation with a timed-out error if it has not
// settled d after being enqueued.
func WithTimeout(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.timeout = d }
}

// WithLabel names the operation in logs and errors.
func WithLabel(label string) EnqueueOption {
	return func(o *enqueueOptions) { o.label = label }
}

// operation is the internal record of a queued operation. Records are
// recycled through a bounded free pool; the Handle is not.
type operation struct {
	id       uint64
	seq      uint64
	work     Work
	priority Priority
	tags     map[string]string
	label    string
	enqueued time.Time
	handle   *Handle
	timer    *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

func (op *operation) info() Info {
	return Info{ID: op.id, Label: op.label, Priority: op.priority, Tags: op.tags}
}

func (op *operation) stop() {
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
	if op.cancel != nil {
		op.cancel()
	}
}

func (op *operation) queueError(kind ErrorKind, cause error) *QueueError {
	return &QueueError{Kind: kind, ID: op.id, Label: op.label, Err: cause}
}

// Queue is a single-runner priority queue.
//
// Queue is safe for concurrent use.
type Queue struct {
	mu sync.Mutex

	pending    []*operation
	running    *operation
	runDone    chan struct{}
	processing bool
	suspended  bool
	closed     bool

	nextID     uint64
	seq        uint64
	lastFinish time.Time
	free       []*operation
	stats      Stats

	ctx         context.Context
	log         *slog.Logger
	now         func() time.Time
	frameBudget time.Duration
	schedBudget time.Duration
	poolSize    int
	onDispatch  func(Info)
}

// New creates an idle queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		ctx:         context.Background(),
		log:         slog.New(slog.DiscardHandler),
		now:         time.Now,
		frameBudget: DefaultFrameBudget,
		schedBudget: DefaultSchedulingBudget,
		poolSize:    DefaultPoolSize,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.free = make([]*operation, 0, q.poolSize)
	return q
}

// Enqueue adds an operation and returns its completion handle.
//
// If the queue is idle, empty, not suspended and priority is Normal, work
// runs on the calling goroutine before Enqueue returns.
func (q *Queue) Enqueue(work Work, priority Priority, opts ...EnqueueOption) *Handle {
	var eo enqueueOptions
	for _, opt := range opts {
		opt(&eo)
	}

	q.mu.Lock()
	q.nextID++
	h := newHandle(q.nextID, eo.label)
	switch {
	case work == nil:
		q.settleLocked(h, nil, ErrNilWork)
		q.mu.Unlock()
		return h
	case q.closed:
		q.settleLocked(h, nil, &QueueError{Kind: KindStopped, ID: h.id, Label: h.label, Err: ErrClosed})
		q.mu.Unlock()
		return h
	}

	op := q.getLocked()
	q.seq++
	op.id = h.id
	op.seq = q.seq
	op.work = work
	op.priority = priority
	op.tags = eo.tags
	op.label = eo.label
	op.enqueued = q.now()
	op.handle = h
	if eo.timeout > 0 {
		op.timer = time.AfterFunc(eo.timeout, func() { q.expire(h) })
	}
	q.stats.Enqueued++

	if !q.processing && !q.suspended && len(q.pending) == 0 && priority == Normal {
		q.processing = true
		q.stats.FastPath++
		q.beginLocked(op)
		q.mu.Unlock()
		q.log.Debug("queue: fast path", "id", op.id, "label", op.label)
		if q.run(op) {
			q.mu.Lock()
			q.continueLocked()
			q.mu.Unlock()
		}
		return h
	}

	q.pending = append(q.pending, op)
	if !q.processing && !q.suspended {
		q.processing = true
		go q.drain()
	}
	q.mu.Unlock()
	q.log.Debug("queue: enqueued", "id", h.id, "label", eo.label, "priority", priority)
	return h
}

// drain runs pending operations until the queue is empty or suspended.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.suspended || len(q.pending) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		op := q.selectLocked()
		q.beginLocked(op)
		q.mu.Unlock()

		if !q.run(op) {
			return
		}
	}
}

// continueLocked hands over to a drain goroutine if work arrived during a
// fast-path run. Caller must hold q.mu.
func (q *Queue) continueLocked() {
	if q.processing && !q.suspended && len(q.pending) > 0 {
		go q.drain()
		return
	}
	q.processing = false
}

// selectLocked removes and returns the next operation: the highest
// priority, earliest arrival. Caller must hold q.mu.
func (q *Queue) selectLocked() *operation {
	best := 0
	if len(q.pending) > 1 {
		for i, op := range q.pending[1:] {
			if op.priority > q.pending[best].priority {
				best = i + 1
			}
		}
	}
	op := q.pending[best]
	q.pending = slices.Delete(q.pending, best, best+1)
	return op
}

// beginLocked marks op as running. Caller must hold q.mu.
func (q *Queue) beginLocked(op *operation) {
	now := q.now()
	ready := op.enqueued
	if q.lastFinish.After(ready) {
		ready = q.lastFinish
	}
	if delay := now.Sub(ready); delay > q.schedBudget {
		q.stats.SchedulingOverruns++
		q.log.Debug("queue: scheduling overrun", "id", op.id, "delay", delay)
	}
	op.ctx, op.cancel = context.WithCancel(q.ctx)
	q.running = op
	q.runDone = make(chan struct{})
}

// run dispatches and executes op on the current goroutine. It reports
// false if the drain loop failed and the queue was reset.
func (q *Queue) run(op *operation) bool {
	if err := q.dispatch(op); err != nil {
		q.fail(err)
		return false
	}

	start := q.now()
	value, err := invoke(op.ctx, op.work)
	q.finish(op, value, err, q.now().Sub(start))
	return true
}

func (q *Queue) dispatch(op *operation) (err error) {
	if q.onDispatch == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: dispatch hook panicked: %v", r)
		}
	}()
	q.onDispatch(op.info())
	return nil
}

func invoke(ctx context.Context, work Work) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return work(ctx)
}

func (q *Queue) finish(op *operation, value any, err error, elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op.stop()
	if !q.settleLocked(op.handle, value, err) {
		q.log.Debug("queue: result dropped, handle already settled", "id", op.id)
	}
	if err != nil {
		q.log.Debug("queue: operation failed", "id", op.id, "label", op.label, "err", err)
	}

	q.stats.Ran++
	q.stats.TotalDuration += elapsed
	if elapsed > q.stats.MaxDuration {
		q.stats.MaxDuration = elapsed
	}
	if elapsed > q.frameBudget {
		q.stats.FrameOverruns++
		q.log.Debug("queue: frame budget overrun", "id", op.id, "label", op.label, "elapsed", elapsed)
	}

	q.lastFinish = q.now()
	q.endLocked(op)
}

// endLocked clears the running slot and recycles op. Caller must hold q.mu.
func (q *Queue) endLocked(op *operation) {
	if q.running == op {
		q.running = nil
		close(q.runDone)
		q.runDone = nil
	}
	q.putLocked(op)
}

// fail handles a failure of the drain loop: every pending operation,
// including the one being dispatched, fails and the queue resets to idle.
func (q *Queue) fail(cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stats.LoopFailures++
	q.log.Error("queue: drain loop failed", "err", cause, "pending", len(q.pending))

	if op := q.running; op != nil {
		op.stop()
		q.settleLocked(op.handle, nil, op.queueError(KindFailed, cause))
		q.endLocked(op)
	}
	for _, op := range q.pending {
		op.stop()
		q.settleLocked(op.handle, nil, op.queueError(KindFailed, cause))
		q.putLocked(op)
	}
	clear(q.pending)
	q.pending = q.pending[:0]
	q.processing = false
}

// expire settles h as timed out. A pending operation is removed; a running
// one has its context cancelled and keeps the runner until it returns.
func (q *Queue) expire(h *Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, op := range q.pending {
		if op.handle != h {
			continue
		}
		q.pending = slices.Delete(q.pending, i, i+1)
		op.stop()
		q.settleLocked(h, nil, op.queueError(KindTimedOut, context.DeadlineExceeded))
		q.putLocked(op)
		q.log.Debug("queue: pending operation timed out", "id", op.id, "label", op.label)
		return
	}
	if op := q.running; op != nil && op.handle == h {
		if q.settleLocked(h, nil, op.queueError(KindTimedOut, context.DeadlineExceeded)) {
			op.cancel()
			q.log.Warn("queue: running operation timed out", "id", op.id, "label", op.label)
		}
	}
}

// settleLocked settles h and updates statistics. Caller must hold q.mu.
func (q *Queue) settleLocked(h *Handle, value any, err error) bool {
	if !h.settle(value, err) {
		return false
	}
	if err == nil {
		q.stats.Completed++
		return true
	}
	qe, ok := err.(*QueueError)
	if !ok {
		q.stats.Failed++
		return true
	}
	switch qe.Kind {
	case KindCancelled:
		q.stats.Cancelled++
	case KindTimedOut:
		q.stats.TimedOut++
	case KindStopped:
		q.stats.Stopped++
	default:
		q.stats.Failed++
	}
	return true
}

// getLocked takes a record from the free pool. Caller must hold q.mu.
func (q *Queue) getLocked() *operation {
	if n := len(q.free); n > 0 {
		op := q.free[n-1]
		q.free[n-1] = nil
		q.free = q.free[:n-1]
		q.stats.Recycled++
		return op
	}
	return &operation{}
}

// putLocked returns a record to the free pool if there is room. Caller
// must hold q.mu.
func (q *Queue) putLocked(op *operation) {
	*op = operation{}
	if len(q.free) < q.poolSize {
		q.free = append(q.free, op)
	}
}

// removeLocked removes and settles every pending operation for which
// match returns true. Caller must hold q.mu.
func (q *Queue) removeLocked(match func(*operation) bool, kind ErrorKind, cause error) int {
	n := 0
	kept := q.pending[:0]
	for _, op := range q.pending {
		if !match(op) {
			kept = append(kept, op)
			continue
		}
		op.stop()
		q.settleLocked(op.handle, nil, op.queueError(kind, cause))
		q.putLocked(op)
		n++
	}
	clear(q.pending[len(kept):])
	q.pending = kept
	return n
}

// Cancel removes the pending operation with the given id and settles it
// as cancelled. It returns false if the operation is running, settled or
// unknown.
func (q *Queue) Cancel(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.removeLocked(func(op *operation) bool { return op.id == id }, KindCancelled, nil)
	return n > 0
}

// CancelByTag cancels every pending operation tagged key=value and
// returns how many were cancelled.
func (q *Queue) CancelByTag(key, value string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.removeLocked(func(op *operation) bool {
		v, ok := op.tags[key]
		return ok && v == value
	}, KindCancelled, nil)
	if n > 0 {
		q.log.Debug("queue: cancelled by tag", "key", key, "value", value, "count", n)
	}
	return n
}

// StopAfterCurrent drops every pending operation with ErrQueueStopped.
// The running operation, if any, completes normally.
func (q *Queue) StopAfterCurrent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(func(*operation) bool { return true }, KindStopped, ErrQueueStopped)
}

// Clear cancels every pending operation. With force, the running
// operation's handle is settled as cancelled too and its context is
// cancelled; its body still finishes before the queue advances. Clear
// returns the number of handles it settled.
func (q *Queue) Clear(force bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.removeLocked(func(*operation) bool { return true }, KindCancelled, nil)
	if op := q.running; force && op != nil {
		if q.settleLocked(op.handle, nil, op.queueError(KindCancelled, nil)) {
			op.cancel()
			n++
		}
	}
	return n
}

// Suspend stops the queue from starting new operations and waits for the
// running one, if any, to finish. Operations may still be enqueued; they
// wait until Resume. If ctx ends first, the queue is resumed and ctx's
// error returned.
func (q *Queue) Suspend(ctx context.Context) error {
	q.mu.Lock()
	q.suspended = true
	done := q.runDone
	q.mu.Unlock()
	q.log.Debug("queue: suspended")

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.Resume()
		return ctx.Err()
	}
}

// Resume restarts a suspended queue.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.suspended {
		return
	}
	q.suspended = false
	if !q.processing && len(q.pending) > 0 {
		q.processing = true
		go q.drain()
	}
	q.log.Debug("queue: resumed", "pending", len(q.pending))
}

// Close drops pending operations with ErrClosed, rejects new ones and
// waits for the running operation.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.removeLocked(func(*operation) bool { return true }, KindStopped, ErrClosed)
	done := q.runDone
	q.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Idle reports whether nothing is running or pending.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running == nil && len(q.pending) == 0
}

// Status returns a read-only view of the queue.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Status{Pending: len(q.pending), Stats: q.stats}
	switch {
	case q.suspended:
		s.State = StateSuspended
	case q.processing || q.running != nil:
		s.State = StateProcessing
	default:
		s.State = StateIdle
	}
	if op := q.running; op != nil {
		s.Running = op.id
		s.RunningLabel = op.label
	}
	return s
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
