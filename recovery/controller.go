// Package recovery rebuilds the GPU side of the renderer after a device
// loss.
//
// A Controller drives a Target through an explicit sequence of stages
// (see Stage and Next). A run suspends scheduling, snapshots the resource
// caches and then makes up to MaxAttempts attempts, DefaultRetryDelay
// apart. Each attempt restarts from StageCleanup. When every attempt
// fails the controller enters StateFailed and stays there until Reset.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults for the retry policy.
const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 5 * time.Second
)

// Controller errors.
var (
	// ErrFatal is returned by Start once the retry ceiling has been
	// reached, and matched by the final RecoveryError of that run.
	ErrFatal = errors.New("recovery: failed permanently")

	// ErrInProgress is returned by Start while another run is active.
	ErrInProgress = errors.New("recovery: already in progress")
)

// RecoveryError describes a failed recovery run or attempt.
type RecoveryError struct {
	// Stage is the stage that failed last.
	Stage Stage
	// Attempts is the number of attempts made.
	Attempts int
	// Fatal is set when the retry ceiling was reached.
	Fatal bool
	Err   error
}

func (e *RecoveryError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("recovery: failed permanently after %d attempts (last stage %s): %v", e.Attempts, e.Stage, e.Err)
	}
	return fmt.Sprintf("recovery: attempt %d failed at %s: %v", e.Attempts, e.Stage, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// Is reports whether a fatal RecoveryError matches ErrFatal.
func (e *RecoveryError) Is(target error) bool {
	return target == ErrFatal && e.Fatal
}

// Event is delivered to listeners on every transition.
type Event struct {
	State   State
	Stage   Stage
	Attempt int
	// Err is the stage or attempt error, if any.
	Err error
	// Reason is the error that started the run.
	Reason error
	// Delay is the wait before the next attempt, set in StateRetrying.
	Delay time.Duration
}

func (e Event) String() string {
	s := fmt.Sprintf("%s attempt %d stage %s", e.State, e.Attempt, e.Stage)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Stats contains controller statistics.
type Stats struct {
	Runs      uint64
	Attempts  uint64
	Recovered uint64
	Fatal     uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxAttempts sets the retry ceiling.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the fixed delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.delay = d
		}
	}
}

// WithLogger sets the logger for recovery diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithContext sets the context used by Trigger.
func WithContext(ctx context.Context) Option {
	return func(c *Controller) {
		if ctx != nil {
			c.ctx = ctx
		}
	}
}

// Controller runs recoveries against a Target. It is safe for concurrent
// use; at most one run is active at a time.
type Controller struct {
	target      Target
	maxAttempts int
	delay       time.Duration
	log         *slog.Logger
	ctx         context.Context
	now         func() time.Time

	mu        sync.Mutex
	state     State
	stage     Stage
	attempt   int
	lastErr   error
	running   bool
	listeners map[int]func(Event)
	nextID    int
	stats     Stats
	done      chan struct{}
}

// New creates an idle controller for target.
func New(target Target, opts ...Option) *Controller {
	c := &Controller{
		target:      target,
		maxAttempts: DefaultMaxAttempts,
		delay:       DefaultRetryDelay,
		log:         slog.New(slog.DiscardHandler),
		ctx:         context.Background(),
		now:         time.Now,
		listeners:   make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers listener for every transition and returns a function
// that unregisters it. Listeners run on the recovering goroutine and must
// not call Start.
func (c *Controller) OnEvent(listener func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	c.state = ev.State
	c.stage = ev.Stage
	c.attempt = ev.Attempt
	if ev.Err != nil {
		c.lastErr = ev.Err
	}
	listeners := make([]func(Event), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// Start runs one recovery for reason and blocks until it succeeds, fails
// permanently, or ctx ends. Start returns ErrFatal without doing anything
// once the controller has failed permanently.
func (c *Controller) Start(ctx context.Context, reason error) error {
	if err := c.acquire(); err != nil {
		return err
	}
	return c.run(ctx, reason)
}

// acquire marks a run as active.
func (c *Controller) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateFailed:
		return ErrFatal
	case c.running:
		return ErrInProgress
	}
	c.running = true
	c.lastErr = nil
	c.stats.Runs++
	c.done = make(chan struct{})
	return nil
}

func (c *Controller) run(ctx context.Context, reason error) error {
	defer func() {
		c.mu.Lock()
		c.running = false
		close(c.done)
		c.done = nil
		c.mu.Unlock()
	}()

	c.log.Warn("recovery: starting", "reason", reason)
	c.emit(Event{State: StateRecovering, Stage: StageCleanup, Reason: reason})

	if err := c.target.Suspend(ctx); err != nil {
		c.emit(Event{State: StateIdle, Reason: reason, Err: err})
		return fmt.Errorf("recovery: suspend scheduling: %w", err)
	}
	defer c.target.Resume()

	sess := &Session{
		Reason:   reason,
		Snapshot: c.target.Snapshot(),
		Started:  c.now(),
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		sess.Attempt = attempt
		c.mu.Lock()
		c.stats.Attempts++
		c.mu.Unlock()

		err := c.runAttempt(ctx, sess)
		if err == nil {
			c.mu.Lock()
			c.stats.Recovered++
			c.mu.Unlock()
			c.log.Info("recovery: succeeded", "attempt", attempt, "elapsed", c.now().Sub(sess.Started))
			c.emit(Event{State: StateSucceeded, Stage: StageDone, Attempt: attempt, Reason: reason})
			return nil
		}
		sess.Errs = append(sess.Errs, err)

		if ctx.Err() != nil {
			c.emit(Event{State: StateIdle, Stage: StageFailed, Attempt: attempt, Reason: reason, Err: err})
			return err
		}
		if attempt == c.maxAttempts {
			break
		}

		c.log.Warn("recovery: attempt failed, retrying", "attempt", attempt, "delay", c.delay, "err", err)
		c.emit(Event{State: StateRetrying, Stage: StageFailed, Attempt: attempt, Reason: reason, Err: err, Delay: c.delay})
		if err := sleep(ctx, c.delay); err != nil {
			c.emit(Event{State: StateIdle, Stage: StageFailed, Attempt: attempt, Reason: reason, Err: err})
			return err
		}
	}

	final := &RecoveryError{
		Stage:    sess.Stage,
		Attempts: sess.Attempt,
		Fatal:    true,
		Err:      errors.Join(sess.Errs...),
	}
	c.mu.Lock()
	c.stats.Fatal++
	c.mu.Unlock()
	c.log.Error("recovery: giving up", "attempts", sess.Attempt, "err", final.Err)
	c.emit(Event{State: StateFailed, Stage: StageFailed, Attempt: sess.Attempt, Reason: reason, Err: final})
	return final
}

// runAttempt walks the stages from StageCleanup until a terminal stage.
func (c *Controller) runAttempt(ctx context.Context, sess *Session) error {
	for stage := StageCleanup; !stage.Terminal(); {
		sess.Stage = stage
		c.emit(Event{State: StateRecovering, Stage: stage, Attempt: sess.Attempt, Reason: sess.Reason})

		err := c.RunStage(ctx, sess, stage)
		if err != nil {
			c.log.Debug("recovery: stage failed", "stage", stage, "attempt", sess.Attempt, "err", err)
			return &RecoveryError{Stage: stage, Attempts: sess.Attempt, Err: err}
		}
		c.log.Debug("recovery: stage complete", "stage", stage, "attempt", sess.Attempt)
		stage = Next(stage, nil)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger starts a recovery in the background. It reports false, doing
// nothing, if a run is already active or the controller has failed
// permanently.
func (c *Controller) Trigger(reason error) bool {
	if c.acquire() != nil {
		return false
	}
	go func() {
		if err := c.run(c.ctx, reason); err != nil {
			c.log.Debug("recovery: triggered run ended with error", "err", err)
		}
	}()
	return true
}

// Wait blocks until the active run, if any, ends.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
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

// Reset leaves the terminal failed state so that Start may run again.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.state = StateIdle
	c.stage = StageCleanup
	c.attempt = 0
	c.lastErr = nil
}

// Status is a read-only view of the controller.
type Status struct {
	State   State
	Stage   Stage
	Attempt int
	Running bool
	LastErr error
	Stats   Stats
}

// Status returns the controller status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:   c.state,
		Stage:   c.stage,
		Attempt: c.attempt,
		Running: c.running,
		LastErr: c.lastErr,
		Stats:   c.stats,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
