// Package batch groups GPU command recording into shared submissions.
//
// A Batcher keeps one command encoder open. Each AddCommand call records
// into it immediately; Flush finishes the encoder and submits everything
// recorded so far as a single command buffer. When the number of pending
// commands reaches the batch limit the batcher flushes on its own.
//
//	b := batch.New(device, queue)
//	_ = b.AddCommand(func(enc hal.CommandEncoder) error {
//	    pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "blur"})
//	    defer pass.End()
//	    pass.SetPipeline(pipeline)
//	    pass.Dispatch(32, 32, 1)
//	    return nil
//	})
//	sub, err := b.Flush()
//	...
//	err = sub.Wait(ctx) // returns once the GPU has consumed the submission
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"
)

// DefaultMaxCommands is the number of pending commands that triggers an
// automatic flush.
const DefaultMaxCommands = 100

// defaultPollInterval is how often Submission.Wait polls the queue.
const defaultPollInterval = 500 * time.Microsecond

// Batcher errors.
var (
	// ErrDisposed is returned when recording into a disposed batcher.
	ErrDisposed = errors.New("batch: batcher disposed")

	// ErrNilRecorder is returned by AddCommand for a nil recorder.
	ErrNilRecorder = errors.New("batch: nil recorder")
)

// Recorder records commands into an open encoder.
type Recorder func(enc hal.CommandEncoder) error

// Stats contains batcher statistics.
type Stats struct {
	// Commands is the number of recorders executed.
	Commands uint64
	// Submissions is the number of command buffers submitted.
	Submissions uint64
	// AutoFlushes is the number of flushes triggered by the batch limit.
	AutoFlushes uint64
	// Discarded is the number of recorded commands dropped by Discard.
	Discarded uint64
	// Pending is the number of commands recorded since the last flush.
	Pending int
	// InFlight is the number of submitted command buffers not yet reclaimed.
	InFlight int
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithMaxCommands sets the automatic flush threshold. Values below 1
// keep the default.
func WithMaxCommands(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.max = n
		}
	}
}

// WithLogger sets the logger used for batcher diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) {
		if l != nil {
			b.log = l
		}
	}
}

// WithLabel sets the debug label given to encoders.
func WithLabel(label string) Option {
	return func(b *Batcher) {
		b.label = label
	}
}

// WithPollInterval sets how often Submission.Wait polls for completion.
func WithPollInterval(d time.Duration) Option {
	return func(b *Batcher) {
		if d > 0 {
			b.poll = d
		}
	}
}

type inflight struct {
	index uint64
	cmd   hal.CommandBuffer
}

// Batcher records commands into a shared encoder and submits them in
// batches.
//
// Batcher is safe for concurrent use, although commands from different
// goroutines interleave in the order they are added.
type Batcher struct {
	mu      sync.Mutex
	device  hal.Device
	queue   hal.Queue
	log     *slog.Logger
	label   string
	max     int
	poll    time.Duration
	encoder hal.CommandEncoder
	pending []Recorder

	inflight  []inflight
	lastIndex uint64
	disposed  bool

	commands    uint64
	submissions uint64
	autoFlushes uint64
	discarded   uint64
}

// New creates a batcher that records on device and submits to queue.
func New(device hal.Device, queue hal.Queue, opts ...Option) *Batcher {
	b := &Batcher{
		device: device,
		queue:  queue,
		log:    slog.New(slog.DiscardHandler),
		label:  "batch",
		max:    DefaultMaxCommands,
		poll:   defaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BeginRecording opens the shared encoder. Calling it while recording is
// a no-op.
func (b *Batcher) BeginRecording() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.begin()
}

func (b *Batcher) begin() error {
	if b.disposed {
		return ErrDisposed
	}
	if b.encoder != nil {
		return nil
	}
	enc, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: b.label})
	if err != nil {
		return fmt.Errorf("batch: create encoder: %w", err)
	}
	if err := enc.BeginEncoding(b.label); err != nil {
		return fmt.Errorf("batch: begin encoding: %w", err)
	}
	b.encoder = enc
	return nil
}

// Recording reports whether an encoder is open.
func (b *Batcher) Recording() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.encoder != nil
}

// AddCommand runs rec against the open encoder, opening one if needed.
// Once the pending count reaches the batch limit the batch is flushed.
// A recorder error is returned unchanged and the command is not counted;
// whatever it managed to record stays in the encoder until Flush or
// Discard.
func (b *Batcher) AddCommand(rec Recorder) error {
	if rec == nil {
		return ErrNilRecorder
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.begin(); err != nil {
		return err
	}
	if err := rec(b.encoder); err != nil {
		return err
	}
	b.pending = append(b.pending, rec)
	b.commands++

	if len(b.pending) >= b.max {
		b.autoFlushes++
		b.log.Debug("batch: auto flush", "pending", len(b.pending))
		if _, err := b.flush(); err != nil {
			return err
		}
	}
	return nil
}

// Flush ends the encoder and submits all pending commands as one command
// buffer. With nothing pending it returns a Submission that completes
// with the most recent earlier submission.
func (b *Batcher) Flush() (*Submission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flush()
}

func (b *Batcher) flush() (*Submission, error) {
	b.reclaim()
	if b.encoder == nil || len(b.pending) == 0 {
		return &Submission{b: b, index: b.lastIndex}, nil
	}

	enc := b.encoder
	n := len(b.pending)
	b.encoder = nil
	clear(b.pending)
	b.pending = b.pending[:0]

	cmd, err := enc.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("batch: end encoding (%d commands): %w", n, err)
	}
	idx, err := b.queue.Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		b.device.FreeCommandBuffer(cmd)
		return nil, fmt.Errorf("batch: submit (%d commands): %w", n, err)
	}
	b.inflight = append(b.inflight, inflight{index: idx, cmd: cmd})
	b.lastIndex = idx
	b.submissions++
	b.log.Debug("batch: submitted", "commands", n, "index", idx)
	return &Submission{b: b, index: idx}, nil
}

// Discard drops every command recorded since the last flush and closes
// the encoder without producing a command buffer. It returns the number of
// commands dropped. The next AddCommand opens a fresh encoder.
func (b *Batcher) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.pending)
	if b.encoder != nil {
		b.encoder.DiscardEncoding()
		b.encoder = nil
	}
	clear(b.pending)
	b.pending = b.pending[:0]
	if n > 0 {
		b.discarded += uint64(n)
		b.log.Debug("batch: discarded", "commands", n)
	}
	return n
}

// reclaim frees command buffers the GPU has finished with.
// Caller must hold b.mu.
func (b *Batcher) reclaim() {
	if len(b.inflight) == 0 {
		return
	}
	done := b.queue.PollCompleted()
	kept := b.inflight[:0]
	for _, f := range b.inflight {
		if f.index <= done {
			b.device.FreeCommandBuffer(f.cmd)
			continue
		}
		kept = append(kept, f)
	}
	clear(b.inflight[len(kept):])
	b.inflight = kept
}

// Dispose flushes any pending commands and releases the encoder.
// Flush failures are logged, not returned. Dispose is idempotent.
func (b *Batcher) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return
	}
	if len(b.pending) > 0 {
		if _, err := b.flush(); err != nil {
			b.log.Warn("batch: dispose flush failed", "err", err)
		}
	}
	if b.encoder != nil {
		b.encoder.DiscardEncoding()
		b.encoder = nil
	}
	b.reclaim()
	b.disposed = true
}

// Stats returns a snapshot of batcher statistics.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Commands:    b.commands,
		Submissions: b.submissions,
		AutoFlushes: b.autoFlushes,
		Discarded:   b.discarded,
		Pending:     len(b.pending),
		InFlight:    len(b.inflight),
	}
}

// Submission is the completion signal of a flush.
type Submission struct {
	b     *Batcher
	index uint64
}

// Index returns the queue submission index. Zero means nothing was
// ever submitted.
func (s *Submission) Index() uint64 { return s.index }

// Done reports whether the GPU has consumed the submission.
func (s *Submission) Done() bool {
	return s.index == 0 || s.b.queue.PollCompleted() >= s.index
}

// Wait blocks until the GPU has consumed the submission or ctx ends.
func (s *Submission) Wait(ctx context.Context) error {
	if !s.Done() {
		ticker := time.NewTicker(s.b.poll)
		defer ticker.Stop()
		for !s.Done() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}

	s.b.mu.Lock()
	s.b.reclaim()
	s.b.mu.Unlock()
	return nil
}
