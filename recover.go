package fxcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/fxcore/recovery"
	"github.com/gogpu/fxcore/resource"
)

// errManualRecovery is the reason recorded for StartRecovery.
var errManualRecovery = errors.New("fxcore: recovery requested")

// OnRecovery registers listener for every recovery transition and returns
// a function that unregisters it.
func (r *Renderer) OnRecovery(listener func(recovery.Event)) (unsubscribe func()) {
	return r.recovery.OnEvent(listener)
}

// StartRecovery runs a recovery now and waits for it. It returns
// recovery.ErrFatal once the retry ceiling has been reached, and
// recovery.ErrInProgress while a background recovery runs. It must not be
// called from queued work.
func (r *Renderer) StartRecovery(ctx context.Context) error {
	if r.isDisposed() {
		return ErrDisposed
	}
	return r.recovery.Start(ctx, errManualRecovery)
}

// NotifyDeviceLost reports a device loss observed outside queued work and
// starts a background recovery. It reports whether a recovery was
// started; it is false while one is running or after a fatal failure.
func (r *Renderer) NotifyDeviceLost(cause error) bool {
	if cause == nil {
		cause = ErrDeviceLost
	}
	if r.isDisposed() {
		return false
	}
	return r.recovery.Trigger(cause)
}

// WaitRecovery blocks until the running recovery, if any, ends.
func (r *Renderer) WaitRecovery(ctx context.Context) error {
	return r.recovery.Wait(ctx)
}

// ResetRecovery leaves the failed-fatal state so that recovery may run
// again.
func (r *Renderer) ResetRecovery() { r.recovery.Reset() }

// deviceLost is called when queued work reports a lost device.
func (r *Renderer) deviceLost(cause error) {
	if !r.settings.AutoRecover || r.isDisposed() {
		r.log.Warn("fxcore: device lost", "err", cause)
		return
	}
	if r.recovery.Trigger(cause) {
		r.log.Warn("fxcore: device lost, recovering", "err", cause)
	}
}

func (r *Renderer) isDisposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

// recoveryTarget drives the renderer through the recovery stages. Every
// method is safe to repeat on the next attempt.
type recoveryTarget struct {
	r *Renderer
}

func (t *recoveryTarget) Suspend(ctx context.Context) error { return t.r.queue.Suspend(ctx) }

// Resume restarts the queue. If recovery failed the renderer stays torn
// down and queued work fails with ErrDeviceLost.
func (t *recoveryTarget) Resume() {
	r := t.r
	r.mu.Lock()
	lost := r.lost
	r.mu.Unlock()
	if lost {
		r.log.Warn("fxcore: queue resumed without a device")
	}
	r.queue.Resume()
}

func (t *recoveryTarget) Snapshot() *resource.Snapshot { return t.r.resources.Snapshot() }

func (t *recoveryTarget) Cleanup(context.Context) error {
	t.r.teardown()
	t.r.mu.Lock()
	t.r.lost = true
	t.r.mu.Unlock()
	return nil
}

func (t *recoveryTarget) ReacquireAdapter(context.Context) error {
	if t.r.isDisposed() {
		return ErrDisposed
	}
	return t.r.openDevice()
}

func (t *recoveryTarget) ReconfigureContext(context.Context) error {
	return t.r.configureSurface()
}

// RebuildResources rebuilds the configured filters, then replays snapshot
// entries that fit the current canvas. Replay failures are logged only.
func (t *recoveryTarget) RebuildResources(ctx context.Context, snap *resource.Snapshot) error {
	r := t.r
	if err := r.buildFilters(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.setUp = true
	r.lost = false
	r.mu.Unlock()
	if snap == nil {
		return nil
	}
	w, h := r.Size()
	rep, err := r.resources.Restore(ctx, snap, resource.Size{Width: w, Height: h})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		r.log.Warn("fxcore: snapshot entries not restored", "report", rep.String(), "err", err)
	} else {
		r.log.Debug("fxcore: snapshot restored", "report", rep.String())
	}
	return nil
}

func (t *recoveryTarget) RevalidateFilters(context.Context) error {
	n, err := t.r.resources.PatchStale()
	if err != nil {
		return fmt.Errorf("fxcore: revalidate filters: %w", err)
	}
	if n > 0 {
		t.r.log.Warn("fxcore: passes patched with placeholder", "count", n)
	}
	return nil
}
