package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/gogpu/fxcore/resource"
)

// State is the state of the controller.
type State uint8

const (
	// StateIdle: no recovery has run, or the last one was reset.
	StateIdle State = iota
	// StateRecovering: an attempt is running its stages.
	StateRecovering
	// StateRetrying: an attempt failed and the controller waits before the
	// next one.
	StateRetrying
	// StateSucceeded: the last recovery completed.
	StateSucceeded
	// StateFailed is terminal: the retry ceiling was reached and the
	// controller refuses to start again until Reset.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecovering:
		return "recovering"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed-fatal"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Stage is one step of a recovery attempt.
type Stage uint8

const (
	// StageCleanup releases GPU objects in dependency order: bind groups,
	// pipelines, textures, buffers.
	StageCleanup Stage = iota
	// StageAdapterReacquire opens a new adapter and device.
	StageAdapterReacquire
	// StageContextReconfigure reconfigures the presentation surface.
	StageContextReconfigure
	// StageResourceRebuild rebuilds filters from configuration and restores
	// dimension-compatible cache entries from the snapshot.
	StageResourceRebuild
	// StageFilterRevalidate patches passes still bound to stale objects.
	StageFilterRevalidate
	// StageDone ends a successful attempt.
	StageDone
	// StageFailed ends a failed attempt.
	StageFailed
)

var stageNames = [...]string{
	StageCleanup:            "cleanup",
	StageAdapterReacquire:   "adapter-reacquire",
	StageContextReconfigure: "context-reconfigure",
	StageResourceRebuild:    "resource-rebuild",
	StageFilterRevalidate:   "filter-revalidate",
	StageDone:               "done",
	StageFailed:             "failed",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", s)
}

// Terminal reports whether the stage ends an attempt.
func (s Stage) Terminal() bool { return s == StageDone || s == StageFailed }

// Next returns the stage after s given the outcome err of running s.
// Any error moves to StageFailed; terminal stages are fixed points.
func Next(s Stage, err error) Stage {
	switch {
	case s.Terminal():
		return s
	case err != nil:
		return StageFailed
	default:
		return s + 1
	}
}

// Target is the system being recovered. Each method performs one step and
// must be safe to repeat on the next attempt.
type Target interface {
	// Suspend halts scheduling and waits for the running operation.
	Suspend(ctx context.Context) error
	// Snapshot captures the resource caches before teardown.
	Snapshot() *resource.Snapshot
	Cleanup(ctx context.Context) error
	ReacquireAdapter(ctx context.Context) error
	ReconfigureContext(ctx context.Context) error
	RebuildResources(ctx context.Context, snap *resource.Snapshot) error
	RevalidateFilters(ctx context.Context) error
	// Resume restarts scheduling.
	Resume()
}

// Session is the state of one recovery run. It exists only while Start
// is running.
type Session struct {
	Reason   error
	Snapshot *resource.Snapshot
	Started  time.Time
	Attempt  int
	Stage    Stage
	// Errs holds the error of every failed attempt.
	Errs []error
}

// RunStage runs a single stage of sess against the controller's target.
// Terminal stages do nothing.
func (c *Controller) RunStage(ctx context.Context, sess *Session, stage Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := c.target
	switch stage {
	case StageCleanup:
		return t.Cleanup(ctx)
	case StageAdapterReacquire:
		return t.ReacquireAdapter(ctx)
	case StageContextReconfigure:
		return t.ReconfigureContext(ctx)
	case StageResourceRebuild:
		return t.RebuildResources(ctx, sess.Snapshot)
	case StageFilterRevalidate:
		return t.RevalidateFilters(ctx)
	case StageDone, StageFailed:
		return nil
	default:
		return fmt.Errorf("recovery: unknown stage %v", stage)
	}
}
