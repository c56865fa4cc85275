package fxcore

import (
	"errors"
	"fmt"

	"github.com/gogpu/wgpu/hal"
)

// Renderer errors.
var (
	// ErrDeviceLost reports that the GPU device is gone. Work returning an
	// error that wraps ErrDeviceLost or hal.ErrDeviceLost triggers
	// automatic recovery when enabled.
	ErrDeviceLost = errors.New("fxcore: device lost")

	// ErrNotSetUp is returned by operations that need a device before
	// Setup has completed.
	ErrNotSetUp = errors.New("fxcore: renderer not set up")

	// ErrDisposed is returned after Dispose.
	ErrDisposed = errors.New("fxcore: renderer disposed")

	// ErrNoAdapter is returned when no adapter factory yields an adapter.
	ErrNoAdapter = errors.New("fxcore: no GPU adapter available")

	// ErrUnknownFilter is returned by RunFilter for a filter that is not
	// configured or has no usable pass.
	ErrUnknownFilter = errors.New("fxcore: unknown filter")
)

// ResourceError wraps a failure of AcquireResource.
type ResourceError struct {
	// Kind is the requested resource kind: "shader", "layout",
	// "pipeline" or "texture".
	Kind string
	Name string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("fxcore: acquire %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// IsDeviceLost reports whether err signals a lost device.
func IsDeviceLost(err error) bool {
	return errors.Is(err, ErrDeviceLost) || errors.Is(err, hal.ErrDeviceLost)
}
