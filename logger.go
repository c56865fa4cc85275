package fxcore

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the default logger for renderers created afterwards
// and for their components (resource manager, texture pool, batcher, render
// queue, recovery controller). By default fxcore produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the silent
// default. A renderer created with WithLogger ignores the package logger.
//
// Log levels used by fxcore:
//   - [slog.LevelDebug]: cache hits and evictions, pool reuse, queue dispatch
//   - [slog.LevelInfo]: setup, adapter selection, recovery success
//   - [slog.LevelWarn]: isolated pass failures, recovery retries
//   - [slog.LevelError]: recovery giving up
//
// Example:
//
//	fxcore.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current package logger.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
