package egpu

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/egpu/gpucore"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
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

// live holds the backends of open Offloads so SetLogger reaches them.
var (
	liveMu sync.Mutex
	live   = make(map[gpucore.Backend]struct{})
)

// SetLogger configures the logger for egpu and the backends it drives.
// By default, egpu produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by egpu:
//   - [slog.LevelDebug]: per-frame diagnostics (dispatches, waits, buffer sizes)
//   - [slog.LevelInfo]: lifecycle events (backend selected, adapter opened)
//   - [slog.LevelWarn]: non-fatal issues (CPU fallback, slow device waits)
//
// Example:
//
//	egpu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	liveMu.Lock()
	defer liveMu.Unlock()
	for b := range live {
		propagateLogger(b, l)
	}
}

// Logger returns the current logger used by egpu.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by backends that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger passes the logger to a backend if it implements the
// loggerSetter interface.
func propagateLogger(b gpucore.Backend, l *slog.Logger) {
	if ls, ok := b.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}

// track registers b for logger propagation and hands it the current logger.
func track(b gpucore.Backend) {
	liveMu.Lock()
	defer liveMu.Unlock()
	live[b] = struct{}{}
	propagateLogger(b, Logger())
}

func untrack(b gpucore.Backend) {
	liveMu.Lock()
	defer liveMu.Unlock()
	delete(live, b)
}
