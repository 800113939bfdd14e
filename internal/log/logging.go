// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package log // import "github.com/coreinspect/dwarfcore/internal/log"

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// globalLogger holds a reference to the [slog.Logger] used within
// github.com/coreinspect/dwarfcore.
//
// The default logger logs to stderr and shows messages at the Info level.
var globalLogger = func() *atomic.Pointer[slog.Logger] {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	p := new(atomic.Pointer[slog.Logger])
	p.Store(l)
	return p
}()

// SetLogger sets the global Logger to l.
func SetLogger(l slog.Logger) {
	globalLogger.Store(&l)
}

// SetLevelLogger configures the global logger to write to stderr at the
// given level.
func SetLevelLogger(level slog.Level) {
	SetLogger(*slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// getLogger returns the global logger.
func getLogger() *slog.Logger {
	return globalLogger.Load()
}

// Debugf logs detailed debugging information about internal behavior.
func Debugf(msg string, args ...any) {
	if getLogger().Enabled(context.Background(), slog.LevelDebug) {
		getLogger().Debug(fmt.Sprintf(msg, args...))
	}
}

// Warnf logs warnings that are not errors but likely more important than
// informational messages.
func Warnf(msg string, args ...any) {
	if getLogger().Enabled(context.Background(), slog.LevelWarn) {
		getLogger().Warn(fmt.Sprintf(msg, args...))
	}
}
