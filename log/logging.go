// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package log provides a public logging interface for
// github.com/coreinspect/dwarfcore.
package log // import "github.com/coreinspect/dwarfcore/log"

import (
	"log/slog"

	"github.com/coreinspect/dwarfcore/internal/log"
)

// SetLevel configures the log level for the library's internal logger.
func SetLevel(level slog.Level) {
	log.SetLevelLogger(level)
}

// SetLogger configures the library's internal logger.
func SetLogger(l slog.Logger) {
	log.SetLogger(l)
}
