// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log wraps github.com/charmbracelet/log with the prefixed,
// leveled logger construction style used across this module, mirroring the
// teacher's client2 package (log.NewWithOptions, WithPrefix, ParseLevel).
package log

import (
	"os"

	"github.com/charmbracelet/log"
)

// Logger is the logger type used throughout the module.
type Logger = log.Logger

// ParseLevel converts a level name ("debug", "info", "warn", "error") into
// a charmbracelet/log level, defaulting to Info on an unrecognized name.
func ParseLevel(name string) log.Level {
	lvl, err := log.ParseLevel(name)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// New creates a logger writing to stderr with the given prefix and level
// name.
func New(prefix, level string) *Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
		Level:           ParseLevel(level),
	})
}

// NewWithWriter creates a logger writing to w, used by tests that want to
// capture output.
func NewWithWriter(w *os.File, prefix, level string) *Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
		Level:           ParseLevel(level),
	})
}
