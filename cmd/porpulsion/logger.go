// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"os"

	"github.com/porpulsion/porpulsion/internal/config"
)

// newLogger builds a single JSON handler on stderr, installed as the
// process default so any package that hasn't been threaded a
// *slog.Logger yet still logs structured output rather than falling
// back to fmt.Println.
func newLogger(logLevel string) *slog.Logger {
	level := config.ParseLogLevel(logLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
