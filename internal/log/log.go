// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package log configures the process-wide hclog default logger and exposes
// printf-style helpers for code that does not carry a named logger.
package log

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/flowcorehq/flowcore/internal/profile"
)

func Init() {
	level := hclog.Info
	if profile.Current == profile.DEV {
		level = hclog.Debug
	}
	hclog.SetDefault(hclog.New(&hclog.LoggerOptions{
		Name:       "flowcore",
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: profile.Current == profile.PROD,
	}))
}

func Debug(format string, args ...any) {
	hclog.Default().Debug(fmt.Sprintf(format, args...))
}

func Info(format string, args ...any) {
	hclog.Default().Info(fmt.Sprintf(format, args...))
}

func Warn(format string, args ...any) {
	hclog.Default().Warn(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	hclog.Default().Error(fmt.Sprintf(format, args...))
}
