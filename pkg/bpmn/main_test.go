// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"os"
	"testing"

	"github.com/flowcorehq/flowcore/internal/config"
	appotel "github.com/flowcorehq/flowcore/internal/otel"
)

func TestMain(m *testing.M) {
	// The engine records on the package-level otel instruments, which are
	// only created by SetupOtel; initialize them before running any test.
	if _, err := appotel.SetupOtel(config.Tracing{Name: "test"}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}
