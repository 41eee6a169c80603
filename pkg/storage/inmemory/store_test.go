// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package inmemory_test

import (
	"testing"

	"github.com/flowcorehq/flowcore/pkg/storage"
	"github.com/flowcorehq/flowcore/pkg/storage/inmemory"
	"github.com/flowcorehq/flowcore/pkg/storage/storagetest"
)

func TestInMemoryStorage(t *testing.T) {
	var store storage.Storage = inmemory.NewStorage()

	tester := storagetest.StorageTester{}

	tests := tester.GetTests()
	tester.PrepareTestData(store, t)
	for name, testFunc := range tests {
		t.Run(name, testFunc(store, t))
	}
}
