// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcorehq/flowcore/pkg/bpmn/model"
	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
	"github.com/flowcorehq/flowcore/pkg/storage/inmemory"
)

// recorderExporter keeps every exported record so tests can assert on the
// produced record trail.
type recorderExporter struct {
	records []record.Record
}

func (r *recorderExporter) Export(rec record.Record) {
	r.records = append(r.records, rec)
}

func (r *recorderExporter) find(recordType record.RecordType, valueType record.ValueType, intent record.Intent) []record.Record {
	var matching []record.Record
	for _, rec := range r.records {
		if rec.RecordType == recordType && rec.ValueType == valueType && rec.Intent == intent {
			matching = append(matching, rec)
		}
	}
	return matching
}

func setupEngine(t *testing.T, options ...EngineOption) (*Engine, *inmemory.Storage, *recorderExporter) {
	t.Helper()
	store := inmemory.NewStorage()
	recorder := &recorderExporter{}
	options = append([]EngineOption{
		EngineWithStorage(store),
		EngineWithExporter(recorder),
	}, options...)
	return NewEngine(options...), store, recorder
}

func deploy(t *testing.T, engine *Engine, process *model.ExecutableProcess) model.ProcessDefinition {
	t.Helper()
	definition, err := engine.DeployProcessDefinition(t.Context(), process, "")
	require.NoError(t, err)
	return definition
}

// findInstancesByElementId scans the live element instance tree of one
// process instance.
func findInstancesByElementId(t *testing.T, engine *Engine, processInstanceKey int64, elementId string) []runtime.ElementInstance {
	t.Helper()
	instances, err := engine.storage.FindProcessInstanceElementInstances(t.Context(), processInstanceKey)
	require.NoError(t, err)
	var matching []runtime.ElementInstance
	for _, instance := range instances {
		if instance.Value.ElementId == elementId {
			matching = append(matching, instance)
		}
	}
	return matching
}

func requireSingleInstance(t *testing.T, engine *Engine, processInstanceKey int64, elementId string) runtime.ElementInstance {
	t.Helper()
	instances := findInstancesByElementId(t, engine, processInstanceKey, elementId)
	require.Len(t, instances, 1, "expected exactly one instance of element '%s'", elementId)
	return instances[0]
}

func TestEngineRequiresStorage(t *testing.T) {
	assert.Panics(t, func() {
		NewEngine()
	})
}

func TestPartitionForCorrelationKeyIsStable(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t, EngineWithPartition(1, 3))

	// when
	first := engine.partitionForCorrelationKey("order-4711")
	second := engine.partitionForCorrelationKey("order-4711")

	// then
	assert.Equal(t, first, second)
	assert.GreaterOrEqual(t, first, int32(1))
	assert.LessOrEqual(t, first, int32(3))
}

func TestDeployProcessDefinitionIncrementsVersion(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Task("ordering", "collect-money").
		Build()

	// when
	first := deploy(t, engine, process)
	second := deploy(t, engine, process)

	// then
	assert.Equal(t, int32(1), first.Version)
	assert.Equal(t, int32(2), second.Version)
	assert.Equal(t, DefaultTenantId, first.TenantId)
	assert.NotEqual(t, first.Key, second.Key)
}

func TestRecordsCarryMonotonicPositions(t *testing.T) {
	// given
	engine, _, recorder := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Build()
	deploy(t, engine, process)

	// when
	_, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{BpmnProcessId: "ordering"})
	require.NoError(t, err)

	// then
	require.NotEmpty(t, recorder.records)
	last := int64(0)
	for _, rec := range recorder.records {
		assert.Greater(t, rec.Position, last)
		assert.Equal(t, int32(1), rec.PartitionId)
		last = rec.Position
	}
}
