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
)

func TestActivateElementBatchConverges(t *testing.T) {
	// given a running instance with an active multi-instance body
	engine, store, recorder := setupEngine(t)
	process := model.NewProcessBuilder("bulk-ordering").
		WithNoneStartEvent("orders-received").
		AddElement("bulk-ordering", &model.Element{
			Id:   "order-items",
			Type: model.ElementTypeMultiInstanceBody,
			InnerActivity: &model.Element{
				Id:      "handle-item",
				Type:    model.ElementTypeServiceTask,
				JobType: "handle-item",
			},
		}).
		Build()
	deploy(t, engine, process)
	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId: "bulk-ordering",
	})
	require.NoError(t, err)
	_, err = engine.ModifyProcessInstance(t.Context(), record.ProcessInstanceModificationRecord{
		ProcessInstanceKey:   created.ProcessInstanceKey,
		ActivateInstructions: []*record.ModificationActivateInstruction{{ElementId: "order-items"}},
	})
	require.NoError(t, err)
	body := requireSingleInstance(t, engine, created.ProcessInstanceKey, "order-items")

	// when
	err = engine.ActivateElementBatch(t.Context(), created.ProcessInstanceKey, body.Key, 3)

	// then three inner activity instances are active under the body
	require.NoError(t, err)
	items := findInstancesByElementId(t, engine, created.ProcessInstanceKey, "handle-item")
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, runtime.ActivityStateActive, item.State)
		assert.Equal(t, body.Key, item.Value.FlowScopeKey)
		assert.Greater(t, item.JobKey, int64(0))
	}
	body = requireSingleInstance(t, engine, created.ProcessInstanceKey, "order-items")
	assert.Equal(t, 3, body.ActiveChildInstances)

	jobs, err := store.FindPendingProcessInstanceJobs(t.Context(), created.ProcessInstanceKey)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	assert.Len(t, recorder.find(record.RecordTypeEvent, record.ValueTypeProcessInstanceBatch, record.IntentBatchActivated), 1)
}

func TestActivateElementBatchWithZeroCountFinishesImmediately(t *testing.T) {
	// given
	engine, _, recorder := setupEngine(t)

	// when
	err := engine.ActivateElementBatch(t.Context(), 100, 110, 0)

	// then only the finishing event is written
	require.NoError(t, err)
	assert.Len(t, recorder.find(record.RecordTypeEvent, record.ValueTypeProcessInstanceBatch, record.IntentBatchActivated), 1)
	assert.Empty(t, recorder.find(record.RecordTypeCommand, record.ValueTypeProcessInstance, record.IntentActivateElement))
}

func TestBatchTerminateResumesAtSizeBound(t *testing.T) {
	// given a scope with three children and a record size bound that fits
	// exactly one child termination command per batch record
	childValue := record.ProcessInstanceRecord{
		BpmnProcessId:        "bulk-ordering",
		Version:              1,
		ProcessDefinitionKey: 1,
		ProcessInstanceKey:   100,
		ElementId:            "handle-item",
		BpmnElementType:      model.ElementTypeServiceTask,
		FlowScopeKey:         100,
	}
	resumeBatch := record.ProcessInstanceBatchRecord{
		ProcessInstanceKey:      100,
		BatchElementInstanceKey: 100,
		Index:                   101,
	}
	maxRecordSize := estimateValueLength(childValue) + estimateValueLength(resumeBatch) + commandSizeMargin

	engine, store, recorder := setupEngine(t, EngineWithMaxRecordSize(maxRecordSize))
	rootValue := childValue
	rootValue.ElementId = "bulk-ordering"
	rootValue.BpmnElementType = model.ElementTypeProcess
	rootValue.FlowScopeKey = -1
	require.NoError(t, store.SaveElementInstance(t.Context(), runtime.ElementInstance{
		Key: 100, State: runtime.ActivityStateActive, Value: rootValue, ActiveChildInstances: 3,
	}))
	for _, key := range []int64{101, 102, 103} {
		require.NoError(t, store.SaveElementInstance(t.Context(), runtime.ElementInstance{
			Key: key, State: runtime.ActivityStateActive, Value: childValue,
		}))
	}

	// when
	err := engine.CancelProcessInstance(t.Context(), 100)

	// then the batch walk resumed twice and the whole tree is gone
	require.NoError(t, err)
	instances, err := store.FindProcessInstanceElementInstances(t.Context(), 100)
	require.NoError(t, err)
	assert.Empty(t, instances)

	batchCommands := recorder.find(record.RecordTypeCommand, record.ValueTypeProcessInstanceBatch, record.IntentBatchTerminate)
	require.Len(t, batchCommands, 3)
	first, ok := batchCommands[0].Value.(record.ProcessInstanceBatchRecord)
	require.True(t, ok)
	assert.Equal(t, int64(0), first.Index)
	second, ok := batchCommands[1].Value.(record.ProcessInstanceBatchRecord)
	require.True(t, ok)
	assert.Equal(t, int64(101), second.Index)
	third, ok := batchCommands[2].Value.(record.ProcessInstanceBatchRecord)
	require.True(t, ok)
	assert.Equal(t, int64(102), third.Index)

	assert.Len(t, recorder.find(record.RecordTypeEvent, record.ValueTypeProcessInstance, record.IntentElementTerminated), 4)
}
