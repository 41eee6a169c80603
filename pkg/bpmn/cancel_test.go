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

func TestCancelProcessInstanceRemovesTree(t *testing.T) {
	// given a running instance with an active task
	engine, store, recorder := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Task("ordering", "collect-money").
		Build()
	deploy(t, engine, process)
	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId:     "ordering",
		StartInstructions: []record.StartInstruction{{ElementId: "collect-money"}},
	})
	require.NoError(t, err)
	task := requireSingleInstance(t, engine, created.ProcessInstanceKey, "collect-money")

	// when
	err = engine.CancelProcessInstance(t.Context(), created.ProcessInstanceKey)

	// then the whole tree is gone and the job was cancelled
	require.NoError(t, err)
	instances, err := store.FindProcessInstanceElementInstances(t.Context(), created.ProcessInstanceKey)
	require.NoError(t, err)
	assert.Empty(t, instances)

	job, err := store.FindJobByKey(t.Context(), task.JobKey)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateTerminated, job.State)

	terminated := recorder.find(record.RecordTypeEvent, record.ValueTypeProcessInstance, record.IntentElementTerminated)
	assert.Len(t, terminated, 2)
	assert.Len(t, recorder.find(record.RecordTypeEvent, record.ValueTypeJob, record.IntentJobCanceled), 1)
}

func TestCancelUnknownProcessInstance(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)

	// when
	err := engine.CancelProcessInstance(t.Context(), 4711)

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionNotFound, rejected.Type)
}

func TestCancelRejectsElementInstanceKey(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Task("ordering", "collect-money").
		Build()
	deploy(t, engine, process)
	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId:     "ordering",
		StartInstructions: []record.StartInstruction{{ElementId: "collect-money"}},
	})
	require.NoError(t, err)
	task := requireSingleInstance(t, engine, created.ProcessInstanceKey, "collect-money")

	// when cancelling the task instance instead of the process instance
	err = engine.CancelProcessInstance(t.Context(), task.Key)

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionNotFound, rejected.Type)
}

func TestCancelCalledChildInstanceNamesRootAncestor(t *testing.T) {
	// given a two-level call activity chain seeded into the store
	engine, store, _ := setupEngine(t)
	instances := []runtime.ElementInstance{
		{
			Key:   100,
			State: runtime.ActivityStateActive,
			Value: record.ProcessInstanceRecord{
				BpmnProcessId: "ordering", ElementId: "ordering",
				BpmnElementType: model.ElementTypeProcess,
				ProcessInstanceKey: 100, FlowScopeKey: -1,
			},
			ActiveChildInstances: 1,
		},
		{
			Key:   200,
			State: runtime.ActivityStateActive,
			Value: record.ProcessInstanceRecord{
				BpmnProcessId: "payment", ElementId: "payment",
				BpmnElementType: model.ElementTypeProcess,
				ProcessInstanceKey: 200, FlowScopeKey: -1,
				ParentProcessInstanceKey: 100, ParentElementInstanceKey: 110,
			},
			ActiveChildInstances: 1,
		},
		{
			Key:   300,
			State: runtime.ActivityStateActive,
			Value: record.ProcessInstanceRecord{
				BpmnProcessId: "fraud-check", ElementId: "fraud-check",
				BpmnElementType: model.ElementTypeProcess,
				ProcessInstanceKey: 300, FlowScopeKey: -1,
				ParentProcessInstanceKey: 200, ParentElementInstanceKey: 210,
			},
		},
	}
	for _, instance := range instances {
		require.NoError(t, store.SaveElementInstance(t.Context(), instance))
	}

	// when cancelling the innermost child instance
	err := engine.CancelProcessInstance(t.Context(), 300)

	// then the rejection points at the outermost ancestor
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionInvalidState, rejected.Type)
	assert.Contains(t, rejected.Reason, "cancel the root process instance 100 instead")
}
