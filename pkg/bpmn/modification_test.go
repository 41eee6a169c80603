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

func TestModifyMovesToken(t *testing.T) {
	// given an instance waiting in task "collect-money"
	engine, store, _ := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Task("ordering", "collect-money").
		Task("ordering", "ship-parcel").
		Build()
	deploy(t, engine, process)
	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId:     "ordering",
		StartInstructions: []record.StartInstruction{{ElementId: "collect-money"}},
	})
	require.NoError(t, err)
	source := requireSingleInstance(t, engine, created.ProcessInstanceKey, "collect-money")

	// when moving the token to "ship-parcel"
	modified, err := engine.ModifyProcessInstance(t.Context(), record.ProcessInstanceModificationRecord{
		ProcessInstanceKey: created.ProcessInstanceKey,
		MoveInstructions: []*record.ModificationMoveInstruction{
			{SourceElementId: "collect-money", TargetElementId: "ship-parcel"},
		},
	})

	// then the move was desugared into one activate and one terminate
	require.NoError(t, err)
	require.Len(t, modified.ActivateInstructions, 1)
	assert.Equal(t, "ship-parcel", modified.ActivateInstructions[0].ElementId)
	assert.Equal(t, []int64{created.ProcessInstanceKey}, modified.ActivateInstructions[0].AncestorScopeKeys)
	require.Len(t, modified.TerminateInstructions, 1)
	assert.Equal(t, source.Key, modified.TerminateInstructions[0].ElementInstanceKey)

	assert.Empty(t, findInstancesByElementId(t, engine, created.ProcessInstanceKey, "collect-money"))
	target := requireSingleInstance(t, engine, created.ProcessInstanceKey, "ship-parcel")
	assert.Equal(t, runtime.ActivityStateActive, target.State)
	assert.Equal(t, created.ProcessInstanceKey, target.Value.FlowScopeKey)

	oldJob, err := store.FindJobByKey(t.Context(), source.JobKey)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateTerminated, oldJob.State)
	newJob, err := store.FindJobByKey(t.Context(), target.JobKey)
	require.NoError(t, err)
	assert.Equal(t, "ship-parcel", newJob.Type)
	assert.Equal(t, runtime.ActivityStateActive, newJob.State)

	root, err := store.FindProcessInstance(t.Context(), created.ProcessInstanceKey)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateActive, root.State)
	assert.Equal(t, 1, root.ActiveChildInstances)
}

func TestModifyTerminateByMissingKeyIsNoOp(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Build()
	deploy(t, engine, process)
	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId: "ordering",
	})
	require.NoError(t, err)

	// when terminating an element instance that no longer exists
	modified, err := engine.ModifyProcessInstance(t.Context(), record.ProcessInstanceModificationRecord{
		ProcessInstanceKey: created.ProcessInstanceKey,
		TerminateInstructions: []*record.ModificationTerminateInstruction{
			{ElementInstanceKey: 999999},
		},
	})

	// then the instruction is kept in the event but nothing changes
	require.NoError(t, err)
	require.Len(t, modified.TerminateInstructions, 1)
	root, err := engine.storage.FindProcessInstance(t.Context(), created.ProcessInstanceKey)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateActive, root.State)
}

func TestModifyRejectsAmbiguousTerminateInstruction(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Task("ordering", "collect-money").
		Build()
	deploy(t, engine, process)
	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId: "ordering",
	})
	require.NoError(t, err)

	// when a terminate instruction carries both a key and an element id
	_, err = engine.ModifyProcessInstance(t.Context(), record.ProcessInstanceModificationRecord{
		ProcessInstanceKey: created.ProcessInstanceKey,
		TerminateInstructions: []*record.ModificationTerminateInstruction{
			{ElementInstanceKey: 123, ElementId: "collect-money"},
		},
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionInvalidArgument, rejected.Type)
}

func TestModifyRejectsActivationIntoTerminatedScope(t *testing.T) {
	// given an instance waiting inside subprocess "payment-handling"
	engine, _, _ := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		SubProcess("ordering", "payment-handling").
		Task("payment-handling", "collect-money").
		Task("payment-handling", "refund-payment").
		Build()
	deploy(t, engine, process)
	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId:     "ordering",
		StartInstructions: []record.StartInstruction{{ElementId: "collect-money"}},
	})
	require.NoError(t, err)

	// when terminating the scope and activating into it in the same command
	_, err = engine.ModifyProcessInstance(t.Context(), record.ProcessInstanceModificationRecord{
		ProcessInstanceKey: created.ProcessInstanceKey,
		ActivateInstructions: []*record.ModificationActivateInstruction{
			{ElementId: "refund-payment"},
		},
		TerminateInstructions: []*record.ModificationTerminateInstruction{
			{ElementId: "payment-handling"},
		},
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionInvalidState, rejected.Type)
	assert.Contains(t, rejected.Reason, "terminated by the same command")
}

func TestModifyRejectsTerminatingCalledChildInstanceEntirely(t *testing.T) {
	// given a child instance created by a call activity, with one active task
	engine, store, _ := setupEngine(t)
	process := model.NewProcessBuilder("payment").
		WithNoneStartEvent("payment-requested").
		Task("payment", "charge-card").
		Build()
	definition := deploy(t, engine, process)

	childRootValue := record.ProcessInstanceRecord{
		BpmnProcessId:        "payment",
		Version:              definition.Version,
		ProcessDefinitionKey: definition.Key,
		ProcessInstanceKey:   600,
		ElementId:            "payment",
		BpmnElementType:      model.ElementTypeProcess,
		FlowScopeKey:         -1,
		TenantId:             definition.TenantId,
		ParentProcessInstanceKey: 500,
		ParentElementInstanceKey: 510,
	}
	taskValue := childRootValue
	taskValue.ElementId = "charge-card"
	taskValue.BpmnElementType = model.ElementTypeServiceTask
	taskValue.FlowScopeKey = 600
	taskValue.ParentProcessInstanceKey = 0
	taskValue.ParentElementInstanceKey = 0
	require.NoError(t, store.SaveElementInstance(t.Context(), runtime.ElementInstance{
		Key: 600, State: runtime.ActivityStateActive, Value: childRootValue, ActiveChildInstances: 1,
	}))
	require.NoError(t, store.SaveElementInstance(t.Context(), runtime.ElementInstance{
		Key: 610, State: runtime.ActivityStateActive, Value: taskValue,
	}))

	// when terminating the only remaining element of the child instance
	_, err := engine.ModifyProcessInstance(t.Context(), record.ProcessInstanceModificationRecord{
		ProcessInstanceKey: 600,
		TerminateInstructions: []*record.ModificationTerminateInstruction{
			{ElementInstanceKey: 610},
		},
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionInvalidArgument, rejected.Type)
	assert.Contains(t, rejected.Reason, "call activity")
}

func TestModifyRejectsActivationInsideMultiInstanceBody(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
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

	// when
	_, err = engine.ModifyProcessInstance(t.Context(), record.ProcessInstanceModificationRecord{
		ProcessInstanceKey: created.ProcessInstanceKey,
		ActivateInstructions: []*record.ModificationActivateInstruction{
			{ElementId: "handle-item"},
		},
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionInvalidArgument, rejected.Type)
	assert.Contains(t, rejected.Reason, "multi-instance body")
}

func TestModifyActivateWithVariableInstructions(t *testing.T) {
	// given
	engine, store, _ := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		SubProcess("ordering", "payment-handling").
		Task("payment-handling", "collect-money").
		Build()
	deploy(t, engine, process)
	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId: "ordering",
	})
	require.NoError(t, err)

	// when activating with a global and a scope-local document
	modified, err := engine.ModifyProcessInstance(t.Context(), record.ProcessInstanceModificationRecord{
		ProcessInstanceKey: created.ProcessInstanceKey,
		ActivateInstructions: []*record.ModificationActivateInstruction{
			{
				ElementId: "collect-money",
				VariableInstructions: []record.VariableInstruction{
					{Variables: map[string]any{"orderId": "order-4711"}},
					{ElementId: "payment-handling", Variables: map[string]any{"attempt": "first"}},
				},
			},
		},
	})

	// then
	require.NoError(t, err)
	require.Len(t, modified.ActivateInstructions, 1)
	scope := requireSingleInstance(t, engine, created.ProcessInstanceKey, "payment-handling")

	global, err := store.FindScopeVariable(t.Context(), created.ProcessInstanceKey, "orderId")
	require.NoError(t, err)
	assert.Equal(t, "order-4711", global.Value)
	local, err := store.FindScopeVariable(t.Context(), scope.Key, "attempt")
	require.NoError(t, err)
	assert.Equal(t, "first", local.Value)
}
