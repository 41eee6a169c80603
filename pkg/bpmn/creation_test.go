// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcorehq/flowcore/internal/appcontext"
	"github.com/flowcorehq/flowcore/pkg/bpmn/model"
	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
)

func TestCreateProcessInstanceActivatesRoot(t *testing.T) {
	// given
	engine, _, recorder := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Task("ordering", "collect-money").
		Build()
	definition := deploy(t, engine, process)

	// when
	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId: "ordering",
	})

	// then
	require.NoError(t, err)
	assert.Greater(t, created.ProcessInstanceKey, int64(0))
	assert.Equal(t, definition.Key, created.ProcessDefinitionKey)
	assert.Equal(t, int32(1), created.Version)

	root, err := engine.storage.FindProcessInstance(t.Context(), created.ProcessInstanceKey)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateActive, root.State)
	assert.Equal(t, model.ElementTypeProcess, root.Value.BpmnElementType)
	assert.Equal(t, int64(-1), root.Value.FlowScopeKey)
	assert.Equal(t, DefaultTenantId, root.Value.TenantId)

	assert.Len(t, recorder.find(record.RecordTypeEvent, record.ValueTypeProcessInstanceCreation, record.IntentCreated), 1)
	assert.Len(t, recorder.find(record.RecordTypeEvent, record.ValueTypeProcessInstance, record.IntentElementActivated), 1)
}

func TestCreateProcessInstanceSelectsVersion(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Build()
	first := deploy(t, engine, process)
	second := deploy(t, engine, process)

	// when
	latest, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId: "ordering",
	})
	require.NoError(t, err)
	pinned, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId: "ordering",
		Version:       1,
	})
	require.NoError(t, err)
	byKey, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		ProcessDefinitionKey: first.Key,
	})
	require.NoError(t, err)

	// then
	assert.Equal(t, second.Key, latest.ProcessDefinitionKey)
	assert.Equal(t, first.Key, pinned.ProcessDefinitionKey)
	assert.Equal(t, first.Key, byKey.ProcessDefinitionKey)
}

func TestCreateProcessInstanceUnknownDefinition(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)

	// when
	_, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId: "missing",
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionNotFound, rejected.Type)
}

func TestCreateProcessInstanceWithoutNoneStartEventNeedsInstructions(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
	process := model.NewProcessBuilder("on-message").
		WithMessageStartEvent("message-received", "order-message").
		Task("on-message", "collect-money").
		Build()
	deploy(t, engine, process)

	// when
	_, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId: "on-message",
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionInvalidState, rejected.Type)
	assert.Contains(t, rejected.Reason, "no none start event")
}

func TestCreateProcessInstanceRejectsStartInstructionOnStartEvent(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Task("ordering", "collect-money").
		Build()
	deploy(t, engine, process)

	// when
	_, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId:     "ordering",
		StartInstructions: []record.StartInstruction{{ElementId: "order-placed"}},
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionInvalidArgument, rejected.Type)
	assert.Contains(t, rejected.Reason, "unsupported type")
}

func TestCreateProcessInstanceWithStartInstructions(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		SubProcess("ordering", "payment-handling").
		Task("payment-handling", "refund-payment").
		Build()
	deploy(t, engine, process)

	// when
	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId:     "ordering",
		Variables:         map[string]any{"orderId": "order-4711"},
		StartInstructions: []record.StartInstruction{{ElementId: "refund-payment"}},
	})
	require.NoError(t, err)

	// then the missing subprocess scope was created on the way
	root, err := engine.storage.FindProcessInstance(t.Context(), created.ProcessInstanceKey)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateActive, root.State)

	scope := requireSingleInstance(t, engine, created.ProcessInstanceKey, "payment-handling")
	assert.Equal(t, runtime.ActivityStateActive, scope.State)
	assert.Equal(t, root.Key, scope.Value.FlowScopeKey)

	task := requireSingleInstance(t, engine, created.ProcessInstanceKey, "refund-payment")
	assert.Equal(t, runtime.ActivityStateActive, task.State)
	assert.Equal(t, scope.Key, task.Value.FlowScopeKey)
	assert.Greater(t, task.JobKey, int64(0))

	job, err := engine.storage.FindJobByKey(t.Context(), task.JobKey)
	require.NoError(t, err)
	assert.Equal(t, "refund-payment", job.Type)

	variable, err := engine.storage.FindScopeVariable(t.Context(), created.ProcessInstanceKey, "orderId")
	require.NoError(t, err)
	assert.Equal(t, "order-4711", variable.Value)
}

func TestCreateProcessInstanceRejectsUnknownStartInstruction(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Build()
	deploy(t, engine, process)

	// when
	_, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId:     "ordering",
		StartInstructions: []record.StartInstruction{{ElementId: "missing-task"}},
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionInvalidArgument, rejected.Type)
	assert.Contains(t, rejected.Reason, "missing-task")
}

func TestCreateProcessInstanceWithResultAnsweredOnInstanceEnd(t *testing.T) {
	// given
	engine, _, recorder := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Build()
	deploy(t, engine, process)
	ctx := appcontext.WithRequestId(t.Context())

	created, err := engine.CreateProcessInstanceWithResult(ctx, record.ProcessInstanceCreationRecord{
		BpmnProcessId: "ordering",
		Variables:     map[string]any{"total": "98.50"},
	})
	require.NoError(t, err)
	assert.Empty(t, recorder.find(record.RecordTypeEvent, record.ValueTypeProcessInstanceResult, record.IntentCreated))

	// when the instance ends
	err = engine.CancelProcessInstance(ctx, created.ProcessInstanceKey)
	require.NoError(t, err)

	// then
	results := recorder.find(record.RecordTypeEvent, record.ValueTypeProcessInstanceResult, record.IntentCreated)
	require.Len(t, results, 1)
	result, ok := results[0].Value.(record.ProcessInstanceResultRecord)
	require.True(t, ok)
	assert.Equal(t, created.ProcessInstanceKey, result.ProcessInstanceKey)
	assert.Equal(t, "ordering", result.BpmnProcessId)
	assert.NotEmpty(t, result.RequestId)
	assert.Equal(t, "98.50", result.Variables["total"])
}

func TestCreateProcessInstanceForeignTenantHidden(t *testing.T) {
	// given a caller restricted to another tenant
	engine, _, _ := setupEngine(t)
	process := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Build()
	definition, err := engine.DeployProcessDefinition(t.Context(), process, "tenant-a")
	require.NoError(t, err)
	ctx := appcontext.WithAuthorizedTenants(t.Context(), []string{"tenant-b"})

	// when
	_, err = engine.CreateProcessInstance(ctx, record.ProcessInstanceCreationRecord{
		ProcessDefinitionKey: definition.Key,
		TenantId:             "tenant-a",
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionUnauthorized, rejected.Type)
}
