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

func TestMigrateProcessInstance(t *testing.T) {
	// given an instance of "ordering" waiting in task "collect-money"
	engine, store, recorder := setupEngine(t)
	source := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Task("ordering", "collect-money").
		Build()
	deploy(t, engine, source)
	target := model.NewProcessBuilder("ordering-v2").
		WithNoneStartEvent("order-placed").
		Task("ordering-v2", "collect-payment").
		Build()
	targetDefinition := deploy(t, engine, target)

	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId:     "ordering",
		StartInstructions: []record.StartInstruction{{ElementId: "collect-money"}},
	})
	require.NoError(t, err)
	task := requireSingleInstance(t, engine, created.ProcessInstanceKey, "collect-money")

	// when
	err = engine.MigrateProcessInstance(t.Context(), record.ProcessInstanceMigrationRecord{
		ProcessInstanceKey:         created.ProcessInstanceKey,
		TargetProcessDefinitionKey: targetDefinition.Key,
		MappingInstructions: []record.MigrationMappingInstruction{
			{SourceElementId: "collect-money", TargetElementId: "collect-payment"},
		},
	})

	// then the tree points at the target definition
	require.NoError(t, err)
	root, err := store.FindProcessInstance(t.Context(), created.ProcessInstanceKey)
	require.NoError(t, err)
	assert.Equal(t, "ordering-v2", root.Value.BpmnProcessId)
	assert.Equal(t, targetDefinition.Key, root.Value.ProcessDefinitionKey)
	assert.Equal(t, "ordering-v2", root.Value.ElementId)

	migratedTask := requireSingleInstance(t, engine, created.ProcessInstanceKey, "collect-payment")
	assert.Equal(t, task.Key, migratedTask.Key)
	assert.Equal(t, runtime.ActivityStateActive, migratedTask.State)

	// the job type changed, so the old job was cancelled and a new one created
	oldJob, err := store.FindJobByKey(t.Context(), task.JobKey)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateTerminated, oldJob.State)
	require.NotEqual(t, task.JobKey, migratedTask.JobKey)
	newJob, err := store.FindJobByKey(t.Context(), migratedTask.JobKey)
	require.NoError(t, err)
	assert.Equal(t, "collect-payment", newJob.Type)
	assert.Equal(t, "ordering-v2", newJob.BpmnProcessId)

	assert.Len(t, recorder.find(record.RecordTypeEvent, record.ValueTypeProcessInstance, record.IntentElementMigrated), 1)
	assert.Len(t, recorder.find(record.RecordTypeEvent, record.ValueTypeProcessInstance, record.IntentAncestorMigrated), 1)
	assert.Len(t, recorder.find(record.RecordTypeEvent, record.ValueTypeProcessInstanceMigration, record.IntentMigrated), 1)
}

func TestMigrateRejectsElementTypeChange(t *testing.T) {
	// given a service task mapped onto a user task
	engine, store, recorder := setupEngine(t)
	source := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Task("ordering", "collect-money").
		Build()
	deploy(t, engine, source)
	target := model.NewProcessBuilder("ordering-v2").
		WithNoneStartEvent("order-placed").
		UserTask("ordering-v2", "collect-payment", model.UserTaskImplementationNative).
		Build()
	targetDefinition := deploy(t, engine, target)

	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId:     "ordering",
		StartInstructions: []record.StartInstruction{{ElementId: "collect-money"}},
	})
	require.NoError(t, err)

	// when
	err = engine.MigrateProcessInstance(t.Context(), record.ProcessInstanceMigrationRecord{
		ProcessInstanceKey:         created.ProcessInstanceKey,
		TargetProcessDefinitionKey: targetDefinition.Key,
		MappingInstructions: []record.MigrationMappingInstruction{
			{SourceElementId: "collect-money", TargetElementId: "collect-payment"},
		},
	})

	// then nothing was migrated
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionInvalidState, rejected.Type)
	assert.Contains(t, rejected.Reason, "element type must not change")
	assert.Empty(t, recorder.find(record.RecordTypeEvent, record.ValueTypeProcessInstance, record.IntentElementMigrated))

	root, err := store.FindProcessInstance(t.Context(), created.ProcessInstanceKey)
	require.NoError(t, err)
	assert.Equal(t, "ordering", root.Value.BpmnProcessId)
}

func TestMigrateRejectsUserTaskImplementationChange(t *testing.T) {
	// given a native user task mapped onto a job worker user task
	engine, _, _ := setupEngine(t)
	source := model.NewProcessBuilder("reviewing").
		WithNoneStartEvent("review-requested").
		UserTask("reviewing", "review-order", model.UserTaskImplementationNative).
		Build()
	deploy(t, engine, source)
	target := model.NewProcessBuilder("reviewing-v2").
		WithNoneStartEvent("review-requested").
		UserTask("reviewing-v2", "approve-order", model.UserTaskImplementationJobWorker).
		Build()
	targetDefinition := deploy(t, engine, target)

	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId:     "reviewing",
		StartInstructions: []record.StartInstruction{{ElementId: "review-order"}},
	})
	require.NoError(t, err)

	// when
	err = engine.MigrateProcessInstance(t.Context(), record.ProcessInstanceMigrationRecord{
		ProcessInstanceKey:         created.ProcessInstanceKey,
		TargetProcessDefinitionKey: targetDefinition.Key,
		MappingInstructions: []record.MigrationMappingInstruction{
			{SourceElementId: "review-order", TargetElementId: "approve-order"},
		},
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionInvalidState, rejected.Type)
	assert.Contains(t, rejected.Reason, "implementation must not change")
}

func TestMigrateRejectsUnmappedActiveElement(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
	source := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Task("ordering", "collect-money").
		Build()
	deploy(t, engine, source)
	target := model.NewProcessBuilder("ordering-v2").
		WithNoneStartEvent("order-placed").
		Task("ordering-v2", "collect-money").
		Build()
	targetDefinition := deploy(t, engine, target)

	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId:     "ordering",
		StartInstructions: []record.StartInstruction{{ElementId: "collect-money"}},
	})
	require.NoError(t, err)

	// when migrating without a mapping for the active task
	err = engine.MigrateProcessInstance(t.Context(), record.ProcessInstanceMigrationRecord{
		ProcessInstanceKey:         created.ProcessInstanceKey,
		TargetProcessDefinitionKey: targetDefinition.Key,
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionInvalidState, rejected.Type)
	assert.Contains(t, rejected.Reason, "no mapping instruction defined for active element 'collect-money'")
}

func TestMigrateRejectsDuplicateMapping(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
	source := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Task("ordering", "collect-money").
		Build()
	deploy(t, engine, source)
	target := model.NewProcessBuilder("ordering-v2").
		WithNoneStartEvent("order-placed").
		Task("ordering-v2", "collect-payment").
		Build()
	targetDefinition := deploy(t, engine, target)

	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId: "ordering",
	})
	require.NoError(t, err)

	// when
	err = engine.MigrateProcessInstance(t.Context(), record.ProcessInstanceMigrationRecord{
		ProcessInstanceKey:         created.ProcessInstanceKey,
		TargetProcessDefinitionKey: targetDefinition.Key,
		MappingInstructions: []record.MigrationMappingInstruction{
			{SourceElementId: "collect-money", TargetElementId: "collect-payment"},
			{SourceElementId: "collect-money", TargetElementId: "collect-payment"},
		},
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionInvalidArgument, rejected.Type)
	assert.Contains(t, rejected.Reason, "duplicate mapping instruction")
}

func TestMigrateUnknownTargetDefinition(t *testing.T) {
	// given
	engine, _, _ := setupEngine(t)
	source := model.NewProcessBuilder("ordering").
		WithNoneStartEvent("order-placed").
		Build()
	deploy(t, engine, source)
	created, err := engine.CreateProcessInstance(t.Context(), record.ProcessInstanceCreationRecord{
		BpmnProcessId: "ordering",
	})
	require.NoError(t, err)

	// when
	err = engine.MigrateProcessInstance(t.Context(), record.ProcessInstanceMigrationRecord{
		ProcessInstanceKey:         created.ProcessInstanceKey,
		TargetProcessDefinitionKey: 4711,
	})

	// then
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, record.RejectionNotFound, rejected.Type)
}
