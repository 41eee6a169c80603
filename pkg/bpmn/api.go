// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowcorehq/flowcore/pkg/bpmn/model"
	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
	"github.com/flowcorehq/flowcore/pkg/storage"
)

// CreateProcessInstance creates and starts a process instance. The returned
// record carries the generated process instance key.
func (engine *Engine) CreateProcessInstance(ctx context.Context, creation record.ProcessInstanceCreationRecord) (record.ProcessInstanceCreationRecord, error) {
	response, err := engine.submit(ctx, command{
		key:       engine.generateKey(),
		valueType: record.ValueTypeProcessInstanceCreation,
		intent:    record.IntentCreate,
		value:     creation,
	})
	if err != nil {
		return record.ProcessInstanceCreationRecord{}, err
	}
	created, ok := response.Value.(record.ProcessInstanceCreationRecord)
	if !ok {
		return record.ProcessInstanceCreationRecord{}, fmt.Errorf("unexpected creation response value: %T", response.Value)
	}
	return created, nil
}

// CreateProcessInstanceWithResult creates a process instance and parks the
// caller's request metadata; the result record is appended to the log when
// the instance ends.
func (engine *Engine) CreateProcessInstanceWithResult(ctx context.Context, creation record.ProcessInstanceCreationRecord) (record.ProcessInstanceCreationRecord, error) {
	response, err := engine.submit(ctx, command{
		key:       engine.generateKey(),
		valueType: record.ValueTypeProcessInstanceCreation,
		intent:    record.IntentCreateWithAwaitingResult,
		value:     creation,
	})
	if err != nil {
		return record.ProcessInstanceCreationRecord{}, err
	}
	created, ok := response.Value.(record.ProcessInstanceCreationRecord)
	if !ok {
		return record.ProcessInstanceCreationRecord{}, fmt.Errorf("unexpected creation response value: %T", response.Value)
	}
	return created, nil
}

// CancelProcessInstance terminates a root process instance. The call returns
// once termination started, completion is asynchronous.
func (engine *Engine) CancelProcessInstance(ctx context.Context, processInstanceKey int64) error {
	_, err := engine.submit(ctx, command{
		key:       processInstanceKey,
		valueType: record.ValueTypeProcessInstance,
		intent:    record.IntentCancel,
	})
	return err
}

// ModifyProcessInstance applies activate/terminate/move instructions to a
// running instance and returns the expanded instruction set of the MODIFIED
// event.
func (engine *Engine) ModifyProcessInstance(ctx context.Context, modification record.ProcessInstanceModificationRecord) (record.ProcessInstanceModificationRecord, error) {
	response, err := engine.submit(ctx, command{
		key:       modification.ProcessInstanceKey,
		valueType: record.ValueTypeProcessInstanceModification,
		intent:    record.IntentModify,
		value:     modification,
	})
	if err != nil {
		return record.ProcessInstanceModificationRecord{}, err
	}
	modified, ok := response.Value.(record.ProcessInstanceModificationRecord)
	if !ok {
		return record.ProcessInstanceModificationRecord{}, fmt.Errorf("unexpected modification response value: %T", response.Value)
	}
	return modified, nil
}

// MigrateProcessInstance remaps a running instance onto another deployed
// definition version.
func (engine *Engine) MigrateProcessInstance(ctx context.Context, migration record.ProcessInstanceMigrationRecord) error {
	_, err := engine.submit(ctx, command{
		key:       migration.ProcessInstanceKey,
		valueType: record.ValueTypeProcessInstanceMigration,
		intent:    record.IntentMigrate,
		value:     migration,
	})
	return err
}

// DeployProcessDefinition stores a parsed process as the next version of its
// bpmn process id and returns the stored definition. The write goes through a
// storage batch so multi-statement backends persist it atomically.
func (engine *Engine) DeployProcessDefinition(ctx context.Context, process *model.ExecutableProcess, tenantId string) (model.ProcessDefinition, error) {
	tenantId = tenantOrDefault(tenantId)
	version := int32(1)
	latest, err := engine.storage.FindLatestProcessDefinitionById(ctx, process.BpmnProcessId, tenantId)
	if err == nil {
		version = latest.Version + 1
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.ProcessDefinition{}, err
	}

	definition := model.ProcessDefinition{
		Key:           engine.generateKey(),
		BpmnProcessId: process.BpmnProcessId,
		Version:       version,
		TenantId:      tenantId,
		Process:       process,
	}
	batch := engine.storage.NewBatch()
	if err := batch.SaveProcessDefinition(ctx, definition); err != nil {
		return model.ProcessDefinition{}, err
	}
	if err := batch.Flush(ctx); err != nil {
		return model.ProcessDefinition{}, fmt.Errorf("failed to store process definition '%s' version %d: %w", process.BpmnProcessId, version, err)
	}
	engine.logger.Info("deployed process definition",
		"bpmnProcessId", process.BpmnProcessId, "version", version, "key", definition.Key)
	return definition, nil
}

// ActivateElementBatch starts a batch activation of count children under a
// multi-instance body element instance. Exposed for the element execution
// logic that owns multi-instance semantics.
func (engine *Engine) ActivateElementBatch(ctx context.Context, processInstanceKey, batchElementInstanceKey, count int64) error {
	_, err := engine.processCommand(ctx, command{
		key:       engine.generateKey(),
		valueType: record.ValueTypeProcessInstanceBatch,
		intent:    record.IntentBatchActivate,
		value: record.ProcessInstanceBatchRecord{
			ProcessInstanceKey:      processInstanceKey,
			BatchElementInstanceKey: batchElementInstanceKey,
			Index:                   count,
		},
		internal: true,
	})
	return err
}
