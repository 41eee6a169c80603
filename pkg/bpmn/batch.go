// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
	"github.com/flowcorehq/flowcore/pkg/storage"
)

// processBatchActivate materializes one child activation of a multi-instance
// body per processed record. Index counts the remaining children; each run
// activates exactly one child and requeues itself with Index-1 until it
// appends the finishing ACTIVATED event. Other commands of the partition can
// interleave between the batches.
func (engine *Engine) processBatchActivate(ctx context.Context, w *recordWriter, cmd *command) (*record.Rejection, error) {
	batch, ok := cmd.value.(record.ProcessInstanceBatchRecord)
	if !ok {
		return nil, fmt.Errorf("unexpected value of batch %s command: %T", cmd.intent, cmd.value)
	}
	if batch.Index <= 0 {
		return nil, w.AppendFollowUpEvent(ctx, cmd.key, record.ValueTypeProcessInstanceBatch, record.IntentBatchActivated, batch)
	}

	parent, err := engine.storage.FindElementInstanceByKey(ctx, batch.BatchElementInstanceKey)
	if err != nil {
		return nil, fmt.Errorf("batch element instance %d not found: %w", batch.BatchElementInstanceKey, err)
	}
	definition, err := engine.storage.FindProcessDefinitionByKey(ctx, parent.Value.ProcessDefinitionKey)
	if err != nil {
		return nil, fmt.Errorf("process definition %d of batch element instance %d not found: %w",
			parent.Value.ProcessDefinitionKey, parent.Key, err)
	}
	body := definition.Process.ElementById(parent.Value.ElementId)
	if body == nil || body.InnerActivity == nil {
		return nil, fmt.Errorf("element '%s' of batch element instance %d is not a multi-instance body",
			parent.Value.ElementId, parent.Key)
	}

	childValue := parent.Value
	childValue.ElementId = body.InnerActivity.Id
	childValue.BpmnElementType = body.InnerActivity.Type
	childValue.BpmnEventType = body.InnerActivity.EventType
	childValue.FlowScopeKey = parent.Key
	if err := w.AppendFollowUpCommand(engine.generateKey(), record.ValueTypeProcessInstance, record.IntentActivateElement, childValue); err != nil {
		return nil, err
	}

	if batch.Index-1 == 0 {
		return nil, w.AppendFollowUpEvent(ctx, cmd.key, record.ValueTypeProcessInstanceBatch, record.IntentBatchActivated, batch)
	}
	next := batch
	next.Index--
	return nil, w.AppendFollowUpCommand(cmd.key, record.ValueTypeProcessInstanceBatch, record.IntentBatchActivate, next)
}

// processBatchTerminate walks the children of the batch scope from the
// cursor and appends one TERMINATE_ELEMENT command per child while the
// serialized commands still fit under the record size bound. When the bound
// is hit the walk stops and a follow-up batch command resumes at the child
// that did not fit.
func (engine *Engine) processBatchTerminate(ctx context.Context, w *recordWriter, cmd *command) (*record.Rejection, error) {
	batch, ok := cmd.value.(record.ProcessInstanceBatchRecord)
	if !ok {
		return nil, fmt.Errorf("unexpected value of batch %s command: %T", cmd.intent, cmd.value)
	}

	batchLength := estimateValueLength(batch)
	visited := 0
	lastAppendedKey := batch.Index
	stopped := false
	var walkErr error

	err := engine.storage.VisitChildren(ctx, batch.BatchElementInstanceKey, batch.Index, func(child runtime.ElementInstance) bool {
		if !w.CanWriteCommandOfLength(estimateValueLength(child.Value) + batchLength) {
			stopped = true
			return false
		}
		if child.CanTerminate() {
			if err := w.AppendFollowUpCommand(child.Key, record.ValueTypeProcessInstance, record.IntentTerminateElement, child.Value); err != nil {
				walkErr = err
				return false
			}
		}
		visited++
		lastAppendedKey = child.Key
		return true
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}

	if stopped {
		next := batch
		next.Index = lastAppendedKey
		return nil, w.AppendFollowUpCommand(cmd.key, record.ValueTypeProcessInstanceBatch, record.IntentBatchTerminate, next)
	}
	if visited == 0 {
		if err := w.AppendFollowUpEvent(ctx, cmd.key, record.ValueTypeProcessInstanceBatch, record.IntentBatchTerminated, batch); err != nil {
			return nil, err
		}
		// nothing re-triggers an already childless scope, finish it directly
		return nil, engine.retriggerTerminatingScope(ctx, w, batch.BatchElementInstanceKey)
	}
	return nil, nil
}
