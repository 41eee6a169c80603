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

// processActivateElement activates one element instance. The command carries
// the fully resolved ProcessInstanceRecord, so no validation is left to do;
// failures coming out of the activation machinery are either enumerated
// conditions or engine bugs.
func (engine *Engine) processActivateElement(ctx context.Context, w *recordWriter, cmd *command) (*record.Rejection, error) {
	value, ok := cmd.value.(record.ProcessInstanceRecord)
	if !ok {
		return nil, fmt.Errorf("unexpected value of %s command: %T", cmd.intent, cmd.value)
	}

	// re-delivered activation commands are no-ops
	if _, err := engine.storage.FindElementInstanceByKey(ctx, cmd.key); err == nil {
		return nil, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	definition, err := engine.storage.FindProcessDefinitionByKey(ctx, value.ProcessDefinitionKey)
	if err != nil {
		return nil, fmt.Errorf("process definition %d of activated element '%s' not found: %w", value.ProcessDefinitionKey, value.ElementId, err)
	}
	element := definition.Process.ElementById(value.ElementId)
	if element == nil {
		return nil, fmt.Errorf("element '%s' not found in process definition %d", value.ElementId, definition.Key)
	}

	if err := engine.activateInstance(ctx, w, cmd.key, value, element); err != nil {
		if rejection, ok := rejectionForActivationError(err); ok {
			return &rejection, nil
		}
		return nil, err
	}
	return nil, nil
}

// processTerminateElement terminates one element instance. A missing instance
// is a no-op because a cascading termination may already have removed it. An
// instance with active children delegates the child walk to the batch
// terminate processor and finishes when the re-triggered command finds it
// childless.
func (engine *Engine) processTerminateElement(ctx context.Context, w *recordWriter, cmd *command) (*record.Rejection, error) {
	instance, err := engine.storage.FindElementInstanceByKey(ctx, cmd.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !instance.CanTerminate() {
		return nil, nil
	}

	if instance.State != runtime.ActivityStateTerminating {
		if err := w.AppendFollowUpEvent(ctx, instance.Key, record.ValueTypeProcessInstance, record.IntentElementTerminating, instance.Value); err != nil {
			return nil, err
		}
		instance.State = runtime.ActivityStateTerminating
	}

	if instance.CalledChildInstanceKey > 0 {
		child, err := engine.storage.FindProcessInstance(ctx, instance.CalledChildInstanceKey)
		if err == nil {
			// wait for the called child instance, its root termination
			// re-triggers this command
			return nil, w.AppendFollowUpCommand(child.Key, record.ValueTypeProcessInstance, record.IntentTerminateElement, child.Value)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	if instance.ActiveChildInstances > 0 {
		batch := record.ProcessInstanceBatchRecord{
			ProcessInstanceKey:      instance.Value.ProcessInstanceKey,
			BatchElementInstanceKey: instance.Key,
			TenantId:                instance.Value.TenantId,
		}
		return nil, w.AppendFollowUpCommand(engine.generateKey(), record.ValueTypeProcessInstanceBatch, record.IntentBatchTerminate, batch)
	}

	return nil, engine.finishTermination(ctx, w, instance)
}
