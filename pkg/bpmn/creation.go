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
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
	"github.com/flowcorehq/flowcore/pkg/storage"

	appotel "github.com/flowcorehq/flowcore/internal/otel"
)

// processCreateInstance is the fire-and-forget creation variant.
func (engine *Engine) processCreateInstance(ctx context.Context, w *recordWriter, cmd *command) (*record.Rejection, error) {
	return engine.createInstance(ctx, w, cmd, false)
}

// processCreateInstanceWithResult additionally parks await-result metadata
// keyed by the new instance, answered when the instance ends.
func (engine *Engine) processCreateInstanceWithResult(ctx context.Context, w *recordWriter, cmd *command) (*record.Rejection, error) {
	return engine.createInstance(ctx, w, cmd, true)
}

func (engine *Engine) createInstance(ctx context.Context, w *recordWriter, cmd *command, awaitResult bool) (*record.Rejection, error) {
	creation, ok := cmd.value.(record.ProcessInstanceCreationRecord)
	if !ok {
		return nil, fmt.Errorf("unexpected value of %s command: %T", cmd.intent, cmd.value)
	}
	creation.TenantId = tenantOrDefault(creation.TenantId)

	definition, rejection, err := engine.resolveCreationDefinition(ctx, creation)
	if err != nil {
		return nil, err
	}
	if rejection != nil {
		return rejection, nil
	}
	if rejection := rejectUnauthorizedTenant(ctx, cmd, definition.TenantId); rejection != nil {
		return rejection, nil
	}
	if rejection := validateStartInstructions(definition, creation.StartInstructions); rejection != nil {
		return rejection, nil
	}

	processInstanceKey := engine.generateKey()
	rootValue := record.ProcessInstanceRecord{
		BpmnProcessId:        definition.BpmnProcessId,
		Version:              definition.Version,
		ProcessDefinitionKey: definition.Key,
		ProcessInstanceKey:   processInstanceKey,
		ElementId:            definition.BpmnProcessId,
		BpmnElementType:      model.ElementTypeProcess,
		FlowScopeKey:         -1,
		TenantId:             definition.TenantId,
	}

	if err := engine.mergeLocalDocument(ctx, processInstanceKey, rootValue, creation.Variables); err != nil {
		return nil, err
	}

	if awaitResult {
		engine.awaitingResults[processInstanceKey] = record.ProcessInstanceResultRecord{
			ProcessInstanceKey: processInstanceKey,
			BpmnProcessId:      definition.BpmnProcessId,
			Version:            definition.Version,
			TenantId:           definition.TenantId,
			RequestId:          cmd.requestId,
			RequestStreamId:    cmd.requestStreamId,
			FetchVariables:     creation.FetchVariables,
		}
	}

	if len(creation.StartInstructions) == 0 {
		if err := w.AppendFollowUpCommand(processInstanceKey, record.ValueTypeProcessInstance, record.IntentActivateElement, rootValue); err != nil {
			return nil, err
		}
	} else {
		// start instructions need the root scope instance in place first
		root := definition.Process.Root
		if err := engine.activateInstance(ctx, w, processInstanceKey, rootValue, root); err != nil {
			return nil, err
		}
		rootInstance, err := engine.storage.FindElementInstanceByKey(ctx, processInstanceKey)
		if err != nil {
			return nil, err
		}
		for _, instruction := range creation.StartInstructions {
			_, err := engine.activateElementAt(ctx, w, definition, rootInstance, instruction.ElementId, 0, nil)
			if err != nil {
				// start-instruction-caused subscription conflicts are a user
				// error, not an engine fault
				if rejection, ok := rejectionForActivationError(err); ok {
					return &rejection, nil
				}
				return nil, err
			}
		}
	}

	created := creation
	created.ProcessInstanceKey = processInstanceKey
	created.ProcessDefinitionKey = definition.Key
	created.BpmnProcessId = definition.BpmnProcessId
	created.Version = definition.Version

	eventKey := engine.generateKey()
	if cmd.hasResponse && cmd.key > 0 {
		eventKey = cmd.key
	}
	if err := w.WriteEventOnCommand(ctx, cmd, eventKey, record.IntentCreated, created); err != nil {
		return nil, err
	}
	appotel.CreatedInstancesTotal.Add(ctx, 1)
	return nil, nil
}

// resolveCreationDefinition selects the target definition by key or by bpmn
// process id plus version, where a non-positive version selects the latest.
func (engine *Engine) resolveCreationDefinition(ctx context.Context, creation record.ProcessInstanceCreationRecord) (model.ProcessDefinition, *record.Rejection, error) {
	var none model.ProcessDefinition
	if creation.ProcessDefinitionKey > 0 {
		definition, err := engine.storage.FindProcessDefinitionByKey(ctx, creation.ProcessDefinitionKey)
		if errors.Is(err, storage.ErrNotFound) {
			rejection := record.Rejectionf(record.RejectionNotFound,
				"no process definition found with key %d", creation.ProcessDefinitionKey)
			return none, &rejection, nil
		}
		if err != nil {
			return none, nil, err
		}
		if definition.TenantId != creation.TenantId {
			rejection := record.Rejectionf(record.RejectionNotFound,
				"no process definition found with key %d", creation.ProcessDefinitionKey)
			return none, &rejection, nil
		}
		return definition, nil, nil
	}

	if creation.Version <= 0 {
		definition, err := engine.storage.FindLatestProcessDefinitionById(ctx, creation.BpmnProcessId, creation.TenantId)
		if errors.Is(err, storage.ErrNotFound) {
			rejection := record.Rejectionf(record.RejectionNotFound,
				"no process definition found for process id '%s'", creation.BpmnProcessId)
			return none, &rejection, nil
		}
		if err != nil {
			return none, nil, err
		}
		return definition, nil, nil
	}

	definitions, err := engine.storage.FindProcessDefinitionsById(ctx, creation.BpmnProcessId, creation.TenantId)
	if err != nil {
		return none, nil, err
	}
	for _, definition := range definitions {
		if definition.Version == creation.Version {
			return definition, nil, nil
		}
	}
	rejection := record.Rejectionf(record.RejectionNotFound,
		"no process definition found for process id '%s' with version %d", creation.BpmnProcessId, creation.Version)
	return none, &rejection, nil
}

func validateStartInstructions(definition model.ProcessDefinition, instructions []record.StartInstruction) *record.Rejection {
	if len(instructions) == 0 {
		if !definition.Process.HasNoneStartEvent {
			rejection := record.Rejectionf(record.RejectionInvalidState,
				"process '%s' has no none start event, provide start instructions", definition.BpmnProcessId)
			return &rejection
		}
		return nil
	}
	for _, instruction := range instructions {
		element := definition.Process.ElementById(instruction.ElementId)
		if element == nil {
			rejection := record.Rejectionf(record.RejectionInvalidArgument,
				"start instruction references element '%s' which does not exist in process '%s'",
				instruction.ElementId, definition.BpmnProcessId)
			return &rejection
		}
		if body := multiInstanceBodyAbove(element); body != nil {
			rejection := record.Rejectionf(record.RejectionInvalidArgument,
				"start instruction references element '%s' inside multi-instance body '%s', which is not supported",
				instruction.ElementId, body.Id)
			return &rejection
		}
		if rejection := rejectUnsupportedTargetType(element, "start instruction"); rejection != nil {
			return rejection
		}
	}
	return nil
}

// rejectUnsupportedTargetType refuses element kinds that cannot be activated
// directly: they either have no standalone runtime representation or their
// activation is owned by another behaviour.
func rejectUnsupportedTargetType(element *model.Element, usage string) *record.Rejection {
	switch element.Type {
	case model.ElementTypeUnspecified, model.ElementTypeStartEvent, model.ElementTypeSequenceFlow, model.ElementTypeBoundaryEvent:
		rejection := record.Rejectionf(record.RejectionInvalidArgument,
			"%s references element '%s' of unsupported type %s", usage, element.Id, element.Type)
		return &rejection
	}
	if element.ConnectedToEventBasedGateway {
		rejection := record.Rejectionf(record.RejectionInvalidArgument,
			"%s references element '%s' which belongs to an event-based gateway", usage, element.Id)
		return &rejection
	}
	return nil
}

// completeAwaitingResult answers a parked CREATE_WITH_AWAITING_RESULT caller
// when its instance root leaves the tree.
func (engine *Engine) completeAwaitingResult(ctx context.Context, w *recordWriter, root runtime.ElementInstance) error {
	result, ok := engine.awaitingResults[root.Key]
	if !ok {
		return nil
	}
	delete(engine.awaitingResults, root.Key)
	variables, err := engine.collectScopeVariables(ctx, root.Key, result.FetchVariables)
	if err != nil {
		return err
	}
	result.Variables = variables
	return w.AppendFollowUpEvent(ctx, engine.generateKey(), record.ValueTypeProcessInstanceResult, record.IntentCreated, result)
}
