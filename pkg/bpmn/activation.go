// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowcorehq/flowcore/pkg/bpmn/model"
	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
	"github.com/flowcorehq/flowcore/pkg/storage"
)

// activationResult reports what activating an element at a position in the
// tree produced: the key of the activation command appended for the target
// and the flow scope instance keys that were created or reused for it.
type activationResult struct {
	targetKey        int64
	scopeKeys        []int64
	createdScopeKeys map[int64]bool
}

// activateElementAt prepares the flow scope chain for one element and appends
// the ACTIVATE_ELEMENT command for it. Missing flow scope instances between
// the resolved ancestor and the target are created on the way. The enumerated
// activation errors surface unwrapped so the processor boundary can convert
// them.
func (engine *Engine) activateElementAt(
	ctx context.Context,
	w *recordWriter,
	definition model.ProcessDefinition,
	rootInstance runtime.ElementInstance,
	targetElementId string,
	ancestorScopeKey int64,
	variableInstructions []record.VariableInstruction,
) (*activationResult, error) {
	element := definition.Process.ElementById(targetElementId)
	if element == nil {
		return nil, fmt.Errorf("element '%s' not found in process definition %d", targetElementId, definition.Key)
	}
	if body := multiInstanceBodyAbove(element); body != nil {
		return nil, &UnsupportedMultiInstanceBodyActivationError{ElementId: targetElementId, BodyId: body.Id}
	}

	// scope chain from the target's direct flow scope up to the process root
	var chain []*model.Element
	for scope := element.FlowScope; scope != nil; scope = scope.FlowScope {
		chain = append(chain, scope)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("element '%s' has no flow scope, only the process root has none", targetElementId)
	}

	anchor, missing, err := engine.resolveFlowScopeAnchor(ctx, rootInstance, chain, ancestorScopeKey)
	if err != nil {
		return nil, err
	}

	result := &activationResult{
		scopeKeys:        []int64{anchor.Key},
		createdScopeKeys: map[int64]bool{},
	}
	scopeKeyByElementId := map[string]int64{anchor.Value.ElementId: anchor.Key}

	// create missing scopes top-down under the anchor
	parentKey := anchor.Key
	for i := len(missing) - 1; i >= 0; i-- {
		scopeElement := missing[i]
		scopeKey := engine.generateKey()
		scopeValue := rootInstance.Value
		scopeValue.ElementId = scopeElement.Id
		scopeValue.BpmnElementType = scopeElement.Type
		scopeValue.BpmnEventType = scopeElement.EventType
		scopeValue.FlowScopeKey = parentKey
		scopeValue.ParentProcessInstanceKey = 0
		scopeValue.ParentElementInstanceKey = 0
		if err := engine.activateInstance(ctx, w, scopeKey, scopeValue, scopeElement); err != nil {
			return nil, err
		}
		result.scopeKeys = append(result.scopeKeys, scopeKey)
		result.createdScopeKeys[scopeKey] = true
		scopeKeyByElementId[scopeElement.Id] = scopeKey
		parentKey = scopeKey
	}

	result.targetKey = engine.generateKey()

	for _, instruction := range variableInstructions {
		scopeKey, err := engine.resolveVariableScopeKey(ctx, instruction.ElementId, targetElementId, result.targetKey, rootInstance, anchor, scopeKeyByElementId)
		if err != nil {
			return nil, err
		}
		if err := engine.mergeLocalDocument(ctx, scopeKey, rootInstance.Value, instruction.Variables); err != nil {
			return nil, err
		}
	}

	targetValue := rootInstance.Value
	targetValue.ElementId = element.Id
	targetValue.BpmnElementType = element.Type
	targetValue.BpmnEventType = element.EventType
	targetValue.FlowScopeKey = parentKey
	targetValue.ParentProcessInstanceKey = 0
	targetValue.ParentElementInstanceKey = 0
	if err := w.AppendFollowUpCommand(result.targetKey, record.ValueTypeProcessInstance, record.IntentActivateElement, targetValue); err != nil {
		return nil, err
	}
	return result, nil
}

// resolveFlowScopeAnchor finds the deepest existing flow scope instance the
// activation can attach to and the scope elements that still need instances,
// ordered bottom-up.
func (engine *Engine) resolveFlowScopeAnchor(
	ctx context.Context,
	rootInstance runtime.ElementInstance,
	chain []*model.Element,
	ancestorScopeKey int64,
) (runtime.ElementInstance, []*model.Element, error) {
	if ancestorScopeKey > 0 {
		anchor, err := engine.storage.FindElementInstanceByKey(ctx, ancestorScopeKey)
		if err != nil {
			return runtime.ElementInstance{}, nil, fmt.Errorf("ancestor scope %d not found: %w", ancestorScopeKey, err)
		}
		for i, scopeElement := range chain {
			if scopeElement.Id == anchor.Value.ElementId {
				return anchor, chain[:i], nil
			}
		}
		return runtime.ElementInstance{}, nil, fmt.Errorf("element instance %d ('%s') is not a flow scope ancestor of the activated element",
			ancestorScopeKey, anchor.Value.ElementId)
	}

	for i, scopeElement := range chain {
		if scopeElement.FlowScope == nil {
			// the process root instance always exists
			return rootInstance, chain[:i], nil
		}
		instances, err := engine.findActiveElementInstances(ctx, rootInstance.Key, scopeElement.Id)
		if err != nil {
			return runtime.ElementInstance{}, nil, err
		}
		switch len(instances) {
		case 0:
			continue
		case 1:
			return instances[0], chain[:i], nil
		default:
			return runtime.ElementInstance{}, nil, &MultipleFlowScopeInstancesError{FlowScopeId: scopeElement.Id}
		}
	}
	return rootInstance, chain[:len(chain)-1], nil
}

func (engine *Engine) resolveVariableScopeKey(
	ctx context.Context,
	instructionElementId string,
	targetElementId string,
	targetKey int64,
	rootInstance runtime.ElementInstance,
	anchor runtime.ElementInstance,
	scopeKeyByElementId map[string]int64,
) (int64, error) {
	if instructionElementId == "" {
		return rootInstance.Key, nil
	}
	if instructionElementId == targetElementId {
		return targetKey, nil
	}
	if key, ok := scopeKeyByElementId[instructionElementId]; ok {
		return key, nil
	}
	// the scope may be an ancestor above the anchor
	current := anchor
	for current.Value.FlowScopeKey != -1 {
		parent, err := engine.storage.FindElementInstanceByKey(ctx, current.Value.FlowScopeKey)
		if err != nil {
			return 0, err
		}
		if parent.Value.ElementId == instructionElementId {
			return parent.Key, nil
		}
		current = parent
	}
	return 0, fmt.Errorf("variable instruction references element '%s' which is not a flow scope of '%s'", instructionElementId, targetElementId)
}

// activateInstance runs the lifecycle of one element instance activation:
// the ACTIVATING event, catch event subscriptions, job or user task creation
// and the ACTIVATED event.
func (engine *Engine) activateInstance(ctx context.Context, w *recordWriter, key int64, value record.ProcessInstanceRecord, element *model.Element) error {
	if err := w.AppendFollowUpEvent(ctx, key, record.ValueTypeProcessInstance, record.IntentElementActivating, value); err != nil {
		return err
	}
	instance, err := engine.storage.FindElementInstanceByKey(ctx, key)
	if err != nil {
		return err
	}
	if err := engine.subscribeToCatchEvents(ctx, &instance, element, nil); err != nil {
		return err
	}
	if element.JobType != "" {
		jobKey := engine.generateKey()
		err := engine.storage.SaveJob(ctx, runtime.Job{
			Key:                  jobKey,
			Type:                 element.JobType,
			ElementId:            element.Id,
			ElementInstanceKey:   key,
			ProcessInstanceKey:   value.ProcessInstanceKey,
			ProcessDefinitionKey: value.ProcessDefinitionKey,
			Version:              value.Version,
			BpmnProcessId:        value.BpmnProcessId,
			State:                runtime.ActivityStateActive,
			CreatedAt:            time.Now(),
		})
		if err != nil {
			return err
		}
		if err := engine.updateElementInstance(ctx, key, func(i *runtime.ElementInstance) { i.JobKey = jobKey }); err != nil {
			return err
		}
	}
	if element.Type == model.ElementTypeUserTask && element.UserTaskImplementation == model.UserTaskImplementationNative {
		userTaskKey := engine.generateKey()
		err := engine.storage.SaveUserTask(ctx, runtime.UserTask{
			Key:                  userTaskKey,
			ElementId:            element.Id,
			ElementInstanceKey:   key,
			ProcessInstanceKey:   value.ProcessInstanceKey,
			ProcessDefinitionKey: value.ProcessDefinitionKey,
			Version:              value.Version,
			BpmnProcessId:        value.BpmnProcessId,
		})
		if err != nil {
			return err
		}
		if err := engine.updateElementInstance(ctx, key, func(i *runtime.ElementInstance) { i.UserTaskKey = userTaskKey }); err != nil {
			return err
		}
	}
	return w.AppendFollowUpEvent(ctx, key, record.ValueTypeProcessInstance, record.IntentElementActivated, value)
}

// findActiveElementInstances returns the active instances of one element id
// within a process instance.
func (engine *Engine) findActiveElementInstances(ctx context.Context, processInstanceKey int64, elementId string) ([]runtime.ElementInstance, error) {
	instances, err := engine.storage.FindProcessInstanceElementInstances(ctx, processInstanceKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	var matching []runtime.ElementInstance
	for _, instance := range instances {
		if instance.Value.ElementId == elementId && instance.IsActive() {
			matching = append(matching, instance)
		}
	}
	return matching, nil
}

// multiInstanceBodyAbove returns the enclosing multi-instance body of an
// element, nil if there is none. Direct activation inside a multi-instance
// body is not supported because the loop counter and input collection state
// live on the body.
func multiInstanceBodyAbove(element *model.Element) *model.Element {
	for scope := element.FlowScope; scope != nil; scope = scope.FlowScope {
		if scope.Type == model.ElementTypeMultiInstanceBody {
			return scope
		}
	}
	return nil
}
