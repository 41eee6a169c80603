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

// processModifyInstance applies ad-hoc activate/terminate/move instructions
// to a running process instance. Move instructions are desugared into an
// activate plus a terminate pair first; the fully expanded instruction list
// is validated as a whole, executed, and appended as the MODIFIED event.
func (engine *Engine) processModifyInstance(ctx context.Context, w *recordWriter, cmd *command) (*record.Rejection, error) {
	modification, ok := cmd.value.(record.ProcessInstanceModificationRecord)
	if !ok {
		return nil, fmt.Errorf("unexpected value of %s command: %T", cmd.intent, cmd.value)
	}
	notFound := record.Rejectionf(record.RejectionNotFound,
		"no running process instance found with key %d", modification.ProcessInstanceKey)

	rootInstance, err := engine.storage.FindProcessInstance(ctx, modification.ProcessInstanceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return &notFound, nil
	}
	if err != nil {
		return nil, err
	}
	if rejection := rejectHiddenTenantResource(ctx, cmd, rootInstance.Value.TenantId, notFound); rejection != nil {
		return rejection, nil
	}
	definition, err := engine.storage.FindProcessDefinitionByKey(ctx, rootInstance.Value.ProcessDefinitionKey)
	if err != nil {
		return nil, fmt.Errorf("process definition %d of instance %d not found: %w",
			rootInstance.Value.ProcessDefinitionKey, rootInstance.Key, err)
	}

	if rejection := validateModificationShape(modification); rejection != nil {
		return rejection, nil
	}

	expanded, rejection, err := engine.expandModification(ctx, definition, rootInstance, modification)
	if err != nil {
		return nil, err
	}
	if rejection != nil {
		return rejection, nil
	}
	if rejection, err := engine.validateExpandedModification(ctx, definition, rootInstance, expanded); rejection != nil || err != nil {
		return rejection, err
	}

	requiredScopeKeys := map[int64]bool{}
	for _, activate := range expanded.activates {
		result, err := engine.activateElementAt(ctx, w, definition, rootInstance,
			activate.ElementId, activate.AncestorScopeKey, activate.VariableInstructions)
		if err != nil {
			if rejection, ok := rejectionForActivationError(err); ok {
				return &rejection, nil
			}
			return nil, err
		}
		activate.AncestorScopeKeys = result.scopeKeys
		for _, key := range result.scopeKeys {
			requiredScopeKeys[key] = true
		}
		requiredScopeKeys[result.targetKey] = true
	}

	for _, terminate := range expanded.terminates {
		instance, err := engine.storage.FindElementInstanceByKey(ctx, terminate.ElementInstanceKey)
		if errors.Is(err, storage.ErrNotFound) {
			// a cascade earlier in this command already removed it
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := engine.terminateInstanceTree(ctx, w, instance, requiredScopeKeys); err != nil {
			if rejection, ok := rejectionForActivationError(err); ok {
				return &rejection, nil
			}
			return nil, err
		}
	}

	modified := record.ProcessInstanceModificationRecord{
		ProcessInstanceKey:    modification.ProcessInstanceKey,
		ActivateInstructions:  expanded.activates,
		TerminateInstructions: expanded.terminates,
	}
	if err := w.WriteEventOnCommand(ctx, cmd, rootInstance.Key, record.IntentModified, modified); err != nil {
		return nil, err
	}
	appotel.ModifiedInstancesTotal.Add(ctx, 1)
	return nil, nil
}

// expandedModification is the instruction set after move desugaring: only
// activates and key-resolved terminates remain.
type expandedModification struct {
	activates  []*record.ModificationActivateInstruction
	terminates []*record.ModificationTerminateInstruction
}

func validateModificationShape(modification record.ProcessInstanceModificationRecord) *record.Rejection {
	for _, terminate := range modification.TerminateInstructions {
		hasKey := terminate.ElementInstanceKey > 0
		hasId := terminate.ElementId != ""
		if hasKey == hasId {
			rejection := record.Rejectionf(record.RejectionInvalidArgument,
				"a terminate instruction must specify either an element instance key or an element id, not both and not neither")
			return &rejection
		}
	}
	seenSources := map[string]bool{}
	for _, move := range modification.MoveInstructions {
		if move.TargetElementId == "" {
			rejection := record.Rejectionf(record.RejectionInvalidArgument,
				"a move instruction must specify a target element id")
			return &rejection
		}
		hasSourceId := move.SourceElementId != ""
		hasSourceKey := move.SourceElementInstanceKey > 0
		if hasSourceId == hasSourceKey {
			rejection := record.Rejectionf(record.RejectionInvalidArgument,
				"a move instruction must specify either a source element id or a source element instance key, not both and not neither")
			return &rejection
		}
		if hasSourceId {
			if seenSources[move.SourceElementId] {
				rejection := record.Rejectionf(record.RejectionInvalidArgument,
					"duplicate move instruction for source element '%s'", move.SourceElementId)
				return &rejection
			}
			seenSources[move.SourceElementId] = true
		}
		strategies := 0
		if move.AncestorScopeKey > 0 {
			strategies++
		}
		if move.InferAncestorScope {
			strategies++
		}
		if move.UseSourceParentAsAncestor {
			strategies++
		}
		if strategies > 1 {
			rejection := record.Rejectionf(record.RejectionInvalidArgument,
				"a move instruction must use at most one ancestor resolution strategy")
			return &rejection
		}
	}
	return nil
}

// expandModification desugars move instructions. Moves addressed by instance
// key resolve immediately; moves and terminations addressed by element id
// resolve by walking the live tree from the root, skipping the descendants of
// instances already slated for termination.
func (engine *Engine) expandModification(
	ctx context.Context,
	definition model.ProcessDefinition,
	rootInstance runtime.ElementInstance,
	modification record.ProcessInstanceModificationRecord,
) (*expandedModification, *record.Rejection, error) {
	expanded := &expandedModification{}
	for _, activate := range modification.ActivateInstructions {
		copied := *activate
		expanded.activates = append(expanded.activates, &copied)
	}

	moveBySourceId := map[string]*record.ModificationMoveInstruction{}
	terminateById := map[string]bool{}
	for _, terminate := range modification.TerminateInstructions {
		if terminate.ElementInstanceKey > 0 {
			copied := *terminate
			expanded.terminates = append(expanded.terminates, &copied)
			continue
		}
		terminateById[terminate.ElementId] = true
	}

	for _, move := range modification.MoveInstructions {
		if move.SourceElementInstanceKey > 0 {
			source, err := engine.storage.FindElementInstanceByKey(ctx, move.SourceElementInstanceKey)
			if errors.Is(err, storage.ErrNotFound) {
				rejection := record.Rejectionf(record.RejectionInvalidArgument,
					"move instruction references element instance %d which does not exist", move.SourceElementInstanceKey)
				return nil, &rejection, nil
			}
			if err != nil {
				return nil, nil, err
			}
			if rejection, err := engine.appendDesugaredMove(ctx, definition, expanded, move, source); rejection != nil || err != nil {
				return nil, rejection, err
			}
			continue
		}
		moveBySourceId[move.SourceElementId] = move
	}

	if len(moveBySourceId) > 0 || len(terminateById) > 0 {
		// iterative walk, terminated subtrees are not descended into
		queue := []int64{rootInstance.Key}
		for len(queue) > 0 {
			parentKey := queue[0]
			queue = queue[1:]
			children, err := engine.storage.FindElementInstanceChildren(ctx, parentKey)
			if err != nil {
				return nil, nil, err
			}
			for _, child := range children {
				if !child.CanTerminate() {
					continue
				}
				if move, ok := moveBySourceId[child.Value.ElementId]; ok {
					if rejection, err := engine.appendDesugaredMove(ctx, definition, expanded, move, child); rejection != nil || err != nil {
						return nil, rejection, err
					}
					continue
				}
				if terminateById[child.Value.ElementId] {
					expanded.terminates = append(expanded.terminates, &record.ModificationTerminateInstruction{
						ElementInstanceKey: child.Key,
					})
					continue
				}
				queue = append(queue, child.Key)
			}
		}
	}
	return expanded, nil, nil
}

func (engine *Engine) appendDesugaredMove(
	ctx context.Context,
	definition model.ProcessDefinition,
	expanded *expandedModification,
	move *record.ModificationMoveInstruction,
	source runtime.ElementInstance,
) (*record.Rejection, error) {
	targetElement := definition.Process.ElementById(move.TargetElementId)
	if targetElement == nil {
		rejection := record.Rejectionf(record.RejectionInvalidArgument,
			"move instruction references target element '%s' which does not exist in process '%s'",
			move.TargetElementId, definition.BpmnProcessId)
		return &rejection, nil
	}

	ancestorScopeKey := move.AncestorScopeKey
	switch {
	case move.UseSourceParentAsAncestor:
		ancestorScopeKey = source.Value.FlowScopeKey
	case move.InferAncestorScope:
		inferred, err := engine.inferAncestorScopeKey(ctx, source, targetElement)
		if err != nil {
			return nil, err
		}
		ancestorScopeKey = inferred
	}

	expanded.activates = append(expanded.activates, &record.ModificationActivateInstruction{
		ElementId:            move.TargetElementId,
		AncestorScopeKey:     ancestorScopeKey,
		VariableInstructions: move.VariableInstructions,
	})
	expanded.terminates = append(expanded.terminates, &record.ModificationTerminateInstruction{
		ElementInstanceKey: source.Key,
	})
	return nil, nil
}

// inferAncestorScopeKey resolves the ancestor for a move from the source's
// hierarchy. Fast path: the source's direct parent already is the target's
// flow scope. Slow path: the first source ancestor whose element id occurs
// anywhere in the target's scope chain. No match leaves the ancestor open and
// lets the activation create new scopes.
func (engine *Engine) inferAncestorScopeKey(ctx context.Context, source runtime.ElementInstance, targetElement *model.Element) (int64, error) {
	if source.Value.FlowScopeKey == -1 {
		return 0, nil
	}
	parent, err := engine.storage.FindElementInstanceByKey(ctx, source.Value.FlowScopeKey)
	if err != nil {
		return 0, err
	}
	if parent.Value.ElementId == targetElement.FlowScopeId() {
		return parent.Key, nil
	}

	targetScopeIds := map[string]bool{}
	for scope := targetElement.FlowScope; scope != nil; scope = scope.FlowScope {
		targetScopeIds[scope.Id] = true
	}
	current := parent
	for {
		if targetScopeIds[current.Value.ElementId] {
			return current.Key, nil
		}
		if current.Value.FlowScopeKey == -1 {
			return 0, nil
		}
		current, err = engine.storage.FindElementInstanceByKey(ctx, current.Value.FlowScopeKey)
		if err != nil {
			return 0, err
		}
	}
}

// validateExpandedModification checks the desugared instruction set against
// the definition and the live tree before anything is mutated.
func (engine *Engine) validateExpandedModification(
	ctx context.Context,
	definition model.ProcessDefinition,
	rootInstance runtime.ElementInstance,
	expanded *expandedModification,
) (*record.Rejection, error) {
	terminatedKeys := map[int64]bool{}
	for _, terminate := range expanded.terminates {
		terminatedKeys[terminate.ElementInstanceKey] = true
	}

	for _, activate := range expanded.activates {
		element := definition.Process.ElementById(activate.ElementId)
		if element == nil {
			rejection := record.Rejectionf(record.RejectionInvalidArgument,
				"activate instruction references element '%s' which does not exist in process '%s'",
				activate.ElementId, definition.BpmnProcessId)
			return &rejection, nil
		}
		if rejection := rejectUnsupportedTargetType(element, "activate instruction"); rejection != nil {
			return rejection, nil
		}
		if activate.AncestorScopeKey > 0 {
			if rejection, err := engine.validateExplicitAncestor(ctx, rootInstance, element, activate.AncestorScopeKey); rejection != nil || err != nil {
				return rejection, err
			}
		} else {
			if rejection, err := engine.rejectConcurrentlyTerminatedScope(ctx, rootInstance, element, terminatedKeys); rejection != nil || err != nil {
				return rejection, err
			}
		}
		for _, instruction := range activate.VariableInstructions {
			if rejection := validateVariableInstructionScope(definition, element, instruction); rejection != nil {
				return rejection, nil
			}
		}
	}

	// terminate instructions referencing an instance that no longer exists
	// are not validated here: a concurrent cascade may legitimately have
	// removed the instance already, execution skips those as no-ops
	return nil, nil
}

func (engine *Engine) validateExplicitAncestor(ctx context.Context, rootInstance runtime.ElementInstance, element *model.Element, ancestorScopeKey int64) (*record.Rejection, error) {
	ancestor, err := engine.storage.FindElementInstanceByKey(ctx, ancestorScopeKey)
	if errors.Is(err, storage.ErrNotFound) {
		rejection := record.Rejectionf(record.RejectionInvalidArgument,
			"ancestor scope key %d does not reference an existing element instance", ancestorScopeKey)
		return &rejection, nil
	}
	if err != nil {
		return nil, err
	}
	if ancestor.Value.ProcessInstanceKey != rootInstance.Key {
		rejection := record.Rejectionf(record.RejectionInvalidArgument,
			"ancestor scope key %d belongs to process instance %d, not %d",
			ancestorScopeKey, ancestor.Value.ProcessInstanceKey, rootInstance.Key)
		return &rejection, nil
	}
	for scope := element.FlowScope; scope != nil; scope = scope.FlowScope {
		if scope.Id == ancestor.Value.ElementId {
			return nil, nil
		}
	}
	rejection := record.Rejectionf(record.RejectionInvalidArgument,
		"element instance %d ('%s') is not a flow scope ancestor of element '%s'",
		ancestorScopeKey, ancestor.Value.ElementId, element.Id)
	return &rejection, nil
}

// rejectConcurrentlyTerminatedScope refuses activating into a flow scope
// instance the same command terminates, unless an explicit ancestor override
// was given.
func (engine *Engine) rejectConcurrentlyTerminatedScope(ctx context.Context, rootInstance runtime.ElementInstance, element *model.Element, terminatedKeys map[int64]bool) (*record.Rejection, error) {
	for scope := element.FlowScope; scope != nil; scope = scope.FlowScope {
		instances, err := engine.findActiveElementInstances(ctx, rootInstance.Key, scope.Id)
		if err != nil {
			return nil, err
		}
		for _, instance := range instances {
			if terminatedKeys[instance.Key] {
				rejection := record.Rejectionf(record.RejectionInvalidState,
					"element '%s' cannot be activated because its flow scope instance %d ('%s') is terminated by the same command; "+
						"provide an ancestor scope key to override", element.Id, instance.Key, scope.Id)
				return &rejection, nil
			}
		}
	}
	return nil, nil
}

func validateVariableInstructionScope(definition model.ProcessDefinition, element *model.Element, instruction record.VariableInstruction) *record.Rejection {
	if instruction.ElementId == "" || instruction.ElementId == element.Id {
		return nil
	}
	if definition.Process.ElementById(instruction.ElementId) == nil {
		rejection := record.Rejectionf(record.RejectionInvalidArgument,
			"variable instruction references element '%s' which does not exist in process '%s'",
			instruction.ElementId, definition.BpmnProcessId)
		return &rejection
	}
	for scope := element.FlowScope; scope != nil; scope = scope.FlowScope {
		if scope.Id == instruction.ElementId {
			return nil
		}
	}
	rejection := record.Rejectionf(record.RejectionInvalidArgument,
		"variable instruction references element '%s' which is not a flow scope of element '%s'",
		instruction.ElementId, element.Id)
	return &rejection
}