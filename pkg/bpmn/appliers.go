// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
	"github.com/flowcorehq/flowcore/pkg/storage"
)

// applyEvent mutates the state store for one appended event. Only process
// instance lifecycle events carry state transitions of the element instance
// tree; all other events are informational and reach the exporters unchanged.
func (engine *Engine) applyEvent(ctx context.Context, rec record.Record) error {
	if rec.ValueType != record.ValueTypeProcessInstance {
		return nil
	}
	switch rec.Intent {
	case record.IntentElementActivating:
		return engine.applyElementActivating(ctx, rec)
	case record.IntentElementActivated:
		return engine.applyElementStateChange(ctx, rec.Key, runtime.ActivityStateActive)
	case record.IntentElementCompleting:
		return engine.applyElementStateChange(ctx, rec.Key, runtime.ActivityStateCompleting)
	case record.IntentElementTerminating:
		return engine.applyElementStateChange(ctx, rec.Key, runtime.ActivityStateTerminating)
	case record.IntentElementCompleted, record.IntentElementTerminated:
		return engine.applyElementRemoved(ctx, rec)
	case record.IntentElementMigrated, record.IntentAncestorMigrated:
		return engine.applyElementMigrated(ctx, rec)
	case record.IntentSequenceFlowTaken:
		return engine.applySequenceFlowTaken(ctx, rec)
	case record.IntentSequenceFlowDeleted:
		return engine.applySequenceFlowDeleted(ctx, rec)
	}
	return nil
}

func processInstanceValue(rec record.Record) (record.ProcessInstanceRecord, error) {
	value, ok := rec.Value.(record.ProcessInstanceRecord)
	if !ok {
		return record.ProcessInstanceRecord{}, fmt.Errorf("unexpected value of %s event for key %d: %T", rec.Intent, rec.Key, rec.Value)
	}
	return value, nil
}

func (engine *Engine) applyElementActivating(ctx context.Context, rec record.Record) error {
	value, err := processInstanceValue(rec)
	if err != nil {
		return err
	}
	instance := runtime.ElementInstance{
		Key:   rec.Key,
		State: runtime.ActivityStateActivating,
		Value: value,
	}
	if err := engine.storage.SaveElementInstance(ctx, instance); err != nil {
		return err
	}
	if value.FlowScopeKey == -1 {
		return nil
	}
	return engine.updateElementInstance(ctx, value.FlowScopeKey, func(parent *runtime.ElementInstance) {
		parent.ActiveChildInstances++
	})
}

func (engine *Engine) applyElementStateChange(ctx context.Context, key int64, state runtime.ActivityState) error {
	return engine.updateElementInstance(ctx, key, func(instance *runtime.ElementInstance) {
		instance.State = state
	})
}

func (engine *Engine) applyElementRemoved(ctx context.Context, rec record.Record) error {
	value, err := processInstanceValue(rec)
	if err != nil {
		return err
	}
	if err := engine.storage.DeleteElementInstance(ctx, rec.Key); err != nil {
		return err
	}
	if value.FlowScopeKey == -1 {
		return nil
	}
	err = engine.updateElementInstance(ctx, value.FlowScopeKey, func(parent *runtime.ElementInstance) {
		if parent.ActiveChildInstances > 0 {
			parent.ActiveChildInstances--
		}
	})
	// The flow scope may already be gone when an interrupting cascade removed
	// it first.
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (engine *Engine) applyElementMigrated(ctx context.Context, rec record.Record) error {
	value, err := processInstanceValue(rec)
	if err != nil {
		return err
	}
	return engine.updateElementInstance(ctx, rec.Key, func(instance *runtime.ElementInstance) {
		instance.Value.ProcessDefinitionKey = value.ProcessDefinitionKey
		instance.Value.BpmnProcessId = value.BpmnProcessId
		instance.Value.Version = value.Version
		instance.Value.ElementId = value.ElementId
	})
}

func (engine *Engine) applySequenceFlowTaken(ctx context.Context, rec record.Record) error {
	value, err := processInstanceValue(rec)
	if err != nil {
		return err
	}
	return engine.updateElementInstance(ctx, value.FlowScopeKey, func(scope *runtime.ElementInstance) {
		scope.ActiveSequenceFlows++
		scope.TakenSequenceFlows = append(scope.TakenSequenceFlows, value.ElementId)
	})
}

func (engine *Engine) applySequenceFlowDeleted(ctx context.Context, rec record.Record) error {
	value, err := processInstanceValue(rec)
	if err != nil {
		return err
	}
	return engine.updateElementInstance(ctx, value.FlowScopeKey, func(scope *runtime.ElementInstance) {
		if scope.ActiveSequenceFlows > 0 {
			scope.ActiveSequenceFlows--
		}
		if i := slices.Index(scope.TakenSequenceFlows, value.ElementId); i >= 0 {
			scope.TakenSequenceFlows = slices.Delete(scope.TakenSequenceFlows, i, i+1)
		}
	})
}

func (engine *Engine) updateElementInstance(ctx context.Context, key int64, update func(*runtime.ElementInstance)) error {
	instance, err := engine.storage.FindElementInstanceByKey(ctx, key)
	if err != nil {
		return err
	}
	update(&instance)
	return engine.storage.SaveElementInstance(ctx, instance)
}
