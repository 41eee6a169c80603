// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"context"
	"errors"
	"time"

	"github.com/flowcorehq/flowcore/pkg/bpmn/model"
	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
	"github.com/flowcorehq/flowcore/pkg/storage"
)

// cleanupElementInstance releases everything an element instance holds before
// its TERMINATED event: its job, its user task, its catch event
// subscriptions, its open incidents and its local variables.
func (engine *Engine) cleanupElementInstance(ctx context.Context, w *recordWriter, instance runtime.ElementInstance) error {
	if instance.JobKey > 0 {
		if err := engine.cancelJob(ctx, w, instance.JobKey); err != nil {
			return err
		}
	}
	if instance.UserTaskKey > 0 {
		if err := engine.storage.DeleteUserTask(ctx, instance.UserTaskKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	if err := engine.unsubscribeFromCatchEvents(ctx, instance.Key, nil); err != nil {
		return err
	}
	if err := engine.resolveElementIncidents(ctx, w, instance.Key); err != nil {
		return err
	}
	return engine.storage.DeleteScopeVariables(ctx, instance.Key)
}

func (engine *Engine) cancelJob(ctx context.Context, w *recordWriter, jobKey int64) error {
	job, err := engine.storage.FindJobByKey(ctx, jobKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	job.State = runtime.ActivityStateTerminated
	if err := engine.storage.SaveJob(ctx, job); err != nil {
		return err
	}
	return w.AppendFollowUpEvent(ctx, job.Key, record.ValueTypeJob, record.IntentJobCanceled, job)
}

func (engine *Engine) resolveElementIncidents(ctx context.Context, w *recordWriter, elementInstanceKey int64) error {
	incidents, err := engine.storage.FindElementInstanceIncidents(ctx, elementInstanceKey)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, incident := range incidents {
		if incident.ResolvedAt != nil {
			continue
		}
		incident.ResolvedAt = &now
		if err := engine.storage.SaveIncident(ctx, incident); err != nil {
			return err
		}
		if err := w.AppendFollowUpEvent(ctx, incident.Key, record.ValueTypeIncident, record.IntentIncidentResolved, incident); err != nil {
			return err
		}
	}
	return nil
}

// finishTermination appends the TERMINATED event of a childless instance
// after releasing what it holds, then notifies whoever waits on it: a
// terminating flow scope that just became empty, or the parent call activity
// when a child process instance root ends.
func (engine *Engine) finishTermination(ctx context.Context, w *recordWriter, instance runtime.ElementInstance) error {
	if instance.Value.FlowScopeKey == -1 {
		// answer an awaiting creator while the root scope variables still exist
		if err := engine.completeAwaitingResult(ctx, w, instance); err != nil {
			return err
		}
	}
	if err := engine.cleanupElementInstance(ctx, w, instance); err != nil {
		return err
	}
	if err := w.AppendFollowUpEvent(ctx, instance.Key, record.ValueTypeProcessInstance, record.IntentElementTerminated, instance.Value); err != nil {
		return err
	}
	if instance.Value.FlowScopeKey != -1 {
		return engine.retriggerTerminatingScope(ctx, w, instance.Value.FlowScopeKey)
	}
	if instance.Value.ParentElementInstanceKey > 0 {
		parentValue := instance.Value
		return w.AppendFollowUpCommand(instance.Value.ParentElementInstanceKey,
			record.ValueTypeProcessInstance, record.IntentTerminateElement, parentValue)
	}
	return nil
}

// retriggerTerminatingScope re-issues TERMINATE_ELEMENT for a flow scope that
// is already terminating, so it can finish once it turned childless. The
// command is idempotent, a scope that still has children ignores it.
func (engine *Engine) retriggerTerminatingScope(ctx context.Context, w *recordWriter, scopeKey int64) error {
	scope, err := engine.storage.FindElementInstanceByKey(ctx, scopeKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if scope.State != runtime.ActivityStateTerminating || scope.ActiveChildInstances > 0 {
		return nil
	}
	return w.AppendFollowUpCommand(scope.Key, record.ValueTypeProcessInstance, record.IntentTerminateElement, scope.Value)
}

// terminateInstanceTree terminates an element instance and all its
// descendants within the current command, depth-first with an explicit
// stack. Afterwards it cascades upward through flow scopes that became
// empty, skipping scopes some activation of the same command still requires.
// Reaching the root of a call-activity-created instance aborts with a
// TerminatedChildProcessError.
func (engine *Engine) terminateInstanceTree(ctx context.Context, w *recordWriter, instance runtime.ElementInstance, requiredScopeKeys map[int64]bool) error {
	if err := engine.terminateSubtree(ctx, w, instance); err != nil {
		return err
	}

	// upward cascade through now-empty scopes
	scopeKey := instance.Value.FlowScopeKey
	for scopeKey != -1 {
		scope, err := engine.storage.FindElementInstanceByKey(ctx, scopeKey)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if scope.ActiveChildInstances > 0 || scope.ActiveSequenceFlows > 0 || requiredScopeKeys[scope.Key] {
			return nil
		}
		if scope.Value.FlowScopeKey == -1 && scope.Value.HasParentProcess() {
			return &TerminatedChildProcessError{
				ProcessInstanceKey:       scope.Value.ProcessInstanceKey,
				ParentProcessInstanceKey: scope.Value.ParentProcessInstanceKey,
			}
		}
		if err := engine.terminateSingleInstance(ctx, w, scope); err != nil {
			return err
		}
		scopeKey = scope.Value.FlowScopeKey
	}
	return nil
}

// terminateSubtree terminates an instance and its descendants bottom-up. The
// walk is iterative, deep trees must not exhaust the stack.
func (engine *Engine) terminateSubtree(ctx context.Context, w *recordWriter, root runtime.ElementInstance) error {
	// collect the subtree top-down, then terminate in reverse
	ordered := []runtime.ElementInstance{root}
	queue := []int64{root.Key}
	for len(queue) > 0 {
		parentKey := queue[0]
		queue = queue[1:]
		children, err := engine.storage.FindElementInstanceChildren(ctx, parentKey)
		if err != nil {
			return err
		}
		for _, child := range children {
			ordered = append(ordered, child)
			queue = append(queue, child.Key)
		}
	}
	for i := len(ordered) - 1; i >= 0; i-- {
		instance := ordered[i]
		if instance.Value.BpmnElementType == model.ElementTypeCallActivity && instance.CalledChildInstanceKey > 0 {
			child, err := engine.storage.FindProcessInstance(ctx, instance.CalledChildInstanceKey)
			if err == nil {
				if err := engine.terminateSubtree(ctx, w, child); err != nil {
					return err
				}
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		if err := engine.terminateSingleInstance(ctx, w, instance); err != nil {
			return err
		}
	}
	return nil
}

// terminateSingleInstance runs the full TERMINATING/TERMINATED lifecycle of
// one instance that has no remaining children.
func (engine *Engine) terminateSingleInstance(ctx context.Context, w *recordWriter, instance runtime.ElementInstance) error {
	if instance.State != runtime.ActivityStateTerminating {
		if err := w.AppendFollowUpEvent(ctx, instance.Key, record.ValueTypeProcessInstance, record.IntentElementTerminating, instance.Value); err != nil {
			return err
		}
	}
	if instance.Value.FlowScopeKey == -1 {
		if err := engine.completeAwaitingResult(ctx, w, instance); err != nil {
			return err
		}
	}
	if err := engine.cleanupElementInstance(ctx, w, instance); err != nil {
		return err
	}
	return w.AppendFollowUpEvent(ctx, instance.Key, record.ValueTypeProcessInstance, record.IntentElementTerminated, instance.Value)
}
