// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"context"
	"errors"

	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
	"github.com/flowcorehq/flowcore/pkg/storage"

	appotel "github.com/flowcorehq/flowcore/internal/otel"
)

// processCancelInstance terminates a root process instance. Instances created
// by a call activity cannot be cancelled directly; the rejection names the
// root ancestor so the caller can retry against it. Termination completion is
// asynchronous, the response carries the TERMINATING event.
func (engine *Engine) processCancelInstance(ctx context.Context, w *recordWriter, cmd *command) (*record.Rejection, error) {
	notFound := record.Rejectionf(record.RejectionNotFound,
		"no running process instance found with key %d", cmd.key)

	instance, err := engine.storage.FindProcessInstance(ctx, cmd.key)
	if errors.Is(err, storage.ErrNotFound) {
		return &notFound, nil
	}
	if err != nil {
		return nil, err
	}
	if rejection := rejectHiddenTenantResource(ctx, cmd, instance.Value.TenantId, notFound); rejection != nil {
		return rejection, nil
	}
	if instance.Value.HasParentProcess() {
		rootKey, err := engine.findRootAncestorInstanceKey(ctx, instance)
		if err != nil {
			return nil, err
		}
		rejection := record.Rejectionf(record.RejectionInvalidState,
			"process instance %d was created by a call activity, cancel the root process instance %d instead",
			cmd.key, rootKey)
		return &rejection, nil
	}

	if err := w.AppendFollowUpCommand(instance.Key, record.ValueTypeProcessInstance, record.IntentTerminateElement, instance.Value); err != nil {
		return nil, err
	}
	if err := w.WriteEventOnCommand(ctx, cmd, instance.Key, record.IntentElementTerminating, instance.Value); err != nil {
		return nil, err
	}
	appotel.CanceledInstancesTotal.Add(ctx, 1)
	return nil, nil
}

// findRootAncestorInstanceKey walks parent process instance links up to the
// outermost instance. The walk is iterative and tolerates a parent that
// already left the tree by reporting the last key seen.
func (engine *Engine) findRootAncestorInstanceKey(ctx context.Context, instance runtime.ElementInstance) (int64, error) {
	current := instance
	for current.Value.HasParentProcess() {
		parent, err := engine.storage.FindProcessInstance(ctx, current.Value.ParentProcessInstanceKey)
		if errors.Is(err, storage.ErrNotFound) {
			return current.Value.ParentProcessInstanceKey, nil
		}
		if err != nil {
			return 0, err
		}
		current = parent
	}
	return current.Key, nil
}
