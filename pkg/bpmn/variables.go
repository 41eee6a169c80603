// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"context"

	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
)

// mergeLocalDocument writes a variable document into one scope, overwriting
// existing variables of the same name in that scope.
func (engine *Engine) mergeLocalDocument(ctx context.Context, scopeKey int64, owner record.ProcessInstanceRecord, variables map[string]any) error {
	for name, value := range variables {
		err := engine.storage.SaveVariable(ctx, runtime.Variable{
			Key:                  engine.generateKey(),
			Name:                 name,
			Value:                value,
			ScopeKey:             scopeKey,
			ProcessInstanceKey:   owner.ProcessInstanceKey,
			ProcessDefinitionKey: owner.ProcessDefinitionKey,
			BpmnProcessId:        owner.BpmnProcessId,
			TenantId:             owner.TenantId,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// collectScopeVariables reads the variables of one scope as a document,
// optionally restricted to the given names.
func (engine *Engine) collectScopeVariables(ctx context.Context, scopeKey int64, names []string) (map[string]any, error) {
	variables, err := engine.storage.FindScopeVariables(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, name := range names {
		wanted[name] = true
	}
	document := map[string]any{}
	for _, variable := range variables {
		if len(wanted) > 0 && !wanted[variable.Name] {
			continue
		}
		document[variable.Name] = variable.Value
	}
	return document, nil
}
