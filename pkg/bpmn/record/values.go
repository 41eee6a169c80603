// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package record

import (
	"github.com/flowcorehq/flowcore/pkg/bpmn/model"
)

// ProcessInstanceRecord is the denormalized value of one element instance. It
// travels with every ACTIVATE/TERMINATE command and every lifecycle event of
// that instance.
type ProcessInstanceRecord struct {
	BpmnProcessId        string            `json:"bpmnProcessId"`
	Version              int32             `json:"version"`
	ProcessDefinitionKey int64             `json:"processDefinitionKey"`
	ProcessInstanceKey   int64             `json:"processInstanceKey"`
	ElementId            string            `json:"elementId"`
	BpmnElementType      model.ElementType `json:"bpmnElementType"`
	BpmnEventType        model.EventType   `json:"bpmnEventType,omitempty"`
	FlowScopeKey         int64             `json:"flowScopeKey"`
	TenantId             string            `json:"tenantId,omitempty"`

	// Set only on the root element of an instance created by a call activity.
	ParentProcessInstanceKey int64 `json:"parentProcessInstanceKey,omitempty"`
	ParentElementInstanceKey int64 `json:"parentElementInstanceKey,omitempty"`
}

// HasParentProcess reports whether the instance was created by a call
// activity in another process instance.
func (r ProcessInstanceRecord) HasParentProcess() bool {
	return r.ParentProcessInstanceKey > 0
}

// StartInstruction points instance creation at an element other than the
// process start event.
type StartInstruction struct {
	ElementId string `json:"elementId"`
}

// ProcessInstanceCreationRecord is the value of a CREATE command. The target
// definition is selected either by key or by bpmn process id plus version
// (-1 selects the latest deployed version).
type ProcessInstanceCreationRecord struct {
	BpmnProcessId        string             `json:"bpmnProcessId,omitempty"`
	Version              int32              `json:"version,omitempty"`
	ProcessDefinitionKey int64              `json:"processDefinitionKey,omitempty"`
	ProcessInstanceKey   int64              `json:"processInstanceKey,omitempty"`
	TenantId             string             `json:"tenantId,omitempty"`
	Variables            map[string]any     `json:"variables,omitempty"`
	StartInstructions    []StartInstruction `json:"startInstructions,omitempty"`
	// FetchVariables limits the variables returned in an awaited result.
	FetchVariables []string `json:"fetchVariables,omitempty"`
}

// ProcessInstanceResultRecord carries the await-result metadata stored when a
// caller creates an instance with CREATE_WITH_AWAITING_RESULT. The completion
// of the instance correlates back through it.
type ProcessInstanceResultRecord struct {
	ProcessInstanceKey int64          `json:"processInstanceKey"`
	BpmnProcessId      string         `json:"bpmnProcessId"`
	Version            int32          `json:"version"`
	TenantId           string         `json:"tenantId,omitempty"`
	RequestId          string         `json:"requestId,omitempty"`
	RequestStreamId    int32          `json:"requestStreamId,omitempty"`
	FetchVariables     []string       `json:"fetchVariables,omitempty"`
	Variables          map[string]any `json:"variables,omitempty"`
}

// ProcessInstanceBatchRecord is the self-requeuing unit of deferred work used
// by the batch activate/terminate processors. Index is a remaining-count for
// activation and a resume cursor for termination.
type ProcessInstanceBatchRecord struct {
	ProcessInstanceKey      int64  `json:"processInstanceKey"`
	BatchElementInstanceKey int64  `json:"batchElementInstanceKey"`
	Index                   int64  `json:"index"`
	TenantId                string `json:"tenantId,omitempty"`
}

// VariableInstruction injects a variable document when an activate
// instruction creates its target scope. An empty ElementId addresses the
// global (process instance) scope.
type VariableInstruction struct {
	ElementId string         `json:"elementId,omitempty"`
	Variables map[string]any `json:"variables"`
}

// ModificationActivateInstruction requests activation of one element,
// optionally under an explicit ancestor element instance.
type ModificationActivateInstruction struct {
	ElementId            string                `json:"elementId"`
	AncestorScopeKey     int64                 `json:"ancestorScopeKey,omitempty"`
	VariableInstructions []VariableInstruction `json:"variableInstructions,omitempty"`

	// AncestorScopeKeys is filled during execution with the keys of all flow
	// scope instances the activation created or reused, and is part of the
	// MODIFIED event.
	AncestorScopeKeys []int64 `json:"ancestorScopeKeys,omitempty"`
}

// ModificationTerminateInstruction requests termination of one element
// instance, addressed by key or by element id (exactly one of the two).
type ModificationTerminateInstruction struct {
	ElementInstanceKey int64  `json:"elementInstanceKey,omitempty"`
	ElementId          string `json:"elementId,omitempty"`
}

// ModificationMoveInstruction is desugared into an activate plus a terminate
// instruction before execution. At most one ancestor resolution strategy may
// be set.
type ModificationMoveInstruction struct {
	SourceElementId          string `json:"sourceElementId,omitempty"`
	SourceElementInstanceKey int64  `json:"sourceElementInstanceKey,omitempty"`
	TargetElementId          string `json:"targetElementId"`

	AncestorScopeKey          int64 `json:"ancestorScopeKey,omitempty"`
	InferAncestorScope        bool  `json:"inferAncestorScope,omitempty"`
	UseSourceParentAsAncestor bool  `json:"useSourceParentAsAncestor,omitempty"`

	VariableInstructions []VariableInstruction `json:"variableInstructions,omitempty"`
}

// ProcessInstanceModificationRecord is the value of a MODIFY command and, in
// expanded form, of the MODIFIED event.
type ProcessInstanceModificationRecord struct {
	ProcessInstanceKey    int64                               `json:"processInstanceKey"`
	ActivateInstructions  []*ModificationActivateInstruction  `json:"activateInstructions,omitempty"`
	TerminateInstructions []*ModificationTerminateInstruction `json:"terminateInstructions,omitempty"`
	MoveInstructions      []*ModificationMoveInstruction      `json:"moveInstructions,omitempty"`
}

// MigrationMappingInstruction maps one source element id to one target
// element id for a migration.
type MigrationMappingInstruction struct {
	SourceElementId string `json:"sourceElementId"`
	TargetElementId string `json:"targetElementId"`
}

// ProcessInstanceMigrationRecord is the value of a MIGRATE command.
type ProcessInstanceMigrationRecord struct {
	ProcessInstanceKey         int64                         `json:"processInstanceKey"`
	TargetProcessDefinitionKey int64                         `json:"targetProcessDefinitionKey"`
	MappingInstructions        []MigrationMappingInstruction `json:"mappingInstructions,omitempty"`
}

// MessageSubscriptionRecord addresses the partition that owns a message's
// correlation key. Written when migrating a message subscription in place.
type MessageSubscriptionRecord struct {
	ProcessInstanceKey int64  `json:"processInstanceKey"`
	ElementInstanceKey int64  `json:"elementInstanceKey"`
	BpmnProcessId      string `json:"bpmnProcessId"`
	MessageName        string `json:"messageName"`
	CorrelationKey     string `json:"correlationKey"`
	Interrupting       bool   `json:"interrupting"`
	TenantId           string `json:"tenantId,omitempty"`
}

// TimerRecord is written when a timer subscription is migrated to a new
// definition without touching its due date.
type TimerRecord struct {
	ElementInstanceKey   int64  `json:"elementInstanceKey"`
	ProcessInstanceKey   int64  `json:"processInstanceKey"`
	ProcessDefinitionKey int64  `json:"processDefinitionKey"`
	TargetElementId      string `json:"targetElementId"`
	DueDate              int64  `json:"dueDate"`
	Repetitions          int32  `json:"repetitions,omitempty"`
	TenantId             string `json:"tenantId,omitempty"`
}
