// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runtime holds the mutable state types of running process
// instances: the element instance tree, event subscriptions and the narrow
// job/incident/user-task records the core coordinates with.
package runtime

import (
	"time"

	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
)

// ActivityState as per BPMN 2.0 spec, section 13.2.2. This core only drives
// the activating/active/completing/terminating subset; the remaining states
// belong to the element-type-specific execution logic.
type ActivityState string

const (
	ActivityStateActivating  ActivityState = "ACTIVATING"
	ActivityStateActive      ActivityState = "ACTIVE"
	ActivityStateCompleting  ActivityState = "COMPLETING"
	ActivityStateCompleted   ActivityState = "COMPLETED"
	ActivityStateTerminating ActivityState = "TERMINATING"
	ActivityStateTerminated  ActivityState = "TERMINATED"
)

// ElementInstance is one runtime node of the element instance tree. The
// denormalized Value record travels with every lifecycle event of the
// instance.
//
// Invariant: Value.FlowScopeKey is -1 on the process root and otherwise
// references a live element instance of the same process instance.
type ElementInstance struct {
	Key   int64                        `json:"k"`
	State ActivityState                `json:"s"`
	Value record.ProcessInstanceRecord `json:"v"`

	// ActiveChildInstances counts children that are not yet terminated or
	// completed. An instance never terminates while this is non-zero.
	ActiveChildInstances int `json:"aci,omitempty"`
	// ActiveSequenceFlows counts outgoing sequence flows that were taken but
	// whose target activation command is still pending.
	ActiveSequenceFlows int `json:"asf,omitempty"`
	// TakenSequenceFlows lists the element ids of those pending flows,
	// needed to re-point flows into joining gateways during migration.
	TakenSequenceFlows []string `json:"tsf,omitempty"`

	JobKey                 int64 `json:"jk,omitempty"`
	UserTaskKey            int64 `json:"utk,omitempty"`
	CalledChildInstanceKey int64 `json:"cck,omitempty"`

	// MultiInstanceLoopCounter is >0 for instances inside a multi-instance
	// body.
	MultiInstanceLoopCounter int `json:"milc,omitempty"`

	// Interrupted marks a scope whose interrupting event fired; interrupted
	// scopes take no new event subscriptions.
	Interrupted bool `json:"i,omitempty"`
}

// IsActive reports whether the instance is in the ACTIVE state.
func (e *ElementInstance) IsActive() bool {
	return e.State == ActivityStateActive
}

// CanTerminate reports whether a TERMINATE_ELEMENT command may be processed
// for this instance.
func (e *ElementInstance) CanTerminate() bool {
	switch e.State {
	case ActivityStateActivating, ActivityStateActive, ActivityStateCompleting, ActivityStateTerminating:
		return true
	}
	return false
}

// MessageSubscription is the partition-local half of a message catch event
// subscription held by an element instance.
type MessageSubscription struct {
	Key                  int64     `json:"k"`
	ElementId            string    `json:"eid"`
	ElementInstanceKey   int64     `json:"eik"`
	ProcessDefinitionKey int64     `json:"pdk"`
	ProcessInstanceKey   int64     `json:"pik"`
	BpmnProcessId        string    `json:"pid"`
	MessageName          string    `json:"mn"`
	CorrelationKey       string    `json:"ck"`
	Interrupting         bool      `json:"int,omitempty"`
	TenantId             string    `json:"t,omitempty"`
	CreatedAt            time.Time `json:"c"`
}

// Timer is created when an element instance subscribes to a timer catch
// event: CreatedAt + Duration = DueAt.
type Timer struct {
	Key                  int64         `json:"k"`
	ElementId            string        `json:"eid"`
	ElementInstanceKey   int64         `json:"eik"`
	ProcessDefinitionKey int64         `json:"pdk"`
	ProcessInstanceKey   int64         `json:"pik"`
	CreatedAt            time.Time     `json:"c"`
	DueAt                time.Time     `json:"d"`
	Duration             time.Duration `json:"dur"`
	Repetitions          int32         `json:"r,omitempty"`
	TenantId             string        `json:"t,omitempty"`
}

// SignalSubscription is a subscription of an element instance to a broadcast
// signal.
type SignalSubscription struct {
	Key                  int64  `json:"k"`
	CatchEventId         string `json:"eid"`
	ElementInstanceKey   int64  `json:"eik"`
	ProcessDefinitionKey int64  `json:"pdk"`
	ProcessInstanceKey   int64  `json:"pik"`
	BpmnProcessId        string `json:"pid"`
	SignalName           string `json:"sn"`
	TenantId             string `json:"t,omitempty"`
}

// Job is the unit of work handed to an external worker. Only the fields the
// core reads or rewrites during termination and migration are modeled.
type Job struct {
	Key                  int64         `json:"k"`
	Type                 string        `json:"ty"`
	ElementId            string        `json:"eid"`
	ElementInstanceKey   int64         `json:"eik"`
	ProcessInstanceKey   int64         `json:"pik"`
	ProcessDefinitionKey int64         `json:"pdk"`
	Version              int32         `json:"v"`
	BpmnProcessId        string        `json:"pid"`
	State                ActivityState `json:"s"`
	CreatedAt            time.Time     `json:"c"`
}

// UserTask is a natively managed user task. Like Job, modeled narrowly.
type UserTask struct {
	Key                  int64  `json:"k"`
	ElementId            string `json:"eid"`
	ElementInstanceKey   int64  `json:"eik"`
	ProcessInstanceKey   int64  `json:"pik"`
	ProcessDefinitionKey int64  `json:"pdk"`
	Version              int32  `json:"v"`
	BpmnProcessId        string `json:"pid"`
	Assignee             string `json:"a,omitempty"`
}

// Incident marks an element instance whose progress is blocked.
type Incident struct {
	Key                  int64      `json:"k"`
	ElementId            string     `json:"eid"`
	ElementInstanceKey   int64      `json:"eik"`
	ProcessInstanceKey   int64      `json:"pik"`
	ProcessDefinitionKey int64      `json:"pdk"`
	BpmnProcessId        string     `json:"pid"`
	JobKey               int64      `json:"jk,omitempty"`
	Message              string     `json:"m"`
	ResolvedAt           *time.Time `json:"r,omitempty"`
}

// Variable is one named value in the scope of an element instance.
type Variable struct {
	Key                  int64  `json:"k"`
	Name                 string `json:"n"`
	Value                any    `json:"v"`
	ScopeKey             int64  `json:"sk"`
	ProcessInstanceKey   int64  `json:"pik"`
	ProcessDefinitionKey int64  `json:"pdk"`
	BpmnProcessId        string `json:"pid"`
	TenantId             string `json:"t,omitempty"`
}
