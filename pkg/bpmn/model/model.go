// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model holds the executable, immutable form of a deployed process
// definition. Definitions are produced by the deployment subsystem; this
// package only describes the element tree the engine core navigates.
package model

// ElementType is the closed set of BPMN element kinds the core dispatches on.
type ElementType string

const (
	ElementTypeUnspecified            ElementType = "UNSPECIFIED"
	ElementTypeProcess                ElementType = "PROCESS"
	ElementTypeSubProcess             ElementType = "SUB_PROCESS"
	ElementTypeEventSubProcess        ElementType = "EVENT_SUB_PROCESS"
	ElementTypeStartEvent             ElementType = "START_EVENT"
	ElementTypeIntermediateCatchEvent ElementType = "INTERMEDIATE_CATCH_EVENT"
	ElementTypeIntermediateThrowEvent ElementType = "INTERMEDIATE_THROW_EVENT"
	ElementTypeBoundaryEvent          ElementType = "BOUNDARY_EVENT"
	ElementTypeEndEvent               ElementType = "END_EVENT"
	ElementTypeServiceTask            ElementType = "SERVICE_TASK"
	ElementTypeUserTask               ElementType = "USER_TASK"
	ElementTypeReceiveTask            ElementType = "RECEIVE_TASK"
	ElementTypeSendTask               ElementType = "SEND_TASK"
	ElementTypeScriptTask             ElementType = "SCRIPT_TASK"
	ElementTypeBusinessRuleTask       ElementType = "BUSINESS_RULE_TASK"
	ElementTypeCallActivity           ElementType = "CALL_ACTIVITY"
	ElementTypeMultiInstanceBody      ElementType = "MULTI_INSTANCE_BODY"
	ElementTypeExclusiveGateway       ElementType = "EXCLUSIVE_GATEWAY"
	ElementTypeParallelGateway        ElementType = "PARALLEL_GATEWAY"
	ElementTypeInclusiveGateway       ElementType = "INCLUSIVE_GATEWAY"
	ElementTypeEventBasedGateway      ElementType = "EVENT_BASED_GATEWAY"
	ElementTypeSequenceFlow           ElementType = "SEQUENCE_FLOW"
)

// EventType is the trigger kind of an event element, None for non-events.
type EventType string

const (
	EventTypeNone         EventType = "NONE"
	EventTypeMessage      EventType = "MESSAGE"
	EventTypeTimer        EventType = "TIMER"
	EventTypeSignal       EventType = "SIGNAL"
	EventTypeError        EventType = "ERROR"
	EventTypeEscalation   EventType = "ESCALATION"
	EventTypeCompensation EventType = "COMPENSATION"
	EventTypeTerminate    EventType = "TERMINATE"
)

// UserTaskImplementation distinguishes natively managed user tasks from tasks
// backed by a job worker. Both share ElementTypeUserTask.
type UserTaskImplementation string

const (
	UserTaskImplementationJobWorker UserTaskImplementation = "job worker"
	UserTaskImplementationNative    UserTaskImplementation = "native user task"
)

// CatchEvent is one message/timer/signal catch event declared by an element:
// a boundary event, an intermediate catch event, or an event subprocess start
// event reachable from a scope.
type CatchEvent struct {
	Id        string
	EventType EventType

	// Message catch events.
	MessageName    string
	CorrelationKey string

	// Timer catch events, an ISO-8601 duration such as "PT5M".
	TimerDuration string

	// Signal catch events.
	SignalName string

	Interrupting bool
	// Boundary marks catch events attached to the element's border rather
	// than contained in it.
	Boundary bool
}

// Element is one node of the executable element tree. Immutable after
// deployment.
type Element struct {
	Id        string
	Type      ElementType
	EventType EventType

	// FlowScope is the enclosing element, nil only at the process root.
	FlowScope *Element

	// CatchEvents lists the catch events this element supplies when its
	// instance activates: boundary events plus, for scopes, contained
	// intermediate catch events waited on directly by the scope instance.
	CatchEvents []CatchEvent

	// EventSubprocessStartTypes lists the start event types of event
	// subprocesses directly contained in this element.
	EventSubprocessStartTypes []EventType

	// ConnectedToEventBasedGateway marks catch events that are targets of an
	// event-based gateway.
	ConnectedToEventBasedGateway bool

	// InnerActivity is set on multi-instance bodies only.
	InnerActivity *Element
	// Sequential is the loop characteristic of a multi-instance body.
	Sequential bool

	// JobType is set on job-worker backed elements.
	JobType string
	// UserTaskImplementation is set on user tasks only.
	UserTaskImplementation UserTaskImplementation
}

// IsActivity reports whether the element can carry boundary events or event
// subprocesses.
func (e *Element) IsActivity() bool {
	switch e.Type {
	case ElementTypeProcess, ElementTypeSubProcess, ElementTypeEventSubProcess,
		ElementTypeServiceTask, ElementTypeUserTask, ElementTypeReceiveTask,
		ElementTypeSendTask, ElementTypeScriptTask, ElementTypeBusinessRuleTask,
		ElementTypeCallActivity, ElementTypeMultiInstanceBody:
		return true
	}
	return false
}

// FlowScopeId returns the id of the enclosing element, or "" at the root.
func (e *Element) FlowScopeId() string {
	if e.FlowScope == nil {
		return ""
	}
	return e.FlowScope.Id
}

// ExecutableProcess is the parsed element tree of one process definition
// version, addressable by element id. The process itself is an element (the
// root scope) whose id is the bpmn process id.
type ExecutableProcess struct {
	BpmnProcessId string
	Root          *Element

	HasNoneStartEvent    bool
	HasMessageStartEvent bool

	elements map[string]*Element
}

// ElementById returns the element with the given id, nil if unknown. The
// bpmn process id resolves to the root element.
func (p *ExecutableProcess) ElementById(id string) *Element {
	return p.elements[id]
}

// Elements returns all elements of the process, in no particular order.
func (p *ExecutableProcess) Elements() []*Element {
	elements := make([]*Element, 0, len(p.elements))
	for _, element := range p.elements {
		elements = append(elements, element)
	}
	return elements
}

// ProcessDefinition is one deployed, immutable, versioned process.
type ProcessDefinition struct {
	Key           int64
	BpmnProcessId string
	Version       int32
	TenantId      string
	Process       *ExecutableProcess
}
