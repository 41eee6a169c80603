// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// ProcessBuilder assembles an ExecutableProcess programmatically. The
// deployment subsystem uses it after parsing BPMN XML; tests use it directly.
type ProcessBuilder struct {
	process *ExecutableProcess
}

// NewProcessBuilder starts a process with the given bpmn process id. The root
// element shares the id and has type PROCESS.
func NewProcessBuilder(bpmnProcessId string) *ProcessBuilder {
	root := &Element{Id: bpmnProcessId, Type: ElementTypeProcess, EventType: EventTypeNone}
	p := &ExecutableProcess{
		BpmnProcessId: bpmnProcessId,
		Root:          root,
		elements:      map[string]*Element{bpmnProcessId: root},
	}
	return &ProcessBuilder{process: p}
}

// WithNoneStartEvent declares a none start event at the process root.
func (b *ProcessBuilder) WithNoneStartEvent(id string) *ProcessBuilder {
	b.process.HasNoneStartEvent = true
	b.addElement(&Element{Id: id, Type: ElementTypeStartEvent, EventType: EventTypeNone}, b.process.Root)
	return b
}

// WithMessageStartEvent declares a message start event at the process root.
func (b *ProcessBuilder) WithMessageStartEvent(id, messageName string) *ProcessBuilder {
	b.process.HasMessageStartEvent = true
	b.addElement(&Element{
		Id:        id,
		Type:      ElementTypeStartEvent,
		EventType: EventTypeMessage,
		CatchEvents: []CatchEvent{
			{Id: id, EventType: EventTypeMessage, MessageName: messageName, Interrupting: true},
		},
	}, b.process.Root)
	return b
}

// AddElement places an element under the given flow scope id ("" or the bpmn
// process id for the root). The element's FlowScope pointer is set by the
// builder. Panics on duplicate or unknown ids: definitions are deployment
// artifacts and must be structurally sound before execution.
func (b *ProcessBuilder) AddElement(scopeId string, element *Element) *ProcessBuilder {
	scope := b.process.Root
	if scopeId != "" && scopeId != b.process.BpmnProcessId {
		scope = b.mustElement(scopeId)
	}
	b.addElement(element, scope)
	if element.Type == ElementTypeMultiInstanceBody && element.InnerActivity != nil {
		element.InnerActivity.FlowScope = element
		if _, ok := b.process.elements[element.InnerActivity.Id]; !ok {
			b.process.elements[element.InnerActivity.Id] = element.InnerActivity
		}
	}
	return b
}

// Task adds a service task under the given scope.
func (b *ProcessBuilder) Task(scopeId, id string) *ProcessBuilder {
	return b.AddElement(scopeId, &Element{Id: id, Type: ElementTypeServiceTask, EventType: EventTypeNone, JobType: id})
}

// UserTask adds a user task with the given implementation under the scope.
func (b *ProcessBuilder) UserTask(scopeId, id string, impl UserTaskImplementation) *ProcessBuilder {
	e := &Element{Id: id, Type: ElementTypeUserTask, EventType: EventTypeNone, UserTaskImplementation: impl}
	if impl == UserTaskImplementationJobWorker {
		e.JobType = "flowcore:userTask"
	}
	return b.AddElement(scopeId, e)
}

// SubProcess adds an embedded subprocess under the scope.
func (b *ProcessBuilder) SubProcess(scopeId, id string) *ProcessBuilder {
	return b.AddElement(scopeId, &Element{Id: id, Type: ElementTypeSubProcess, EventType: EventTypeNone})
}

// Build finalizes the process.
func (b *ProcessBuilder) Build() *ExecutableProcess {
	return b.process
}

func (b *ProcessBuilder) addElement(element *Element, scope *Element) {
	if _, ok := b.process.elements[element.Id]; ok {
		panic("model: duplicate element id " + element.Id)
	}
	element.FlowScope = scope
	b.process.elements[element.Id] = element
}

func (b *ProcessBuilder) mustElement(id string) *Element {
	e, ok := b.process.elements[id]
	if !ok {
		panic("model: unknown flow scope id " + id)
	}
	return e
}
