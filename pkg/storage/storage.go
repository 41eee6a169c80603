// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/flowcorehq/flowcore/pkg/bpmn/model"
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
)

// ErrNotFound is returned by lookups of one exact item that does not exist.
var ErrNotFound = errors.New("not found")

// Storage interface for reading and writing process data into a (persistent) state.
// Interface is used by the bpmn engine to interact with state.
//
// Methods that are expected to return exactly one match MUST return ErrNotFound when the result does not exist
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ElementInstanceStorageReader
	ElementInstanceStorageWriter
	MessageSubscriptionStorageReader
	MessageSubscriptionStorageWriter
	TimerStorageReader
	TimerStorageWriter
	SignalSubscriptionStorageReader
	SignalSubscriptionStorageWriter
	JobStorageReader
	JobStorageWriter
	UserTaskStorageReader
	UserTaskStorageWriter
	IncidentStorageReader
	IncidentStorageWriter
	VariableStorageReader
	VariableStorageWriter

	NewBatch() Batch
}

// Batch collects writes so that the state changes of one processed command
// can be applied as a unit.
type Batch interface {
	ProcessDefinitionStorageWriter
	ElementInstanceStorageWriter
	MessageSubscriptionStorageWriter
	TimerStorageWriter
	SignalSubscriptionStorageWriter
	JobStorageWriter
	UserTaskStorageWriter
	IncidentStorageWriter
	VariableStorageWriter

	// Flush writes the batch into the storage and prepares the batch for new statements
	Flush(ctx context.Context) error
}

type ProcessDefinitionStorageReader interface {
	FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string, tenantId string) (model.ProcessDefinition, error)

	FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (model.ProcessDefinition, error)

	// FindProcessDefinitionsById return zero or many registered processes with given ID
	// result array is ordered by version number, from 1 (first) and largest version (last)
	FindProcessDefinitionsById(ctx context.Context, processDefinitionId string, tenantId string) ([]model.ProcessDefinition, error)
}

type ProcessDefinitionStorageWriter interface {
	// SaveProcessDefinition persists a ProcessDefinition
	// and potentially overwrites prior data stored with the given definition key
	SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error
}

type ElementInstanceStorageReader interface {
	FindElementInstanceByKey(ctx context.Context, elementInstanceKey int64) (runtime.ElementInstance, error)

	// FindProcessInstance returns the root element instance of a process
	// instance. The root is stored under the process instance key itself.
	FindProcessInstance(ctx context.Context, processInstanceKey int64) (runtime.ElementInstance, error)

	// FindElementInstanceChildren returns the direct children of the given
	// flow scope, ordered by ascending key.
	FindElementInstanceChildren(ctx context.Context, flowScopeKey int64) ([]runtime.ElementInstance, error)

	// VisitChildren visits the direct children of the given flow scope with
	// key greater than fromKey, in ascending key order, until visit returns
	// false or no children remain.
	VisitChildren(ctx context.Context, flowScopeKey int64, fromKey int64, visit func(child runtime.ElementInstance) bool) error

	// FindProcessInstanceElementInstances returns every element instance of
	// the process instance, the root included, ordered by ascending key.
	FindProcessInstanceElementInstances(ctx context.Context, processInstanceKey int64) ([]runtime.ElementInstance, error)
}

type ElementInstanceStorageWriter interface {
	// SaveElementInstance persists the instance
	// and potentially overwrites prior data stored with given key
	SaveElementInstance(ctx context.Context, instance runtime.ElementInstance) error

	// DeleteElementInstance removes a finished instance from the state.
	// Deleting an unknown key is not an error.
	DeleteElementInstance(ctx context.Context, elementInstanceKey int64) error
}

type MessageSubscriptionStorageReader interface {
	FindMessageSubscriptionByKey(ctx context.Context, key int64) (runtime.MessageSubscription, error)

	FindElementInstanceMessageSubscriptions(ctx context.Context, elementInstanceKey int64) ([]runtime.MessageSubscription, error)

	FindProcessInstanceMessageSubscriptions(ctx context.Context, processInstanceKey int64) ([]runtime.MessageSubscription, error)

	// FindMessageSubscriptionsByCorrelationKey returns all open subscriptions
	// holding the given correlation key, across process instances.
	FindMessageSubscriptionsByCorrelationKey(ctx context.Context, correlationKey string) ([]runtime.MessageSubscription, error)
}

type MessageSubscriptionStorageWriter interface {
	// SaveMessageSubscription persists the MessageSubscription
	// and potentially overwrites prior data stored with given key
	SaveMessageSubscription(ctx context.Context, subscription runtime.MessageSubscription) error

	DeleteMessageSubscription(ctx context.Context, key int64) error
}

type TimerStorageReader interface {
	// FindTimersTo returns a list of timers that have a due date before end
	FindTimersTo(ctx context.Context, end time.Time) ([]runtime.Timer, error)

	FindElementInstanceTimers(ctx context.Context, elementInstanceKey int64) ([]runtime.Timer, error)
}

type TimerStorageWriter interface {
	// SaveTimer persists the Timer
	// and potentially overwrites prior data stored with given key
	SaveTimer(ctx context.Context, timer runtime.Timer) error

	DeleteTimer(ctx context.Context, key int64) error
}

type SignalSubscriptionStorageReader interface {
	FindElementInstanceSignalSubscriptions(ctx context.Context, elementInstanceKey int64) ([]runtime.SignalSubscription, error)
}

type SignalSubscriptionStorageWriter interface {
	SaveSignalSubscription(ctx context.Context, subscription runtime.SignalSubscription) error

	DeleteSignalSubscription(ctx context.Context, key int64) error
}

type JobStorageReader interface {
	FindJobByKey(ctx context.Context, jobKey int64) (runtime.Job, error)

	// FindPendingProcessInstanceJobs returns jobs for a process instance that are in Active or Completing state
	FindPendingProcessInstanceJobs(ctx context.Context, processInstanceKey int64) ([]runtime.Job, error)
}

type JobStorageWriter interface {
	// SaveJob persists the Job
	// and potentially overwrites prior data stored with given key
	SaveJob(ctx context.Context, job runtime.Job) error

	DeleteJob(ctx context.Context, jobKey int64) error
}

type UserTaskStorageReader interface {
	FindUserTaskByKey(ctx context.Context, userTaskKey int64) (runtime.UserTask, error)
}

type UserTaskStorageWriter interface {
	SaveUserTask(ctx context.Context, task runtime.UserTask) error

	DeleteUserTask(ctx context.Context, userTaskKey int64) error
}

type IncidentStorageReader interface {
	FindIncidentByKey(ctx context.Context, key int64) (runtime.Incident, error)

	FindElementInstanceIncidents(ctx context.Context, elementInstanceKey int64) ([]runtime.Incident, error)
}

type IncidentStorageWriter interface {
	SaveIncident(ctx context.Context, incident runtime.Incident) error

	DeleteIncident(ctx context.Context, key int64) error
}

type VariableStorageReader interface {
	// FindScopeVariables returns the variables local to one element instance
	// scope, ordered by name.
	FindScopeVariables(ctx context.Context, scopeKey int64) ([]runtime.Variable, error)

	FindScopeVariable(ctx context.Context, scopeKey int64, name string) (runtime.Variable, error)
}

type VariableStorageWriter interface {
	// SaveVariable persists the Variable
	// and potentially overwrites a prior value with the same scope and name
	SaveVariable(ctx context.Context, variable runtime.Variable) error

	DeleteScopeVariables(ctx context.Context, scopeKey int64) error
}
