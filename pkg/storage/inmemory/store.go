// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package inmemory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/flowcorehq/flowcore/pkg/bpmn/model"
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
	"github.com/flowcorehq/flowcore/pkg/storage"
)

const (
	latestDefinitionCacheSize = 128
	latestDefinitionCacheTTL  = 30 * time.Second
)

// Storage keeps process state in memory,
// please use NewStorage to create a new object of this type.
type Storage struct {
	ProcessDefinitions   map[int64]model.ProcessDefinition
	ElementInstances     map[int64]runtime.ElementInstance
	MessageSubscriptions map[int64]runtime.MessageSubscription
	Timers               map[int64]runtime.Timer
	SignalSubscriptions  map[int64]runtime.SignalSubscription
	Jobs                 map[int64]runtime.Job
	UserTasks            map[int64]runtime.UserTask
	Incidents            map[int64]runtime.Incident
	Variables            map[int64]map[string]runtime.Variable

	latestDefinitions *expirable.LRU[string, model.ProcessDefinition]
}

func NewStorage() *Storage {
	return &Storage{
		ProcessDefinitions:   make(map[int64]model.ProcessDefinition),
		ElementInstances:     make(map[int64]runtime.ElementInstance),
		MessageSubscriptions: make(map[int64]runtime.MessageSubscription),
		Timers:               make(map[int64]runtime.Timer),
		SignalSubscriptions:  make(map[int64]runtime.SignalSubscription),
		Jobs:                 make(map[int64]runtime.Job),
		UserTasks:            make(map[int64]runtime.UserTask),
		Incidents:            make(map[int64]runtime.Incident),
		Variables:            make(map[int64]map[string]runtime.Variable),
		latestDefinitions:    expirable.NewLRU[string, model.ProcessDefinition](latestDefinitionCacheSize, nil, latestDefinitionCacheTTL),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func() error, 0, 10),
	}
}

func latestDefinitionCacheKey(processDefinitionId string, tenantId string) string {
	return strings.Join([]string{tenantId, processDefinitionId}, "/")
}

var _ storage.ProcessDefinitionStorageReader = &Storage{}

func (mem *Storage) FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string, tenantId string) (model.ProcessDefinition, error) {
	if def, ok := mem.latestDefinitions.Get(latestDefinitionCacheKey(processDefinitionId, tenantId)); ok {
		return def, nil
	}
	var res model.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if def.BpmnProcessId != processDefinitionId || def.TenantId != tenantId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	mem.latestDefinitions.Add(latestDefinitionCacheKey(processDefinitionId, tenantId), res)
	return res, nil
}

func (mem *Storage) FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (model.ProcessDefinition, error) {
	res, ok := mem.ProcessDefinitions[processDefinitionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionsById(ctx context.Context, processDefinitionId string, tenantId string) ([]model.ProcessDefinition, error) {
	res := make([]model.ProcessDefinition, 0)
	for _, def := range mem.ProcessDefinitions {
		if def.BpmnProcessId != processDefinitionId || def.TenantId != tenantId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b model.ProcessDefinition) int {
		return int(a.Version - b.Version)
	})
	return res, nil
}

var _ storage.ProcessDefinitionStorageWriter = &Storage{}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	mem.ProcessDefinitions[definition.Key] = definition
	mem.latestDefinitions.Remove(latestDefinitionCacheKey(definition.BpmnProcessId, definition.TenantId))
	return nil
}

var _ storage.ElementInstanceStorageReader = &Storage{}

func (mem *Storage) FindElementInstanceByKey(ctx context.Context, elementInstanceKey int64) (runtime.ElementInstance, error) {
	res, ok := mem.ElementInstances[elementInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstance(ctx context.Context, processInstanceKey int64) (runtime.ElementInstance, error) {
	res, ok := mem.ElementInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	if res.Key != res.Value.ProcessInstanceKey {
		return runtime.ElementInstance{}, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindElementInstanceChildren(ctx context.Context, flowScopeKey int64) ([]runtime.ElementInstance, error) {
	res := make([]runtime.ElementInstance, 0)
	for _, instance := range mem.ElementInstances {
		if instance.Value.FlowScopeKey != flowScopeKey {
			continue
		}
		res = append(res, instance)
	}
	sortInstancesByKey(res)
	return res, nil
}

func (mem *Storage) VisitChildren(ctx context.Context, flowScopeKey int64, fromKey int64, visit func(child runtime.ElementInstance) bool) error {
	children, err := mem.FindElementInstanceChildren(ctx, flowScopeKey)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Key <= fromKey {
			continue
		}
		if !visit(child) {
			return nil
		}
	}
	return nil
}

func (mem *Storage) FindProcessInstanceElementInstances(ctx context.Context, processInstanceKey int64) ([]runtime.ElementInstance, error) {
	res := make([]runtime.ElementInstance, 0)
	for _, instance := range mem.ElementInstances {
		if instance.Value.ProcessInstanceKey != processInstanceKey {
			continue
		}
		res = append(res, instance)
	}
	sortInstancesByKey(res)
	return res, nil
}

func sortInstancesByKey(instances []runtime.ElementInstance) {
	slices.SortFunc(instances, func(a, b runtime.ElementInstance) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
}

var _ storage.ElementInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveElementInstance(ctx context.Context, instance runtime.ElementInstance) error {
	mem.ElementInstances[instance.Key] = instance
	return nil
}

func (mem *Storage) DeleteElementInstance(ctx context.Context, elementInstanceKey int64) error {
	delete(mem.ElementInstances, elementInstanceKey)
	return nil
}

var _ storage.MessageSubscriptionStorageReader = &Storage{}

func (mem *Storage) FindMessageSubscriptionByKey(ctx context.Context, key int64) (runtime.MessageSubscription, error) {
	res, ok := mem.MessageSubscriptions[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindElementInstanceMessageSubscriptions(ctx context.Context, elementInstanceKey int64) ([]runtime.MessageSubscription, error) {
	res := make([]runtime.MessageSubscription, 0)
	for _, sub := range mem.MessageSubscriptions {
		if sub.ElementInstanceKey != elementInstanceKey {
			continue
		}
		res = append(res, sub)
	}
	slices.SortFunc(res, func(a, b runtime.MessageSubscription) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) FindProcessInstanceMessageSubscriptions(ctx context.Context, processInstanceKey int64) ([]runtime.MessageSubscription, error) {
	res := make([]runtime.MessageSubscription, 0)
	for _, sub := range mem.MessageSubscriptions {
		if sub.ProcessInstanceKey != processInstanceKey {
			continue
		}
		res = append(res, sub)
	}
	slices.SortFunc(res, func(a, b runtime.MessageSubscription) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) FindMessageSubscriptionsByCorrelationKey(ctx context.Context, correlationKey string) ([]runtime.MessageSubscription, error) {
	res := make([]runtime.MessageSubscription, 0)
	for _, sub := range mem.MessageSubscriptions {
		if sub.CorrelationKey != correlationKey {
			continue
		}
		res = append(res, sub)
	}
	slices.SortFunc(res, func(a, b runtime.MessageSubscription) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

var _ storage.MessageSubscriptionStorageWriter = &Storage{}

func (mem *Storage) SaveMessageSubscription(ctx context.Context, subscription runtime.MessageSubscription) error {
	mem.MessageSubscriptions[subscription.Key] = subscription
	return nil
}

func (mem *Storage) DeleteMessageSubscription(ctx context.Context, key int64) error {
	delete(mem.MessageSubscriptions, key)
	return nil
}

var _ storage.TimerStorageReader = &Storage{}

func (mem *Storage) FindTimersTo(ctx context.Context, end time.Time) ([]runtime.Timer, error) {
	res := make([]runtime.Timer, 0)
	for _, timer := range mem.Timers {
		if timer.DueAt.After(end) {
			continue
		}
		res = append(res, timer)
	}
	return res, nil
}

func (mem *Storage) FindElementInstanceTimers(ctx context.Context, elementInstanceKey int64) ([]runtime.Timer, error) {
	res := make([]runtime.Timer, 0)
	for _, timer := range mem.Timers {
		if timer.ElementInstanceKey != elementInstanceKey {
			continue
		}
		res = append(res, timer)
	}
	return res, nil
}

var _ storage.TimerStorageWriter = &Storage{}

func (mem *Storage) SaveTimer(ctx context.Context, timer runtime.Timer) error {
	mem.Timers[timer.Key] = timer
	return nil
}

func (mem *Storage) DeleteTimer(ctx context.Context, key int64) error {
	delete(mem.Timers, key)
	return nil
}

var _ storage.SignalSubscriptionStorageReader = &Storage{}

func (mem *Storage) FindElementInstanceSignalSubscriptions(ctx context.Context, elementInstanceKey int64) ([]runtime.SignalSubscription, error) {
	res := make([]runtime.SignalSubscription, 0)
	for _, sub := range mem.SignalSubscriptions {
		if sub.ElementInstanceKey != elementInstanceKey {
			continue
		}
		res = append(res, sub)
	}
	return res, nil
}

var _ storage.SignalSubscriptionStorageWriter = &Storage{}

func (mem *Storage) SaveSignalSubscription(ctx context.Context, subscription runtime.SignalSubscription) error {
	mem.SignalSubscriptions[subscription.Key] = subscription
	return nil
}

func (mem *Storage) DeleteSignalSubscription(ctx context.Context, key int64) error {
	delete(mem.SignalSubscriptions, key)
	return nil
}

var _ storage.JobStorageReader = &Storage{}

func (mem *Storage) FindJobByKey(ctx context.Context, jobKey int64) (runtime.Job, error) {
	res, ok := mem.Jobs[jobKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindPendingProcessInstanceJobs(ctx context.Context, processInstanceKey int64) ([]runtime.Job, error) {
	res := make([]runtime.Job, 0)
	for _, job := range mem.Jobs {
		if job.ProcessInstanceKey != processInstanceKey {
			continue
		}
		if job.State != runtime.ActivityStateActive && job.State != runtime.ActivityStateCompleting {
			continue
		}
		res = append(res, job)
	}
	return res, nil
}

var _ storage.JobStorageWriter = &Storage{}

func (mem *Storage) SaveJob(ctx context.Context, job runtime.Job) error {
	mem.Jobs[job.Key] = job
	return nil
}

func (mem *Storage) DeleteJob(ctx context.Context, jobKey int64) error {
	delete(mem.Jobs, jobKey)
	return nil
}

var _ storage.UserTaskStorageReader = &Storage{}

func (mem *Storage) FindUserTaskByKey(ctx context.Context, userTaskKey int64) (runtime.UserTask, error) {
	res, ok := mem.UserTasks[userTaskKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

var _ storage.UserTaskStorageWriter = &Storage{}

func (mem *Storage) SaveUserTask(ctx context.Context, task runtime.UserTask) error {
	mem.UserTasks[task.Key] = task
	return nil
}

func (mem *Storage) DeleteUserTask(ctx context.Context, userTaskKey int64) error {
	delete(mem.UserTasks, userTaskKey)
	return nil
}

var _ storage.IncidentStorageReader = &Storage{}

func (mem *Storage) FindIncidentByKey(ctx context.Context, key int64) (runtime.Incident, error) {
	res, ok := mem.Incidents[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindElementInstanceIncidents(ctx context.Context, elementInstanceKey int64) ([]runtime.Incident, error) {
	res := make([]runtime.Incident, 0)
	for _, incident := range mem.Incidents {
		if incident.ElementInstanceKey != elementInstanceKey {
			continue
		}
		res = append(res, incident)
	}
	return res, nil
}

var _ storage.IncidentStorageWriter = &Storage{}

func (mem *Storage) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	mem.Incidents[incident.Key] = incident
	return nil
}

func (mem *Storage) DeleteIncident(ctx context.Context, key int64) error {
	delete(mem.Incidents, key)
	return nil
}

var _ storage.VariableStorageReader = &Storage{}

func (mem *Storage) FindScopeVariables(ctx context.Context, scopeKey int64) ([]runtime.Variable, error) {
	res := make([]runtime.Variable, 0)
	for _, variable := range mem.Variables[scopeKey] {
		res = append(res, variable)
	}
	slices.SortFunc(res, func(a, b runtime.Variable) int {
		return strings.Compare(a.Name, b.Name)
	})
	return res, nil
}

func (mem *Storage) FindScopeVariable(ctx context.Context, scopeKey int64, name string) (runtime.Variable, error) {
	res, ok := mem.Variables[scopeKey][name]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

var _ storage.VariableStorageWriter = &Storage{}

func (mem *Storage) SaveVariable(ctx context.Context, variable runtime.Variable) error {
	scope, ok := mem.Variables[variable.ScopeKey]
	if !ok {
		scope = make(map[string]runtime.Variable)
		mem.Variables[variable.ScopeKey] = scope
	}
	scope[variable.Name] = variable
	return nil
}

func (mem *Storage) DeleteScopeVariables(ctx context.Context, scopeKey int64) error {
	delete(mem.Variables, scopeKey)
	return nil
}

type StorageBatch struct {
	db        *Storage
	stmtToRun []func() error
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) Flush(ctx context.Context) error {
	var joinErr error
	for _, stmt := range b.stmtToRun {
		err := stmt()
		if err != nil {
			joinErr = errors.Join(joinErr, err)
		}
	}
	if joinErr != nil {
		return joinErr
	}
	b.stmtToRun = b.stmtToRun[:0]
	return nil
}

var _ storage.ProcessDefinitionStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveProcessDefinition(ctx, definition)
	})
	return nil
}

var _ storage.ElementInstanceStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveElementInstance(ctx context.Context, instance runtime.ElementInstance) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveElementInstance(ctx, instance)
	})
	return nil
}

func (b *StorageBatch) DeleteElementInstance(ctx context.Context, elementInstanceKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.DeleteElementInstance(ctx, elementInstanceKey)
	})
	return nil
}

var _ storage.MessageSubscriptionStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveMessageSubscription(ctx context.Context, subscription runtime.MessageSubscription) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveMessageSubscription(ctx, subscription)
	})
	return nil
}

func (b *StorageBatch) DeleteMessageSubscription(ctx context.Context, key int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.DeleteMessageSubscription(ctx, key)
	})
	return nil
}

var _ storage.TimerStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveTimer(ctx context.Context, timer runtime.Timer) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveTimer(ctx, timer)
	})
	return nil
}

func (b *StorageBatch) DeleteTimer(ctx context.Context, key int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.DeleteTimer(ctx, key)
	})
	return nil
}

var _ storage.SignalSubscriptionStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveSignalSubscription(ctx context.Context, subscription runtime.SignalSubscription) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveSignalSubscription(ctx, subscription)
	})
	return nil
}

func (b *StorageBatch) DeleteSignalSubscription(ctx context.Context, key int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.DeleteSignalSubscription(ctx, key)
	})
	return nil
}

var _ storage.JobStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveJob(ctx context.Context, job runtime.Job) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveJob(ctx, job)
	})
	return nil
}

func (b *StorageBatch) DeleteJob(ctx context.Context, jobKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.DeleteJob(ctx, jobKey)
	})
	return nil
}

var _ storage.UserTaskStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveUserTask(ctx context.Context, task runtime.UserTask) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveUserTask(ctx, task)
	})
	return nil
}

func (b *StorageBatch) DeleteUserTask(ctx context.Context, userTaskKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.DeleteUserTask(ctx, userTaskKey)
	})
	return nil
}

var _ storage.IncidentStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveIncident(ctx, incident)
	})
	return nil
}

func (b *StorageBatch) DeleteIncident(ctx context.Context, key int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.DeleteIncident(ctx, key)
	})
	return nil
}

var _ storage.VariableStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveVariable(ctx context.Context, variable runtime.Variable) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveVariable(ctx, variable)
	})
	return nil
}

func (b *StorageBatch) DeleteScopeVariables(ctx context.Context, scopeKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.DeleteScopeVariables(ctx, scopeKey)
	})
	return nil
}
