// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package storagetest

import (
	"fmt"
	"math/rand"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	stdruntime "runtime"

	"github.com/stretchr/testify/assert"

	"github.com/flowcorehq/flowcore/pkg/bpmn/model"
	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
	bpmnruntime "github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
	"github.com/flowcorehq/flowcore/pkg/storage"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

// StorageTester holds conformance tests that every storage.Storage
// implementation is expected to pass.
type StorageTester struct {
	processDefinition model.ProcessDefinition
	processInstance   bpmnruntime.ElementInstance
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestProcessDefinitionStorageWriter,
		st.TestProcessDefinitionStorageReader,
		st.TestElementInstanceStorageWriter,
		st.TestElementInstanceStorageReader,
		st.TestElementInstanceChildVisit,
		st.TestMessageSubscriptionStorage,
		st.TestTimerStorage,
		st.TestSignalSubscriptionStorage,
		st.TestJobStorage,
		st.TestUserTaskStorage,
		st.TestIncidentStorage,
		st.TestVariableStorage,
		st.TestBatchFlush,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func getProcessDefinition(r int64) model.ProcessDefinition {
	process := model.NewProcessBuilder(fmt.Sprintf("id-%d", r)).
		WithNoneStartEvent("start").
		Task("", "task-a").
		Build()
	return model.ProcessDefinition{
		Key:           r,
		BpmnProcessId: fmt.Sprintf("id-%d", r),
		Version:       1,
		TenantId:      "<default>",
		Process:       process,
	}
}

func getElementInstance(key int64, d model.ProcessDefinition, processInstanceKey int64, flowScopeKey int64) bpmnruntime.ElementInstance {
	return bpmnruntime.ElementInstance{
		Key:   key,
		State: bpmnruntime.ActivityStateActive,
		Value: record.ProcessInstanceRecord{
			BpmnProcessId:        d.BpmnProcessId,
			Version:              d.Version,
			ProcessDefinitionKey: d.Key,
			ProcessInstanceKey:   processInstanceKey,
			ElementId:            "task-a",
			BpmnElementType:      model.ElementTypeServiceTask,
			FlowScopeKey:         flowScopeKey,
			TenantId:             d.TenantId,
		},
	}
}

// PrepareTestData will prepare common data for the tests
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	r := rand.Int63()

	st.processDefinition = getProcessDefinition(r)
	err := s.SaveProcessDefinition(t.Context(), st.processDefinition)
	assert.NoError(t, err)

	st.processInstance = getElementInstance(r, st.processDefinition, r, -1)
	st.processInstance.Value.ElementId = st.processDefinition.BpmnProcessId
	st.processInstance.Value.BpmnElementType = model.ElementTypeProcess
	err = s.SaveElementInstance(t.Context(), st.processInstance)
	assert.NoError(t, err)
}

func (st *StorageTester) TestProcessDefinitionStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := rand.Int63()

		def := getProcessDefinition(r)

		err := s.SaveProcessDefinition(t.Context(), def)
		assert.NoError(t, err)

		definition, err := s.FindProcessDefinitionByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, definition.Key)
	}
}

func (st *StorageTester) TestProcessDefinitionStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := rand.Int63()

		def := getProcessDefinition(r)
		err := s.SaveProcessDefinition(t.Context(), def)
		assert.NoError(t, err)

		definition, err := s.FindLatestProcessDefinitionById(t.Context(), def.BpmnProcessId, def.TenantId)
		assert.NoError(t, err)
		assert.Equal(t, r, definition.Key)

		// a newer version replaces the latest lookup result
		def2 := getProcessDefinition(rand.Int63())
		def2.BpmnProcessId = def.BpmnProcessId
		def2.Version = 2
		err = s.SaveProcessDefinition(t.Context(), def2)
		assert.NoError(t, err)

		definition, err = s.FindLatestProcessDefinitionById(t.Context(), def.BpmnProcessId, def.TenantId)
		assert.NoError(t, err)
		assert.Equal(t, def2.Key, definition.Key)

		definitions, err := s.FindProcessDefinitionsById(t.Context(), def.BpmnProcessId, def.TenantId)
		assert.NoError(t, err)
		assert.Len(t, definitions, 2)
		assert.Equal(t, int32(1), definitions[0].Version)
		assert.Equal(t, int32(2), definitions[1].Version)

		_, err = s.FindProcessDefinitionByKey(t.Context(), -42)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestElementInstanceStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := rand.Int63()

		instance := getElementInstance(r, st.processDefinition, st.processInstance.Key, st.processInstance.Key)

		err := s.SaveElementInstance(t.Context(), instance)
		assert.NoError(t, err)

		stored, err := s.FindElementInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, instance, stored)

		err = s.DeleteElementInstance(t.Context(), r)
		assert.NoError(t, err)

		_, err = s.FindElementInstanceByKey(t.Context(), r)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestElementInstanceStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		root, err := s.FindProcessInstance(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.Equal(t, st.processInstance.Key, root.Key)

		r := rand.Int63()
		child := getElementInstance(r, st.processDefinition, st.processInstance.Key, st.processInstance.Key)
		err = s.SaveElementInstance(t.Context(), child)
		assert.NoError(t, err)

		// child keys are not process instance roots
		_, err = s.FindProcessInstance(t.Context(), r)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		instances, err := s.FindProcessInstanceElementInstances(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.Truef(t, slices.ContainsFunc(instances, func(i bpmnruntime.ElementInstance) bool { return i.Key == r }),
			"expected to find child among process instance element instances: %+v", instances)
		assert.True(t, slices.IsSortedFunc(instances, func(a, b bpmnruntime.ElementInstance) int {
			switch {
			case a.Key < b.Key:
				return -1
			case a.Key > b.Key:
				return 1
			}
			return 0
		}))
	}
}

func (st *StorageTester) TestElementInstanceChildVisit(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		scopeKey := rand.Int63()
		scope := getElementInstance(scopeKey, st.processDefinition, scopeKey, -1)
		err := s.SaveElementInstance(t.Context(), scope)
		assert.NoError(t, err)

		keys := []int64{scopeKey + 1, scopeKey + 2, scopeKey + 3}
		for _, key := range keys {
			err = s.SaveElementInstance(t.Context(), getElementInstance(key, st.processDefinition, scopeKey, scopeKey))
			assert.NoError(t, err)
		}

		children, err := s.FindElementInstanceChildren(t.Context(), scopeKey)
		assert.NoError(t, err)
		assert.Len(t, children, 3)
		assert.Equal(t, keys[0], children[0].Key)

		// resume after a cursor and stop early
		visited := make([]int64, 0)
		err = s.VisitChildren(t.Context(), scopeKey, keys[0], func(child bpmnruntime.ElementInstance) bool {
			visited = append(visited, child.Key)
			return len(visited) < 1
		})
		assert.NoError(t, err)
		assert.Equal(t, []int64{keys[1]}, visited)
	}
}

func (st *StorageTester) TestMessageSubscriptionStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := rand.Int63()

		sub := bpmnruntime.MessageSubscription{
			Key:                  r,
			ElementId:            "catch-msg",
			ElementInstanceKey:   r + 1,
			ProcessDefinitionKey: st.processDefinition.Key,
			ProcessInstanceKey:   st.processInstance.Key,
			BpmnProcessId:        st.processDefinition.BpmnProcessId,
			MessageName:          fmt.Sprintf("message-%d", r),
			CorrelationKey:       fmt.Sprintf("correlation-%d", r),
			CreatedAt:            time.Now().Truncate(time.Millisecond),
		}
		err := s.SaveMessageSubscription(t.Context(), sub)
		assert.NoError(t, err)

		stored, err := s.FindMessageSubscriptionByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, sub, stored)

		subs, err := s.FindElementInstanceMessageSubscriptions(t.Context(), sub.ElementInstanceKey)
		assert.NoError(t, err)
		assert.Equal(t, []bpmnruntime.MessageSubscription{sub}, subs)

		subs, err = s.FindProcessInstanceMessageSubscriptions(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.Contains(t, subs, sub)

		err = s.DeleteMessageSubscription(t.Context(), r)
		assert.NoError(t, err)

		_, err = s.FindMessageSubscriptionByKey(t.Context(), r)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestTimerStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := rand.Int63()

		timer := bpmnruntime.Timer{
			Key:                  r,
			ElementId:            "catch-timer",
			ElementInstanceKey:   r + 1,
			ProcessDefinitionKey: st.processDefinition.Key,
			ProcessInstanceKey:   st.processInstance.Key,
			CreatedAt:            time.Now().Truncate(time.Millisecond),
			DueAt:                time.Now().Add(time.Hour).Truncate(time.Millisecond),
			Duration:             time.Hour,
		}
		err := s.SaveTimer(t.Context(), timer)
		assert.NoError(t, err)

		timers, err := s.FindTimersTo(t.Context(), timer.DueAt.Add(time.Second))
		assert.NoError(t, err)
		assert.Contains(t, timers, timer)

		timers, err = s.FindTimersTo(t.Context(), timer.DueAt.Add(-time.Second))
		assert.NoError(t, err)
		assert.NotContains(t, timers, timer)

		timers, err = s.FindElementInstanceTimers(t.Context(), timer.ElementInstanceKey)
		assert.NoError(t, err)
		assert.Equal(t, []bpmnruntime.Timer{timer}, timers)

		err = s.DeleteTimer(t.Context(), r)
		assert.NoError(t, err)

		timers, err = s.FindElementInstanceTimers(t.Context(), timer.ElementInstanceKey)
		assert.NoError(t, err)
		assert.Empty(t, timers)
	}
}

func (st *StorageTester) TestSignalSubscriptionStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := rand.Int63()

		sub := bpmnruntime.SignalSubscription{
			Key:                  r,
			CatchEventId:         "catch-signal",
			ElementInstanceKey:   r + 1,
			ProcessDefinitionKey: st.processDefinition.Key,
			ProcessInstanceKey:   st.processInstance.Key,
			BpmnProcessId:        st.processDefinition.BpmnProcessId,
			SignalName:           fmt.Sprintf("signal-%d", r),
		}
		err := s.SaveSignalSubscription(t.Context(), sub)
		assert.NoError(t, err)

		subs, err := s.FindElementInstanceSignalSubscriptions(t.Context(), sub.ElementInstanceKey)
		assert.NoError(t, err)
		assert.Equal(t, []bpmnruntime.SignalSubscription{sub}, subs)

		err = s.DeleteSignalSubscription(t.Context(), r)
		assert.NoError(t, err)

		subs, err = s.FindElementInstanceSignalSubscriptions(t.Context(), sub.ElementInstanceKey)
		assert.NoError(t, err)
		assert.Empty(t, subs)
	}
}

func (st *StorageTester) TestJobStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := rand.Int63()

		job := bpmnruntime.Job{
			Key:                  r,
			Type:                 "test-job",
			ElementId:            "task-a",
			ElementInstanceKey:   r + 1,
			ProcessInstanceKey:   st.processInstance.Key,
			ProcessDefinitionKey: st.processDefinition.Key,
			Version:              st.processDefinition.Version,
			BpmnProcessId:        st.processDefinition.BpmnProcessId,
			State:                bpmnruntime.ActivityStateActive,
			CreatedAt:            time.Now().Truncate(time.Millisecond),
		}
		err := s.SaveJob(t.Context(), job)
		assert.NoError(t, err)

		stored, err := s.FindJobByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, job, stored)

		jobs, err := s.FindPendingProcessInstanceJobs(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.Contains(t, jobs, job)

		job.State = bpmnruntime.ActivityStateTerminated
		err = s.SaveJob(t.Context(), job)
		assert.NoError(t, err)

		jobs, err = s.FindPendingProcessInstanceJobs(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.NotContains(t, jobs, job)

		err = s.DeleteJob(t.Context(), r)
		assert.NoError(t, err)

		_, err = s.FindJobByKey(t.Context(), r)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestUserTaskStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := rand.Int63()

		task := bpmnruntime.UserTask{
			Key:                  r,
			ElementId:            "user-task",
			ElementInstanceKey:   r + 1,
			ProcessInstanceKey:   st.processInstance.Key,
			ProcessDefinitionKey: st.processDefinition.Key,
			Version:              st.processDefinition.Version,
			BpmnProcessId:        st.processDefinition.BpmnProcessId,
			Assignee:             "jane",
		}
		err := s.SaveUserTask(t.Context(), task)
		assert.NoError(t, err)

		stored, err := s.FindUserTaskByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, task, stored)

		err = s.DeleteUserTask(t.Context(), r)
		assert.NoError(t, err)

		_, err = s.FindUserTaskByKey(t.Context(), r)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestIncidentStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := rand.Int63()

		incident := bpmnruntime.Incident{
			Key:                  r,
			ElementId:            "task-a",
			ElementInstanceKey:   r + 1,
			ProcessInstanceKey:   st.processInstance.Key,
			ProcessDefinitionKey: st.processDefinition.Key,
			BpmnProcessId:        st.processDefinition.BpmnProcessId,
			Message:              "test-message",
		}
		err := s.SaveIncident(t.Context(), incident)
		assert.NoError(t, err)

		stored, err := s.FindIncidentByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, incident, stored)

		incidents, err := s.FindElementInstanceIncidents(t.Context(), incident.ElementInstanceKey)
		assert.NoError(t, err)
		assert.Equal(t, []bpmnruntime.Incident{incident}, incidents)

		err = s.DeleteIncident(t.Context(), r)
		assert.NoError(t, err)

		_, err = s.FindIncidentByKey(t.Context(), r)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestVariableStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		scopeKey := rand.Int63()

		v1 := bpmnruntime.Variable{
			Key:                scopeKey + 1,
			Name:               "order",
			Value:              "A-7",
			ScopeKey:           scopeKey,
			ProcessInstanceKey: st.processInstance.Key,
			BpmnProcessId:      st.processDefinition.BpmnProcessId,
		}
		v2 := v1
		v2.Key = scopeKey + 2
		v2.Name = "amount"
		v2.Value = float64(42)

		err := s.SaveVariable(t.Context(), v1)
		assert.NoError(t, err)
		err = s.SaveVariable(t.Context(), v2)
		assert.NoError(t, err)

		variables, err := s.FindScopeVariables(t.Context(), scopeKey)
		assert.NoError(t, err)
		assert.Equal(t, []bpmnruntime.Variable{v2, v1}, variables, "variables are ordered by name")

		stored, err := s.FindScopeVariable(t.Context(), scopeKey, "order")
		assert.NoError(t, err)
		assert.Equal(t, v1, stored)

		// same scope and name overwrites
		v1.Value = "A-8"
		err = s.SaveVariable(t.Context(), v1)
		assert.NoError(t, err)
		stored, err = s.FindScopeVariable(t.Context(), scopeKey, "order")
		assert.NoError(t, err)
		assert.Equal(t, "A-8", stored.Value)

		err = s.DeleteScopeVariables(t.Context(), scopeKey)
		assert.NoError(t, err)

		variables, err = s.FindScopeVariables(t.Context(), scopeKey)
		assert.NoError(t, err)
		assert.Empty(t, variables)
	}
}

func (st *StorageTester) TestBatchFlush(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := rand.Int63()

		batch := s.NewBatch()
		instance := getElementInstance(r, st.processDefinition, st.processInstance.Key, st.processInstance.Key)
		err := batch.SaveElementInstance(t.Context(), instance)
		assert.NoError(t, err)

		// nothing is visible before the flush
		_, err = s.FindElementInstanceByKey(t.Context(), r)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		err = batch.Flush(t.Context())
		assert.NoError(t, err)

		stored, err := s.FindElementInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, instance, stored)
	}
}
