// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowcorehq/flowcore/pkg/bpmn/model"
	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
	"github.com/flowcorehq/flowcore/pkg/storage"

	appotel "github.com/flowcorehq/flowcore/internal/otel"
)

// migratableElementTypes is the closed set of element kinds migration
// supports. Everything else is rejected before any event is appended.
var migratableElementTypes = map[model.ElementType]bool{
	model.ElementTypeProcess:      true,
	model.ElementTypeServiceTask:  true,
	model.ElementTypeUserTask:     true,
	model.ElementTypeSubProcess:   true,
	model.ElementTypeCallActivity: true,
}

// processMigrateInstance remaps a running instance's active elements onto a
// different deployed definition version. All preconditions are evaluated
// before the first event, a rejected migration leaves no partial mutation.
func (engine *Engine) processMigrateInstance(ctx context.Context, w *recordWriter, cmd *command) (*record.Rejection, error) {
	migration, ok := cmd.value.(record.ProcessInstanceMigrationRecord)
	if !ok {
		return nil, fmt.Errorf("unexpected value of %s command: %T", cmd.intent, cmd.value)
	}
	notFound := record.Rejectionf(record.RejectionNotFound,
		"no running process instance found with key %d", migration.ProcessInstanceKey)

	rootInstance, err := engine.storage.FindProcessInstance(ctx, migration.ProcessInstanceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return &notFound, nil
	}
	if err != nil {
		return nil, err
	}
	if rejection := rejectHiddenTenantResource(ctx, cmd, rootInstance.Value.TenantId, notFound); rejection != nil {
		return rejection, nil
	}

	target, err := engine.storage.FindProcessDefinitionByKey(ctx, migration.TargetProcessDefinitionKey)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && target.TenantId != rootInstance.Value.TenantId) {
		rejection := record.Rejectionf(record.RejectionNotFound,
			"no process definition found with key %d", migration.TargetProcessDefinitionKey)
		return &rejection, nil
	}
	if err != nil {
		return nil, err
	}
	source, err := engine.storage.FindProcessDefinitionByKey(ctx, rootInstance.Value.ProcessDefinitionKey)
	if err != nil {
		return nil, fmt.Errorf("process definition %d of instance %d not found: %w",
			rootInstance.Value.ProcessDefinitionKey, rootInstance.Key, err)
	}

	instances, err := engine.storage.FindProcessInstanceElementInstances(ctx, rootInstance.Key)
	if err != nil {
		return nil, err
	}

	mappings := map[string]string{}
	for _, mapping := range migration.MappingInstructions {
		if _, ok := mappings[mapping.SourceElementId]; ok {
			rejection := record.Rejectionf(record.RejectionInvalidArgument,
				"duplicate mapping instruction for source element '%s'", mapping.SourceElementId)
			return &rejection, nil
		}
		mappings[mapping.SourceElementId] = mapping.TargetElementId
	}

	if rejection, err := engine.checkMigrationPreconditions(ctx, source, target, rootInstance, instances, mappings); rejection != nil || err != nil {
		return rejection, err
	}

	for _, instance := range instances {
		if err := engine.migrateElementInstance(ctx, w, instance, target, mappings); err != nil {
			if rejection, ok := rejectionForActivationError(err); ok {
				return &rejection, nil
			}
			return nil, err
		}
	}

	if err := w.WriteEventOnCommand(ctx, cmd, rootInstance.Key, record.IntentMigrated, migration); err != nil {
		return nil, err
	}
	appotel.MigratedInstancesTotal.Add(ctx, 1)
	return nil, nil
}

func (engine *Engine) checkMigrationPreconditions(
	ctx context.Context,
	source model.ProcessDefinition,
	target model.ProcessDefinition,
	rootInstance runtime.ElementInstance,
	instances []runtime.ElementInstance,
	mappings map[string]string,
) (*record.Rejection, error) {
	for sourceId, targetId := range mappings {
		if source.Process.ElementById(sourceId) == nil {
			rejection := record.Rejectionf(record.RejectionInvalidArgument,
				"mapping instruction references source element '%s' which does not exist in process '%s'",
				sourceId, source.BpmnProcessId)
			return &rejection, nil
		}
		if target.Process.ElementById(targetId) == nil {
			rejection := record.Rejectionf(record.RejectionInvalidArgument,
				"mapping instruction references target element '%s' which does not exist in process '%s'",
				targetId, target.BpmnProcessId)
			return &rejection, nil
		}
	}

	if id, ok := containsEventSubprocess(source.Process); ok {
		rejection := record.Rejectionf(record.RejectionInvalidState,
			"process '%s' contains event subprocess '%s', migrating instances of processes with event subprocesses is not supported",
			source.BpmnProcessId, id)
		return &rejection, nil
	}
	if id, ok := containsEventSubprocess(target.Process); ok {
		rejection := record.Rejectionf(record.RejectionInvalidState,
			"process '%s' contains event subprocess '%s', migrating instances onto processes with event subprocesses is not supported",
			target.BpmnProcessId, id)
		return &rejection, nil
	}

	for _, instance := range instances {
		if rejection := engine.checkElementMigratable(source, target, instance, mappings); rejection != nil {
			return rejection, nil
		}
	}

	if target.Process.HasMessageStartEvent {
		if rejection, err := engine.checkMessageStartCorrelation(ctx, target, rootInstance); rejection != nil || err != nil {
			return rejection, err
		}
	}
	return nil, nil
}

func (engine *Engine) checkElementMigratable(
	source model.ProcessDefinition,
	target model.ProcessDefinition,
	instance runtime.ElementInstance,
	mappings map[string]string,
) *record.Rejection {
	elementId := instance.Value.ElementId
	sourceElement := source.Process.ElementById(elementId)
	if sourceElement == nil {
		rejection := record.Rejectionf(record.RejectionInvalidState,
			"active element '%s' does not exist in process '%s'", elementId, source.BpmnProcessId)
		return &rejection
	}
	if !migratableElementTypes[sourceElement.Type] {
		rejection := record.Rejectionf(record.RejectionInvalidState,
			"active element '%s' has type %s which cannot be migrated", elementId, sourceElement.Type)
		return &rejection
	}
	if instance.ActiveSequenceFlows > 0 {
		rejection := record.Rejectionf(record.RejectionInvalidState,
			"active element '%s' has a command in flight on an outgoing sequence flow, retry the migration later", elementId)
		return &rejection
	}

	targetElementId := target.BpmnProcessId
	if instance.Value.FlowScopeKey != -1 {
		mapped, ok := mappings[elementId]
		if !ok {
			rejection := record.Rejectionf(record.RejectionInvalidState,
				"no mapping instruction defined for active element '%s', each active element must be mapped explicitly", elementId)
			return &rejection
		}
		targetElementId = mapped
	}
	targetElement := target.Process.ElementById(targetElementId)
	if targetElement == nil {
		rejection := record.Rejectionf(record.RejectionInvalidState,
			"mapped target element '%s' does not exist in process '%s'", targetElementId, target.BpmnProcessId)
		return &rejection
	}
	if sourceElement.Type != targetElement.Type {
		rejection := record.Rejectionf(record.RejectionInvalidState,
			"active element '%s' of type %s is mapped to element '%s' of type %s, the element type must not change",
			elementId, sourceElement.Type, targetElementId, targetElement.Type)
		return &rejection
	}
	if sourceElement.Type == model.ElementTypeUserTask &&
		sourceElement.UserTaskImplementation != targetElement.UserTaskImplementation {
		rejection := record.Rejectionf(record.RejectionInvalidState,
			"active user task '%s' with implementation '%s' is mapped to '%s' with implementation '%s', the implementation must not change",
			elementId, sourceElement.UserTaskImplementation, targetElementId, targetElement.UserTaskImplementation)
		return &rejection
	}

	if instance.Value.FlowScopeKey != -1 {
		expectedScope := target.BpmnProcessId
		sourceScopeId := sourceElement.FlowScopeId()
		if mapped, ok := mappings[sourceScopeId]; ok {
			expectedScope = mapped
		} else if sourceScopeId != source.BpmnProcessId {
			expectedScope = sourceScopeId
		}
		if targetElement.FlowScopeId() != expectedScope {
			rejection := record.Rejectionf(record.RejectionInvalidState,
				"active element '%s' is mapped to element '%s' in a different flow scope, the flow scope must not change",
				elementId, targetElementId)
			return &rejection
		}
	}

	if rejection := rejectDisallowedBoundaryEvents(sourceElement, elementId); rejection != nil {
		return rejection
	}
	return rejectDisallowedBoundaryEvents(targetElement, elementId)
}

func rejectDisallowedBoundaryEvents(element *model.Element, activeElementId string) *record.Rejection {
	for _, catchEvent := range element.CatchEvents {
		if !catchEvent.Boundary {
			continue
		}
		switch catchEvent.EventType {
		case model.EventTypeMessage, model.EventTypeTimer, model.EventTypeSignal:
		default:
			rejection := record.Rejectionf(record.RejectionInvalidState,
				"active element '%s' has a boundary event '%s' of type %s, only message, timer and signal boundary events can be migrated",
				activeElementId, catchEvent.Id, catchEvent.EventType)
			return &rejection
		}
	}
	return nil
}

func containsEventSubprocess(process *model.ExecutableProcess) (string, bool) {
	for _, element := range process.Elements() {
		if element.Type == model.ElementTypeEventSubProcess {
			return element.Id, true
		}
	}
	return "", false
}

// checkMessageStartCorrelation guards the one-instance-per-correlation-key
// invariant of message start events: the migrated instance must not collide
// with a distinct instance already correlated for the target process id.
func (engine *Engine) checkMessageStartCorrelation(ctx context.Context, target model.ProcessDefinition, rootInstance runtime.ElementInstance) (*record.Rejection, error) {
	own, err := engine.storage.FindProcessInstanceMessageSubscriptions(ctx, rootInstance.Key)
	if err != nil {
		return nil, err
	}
	for _, subscription := range own {
		correlated, err := engine.storage.FindMessageSubscriptionsByCorrelationKey(ctx, subscription.CorrelationKey)
		if err != nil {
			return nil, err
		}
		for _, other := range correlated {
			if other.ProcessInstanceKey != rootInstance.Key && other.BpmnProcessId == target.BpmnProcessId {
				rejection := record.Rejectionf(record.RejectionInvalidState,
					"process '%s' has a message start event and an instance for correlation key '%s' already exists",
					target.BpmnProcessId, subscription.CorrelationKey)
				return &rejection, nil
			}
		}
	}
	return nil, nil
}

// migrateElementInstance rewrites one element instance and its event
// subscriptions onto the target definition. Mapped catch events migrate in
// place, unmapped ones are closed and the target's new catch events opened.
func (engine *Engine) migrateElementInstance(
	ctx context.Context,
	w *recordWriter,
	instance runtime.ElementInstance,
	target model.ProcessDefinition,
	mappings map[string]string,
) error {
	isRoot := instance.Value.FlowScopeKey == -1
	targetElementId := target.BpmnProcessId
	if !isRoot {
		targetElementId = mappings[instance.Value.ElementId]
	}
	targetElement := target.Process.ElementById(targetElementId)

	mappedTargetCatch := map[string]bool{}
	keepCatch := map[string]bool{}
	for sourceId, targetId := range mappings {
		keepCatch[sourceId] = true
		mappedTargetCatch[targetId] = true
	}

	if err := engine.migrateSubscriptionsInPlace(ctx, w, instance, target, mappings, keepCatch); err != nil {
		return err
	}
	if err := engine.unsubscribeFromCatchEvents(ctx, instance.Key, keepCatch); err != nil {
		return err
	}
	if err := engine.subscribeToCatchEvents(ctx, &instance, targetElement, func(catchEvent model.CatchEvent) bool {
		return !mappedTargetCatch[catchEvent.Id]
	}); err != nil {
		return err
	}

	if err := engine.migrateJob(ctx, w, instance, target, targetElement); err != nil {
		return err
	}
	if instance.UserTaskKey > 0 {
		userTask, err := engine.storage.FindUserTaskByKey(ctx, instance.UserTaskKey)
		if err == nil {
			userTask.ElementId = targetElementId
			userTask.ProcessDefinitionKey = target.Key
			userTask.BpmnProcessId = target.BpmnProcessId
			userTask.Version = target.Version
			if err := engine.storage.SaveUserTask(ctx, userTask); err != nil {
				return err
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	migratedValue := instance.Value
	migratedValue.BpmnProcessId = target.BpmnProcessId
	migratedValue.Version = target.Version
	migratedValue.ProcessDefinitionKey = target.Key
	migratedValue.ElementId = targetElementId
	intent := record.IntentElementMigrated
	if isRoot {
		intent = record.IntentAncestorMigrated
	}
	return w.AppendFollowUpEvent(ctx, instance.Key, record.ValueTypeProcessInstance, intent, migratedValue)
}

// migrateSubscriptionsInPlace renames the explicitly mapped subscriptions of
// an instance, preserving their queue position and due dates. A message
// subscription whose correlation key is owned by another partition is routed
// there instead of being rewritten locally.
func (engine *Engine) migrateSubscriptionsInPlace(
	ctx context.Context,
	w *recordWriter,
	instance runtime.ElementInstance,
	target model.ProcessDefinition,
	mappings map[string]string,
	keepCatch map[string]bool,
) error {
	messageSubscriptions, err := engine.storage.FindElementInstanceMessageSubscriptions(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, subscription := range messageSubscriptions {
		if !keepCatch[subscription.ElementId] {
			continue
		}
		migrated := record.MessageSubscriptionRecord{
			ProcessInstanceKey: subscription.ProcessInstanceKey,
			ElementInstanceKey: subscription.ElementInstanceKey,
			BpmnProcessId:      target.BpmnProcessId,
			MessageName:        subscription.MessageName,
			CorrelationKey:     subscription.CorrelationKey,
			Interrupting:       subscription.Interrupting,
			TenantId:           subscription.TenantId,
		}
		owner := engine.partitionForCorrelationKey(subscription.CorrelationKey)
		if owner != engine.partitionId {
			if err := engine.distributor.DistributeCommand(ctx, owner, record.ValueTypeMessageSubscription, record.IntentSubscriptionMigrate, subscription.Key, migrated); err != nil {
				return err
			}
			continue
		}
		subscription.ElementId = mappings[subscription.ElementId]
		subscription.ProcessDefinitionKey = target.Key
		subscription.BpmnProcessId = target.BpmnProcessId
		if err := engine.storage.SaveMessageSubscription(ctx, subscription); err != nil {
			return err
		}
		if err := w.AppendFollowUpEvent(ctx, subscription.Key, record.ValueTypeMessageSubscription, record.IntentSubscriptionMigrate, migrated); err != nil {
			return err
		}
	}

	timers, err := engine.storage.FindElementInstanceTimers(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, timer := range timers {
		if !keepCatch[timer.ElementId] {
			continue
		}
		timer.ElementId = mappings[timer.ElementId]
		timer.ProcessDefinitionKey = target.Key
		if err := engine.storage.SaveTimer(ctx, timer); err != nil {
			return err
		}
		migrated := record.TimerRecord{
			ElementInstanceKey:   timer.ElementInstanceKey,
			ProcessInstanceKey:   timer.ProcessInstanceKey,
			ProcessDefinitionKey: timer.ProcessDefinitionKey,
			TargetElementId:      timer.ElementId,
			DueDate:              timer.DueAt.UnixMilli(),
			Repetitions:          timer.Repetitions,
			TenantId:             timer.TenantId,
		}
		if err := w.AppendFollowUpEvent(ctx, timer.Key, record.ValueTypeTimer, record.IntentSubscriptionMigrate, migrated); err != nil {
			return err
		}
	}

	signalSubscriptions, err := engine.storage.FindElementInstanceSignalSubscriptions(ctx, instance.Key)
	if err != nil {
		return err
	}
	for _, subscription := range signalSubscriptions {
		if !keepCatch[subscription.CatchEventId] {
			continue
		}
		subscription.CatchEventId = mappings[subscription.CatchEventId]
		subscription.ProcessDefinitionKey = target.Key
		subscription.BpmnProcessId = target.BpmnProcessId
		if err := engine.storage.SaveSignalSubscription(ctx, subscription); err != nil {
			return err
		}
	}
	return nil
}

// migrateJob moves an in-flight job onto the target definition. A job whose
// target element uses a different job type is cancelled and re-created, one
// without a job-worker backing is only cancelled.
func (engine *Engine) migrateJob(ctx context.Context, w *recordWriter, instance runtime.ElementInstance, target model.ProcessDefinition, targetElement *model.Element) error {
	if instance.JobKey == 0 {
		return nil
	}
	job, err := engine.storage.FindJobByKey(ctx, instance.JobKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if targetElement.JobType == "" {
		if err := engine.cancelJob(ctx, w, job.Key); err != nil {
			return err
		}
		return engine.updateElementInstance(ctx, instance.Key, func(i *runtime.ElementInstance) { i.JobKey = 0 })
	}
	if job.Type != targetElement.JobType {
		if err := engine.cancelJob(ctx, w, job.Key); err != nil {
			return err
		}
		newKey := engine.generateKey()
		newJob := runtime.Job{
			Key:                  newKey,
			Type:                 targetElement.JobType,
			ElementId:            targetElement.Id,
			ElementInstanceKey:   instance.Key,
			ProcessInstanceKey:   instance.Value.ProcessInstanceKey,
			ProcessDefinitionKey: target.Key,
			Version:              target.Version,
			BpmnProcessId:        target.BpmnProcessId,
			State:                runtime.ActivityStateActive,
			CreatedAt:            time.Now(),
		}
		if err := engine.storage.SaveJob(ctx, newJob); err != nil {
			return err
		}
		return engine.updateElementInstance(ctx, instance.Key, func(i *runtime.ElementInstance) { i.JobKey = newKey })
	}
	job.ElementId = targetElement.Id
	job.ProcessDefinitionKey = target.Key
	job.Version = target.Version
	job.BpmnProcessId = target.BpmnProcessId
	return engine.storage.SaveJob(ctx, job)
}
