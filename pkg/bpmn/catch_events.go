// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"context"
	"fmt"
	"time"

	"github.com/senseyeio/duration"

	"github.com/flowcorehq/flowcore/pkg/bpmn/model"
	"github.com/flowcorehq/flowcore/pkg/bpmn/runtime"
)

// catchEventFilter selects a subset of an element's catch events. A nil
// filter selects all of them.
type catchEventFilter func(catchEvent model.CatchEvent) bool

// subscribeToCatchEvents opens subscriptions for the catch events an element
// declares. Interrupted scopes take no new subscriptions. A colliding message
// subscription surfaces as an EventSubscriptionError.
func (engine *Engine) subscribeToCatchEvents(ctx context.Context, instance *runtime.ElementInstance, element *model.Element, filter catchEventFilter) error {
	if instance.Interrupted {
		return nil
	}
	for _, catchEvent := range element.CatchEvents {
		if filter != nil && !filter(catchEvent) {
			continue
		}
		var err error
		switch catchEvent.EventType {
		case model.EventTypeMessage:
			err = engine.subscribeToMessage(ctx, instance, catchEvent)
		case model.EventTypeTimer:
			err = engine.subscribeToTimer(ctx, instance, catchEvent)
		case model.EventTypeSignal:
			err = engine.subscribeToSignal(ctx, instance, catchEvent)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (engine *Engine) subscribeToMessage(ctx context.Context, instance *runtime.ElementInstance, catchEvent model.CatchEvent) error {
	existing, err := engine.storage.FindProcessInstanceMessageSubscriptions(ctx, instance.Value.ProcessInstanceKey)
	if err != nil {
		return err
	}
	for _, subscription := range existing {
		if subscription.MessageName == catchEvent.MessageName && subscription.ElementInstanceKey == instance.Key {
			return &EventSubscriptionError{
				ElementId: catchEvent.Id,
				Msg:       fmt.Sprintf("a subscription for message '%s' is already open", catchEvent.MessageName),
			}
		}
	}
	return engine.storage.SaveMessageSubscription(ctx, runtime.MessageSubscription{
		Key:                  engine.generateKey(),
		ElementId:            catchEvent.Id,
		ElementInstanceKey:   instance.Key,
		ProcessDefinitionKey: instance.Value.ProcessDefinitionKey,
		ProcessInstanceKey:   instance.Value.ProcessInstanceKey,
		BpmnProcessId:        instance.Value.BpmnProcessId,
		MessageName:          catchEvent.MessageName,
		CorrelationKey:       catchEvent.CorrelationKey,
		Interrupting:         catchEvent.Interrupting,
		TenantId:             instance.Value.TenantId,
		CreatedAt:            time.Now(),
	})
}

func (engine *Engine) subscribeToTimer(ctx context.Context, instance *runtime.ElementInstance, catchEvent model.CatchEvent) error {
	dur, err := duration.ParseISO8601(catchEvent.TimerDuration)
	if err != nil {
		return &EventSubscriptionError{
			ElementId: catchEvent.Id,
			Msg:       fmt.Sprintf("invalid timer duration '%s': %s", catchEvent.TimerDuration, err),
		}
	}
	now := time.Now()
	dueAt := dur.Shift(now)
	return engine.storage.SaveTimer(ctx, runtime.Timer{
		Key:                  engine.generateKey(),
		ElementId:            catchEvent.Id,
		ElementInstanceKey:   instance.Key,
		ProcessDefinitionKey: instance.Value.ProcessDefinitionKey,
		ProcessInstanceKey:   instance.Value.ProcessInstanceKey,
		CreatedAt:            now,
		DueAt:                dueAt,
		Duration:             dueAt.Sub(now),
		TenantId:             instance.Value.TenantId,
	})
}

func (engine *Engine) subscribeToSignal(ctx context.Context, instance *runtime.ElementInstance, catchEvent model.CatchEvent) error {
	return engine.storage.SaveSignalSubscription(ctx, runtime.SignalSubscription{
		Key:                  engine.generateKey(),
		CatchEventId:         catchEvent.Id,
		ElementInstanceKey:   instance.Key,
		ProcessDefinitionKey: instance.Value.ProcessDefinitionKey,
		ProcessInstanceKey:   instance.Value.ProcessInstanceKey,
		BpmnProcessId:        instance.Value.BpmnProcessId,
		SignalName:           catchEvent.SignalName,
		TenantId:             instance.Value.TenantId,
	})
}

// unsubscribeFromCatchEvents closes the subscriptions an element instance
// holds. keepElementIds spares the subscriptions of the named catch events;
// those are migrated in place by the caller.
func (engine *Engine) unsubscribeFromCatchEvents(ctx context.Context, elementInstanceKey int64, keepElementIds map[string]bool) error {
	messageSubscriptions, err := engine.storage.FindElementInstanceMessageSubscriptions(ctx, elementInstanceKey)
	if err != nil {
		return err
	}
	for _, subscription := range messageSubscriptions {
		if keepElementIds[subscription.ElementId] {
			continue
		}
		if err := engine.storage.DeleteMessageSubscription(ctx, subscription.Key); err != nil {
			return err
		}
	}
	timers, err := engine.storage.FindElementInstanceTimers(ctx, elementInstanceKey)
	if err != nil {
		return err
	}
	for _, timer := range timers {
		if keepElementIds[timer.ElementId] {
			continue
		}
		if err := engine.storage.DeleteTimer(ctx, timer.Key); err != nil {
			return err
		}
	}
	signalSubscriptions, err := engine.storage.FindElementInstanceSignalSubscriptions(ctx, elementInstanceKey)
	if err != nil {
		return err
	}
	for _, subscription := range signalSubscriptions {
		if keepElementIds[subscription.CatchEventId] {
			continue
		}
		if err := engine.storage.DeleteSignalSubscription(ctx, subscription.Key); err != nil {
			return err
		}
	}
	return nil
}
