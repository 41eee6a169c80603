// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
)

// commandSizeMargin is the fixed metadata allowance added to a value's
// serialized size when checking it against the configured maximum.
const commandSizeMargin = 256

// recordWriter collects the records one processed command produces: follow-up
// commands are queued for the engine loop, follow-up events are applied to
// the state synchronously as they are written.
type recordWriter struct {
	engine *Engine

	records []record.Record
	queue   []command

	// used counts the value bytes the current command appended so far; the
	// engine loop resets it per command. The size bound applies to the
	// output of one command, not the whole follow-up chain.
	used int

	// response is the record echoed to the caller of the current command,
	// set when the command has a pending response.
	response *record.Record
}

func (w *recordWriter) nextPosition() int64 {
	w.engine.position++
	return w.engine.position
}

// CanWriteCommandOfLength reports whether a command value of the given
// serialized size still fits under the configured maximum record size,
// counting what the current command already appended. Batch processors use it
// as backpressure before appending per-child commands.
func (w *recordWriter) CanWriteCommandOfLength(length int) bool {
	return w.used+length+commandSizeMargin <= w.engine.maxRecordSize
}

// AppendFollowUpCommand queues a command for processing after the current one.
func (w *recordWriter) AppendFollowUpCommand(key int64, valueType record.ValueType, intent record.Intent, value any) error {
	length := estimateValueLength(value)
	if !w.CanWriteCommandOfLength(length) {
		return &ExceededBatchRecordSizeError{Size: w.used + length + commandSizeMargin, Max: w.engine.maxRecordSize}
	}
	w.used += length
	w.records = append(w.records, record.Record{
		Key:         key,
		Position:    w.nextPosition(),
		PartitionId: w.engine.partitionId,
		RecordType:  record.RecordTypeCommand,
		ValueType:   valueType,
		Intent:      intent,
		Value:       value,
	})
	w.queue = append(w.queue, command{
		key:       key,
		valueType: valueType,
		intent:    intent,
		value:     value,
		internal:  true,
	})
	return nil
}

// AppendFollowUpEvent appends an event and applies it to the state store
// before returning, so that subsequent reads within the same command see it.
func (w *recordWriter) AppendFollowUpEvent(ctx context.Context, key int64, valueType record.ValueType, intent record.Intent, value any) error {
	rec := record.Record{
		Key:         key,
		Position:    w.nextPosition(),
		PartitionId: w.engine.partitionId,
		RecordType:  record.RecordTypeEvent,
		ValueType:   valueType,
		Intent:      intent,
		Value:       value,
	}
	if err := w.engine.applyEvent(ctx, rec); err != nil {
		return fmt.Errorf("failed to apply event %s %s for key %d: %w", valueType, intent, key, err)
	}
	w.used += estimateValueLength(value)
	w.records = append(w.records, rec)
	return nil
}

// WriteEventOnCommand appends an event and, when the command awaits a
// response, echoes the event there.
func (w *recordWriter) WriteEventOnCommand(ctx context.Context, cmd *command, key int64, intent record.Intent, value any) error {
	if err := w.AppendFollowUpEvent(ctx, key, cmd.valueType, intent, value); err != nil {
		return err
	}
	if cmd.hasResponse {
		rec := w.records[len(w.records)-1]
		w.response = &rec
	}
	return nil
}

// AppendRejection appends a rejection record for the command and, when the
// command awaits a response, echoes the rejection there. Rejections are never
// silent.
func (w *recordWriter) AppendRejection(cmd *command, rejection record.Rejection) {
	rec := record.Record{
		Key:             cmd.key,
		Position:        w.nextPosition(),
		PartitionId:     w.engine.partitionId,
		RecordType:      record.RecordTypeRejection,
		ValueType:       cmd.valueType,
		Intent:          cmd.intent,
		RejectionType:   rejection.Type,
		RejectionReason: rejection.Reason,
		Value:           cmd.value,
	}
	w.records = append(w.records, rec)
	if cmd.hasResponse {
		w.response = &rec
	}
}

// estimateValueLength returns the serialized size of a record value. Sizing
// uses the same encoding the exporters emit, so the bound tracks what would
// actually be written.
func estimateValueLength(value any) int {
	data, err := json.Marshal(value)
	if err != nil {
		return 0
	}
	return len(data)
}
