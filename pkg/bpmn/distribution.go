// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"context"
	"hash/fnv"

	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
)

// CommandDistributor hands a command to the partition that owns it. Message
// subscription commands are owned by the partition derived from the message
// correlation key, everything else by the partition of the process instance.
type CommandDistributor interface {
	DistributeCommand(ctx context.Context, partitionId int32, valueType record.ValueType, intent record.Intent, key int64, value any) error
}

// partitionForCorrelationKey maps a message correlation key onto one of the
// configured partitions. Partition ids start at 1.
func (engine *Engine) partitionForCorrelationKey(correlationKey string) int32 {
	if engine.partitionCount <= 1 {
		return engine.partitionId
	}
	h := fnv.New32a()
	h.Write([]byte(correlationKey))
	return int32(h.Sum32()%uint32(engine.partitionCount)) + 1
}

// distributeOrQueue routes a command: commands owned by this partition join
// the local follow-up queue, foreign ones go through the distributor.
func (engine *Engine) distributeOrQueue(ctx context.Context, w *recordWriter, partitionId int32, valueType record.ValueType, intent record.Intent, key int64, value any) error {
	if partitionId == engine.partitionId {
		return w.AppendFollowUpCommand(key, valueType, intent, value)
	}
	return engine.distributor.DistributeCommand(ctx, partitionId, valueType, intent, key, value)
}

// loopbackDistributor is the single-partition default: every command is owned
// locally, so distribution degenerates to queueing onto the engine's own
// command loop.
type loopbackDistributor struct {
	engine *Engine
}

func (d *loopbackDistributor) DistributeCommand(ctx context.Context, partitionId int32, valueType record.ValueType, intent record.Intent, key int64, value any) error {
	d.engine.pending = append(d.engine.pending, command{
		key:       key,
		valueType: valueType,
		intent:    intent,
		value:     value,
		internal:  true,
	})
	return nil
}

var _ CommandDistributor = &loopbackDistributor{}
