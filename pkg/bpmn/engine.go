// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bpmn implements the process instance lifecycle core of the engine:
// creation, cancellation, batch activation and termination, modification and
// migration of running instances. Commands enter through the public methods
// of Engine, are processed one at a time per partition and produce events
// that are applied to the state store and offered to the registered
// exporters.
package bpmn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowcorehq/flowcore/internal/appcontext"
	appotel "github.com/flowcorehq/flowcore/internal/otel"
	"github.com/flowcorehq/flowcore/pkg/bpmn/exporter"
	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
	"github.com/flowcorehq/flowcore/pkg/storage"
)

const defaultMaxRecordSize = 4 * 1024 * 1024

// commandProcessor handles one (ValueType, Intent) pair. A returned rejection
// refuses the command without touching state; a returned error is an internal
// fault and surfaces as a PROCESSING_ERROR rejection.
type commandProcessor func(ctx context.Context, w *recordWriter, cmd *command) (*record.Rejection, error)

// Engine is the single writer of one partition. All commands funnel through
// processCommand under one lock, so processors never observe concurrent
// state changes.
type Engine struct {
	name           string
	partitionId    int32
	partitionCount int32
	maxRecordSize  int
	position       int64

	snowflake   *snowflake.Node
	storage     storage.Storage
	exporters   []exporter.EventExporter
	distributor CommandDistributor
	logger      hclog.Logger
	tracer      trace.Tracer

	processors map[dispatchKey]commandProcessor

	// awaitingResults holds the callers of CREATE_WITH_AWAITING_RESULT,
	// keyed by process instance key, until their instance ends.
	awaitingResults map[int64]record.ProcessInstanceResultRecord

	// pending collects loopback-distributed commands, drained by the command
	// loop after its regular queue runs dry.
	pending []command

	mu sync.Mutex
}

// EngineOption configures a new Engine.
type EngineOption func(*Engine)

// EngineWithStorage sets the state store. Required.
func EngineWithStorage(store storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.storage = store
	}
}

// EngineWithName sets the engine name used in logs and traces.
func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

// EngineWithPartition sets the partition this engine owns and the total
// partition count used for correlation key routing.
func EngineWithPartition(partitionId, partitionCount int32) EngineOption {
	return func(engine *Engine) {
		engine.partitionId = partitionId
		engine.partitionCount = partitionCount
	}
}

// EngineWithMaxRecordSize bounds the serialized size of a single record.
func EngineWithMaxRecordSize(size int) EngineOption {
	return func(engine *Engine) {
		engine.maxRecordSize = size
	}
}

// EngineWithExporter registers an exporter that is offered every record the
// engine writes, in log order.
func EngineWithExporter(exp exporter.EventExporter) EngineOption {
	return func(engine *Engine) {
		engine.exporters = append(engine.exporters, exp)
	}
}

// EngineWithDistributor sets the transport for commands owned by other
// partitions. Defaults to a loopback that feeds them back into this engine.
func EngineWithDistributor(distributor CommandDistributor) EngineOption {
	return func(engine *Engine) {
		engine.distributor = distributor
	}
}

// NewEngine creates an engine for one partition. Without options it owns
// partition 1 of 1.
func NewEngine(options ...EngineOption) *Engine {
	engine := &Engine{
		name:            "flowcore",
		partitionId:     1,
		partitionCount:  1,
		maxRecordSize:   defaultMaxRecordSize,
		awaitingResults: map[int64]record.ProcessInstanceResultRecord{},
	}
	for _, option := range options {
		option(engine)
	}
	if engine.storage == nil {
		panic("bpmn: engine requires a storage, use EngineWithStorage")
	}
	engine.snowflake = CreateSnowflakeIdGenerator(engine.partitionId)
	engine.logger = hclog.Default().Named(engine.name).With("partitionId", engine.partitionId)
	engine.tracer = appotel.Tracer()
	if engine.distributor == nil {
		engine.distributor = &loopbackDistributor{engine: engine}
	}
	engine.registerProcessors()
	return engine
}

func (engine *Engine) registerProcessors() {
	engine.processors = map[dispatchKey]commandProcessor{
		{record.ValueTypeProcessInstanceCreation, record.IntentCreate}:                   engine.processCreateInstance,
		{record.ValueTypeProcessInstanceCreation, record.IntentCreateWithAwaitingResult}: engine.processCreateInstanceWithResult,
		{record.ValueTypeProcessInstance, record.IntentCancel}:                           engine.processCancelInstance,
		{record.ValueTypeProcessInstance, record.IntentActivateElement}:                  engine.processActivateElement,
		{record.ValueTypeProcessInstance, record.IntentTerminateElement}:                 engine.processTerminateElement,
		{record.ValueTypeProcessInstanceBatch, record.IntentBatchActivate}:               engine.processBatchActivate,
		{record.ValueTypeProcessInstanceBatch, record.IntentBatchTerminate}:              engine.processBatchTerminate,
		{record.ValueTypeProcessInstanceModification, record.IntentModify}:               engine.processModifyInstance,
		{record.ValueTypeProcessInstanceMigration, record.IntentMigrate}:                 engine.processMigrateInstance,
	}
}

// Name returns the configured engine name.
func (engine *Engine) Name() string {
	return engine.name
}

// processingResult is everything one root command produced: the full record
// trail and, when the command awaited a response, the record echoed to the
// caller.
type processingResult struct {
	records  []record.Record
	response *record.Record
}

// processCommand runs one root command and every follow-up command it spawns,
// in FIFO order, then offers the written records to the exporters.
func (engine *Engine) processCommand(ctx context.Context, root command) (*processingResult, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("%s %s", root.valueType, root.intent))
	defer span.End()

	w := &recordWriter{engine: engine}
	queue := []command{root}
	for len(queue) > 0 {
		cmd := queue[0]
		queue = queue[1:]
		if err := engine.runProcessor(ctx, w, &cmd); err != nil {
			return nil, err
		}
		queue = append(queue, w.queue...)
		w.queue = nil
		if len(queue) == 0 && len(engine.pending) > 0 {
			queue = append(queue, engine.pending...)
			engine.pending = nil
		}
	}

	for _, rec := range w.records {
		for _, exp := range engine.exporters {
			exp.Export(rec)
		}
	}
	return &processingResult{records: w.records, response: w.response}, nil
}

func (engine *Engine) runProcessor(ctx context.Context, w *recordWriter, cmd *command) error {
	start := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("valueType", string(cmd.valueType)),
		attribute.String("intent", string(cmd.intent)),
	)
	appotel.CommandsTotal.Add(ctx, 1, attrs)
	defer func() {
		appotel.CommandDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
	}()

	w.used = 0
	processor, ok := engine.processors[dispatchKey{valueType: cmd.valueType, intent: cmd.intent}]
	if !ok {
		rejection := record.Rejectionf(record.RejectionInvalidArgument,
			"no processor registered for %s %s", cmd.valueType, cmd.intent)
		engine.reject(ctx, w, cmd, rejection, attrs)
		return nil
	}

	rejection, err := processor(ctx, w, cmd)
	if err != nil {
		engine.logger.Error("command processing failed",
			"valueType", cmd.valueType, "intent", cmd.intent, "key", cmd.key, "error", err)
		rejection = &record.Rejection{
			Type:   record.RejectionProcessingError,
			Reason: fmt.Sprintf("failed to process %s %s: %s", cmd.valueType, cmd.intent, err),
		}
	}
	if rejection != nil {
		engine.reject(ctx, w, cmd, *rejection, attrs)
	}
	return nil
}

func (engine *Engine) reject(ctx context.Context, w *recordWriter, cmd *command, rejection record.Rejection, attrs metric.MeasurementOption) {
	appotel.CommandRejectionsTotal.Add(ctx, 1, attrs)
	engine.logger.Debug("command rejected",
		"valueType", cmd.valueType, "intent", cmd.intent, "key", cmd.key, "rejection", rejection.String())
	w.AppendRejection(cmd, rejection)
}

// submit runs an externally issued command that awaits a response and
// translates a rejection response into a CommandRejectedError.
func (engine *Engine) submit(ctx context.Context, cmd command) (*record.Record, error) {
	cmd.hasResponse = true
	if requestId, ok := appcontext.RequestIdFromContext(ctx); ok {
		cmd.requestId = requestId
	}
	result, err := engine.processCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	response := result.response
	if response == nil {
		return nil, fmt.Errorf("no response produced for %s %s", cmd.valueType, cmd.intent)
	}
	if response.RecordType == record.RecordTypeRejection {
		return nil, &CommandRejectedError{Type: response.RejectionType, Reason: response.RejectionReason}
	}
	return response, nil
}
