// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package exporter defines the sink interface for the records the engine
// writes and a logging implementation of it.
package exporter

import (
	"github.com/hashicorp/go-hclog"

	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
)

// EventExporter is offered every record the engine appends, in log order,
// after the records of one command have been applied. Exporters must not
// block; slow sinks should buffer internally.
type EventExporter interface {
	Export(rec record.Record)
}

// LogExporter writes every record to a structured logger. Mostly useful in
// development profiles.
type LogExporter struct {
	logger hclog.Logger
}

func NewLogExporter(logger hclog.Logger) *LogExporter {
	return &LogExporter{logger: logger.Named("record-export")}
}

func (e *LogExporter) Export(rec record.Record) {
	e.logger.Debug("record",
		"position", rec.Position,
		"recordType", rec.RecordType,
		"valueType", rec.ValueType,
		"intent", rec.Intent,
		"key", rec.Key,
	)
}

var _ EventExporter = &LogExporter{}
