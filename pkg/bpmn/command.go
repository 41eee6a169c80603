// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
)

// command is one unit of work on the partition queue: the command a caller
// submitted or a follow-up a processor appended.
type command struct {
	key       int64
	valueType record.ValueType
	intent    record.Intent
	value     any

	// internal commands are follow-ups and engine-triggered invocations;
	// they bypass authorization.
	internal bool

	// hasResponse marks commands whose caller awaits an answer. Rejections
	// and the final event are echoed onto the response.
	hasResponse     bool
	requestId       string
	requestStreamId int32
}

// dispatchKey addresses the processor responsible for a command.
type dispatchKey struct {
	valueType record.ValueType
	intent    record.Intent
}
