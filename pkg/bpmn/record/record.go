// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package record holds the value types written to the partition log. Every
// command a processor consumes and every event or rejection it appends is one
// of the records defined here, addressed by a (ValueType, Intent) pair.
package record

import "fmt"

// ValueType identifies which record value a log entry carries.
type ValueType string

const (
	ValueTypeProcessInstance             ValueType = "PROCESS_INSTANCE"
	ValueTypeProcessInstanceCreation     ValueType = "PROCESS_INSTANCE_CREATION"
	ValueTypeProcessInstanceResult       ValueType = "PROCESS_INSTANCE_RESULT"
	ValueTypeProcessInstanceBatch        ValueType = "PROCESS_INSTANCE_BATCH"
	ValueTypeProcessInstanceModification ValueType = "PROCESS_INSTANCE_MODIFICATION"
	ValueTypeProcessInstanceMigration    ValueType = "PROCESS_INSTANCE_MIGRATION"
	ValueTypeMessageSubscription         ValueType = "MESSAGE_SUBSCRIPTION"
	ValueTypeProcessMessageSubscription  ValueType = "PROCESS_MESSAGE_SUBSCRIPTION"
	ValueTypeTimer                       ValueType = "TIMER"
	ValueTypeSignalSubscription          ValueType = "SIGNAL_SUBSCRIPTION"
	ValueTypeJob                         ValueType = "JOB"
	ValueTypeIncident                    ValueType = "INCIDENT"
	ValueTypeUserTask                    ValueType = "USER_TASK"
	ValueTypeVariable                    ValueType = "VARIABLE"
)

// Record is one entry of the partition log: a command consumed, an event
// appended or a rejection of a command.
type Record struct {
	Key             int64         `json:"key"`
	Position        int64         `json:"position"`
	PartitionId     int32         `json:"partitionId"`
	RecordType      RecordType    `json:"recordType"`
	ValueType       ValueType     `json:"valueType"`
	Intent          Intent        `json:"intent"`
	RejectionType   RejectionType `json:"rejectionType,omitempty"`
	RejectionReason string        `json:"rejectionReason,omitempty"`
	Value           any           `json:"value"`
}

// RecordType distinguishes intents to act from facts that happened.
type RecordType string

const (
	RecordTypeCommand   RecordType = "COMMAND"
	RecordTypeEvent     RecordType = "EVENT"
	RecordTypeRejection RecordType = "COMMAND_REJECTION"
)

// RejectionType classifies why a command was not applied. NotFound is also
// used when the caller is not allowed to see that the entity exists.
type RejectionType string

const (
	RejectionNotFound        RejectionType = "NOT_FOUND"
	RejectionUnauthorized    RejectionType = "UNAUTHORIZED"
	RejectionInvalidArgument RejectionType = "INVALID_ARGUMENT"
	RejectionInvalidState    RejectionType = "INVALID_STATE"
	RejectionProcessingError RejectionType = "PROCESSING_ERROR"
)

// Rejection is a plain value, not an error. Validation chains return it as the
// failure side of their result; processors append it to the log and, when the
// command awaits a response, echo it there too.
type Rejection struct {
	Type   RejectionType
	Reason string
}

func (r Rejection) String() string {
	return fmt.Sprintf("%s: %s", r.Type, r.Reason)
}

// Rejectionf builds a Rejection with a formatted reason.
func Rejectionf(typ RejectionType, format string, args ...any) Rejection {
	return Rejection{Type: typ, Reason: fmt.Sprintf(format, args...)}
}
