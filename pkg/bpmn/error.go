// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"fmt"

	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
)

// CommandRejectedError is returned by the public engine methods when the
// submitted command was rejected instead of applied.
type CommandRejectedError struct {
	Type   record.RejectionType
	Reason string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("command rejected with %s: %s", e.Type, e.Reason)
}

// The errors below are the enumerated conditions that deep activation and
// termination machinery may surface while a processor is already past its
// validation chain. Processors convert them into rejections at their
// boundary; anything else coming out of the machinery is treated as an engine
// bug and aborts the command without a graceful rejection.

// EventSubscriptionError reports a catch-event subscription that could not be
// opened, e.g. a colliding message subscription for the same message name.
type EventSubscriptionError struct {
	ElementId string
	Msg       string
}

func (e *EventSubscriptionError) Error() string {
	return fmt.Sprintf("failed to subscribe element '%s' to its catch events: %s", e.ElementId, e.Msg)
}

// MultipleFlowScopeInstancesError reports that an activation needed exactly
// one active instance of a flow scope element but found several, making the
// ancestor ambiguous.
type MultipleFlowScopeInstancesError struct {
	FlowScopeId string
}

func (e *MultipleFlowScopeInstancesError) Error() string {
	return fmt.Sprintf("expected a single active instance of flow scope '%s' but found multiple; "+
		"provide an ancestor scope key to disambiguate", e.FlowScopeId)
}

// ExceededBatchRecordSizeError reports that an operation would have to write
// a single record larger than the configured maximum.
type ExceededBatchRecordSizeError struct {
	Size int
	Max  int
}

func (e *ExceededBatchRecordSizeError) Error() string {
	return fmt.Sprintf("unable to write a record of %d bytes, the configured maximum is %d bytes", e.Size, e.Max)
}

// TerminatedChildProcessError reports a termination cascade that reached the
// root of a process instance created by a call activity. The caller must
// modify the parent process instance instead.
type TerminatedChildProcessError struct {
	ProcessInstanceKey       int64
	ParentProcessInstanceKey int64
}

func (e *TerminatedChildProcessError) Error() string {
	return fmt.Sprintf("terminating all remaining elements of process instance %d would terminate it entirely, "+
		"but it was created by a call activity of process instance %d; modify the parent process instance instead",
		e.ProcessInstanceKey, e.ParentProcessInstanceKey)
}

// UnsupportedMultiInstanceBodyActivationError reports an activation targeting
// an element nested inside a multi-instance body.
type UnsupportedMultiInstanceBodyActivationError struct {
	ElementId string
	BodyId    string
}

func (e *UnsupportedMultiInstanceBodyActivationError) Error() string {
	return fmt.Sprintf("element '%s' is inside multi-instance body '%s' and cannot be activated directly", e.ElementId, e.BodyId)
}

// rejectionForActivationError converts the enumerated activation failures
// into the rejection vocabulary. Unknown errors return ok=false and must
// abort the command.
func rejectionForActivationError(err error) (record.Rejection, bool) {
	switch e := err.(type) {
	case *EventSubscriptionError:
		return record.Rejectionf(record.RejectionInvalidArgument, "%s", e), true
	case *MultipleFlowScopeInstancesError:
		return record.Rejectionf(record.RejectionInvalidArgument, "%s", e), true
	case *ExceededBatchRecordSizeError:
		return record.Rejectionf(record.RejectionInvalidArgument, "%s", e), true
	case *TerminatedChildProcessError:
		return record.Rejectionf(record.RejectionInvalidArgument, "%s", e), true
	case *UnsupportedMultiInstanceBodyActivationError:
		return record.Rejectionf(record.RejectionInvalidArgument, "%s", e), true
	}
	return record.Rejection{}, false
}
