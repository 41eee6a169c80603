// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package record

// Intent names the lifecycle step a record represents. Intents are scoped to
// their value type; the constants are grouped accordingly.
type Intent string

// Process instance intents (ValueTypeProcessInstance).
const (
	IntentActivateElement     Intent = "ACTIVATE_ELEMENT"
	IntentTerminateElement    Intent = "TERMINATE_ELEMENT"
	IntentElementActivating   Intent = "ELEMENT_ACTIVATING"
	IntentElementActivated    Intent = "ELEMENT_ACTIVATED"
	IntentElementCompleting   Intent = "ELEMENT_COMPLETING"
	IntentElementCompleted    Intent = "ELEMENT_COMPLETED"
	IntentElementTerminating  Intent = "ELEMENT_TERMINATING"
	IntentElementTerminated   Intent = "ELEMENT_TERMINATED"
	IntentElementMigrated     Intent = "ELEMENT_MIGRATED"
	IntentAncestorMigrated    Intent = "ANCESTOR_MIGRATED"
	IntentCancel              Intent = "CANCEL"
	IntentSequenceFlowTaken   Intent = "SEQUENCE_FLOW_TAKEN"
	IntentSequenceFlowDeleted Intent = "SEQUENCE_FLOW_DELETED"
)

// Creation intents (ValueTypeProcessInstanceCreation).
const (
	IntentCreate                   Intent = "CREATE"
	IntentCreateWithAwaitingResult Intent = "CREATE_WITH_AWAITING_RESULT"
	IntentCreated                  Intent = "CREATED"
)

// Batch intents (ValueTypeProcessInstanceBatch).
const (
	IntentBatchActivate   Intent = "ACTIVATE"
	IntentBatchActivated  Intent = "ACTIVATED"
	IntentBatchTerminate  Intent = "TERMINATE"
	IntentBatchTerminated Intent = "TERMINATED"
)

// Modification intents (ValueTypeProcessInstanceModification).
const (
	IntentModify   Intent = "MODIFY"
	IntentModified Intent = "MODIFIED"
)

// Migration intents (ValueTypeProcessInstanceMigration).
const (
	IntentMigrate  Intent = "MIGRATE"
	IntentMigrated Intent = "MIGRATED"
)

// Subscription, job, incident, user task and variable intents used by the
// migration and termination flows. The owning subsystems define more; this
// core only ever writes these.
const (
	IntentSubscriptionMigrate Intent = "MIGRATE"
	IntentJobCanceled         Intent = "CANCELED"
	IntentIncidentResolved    Intent = "RESOLVED"
)
