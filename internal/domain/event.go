package domain

import "time"

// Event topics. Consumers deduplicate on Event.Key.
const (
	TopicOperationCreated     = "operation.created"
	TopicOperationQueued      = "operation.queued"
	TopicOperationStarted     = "operation.started"
	TopicOperationCompleted   = "operation.completed"
	TopicOperationFailed      = "operation.failed"
	TopicOperationCancelled   = "operation.cancelled"
	TopicOperationCompensated = "operation.compensated"
	TopicOperationHalted      = "operation.halted"

	TopicStateInitialized = "operation.state_initialized"
	TopicCheckpointSaved  = "operation.checkpoint_saved"

	TopicStepStarted   = "step.started"
	TopicStepCompleted = "step.completed"
	TopicStepFailed    = "step.failed"
	TopicStepSkipped   = "step.skipped"
	TopicStepRetrying  = "step.retrying"

	TopicCompensationStarted      = "compensation.started"
	TopicCompensationFinished     = "compensation.finished"
	TopicCompensationActionFailed = "compensation.action_failed"
)

// Event is a state transition notification.
type Event struct {
	ID          string
	Topic       string
	OperationID string
	StepID      string
	Status      string
	Timestamp   time.Time
	Data        map[string]any
}

// Key identifies an event for idempotent consumers.
func (e Event) Key() string {
	return e.OperationID + "|" + e.Topic + "|" + e.StepID
}

// Final reports whether the event is the last one published for its
// operation.
func (e Event) Final() bool {
	switch e.Topic {
	case TopicOperationCompleted, TopicOperationCancelled, TopicOperationCompensated:
		return true
	}
	return false
}

// StoredEvent is an event read back from the event log.
type StoredEvent struct {
	Seq int64
	Event
}
