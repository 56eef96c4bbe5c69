// -----------------------------------------------------------------------
// Job events - canonical event shapes published on the event bus
// -----------------------------------------------------------------------

package models

import "time"

// EventType classifies job events
type EventType string

const (
	EventJobCreated      EventType = "job_created"
	EventJobQueued       EventType = "job_queued"
	EventJobStarted      EventType = "job_started"
	EventJobProgress     EventType = "job_progress"
	EventJobCompleted    EventType = "job_completed"
	EventJobFailed       EventType = "job_failed"
	EventJobCanceled     EventType = "job_canceled"
	EventStepStarted     EventType = "step_started"
	EventStepProgress    EventType = "step_progress"
	EventStepCompleted   EventType = "step_completed"
	EventStepFailed      EventType = "step_failed"
	EventLog             EventType = "log"
	EventCancelRequested EventType = "cancel_requested"
)

// IsTerminal reports whether the event ends a per-job subscription
func (t EventType) IsTerminal() bool {
	return t == EventJobCompleted || t == EventJobFailed || t == EventJobCanceled
}

// JobEvent is a single event on the bus. Data carries progress+phase for
// progress events, status+message for status events, level+message for logs.
type JobEvent struct {
	JobID     string                 `json:"job_id"`
	EventType EventType              `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

func newEvent(jobID string, eventType EventType, data map[string]interface{}) JobEvent {
	return JobEvent{
		JobID:     jobID,
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ProgressEvent builds a canonical job_progress event
func ProgressEvent(jobID string, progress float64, phase string) JobEvent {
	return newEvent(jobID, EventJobProgress, map[string]interface{}{
		"progress": progress,
		"phase":    phase,
	})
}

// StatusEvent builds the canonical event for a status change
func StatusEvent(jobID string, status JobStatus, message string) JobEvent {
	eventType := map[JobStatus]EventType{
		JobStatusDrafted:   EventJobCreated,
		JobStatusQueued:    EventJobQueued,
		JobStatusRunning:   EventJobStarted,
		JobStatusCompleted: EventJobCompleted,
		JobStatusFailed:    EventJobFailed,
		JobStatusCanceled:  EventJobCanceled,
	}[status]
	return newEvent(jobID, eventType, map[string]interface{}{
		"status":  string(status),
		"message": message,
	})
}

// CancelRequestedEvent builds the notice published when a cancel flag is set
func CancelRequestedEvent(jobID string) JobEvent {
	return newEvent(jobID, EventCancelRequested, map[string]interface{}{
		"status":  "cancel_requested",
		"message": "cancellation requested",
	})
}

// LogEvent builds a canonical log event
func LogEvent(jobID string, level string, message string) JobEvent {
	return newEvent(jobID, EventLog, map[string]interface{}{
		"level":   level,
		"message": message,
	})
}
