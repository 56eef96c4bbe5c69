// -----------------------------------------------------------------------
// Job model - lifecycle state machine for processing jobs
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusDrafted   JobStatus = "drafted"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// StepStatus represents the execution state of a single step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// ErrorCode classifies terminal failures for diagnosis
type ErrorCode string

const (
	ErrorCodeSuccess         ErrorCode = "SUCCESS"
	ErrorCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrorCodeIO              ErrorCode = "IO_ERROR"
	ErrorCodePath            ErrorCode = "PATH_ERROR"
	ErrorCodeFFmpeg          ErrorCode = "FFMPEG_ERROR"
	ErrorCodeFFmpegTimeout   ErrorCode = "FFMPEG_TIMEOUT"
	ErrorCodePipelineFailed  ErrorCode = "PIPELINE_FAILED"
	ErrorCodeModelLoadFailed ErrorCode = "MODEL_LOAD_FAILED"
	ErrorCodeCUDA            ErrorCode = "CUDA_ERROR"
	ErrorCodeCanceled        ErrorCode = "CANCELED"
	ErrorCodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// ValidTransitions returns the set of states reachable from each status.
// Completed and canceled are terminal; failed may be re-queued by an operator.
func ValidTransitions() map[JobStatus][]JobStatus {
	return map[JobStatus][]JobStatus{
		JobStatusDrafted:   {JobStatusQueued},
		JobStatusQueued:    {JobStatusRunning, JobStatusCanceled},
		JobStatusRunning:   {JobStatusCompleted, JobStatusFailed, JobStatusCanceled},
		JobStatusCompleted: {},
		JobStatusFailed:    {JobStatusQueued},
		JobStatusCanceled:  {},
	}
}

// CanTransition reports whether moving from one status to another is valid
func CanTransition(from, to JobStatus) bool {
	for _, next := range ValidTransitions()[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is a final state
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// Step is a single processing stage within a job. Steps are created by the
// caller and never reordered or merged by the orchestrator.
type Step struct {
	Index        int        `json:"index"`
	Name         string     `json:"name"`
	Status       StepStatus `json:"status"`
	Progress     float64    `json:"progress"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// NewStep creates a pending step
func NewStep(index int, name string) Step {
	return Step{
		Index:  index,
		Name:   name,
		Status: StepStatusPending,
	}
}

// MarkRunning transitions the step to running and stamps the start time
func (s *Step) MarkRunning() {
	now := time.Now().UTC()
	s.Status = StepStatusRunning
	s.StartedAt = &now
}

// MarkCompleted transitions the step to completed with full progress
func (s *Step) MarkCompleted() {
	now := time.Now().UTC()
	s.Status = StepStatusCompleted
	s.Progress = 1.0
	s.CompletedAt = &now
}

// MarkFailed transitions the step to failed with an error message
func (s *Step) MarkFailed(message string) {
	now := time.Now().UTC()
	s.Status = StepStatusFailed
	s.ErrorMessage = message
	s.CompletedAt = &now
}

// Job is the root aggregate: a persistent unit of work with lifecycle.
// The store owns the job from the moment submit returns; in-memory values
// held by workers are local snapshots.
type Job struct {
	JobID           string                 `json:"job_id"`
	Status          JobStatus              `json:"status"`
	Progress        float64                `json:"progress"`
	CancelRequested bool                   `json:"cancel_requested"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	ErrorCode       ErrorCode              `json:"error_code,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	Config          map[string]interface{} `json:"config"`
	Steps           []Step                 `json:"steps"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// NewJob creates a drafted job with the given id and config snapshot
func NewJob(jobID string, config map[string]interface{}) *Job {
	if config == nil {
		config = make(map[string]interface{})
	}
	return &Job{
		JobID:     jobID,
		Status:    JobStatusDrafted,
		CreatedAt: time.Now().UTC(),
		Config:    config,
		Metadata:  make(map[string]interface{}),
	}
}

// TransitionTo moves the job to a new status if the transition is valid,
// stamping started_at/completed_at as appropriate. Returns false and leaves
// the job unchanged on an invalid transition. The caller persists.
func (j *Job) TransitionTo(newStatus JobStatus) bool {
	if !CanTransition(j.Status, newStatus) {
		return false
	}
	j.Status = newStatus
	now := time.Now().UTC()
	if newStatus == JobStatusRunning {
		j.StartedAt = &now
	} else if newStatus.IsTerminal() {
		j.CompletedAt = &now
	}
	return true
}

// UpdateProgress clamps to [0,1] and replaces only if strictly greater
func (j *Job) UpdateProgress(progress float64) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	if progress > j.Progress {
		j.Progress = progress
	}
}

// Fail records the error taxonomy code and transitions to failed
func (j *Job) Fail(code ErrorCode, message string) {
	j.ErrorCode = code
	j.ErrorMessage = message
	j.TransitionTo(JobStatusFailed)
}

// IsTerminal reports whether the job has reached a final state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Priority returns metadata.priority as an integer, defaulting to 0.
// JSON round-trips store numbers as float64.
func (j *Job) Priority() int {
	if j.Metadata == nil {
		return 0
	}
	switch v := j.Metadata["priority"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// SetPriority stores the priority in metadata
func (j *Job) SetPriority(priority int) {
	if j.Metadata == nil {
		j.Metadata = make(map[string]interface{})
	}
	j.Metadata["priority"] = priority
}

// ConfigString retrieves a string value from the config bag
func (j *Job) ConfigString(key string) (string, bool) {
	val, ok := j.Config[key]
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// ConfigStringSlice retrieves a string slice from the config bag.
// Handles []interface{} from JSON unmarshaling.
func (j *Job) ConfigStringSlice(key string) ([]string, bool) {
	val, ok := j.Config[key]
	if !ok {
		return nil, false
	}
	switch v := val.(type) {
	case []string:
		return v, true
	case []interface{}:
		result := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result[i] = str
		}
		return result, true
	default:
		return nil, false
	}
}

// ToJSON serializes the job for storage or transmission
func (j *Job) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// JobFromJSON deserializes a job
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Config == nil {
		job.Config = make(map[string]interface{})
	}
	if job.Metadata == nil {
		job.Metadata = make(map[string]interface{})
	}
	return &job, nil
}
