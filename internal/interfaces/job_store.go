package interfaces

import (
	"context"

	"github.com/ternarybob/mediaforge/internal/models"
)

// JobListOptions filters and bounds a job listing
type JobListOptions struct {
	Status models.JobStatus // Empty = all statuses
	Limit  int              // <=0 = store default
}

// JobStore is the durable, thread-safe persistence layer for jobs.
// The store is the source of truth from the moment a job is created;
// in-memory job values are local snapshots.
type JobStore interface {
	// CreateJob inserts a new job; fails on primary-key collision
	CreateJob(ctx context.Context, job *models.Job) error

	// UpdateJob writes the full row image; no-op if the job is unknown.
	// The stored progress never decreases, whatever the snapshot says.
	UpdateJob(ctx context.Context, job *models.Job) error

	// GetJob returns the job or nil when not found
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// ListJobs returns jobs newest-first, optionally filtered by status
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)

	// DeleteJob removes the row; returns true if a row was deleted
	DeleteJob(ctx context.Context, jobID string) (bool, error)

	// SetCancelRequested durably sets the cancel flag; idempotent
	SetCancelRequested(ctx context.Context, jobID string) (bool, error)

	// IsCancelRequested reads the durable cancel flag
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)

	// UpdateProgress conditionally stores p; returns true iff p was
	// strictly greater than the stored value. Monotonicity is enforced
	// by the database, not by read-modify-write.
	UpdateProgress(ctx context.Context, jobID string, progress float64) (bool, error)

	// NextQueued returns the next queued job by priority DESC then
	// created_at ASC, or nil when the queue is empty
	NextQueued(ctx context.Context) (*models.Job, error)

	// CountJobsByStatus returns aggregate counters per status
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)

	// MarkFailed records a failure outcome on a running job without
	// rewriting config or steps; returns true if the row moved
	MarkFailed(ctx context.Context, jobID string, code models.ErrorCode, message string) (bool, error)

	// ReconcileOrphans fails any running row left behind by a dead
	// worker, skipping the excluded ids; returns the number reconciled
	ReconcileOrphans(ctx context.Context, exclude ...string) (int, error)

	// Close releases database resources
	Close() error
}
