package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/models"
)

const defaultListLimit = 100

// timeToISO formats a timestamp as ISO-8601 UTC for storage
func timeToISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// isoToTime parses a stored ISO-8601 timestamp
func isoToTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Parse(time.RFC3339, value)
	}
	return t, nil
}

// JobStore implements SQLite persistence for orchestrator jobs
type JobStore struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStore creates a new job store instance
func NewJobStore(db *SQLiteDB, logger arbor.ILogger) interfaces.JobStore {
	return &JobStore{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new job row; fails on primary-key collision
func (s *JobStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, stepsJSON, metadataJSON, err := marshalJobBags(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			job_id, status, progress, cancel_requested,
			created_at, started_at, completed_at,
			error_code, error_message,
			config_json, steps_json, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.db.ExecContext(ctx, query,
		job.JobID,
		string(job.Status),
		job.Progress,
		boolToInt(job.CancelRequested),
		timeToISO(job.CreatedAt),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
		nullableString(string(job.ErrorCode)),
		nullableString(job.ErrorMessage),
		configJSON,
		stepsJSON,
		metadataJSON,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("job %s already exists: %w", job.JobID, err)
		}
		s.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to create job")
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug().Str("job_id", job.JobID).Str("status", string(job.Status)).Msg("Job created")
	return nil
}

// UpdateJob writes the full row image. Unknown job ids are a no-op.
// Progress is written through MAX so a caller holding a stale snapshot
// can never roll it back below what the pipeline already reported.
func (s *JobStore) UpdateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, stepsJSON, metadataJSON, err := marshalJobBags(job)
	if err != nil {
		return err
	}

	query := `
		UPDATE jobs SET
			status = ?,
			progress = MAX(progress, ?),
			cancel_requested = ?,
			started_at = ?,
			completed_at = ?,
			error_code = ?,
			error_message = ?,
			config_json = ?,
			steps_json = ?,
			metadata_json = ?
		WHERE job_id = ?
	`

	_, err = s.db.db.ExecContext(ctx, query,
		string(job.Status),
		job.Progress,
		boolToInt(job.CancelRequested),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
		nullableString(string(job.ErrorCode)),
		nullableString(job.ErrorMessage),
		configJSON,
		stepsJSON,
		metadataJSON,
		job.JobID,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to update job")
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID; returns nil when not found
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := selectColumns + ` FROM jobs WHERE job_id = ?`
	row := s.db.db.QueryRowContext(ctx, query, jobID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest-first, optionally filtered by status
func (s *JobStore) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := selectColumns + ` FROM jobs`
	args := []interface{}{}

	limit := defaultListLimit
	if opts != nil {
		if opts.Status != "" {
			query += ` WHERE status = ?`
			args = append(args, string(opts.Status))
		}
		if opts.Limit > 0 {
			limit = opts.Limit
		}
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to scan job row, skipping")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job row atomically
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetCancelRequested durably sets the cancel flag. Idempotent: the flag
// only ever moves to 1 and never regresses status.
func (s *JobStore) SetCancelRequested(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1 WHERE job_id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to set cancel flag: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// IsCancelRequested reads the durable cancel flag
func (s *JobStore) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flag int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE job_id = ?`, jobID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// UpdateProgress stores the progress only when strictly greater than the
// stored value. The condition lives in the statement so monotonicity is
// enforced by the database rather than read-modify-write.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	result, err := s.db.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ? WHERE job_id = ? AND progress < ?`,
		progress, jobID, progress)
	if err != nil {
		return false, fmt.Errorf("failed to update progress: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// NextQueued returns the next queued job ordered by metadata priority
// descending then created_at ascending. Dequeue order lives in SQL so a
// crashing worker never loses queued order.
func (s *JobStore) NextQueued(ctx context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := selectColumns + `
		FROM jobs
		WHERE status = ?
		ORDER BY CAST(COALESCE(json_extract(metadata_json, '$.priority'), 0) AS INTEGER) DESC,
		         created_at ASC
		LIMIT 1
	`
	row := s.db.db.QueryRowContext(ctx, query, string(models.JobStatusQueued))

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	return job, nil
}

// CountJobsByStatus returns aggregate counters per status
func (s *JobStore) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[models.JobStatus(status)] = count
	}
	return counts, rows.Err()
}

// ReconcileOrphans fails every running row left behind by a dead worker.
// At startup nothing is excluded: running provably means orphaned. The
// periodic sweep passes the ids the orchestrator currently holds so a
// live in-flight job is never touched.
func (s *JobStore) ReconcileOrphans(ctx context.Context, exclude ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE jobs SET
			status = ?,
			error_code = ?,
			error_message = 'orphaned',
			completed_at = ?
		WHERE status = ?`
	args := []interface{}{
		string(models.JobStatusFailed),
		string(models.ErrorCodeInternal),
		timeToISO(time.Now()),
		string(models.JobStatusRunning),
	}
	if len(exclude) > 0 {
		query += ` AND job_id NOT IN (?` + strings.Repeat(",?", len(exclude)-1) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}

	result, err := s.db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile orphaned jobs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.logger.Warn().Int64("count", affected).Msg("Reconciled orphaned running jobs")
	}
	return int(affected), nil
}

// MarkFailed records a failure outcome on a running job without touching
// its config or steps. Used when the worker cannot load the full row;
// the status guard keeps a terminal row terminal.
func (s *JobStore) MarkFailed(ctx context.Context, jobID string, code models.ErrorCode, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?,
			error_code = ?,
			error_message = ?,
			completed_at = ?
		WHERE job_id = ? AND status = ?`,
		string(models.JobStatusFailed),
		string(code),
		message,
		timeToISO(time.Now()),
		jobID,
		string(models.JobStatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Close releases the underlying connection
func (s *JobStore) Close() error {
	return s.db.Close()
}

const selectColumns = `
	SELECT job_id, status, progress, cancel_requested,
	       created_at, started_at, completed_at,
	       error_code, error_message,
	       config_json, steps_json, metadata_json`

// scanJob converts one row into a Job. The scan argument abstracts over
// sql.Row and sql.Rows.
func scanJob(scan func(...interface{}) error) (*models.Job, error) {
	var (
		jobID, status                      string
		progress                           float64
		cancelRequested                    int
		createdAt                          string
		startedAt, completedAt             sql.NullString
		errorCode, errorMessage            sql.NullString
		configJSON, stepsJSON, metaJSON    sql.NullString
	)

	err := scan(
		&jobID, &status, &progress, &cancelRequested,
		&createdAt, &startedAt, &completedAt,
		&errorCode, &errorMessage,
		&configJSON, &stepsJSON, &metaJSON,
	)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		JobID:           jobID,
		Status:          models.JobStatus(status),
		Progress:        progress,
		CancelRequested: cancelRequested != 0,
		Config:          make(map[string]interface{}),
		Metadata:        make(map[string]interface{}),
	}

	if created, err := isoToTime(createdAt); err == nil {
		job.CreatedAt = created
	}
	if startedAt.Valid {
		if t, err := isoToTime(startedAt.String); err == nil {
			job.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := isoToTime(completedAt.String); err == nil {
			job.CompletedAt = &t
		}
	}
	if errorCode.Valid {
		job.ErrorCode = models.ErrorCode(errorCode.String)
	}
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}

	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &job.Config); err != nil {
			return nil, fmt.Errorf("failed to deserialize config: %w", err)
		}
	}
	if stepsJSON.Valid && stepsJSON.String != "" {
		if err := json.Unmarshal([]byte(stepsJSON.String), &job.Steps); err != nil {
			return nil, fmt.Errorf("failed to deserialize steps: %w", err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize metadata: %w", err)
		}
	}

	return job, nil
}

func marshalJobBags(job *models.Job) (string, string, string, error) {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to serialize config: %w", err)
	}
	steps := job.Steps
	if steps == nil {
		steps = []models.Step{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to serialize steps: %w", err)
	}
	metadataJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to serialize metadata: %w", err)
	}
	return string(configJSON), string(stepsJSON), string(metadataJSON), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToISO(*t), Valid: true}
}
