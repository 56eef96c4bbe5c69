package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/common"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/models"
)

// setupTestStore creates a job store over a temp database
func setupTestStore(t *testing.T) interfaces.JobStore {
	config := &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		WALMode:       false,
		BusyTimeoutMS: 5000,
		CacheSizeMB:   10,
	}

	logger := arbor.NewLogger()
	db, err := NewSQLiteDB(logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewJobStore(db, logger)
}

func newTestJob(id string) *models.Job {
	job := models.NewJob(id, map[string]interface{}{
		"target_path": "/work/video.mp4",
	})
	job.Steps = append(job.Steps, models.NewStep(0, "Processing"))
	return job
}

func TestJobStore_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-20260101-000000-aaaa1111")
	require.NoError(t, store.CreateJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, job.JobID, loaded.JobID)
	assert.Equal(t, models.JobStatusDrafted, loaded.Status)
	assert.Equal(t, 0.0, loaded.Progress)
	assert.False(t, loaded.CancelRequested)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, "Processing", loaded.Steps[0].Name)

	target, ok := loaded.ConfigString("target_path")
	require.True(t, ok)
	assert.Equal(t, "/work/video.mp4", target)
}

func TestJobStore_CreateDuplicateFails(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-dup")
	require.NoError(t, store.CreateJob(ctx, job))
	assert.Error(t, store.CreateJob(ctx, job))
}

func TestJobStore_GetMissingReturnsNil(t *testing.T) {
	store := setupTestStore(t)

	job, err := store.GetJob(context.Background(), "job-missing")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestJobStore_UpdateJob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-update")
	require.NoError(t, store.CreateJob(ctx, job))

	job.TransitionTo(models.JobStatusQueued)
	job.TransitionTo(models.JobStatusRunning)
	job.Steps[0].MarkRunning()
	require.NoError(t, store.UpdateJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, loaded.Status)
	assert.NotNil(t, loaded.StartedAt)
	assert.Equal(t, models.StepStatusRunning, loaded.Steps[0].Status)
}

func TestJobStore_ProgressIsMonotonic(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-progress")
	require.NoError(t, store.CreateJob(ctx, job))

	advanced, err := store.UpdateProgress(ctx, job.JobID, 0.5)
	require.NoError(t, err)
	assert.True(t, advanced)

	// Equal and lower values are rejected by the conditional write
	advanced, err = store.UpdateProgress(ctx, job.JobID, 0.5)
	require.NoError(t, err)
	assert.False(t, advanced)

	advanced, err = store.UpdateProgress(ctx, job.JobID, 0.3)
	require.NoError(t, err)
	assert.False(t, advanced)

	loaded, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, loaded.Progress)

	advanced, err = store.UpdateProgress(ctx, job.JobID, 1.0)
	require.NoError(t, err)
	assert.True(t, advanced)
}

func TestJobStore_UpdateJobNeverLowersProgress(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-stale-snapshot")
	job.Status = models.JobStatusQueued
	require.NoError(t, store.CreateJob(ctx, job))
	job.TransitionTo(models.JobStatusRunning)
	require.NoError(t, store.UpdateJob(ctx, job))

	// The pipeline advances progress behind the snapshot's back
	advanced, err := store.UpdateProgress(ctx, job.JobID, 0.6)
	require.NoError(t, err)
	require.True(t, advanced)

	// Finalizing from the stale snapshot must not roll progress back
	job.Fail(models.ErrorCodePipelineFailed, "Pipeline processing failed")
	require.NoError(t, store.UpdateJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, loaded.Status)
	assert.Equal(t, 0.6, loaded.Progress)
}

func TestJobStore_CancelFlagIsIdempotentAndSticky(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-cancel")
	require.NoError(t, store.CreateJob(ctx, job))

	canceled, err := store.IsCancelRequested(ctx, job.JobID)
	require.NoError(t, err)
	assert.False(t, canceled)

	_, err = store.SetCancelRequested(ctx, job.JobID)
	require.NoError(t, err)
	_, err = store.SetCancelRequested(ctx, job.JobID)
	require.NoError(t, err)

	canceled, err = store.IsCancelRequested(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, canceled)
}

func TestJobStore_NextQueuedPriorityOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	low := newTestJob("job-low")
	low.Status = models.JobStatusQueued
	low.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.CreateJob(ctx, low))

	high := newTestJob("job-high")
	high.Status = models.JobStatusQueued
	high.SetPriority(10)
	high.CreatedAt = time.Now().UTC().Add(-1 * time.Hour)
	require.NoError(t, store.CreateJob(ctx, high))

	// Highest priority wins despite being newer
	next, err := store.NextQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "job-high", next.JobID)

	// Equal priority falls back to created_at ascending
	older := newTestJob("job-older")
	older.Status = models.JobStatusQueued
	older.SetPriority(10)
	older.CreatedAt = time.Now().UTC().Add(-3 * time.Hour)
	require.NoError(t, store.CreateJob(ctx, older))

	next, err = store.NextQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "job-older", next.JobID)
}

func TestJobStore_NextQueuedEmpty(t *testing.T) {
	store := setupTestStore(t)

	next, err := store.NextQueued(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestJobStore_ListJobsNewestFirstWithFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"job-a", "job-b", "job-c"} {
		job := newTestJob(id)
		job.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		if id == "job-b" {
			job.Status = models.JobStatusQueued
		}
		require.NoError(t, store.CreateJob(ctx, job))
	}

	jobs, err := store.ListJobs(ctx, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "job-c", jobs[0].JobID)

	queued, err := store.ListJobs(ctx, &interfaces.JobListOptions{Status: models.JobStatusQueued})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "job-b", queued[0].JobID)
}

func TestJobStore_DeleteJob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-delete")
	require.NoError(t, store.CreateJob(ctx, job))

	deleted, err := store.DeleteJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestJobStore_CountJobsByStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id     string
		status models.JobStatus
	}{
		{"job-1", models.JobStatusQueued},
		{"job-2", models.JobStatusQueued},
		{"job-3", models.JobStatusRunning},
		{"job-4", models.JobStatusCompleted},
	} {
		job := newTestJob(tc.id)
		job.Status = tc.status
		require.NoError(t, store.CreateJob(ctx, job))
	}

	counts, err := store.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.JobStatusQueued])
	assert.Equal(t, 1, counts[models.JobStatusRunning])
	assert.Equal(t, 1, counts[models.JobStatusCompleted])
}

func TestJobStore_ReconcileOrphans(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	orphan := newTestJob("job-orphan")
	orphan.Status = models.JobStatusRunning
	require.NoError(t, store.CreateJob(ctx, orphan))

	fine := newTestJob("job-fine")
	fine.Status = models.JobStatusQueued
	require.NoError(t, store.CreateJob(ctx, fine))

	count, err := store.ReconcileOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	loaded, err := store.GetJob(ctx, orphan.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, loaded.Status)
	assert.Equal(t, models.ErrorCodeInternal, loaded.ErrorCode)
	assert.Equal(t, "orphaned", loaded.ErrorMessage)

	untouched, err := store.GetJob(ctx, fine.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, untouched.Status)
}

func TestJobStore_ReconcileOrphansSkipsExcluded(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	live := newTestJob("job-live")
	live.Status = models.JobStatusRunning
	require.NoError(t, store.CreateJob(ctx, live))

	dead := newTestJob("job-dead")
	dead.Status = models.JobStatusRunning
	require.NoError(t, store.CreateJob(ctx, dead))

	count, err := store.ReconcileOrphans(ctx, live.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stillRunning, err := store.GetJob(ctx, live.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stillRunning.Status)

	reconciled, err := store.GetJob(ctx, dead.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, reconciled.Status)
}

func TestJobStore_MarkFailed(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-markfail")
	job.Status = models.JobStatusRunning
	require.NoError(t, store.CreateJob(ctx, job))

	moved, err := store.MarkFailed(ctx, job.JobID, models.ErrorCodeInternal, "worker could not load job")
	require.NoError(t, err)
	assert.True(t, moved)

	loaded, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, loaded.Status)
	assert.Equal(t, models.ErrorCodeInternal, loaded.ErrorCode)
	assert.NotNil(t, loaded.CompletedAt)
	// Config and steps survive the targeted write
	require.Len(t, loaded.Steps, 1)
	target, ok := loaded.ConfigString("target_path")
	require.True(t, ok)
	assert.Equal(t, "/work/video.mp4", target)

	// Terminal rows stay terminal
	moved, err = store.MarkFailed(ctx, job.JobID, models.ErrorCodeInternal, "again")
	require.NoError(t, err)
	assert.False(t, moved)
}
