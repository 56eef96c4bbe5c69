package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/common"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/models"
	"github.com/ternarybob/mediaforge/internal/services/events"
	"github.com/ternarybob/mediaforge/internal/services/security"
	"github.com/ternarybob/mediaforge/internal/storage/sqlite"
)

type runnerFixture struct {
	store     interfaces.JobStore
	bus       interfaces.EventBus
	validator *security.Validator
	workspace string
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	workspace := t.TempDir()
	jobsDir := filepath.Join(workspace, ".jobs")
	require.NoError(t, os.MkdirAll(jobsDir, 0755))

	logger := arbor.NewLogger()
	db, err := sqlite.NewSQLiteDB(logger, &common.SQLiteConfig{
		Path:          filepath.Join(jobsDir, "test.db"),
		BusyTimeoutMS: 5000,
		CacheSizeMB:   10,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(100, logger)
	t.Cleanup(bus.Close)

	return &runnerFixture{
		store:     sqlite.NewJobStore(db, logger),
		bus:       bus,
		validator: security.NewValidator(workspace, jobsDir),
		workspace: workspace,
	}
}

func (f *runnerFixture) newRunner(pipeline interfaces.Pipeline) *Runner {
	return NewRunner(f.store, f.bus, f.validator, pipeline, arbor.NewLogger())
}

// seedRunningJob creates a running job with valid paths inside the
// workspace
func (f *runnerFixture) seedRunningJob(t *testing.T, jobID string) *models.Job {
	target := filepath.Join(f.workspace, "target.mp4")
	source := filepath.Join(f.workspace, "face.jpg")
	require.NoError(t, os.WriteFile(target, []byte("video"), 0644))
	require.NoError(t, os.WriteFile(source, []byte("image"), 0644))

	req := &models.RunRequest{
		SourcePaths: []string{source},
		TargetPath:  target,
		OutputPath:  filepath.Join(f.workspace, "out.mp4"),
		Processors:  []string{"face_swapper"},
	}

	job := models.NewJob(jobID, req.ToConfig())
	job.Steps = append(job.Steps, models.NewStep(0, "Processing"))
	job.TransitionTo(models.JobStatusQueued)
	job.TransitionTo(models.JobStatusRunning)
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func drainEvents(sub interfaces.Subscription, timeout time.Duration) []models.JobEvent {
	var collected []models.JobEvent
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return collected
			}
			collected = append(collected, event)
		case <-deadline:
			return collected
		}
	}
}

func TestRunner_HappyPath(t *testing.T) {
	f := newRunnerFixture(t)
	f.seedRunningJob(t, "job-happy")
	sub := f.bus.Subscribe("job-happy")
	defer sub.Close()

	pipeline := interfaces.PipelineFunc(func(config map[string]interface{}, pc interfaces.PipelineContext) bool {
		pc.ReportProgress(0.0, PhaseAnalysing)
		pc.ReportProgress(1.0, PhaseAnalysing)
		pc.ReportProgress(0.5, PhaseProcessing)
		pc.ReportProgress(1.0, PhaseMerging)
		return true
	})

	require.NoError(t, f.newRunner(pipeline).Run(context.Background(), "job-happy"))

	job, err := f.store.GetJob(context.Background(), "job-happy")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1.0, job.Progress)
	assert.Equal(t, models.ErrorCodeSuccess, job.ErrorCode)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, models.StepStatusCompleted, job.Steps[0].Status)

	gotEvents := drainEvents(sub, time.Second)
	require.NotEmpty(t, gotEvents)
	last := gotEvents[len(gotEvents)-1]
	assert.Equal(t, models.EventJobCompleted, last.EventType)

	// Progress samples are non-decreasing and end at 1.0
	var lastProgress float64
	sawFinal := false
	for _, event := range gotEvents {
		if event.EventType != models.EventJobProgress {
			continue
		}
		p := event.Data["progress"].(float64)
		assert.GreaterOrEqual(t, p, lastProgress)
		lastProgress = p
		if p == 1.0 {
			sawFinal = true
		}
	}
	assert.True(t, sawFinal, "final progress 1.0 must always be published")
}

func TestRunner_PipelineFailure(t *testing.T) {
	f := newRunnerFixture(t)
	f.seedRunningJob(t, "job-fail")
	sub := f.bus.Subscribe("job-fail")
	defer sub.Close()

	pipeline := interfaces.PipelineFunc(func(config map[string]interface{}, pc interfaces.PipelineContext) bool {
		return false
	})

	require.NoError(t, f.newRunner(pipeline).Run(context.Background(), "job-fail"))

	job, err := f.store.GetJob(context.Background(), "job-fail")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ErrorCodePipelineFailed, job.ErrorCode)
	assert.Equal(t, "Pipeline processing failed", job.ErrorMessage)

	gotEvents := drainEvents(sub, time.Second)
	last := gotEvents[len(gotEvents)-1]
	assert.Equal(t, models.EventJobFailed, last.EventType)
	assert.Equal(t, "Pipeline processing failed", last.Data["message"])
}

func TestRunner_CancelWhileRunning(t *testing.T) {
	f := newRunnerFixture(t)
	f.seedRunningJob(t, "job-cancel")

	pipeline := interfaces.PipelineFunc(func(config map[string]interface{}, pc interfaces.PipelineContext) bool {
		pc.ReportProgress(0.5, PhaseProcessing)
		f.store.SetCancelRequested(context.Background(), "job-cancel")
		if pc.IsCanceled() {
			return false
		}
		return true
	})

	require.NoError(t, f.newRunner(pipeline).Run(context.Background(), "job-cancel"))

	job, err := f.store.GetJob(context.Background(), "job-cancel")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, job.Status)
	assert.Equal(t, models.ErrorCodeCanceled, job.ErrorCode)
	// Progress stops at the weighted processing sample
	assert.InDelta(t, 0.525, job.Progress, 0.0001)
}

func TestRunner_FailureKeepsReportedProgress(t *testing.T) {
	f := newRunnerFixture(t)
	f.seedRunningJob(t, "job-fail-progress")

	pipeline := interfaces.PipelineFunc(func(config map[string]interface{}, pc interfaces.PipelineContext) bool {
		pc.ReportProgress(0.5, PhaseProcessing)
		return false
	})

	require.NoError(t, f.newRunner(pipeline).Run(context.Background(), "job-fail-progress"))

	job, err := f.store.GetJob(context.Background(), "job-fail-progress")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	// The last reported progress survives the terminal write
	assert.InDelta(t, 0.525, job.Progress, 0.0001)
}

func TestRunner_PipelineContextCarriesJobID(t *testing.T) {
	f := newRunnerFixture(t)
	f.seedRunningJob(t, "job-context-id")

	var seen string
	pipeline := interfaces.PipelineFunc(func(config map[string]interface{}, pc interfaces.PipelineContext) bool {
		seen = pc.JobID()
		return true
	})

	require.NoError(t, f.newRunner(pipeline).Run(context.Background(), "job-context-id"))
	assert.Equal(t, "job-context-id", seen)
}

func TestRunner_PreflightCancelSkipsPipeline(t *testing.T) {
	f := newRunnerFixture(t)
	f.seedRunningJob(t, "job-preflight")
	_, err := f.store.SetCancelRequested(context.Background(), "job-preflight")
	require.NoError(t, err)

	executed := false
	pipeline := interfaces.PipelineFunc(func(config map[string]interface{}, pc interfaces.PipelineContext) bool {
		executed = true
		return true
	})

	require.NoError(t, f.newRunner(pipeline).Run(context.Background(), "job-preflight"))

	assert.False(t, executed, "pipeline must not run after a pre-flight cancel")
	job, err := f.store.GetJob(context.Background(), "job-preflight")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, job.Status)
}

func TestRunner_PathValidationFailure(t *testing.T) {
	f := newRunnerFixture(t)

	job := models.NewJob("job-badpath", map[string]interface{}{
		models.ConfigKeyTargetPath: "/etc/passwd",
	})
	job.Steps = append(job.Steps, models.NewStep(0, "Processing"))
	job.TransitionTo(models.JobStatusQueued)
	job.TransitionTo(models.JobStatusRunning)
	require.NoError(t, f.store.CreateJob(context.Background(), job))

	executed := false
	pipeline := interfaces.PipelineFunc(func(config map[string]interface{}, pc interfaces.PipelineContext) bool {
		executed = true
		return true
	})

	require.NoError(t, f.newRunner(pipeline).Run(context.Background(), "job-badpath"))

	assert.False(t, executed)
	loaded, err := f.store.GetJob(context.Background(), "job-badpath")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, loaded.Status)
	assert.Equal(t, models.ErrorCodePath, loaded.ErrorCode)
}

func TestRunner_PanicBecomesInternalError(t *testing.T) {
	f := newRunnerFixture(t)
	f.seedRunningJob(t, "job-panic")

	pipeline := interfaces.PipelineFunc(func(config map[string]interface{}, pc interfaces.PipelineContext) bool {
		panic("something broke")
	})

	require.NoError(t, f.newRunner(pipeline).Run(context.Background(), "job-panic"))

	job, err := f.store.GetJob(context.Background(), "job-panic")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ErrorCodeInternal, job.ErrorCode)
	assert.Contains(t, job.Metadata, "traceback")
}

func TestRunner_PanicClassification(t *testing.T) {
	tests := []struct {
		message string
		want    models.ErrorCode
	}{
		{"CUDA out of memory", models.ErrorCodeCUDA},
		{"failed to load model weights", models.ErrorCodeModelLoadFailed},
		{"ffmpeg timeout after 60s", models.ErrorCodeFFmpegTimeout},
		{"ffmpeg exited with code 1", models.ErrorCodeFFmpeg},
		{"nil pointer dereference", models.ErrorCodeInternal},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, classifyFailure(tc.message), "message %q", tc.message)
	}
}

func TestRunner_RejectsNonRunningJob(t *testing.T) {
	f := newRunnerFixture(t)

	job := models.NewJob("job-drafted", nil)
	require.NoError(t, f.store.CreateJob(context.Background(), job))

	pipeline := interfaces.PipelineFunc(func(config map[string]interface{}, pc interfaces.PipelineContext) bool {
		return true
	})

	assert.Error(t, f.newRunner(pipeline).Run(context.Background(), "job-drafted"))
	assert.Error(t, f.newRunner(pipeline).Run(context.Background(), "job-unknown"))
}

func TestApplyPhaseWeight(t *testing.T) {
	tests := []struct {
		progress float64
		phase    string
		want     float64
	}{
		{0.0, PhaseAnalysing, 0.0},
		{1.0, PhaseAnalysing, 0.05},
		{0.0, PhaseExtracting, 0.05},
		{1.0, PhaseExtracting, 0.15},
		{0.0, PhaseProcessing, 0.15},
		{0.5, PhaseProcessing, 0.525},
		{1.0, PhaseProcessing, 0.90},
		{0.0, PhaseMerging, 0.90},
		{1.0, PhaseMerging, 1.0},
		{0.42, "unknown", 0.42},
		{-1.0, PhaseProcessing, 0.15},
		{2.0, PhaseMerging, 1.0},
	}

	for _, tc := range tests {
		assert.InDelta(t, tc.want, ApplyPhaseWeight(tc.progress, tc.phase), 0.0001,
			"progress %v phase %s", tc.progress, tc.phase)
	}
}
