// -----------------------------------------------------------------------
// Runner - executes one job through the pipeline with progress + cancel
// -----------------------------------------------------------------------

package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/models"
	"github.com/ternarybob/mediaforge/internal/services/security"
)

// Phase names the pipeline reports against. Unknown phases pass the
// local fraction through unscaled.
const (
	PhaseAnalysing  = "analysing"
	PhaseExtracting = "extracting"
	PhaseProcessing = "processing"
	PhaseMerging    = "merging"
)

// progressPublishInterval bounds how often progress events hit the bus.
// Completion (>= 1.0) always publishes regardless of the limiter.
const progressPublishInterval = 200 * time.Millisecond

// Runner drives a single running job through the pipeline: validates
// paths, wires up progress and cancellation, and finalizes the row.
// The caller owns the queued->running transition; the runner owns
// everything after it.
type Runner struct {
	store     interfaces.JobStore
	bus       interfaces.EventBus
	validator *security.Validator
	pipeline  interfaces.Pipeline
	logger    arbor.ILogger
}

// NewRunner creates a runner bound to one pipeline implementation
func NewRunner(store interfaces.JobStore, bus interfaces.EventBus, validator *security.Validator, pipeline interfaces.Pipeline, logger arbor.ILogger) *Runner {
	return &Runner{
		store:     store,
		bus:       bus,
		validator: validator,
		pipeline:  pipeline,
		logger:    logger,
	}
}

// Run executes the job to a terminal state. The job must already be
// running in the store. Run never returns a pipeline error; failures are
// recorded on the job row and published as events.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.Status != models.JobStatusRunning {
		return fmt.Errorf("job %s is %s, expected running", jobID, job.Status)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.handlePanic(ctx, job, rec)
		}
	}()

	if err := r.ValidatePaths(job); err != nil {
		r.logger.Warn().Str("job_id", job.JobID).Err(err).Msg("Path validation failed")
		r.finalizeFailed(ctx, job, models.ErrorCodePath, err.Error())
		return nil
	}

	// A cancel that landed while the job sat in the queue wins before
	// any work starts
	if canceled, _ := r.store.IsCancelRequested(ctx, job.JobID); canceled {
		r.finalizeCanceled(ctx, job)
		return nil
	}

	if len(job.Steps) > 0 {
		job.Steps[0].MarkRunning()
		if err := r.store.UpdateJob(ctx, job); err != nil {
			r.logger.Warn().Str("job_id", job.JobID).Err(err).Msg("Failed to persist step start")
		}
		r.bus.Publish(stepEvent(job.JobID, models.EventStepStarted, &job.Steps[0]))
	}

	pc := newPipelineContext(ctx, job.JobID, r.store, r.bus, r.logger)
	ok := r.pipeline.Execute(job.Config, pc)

	if canceled, _ := r.store.IsCancelRequested(ctx, job.JobID); canceled {
		r.finalizeCanceled(ctx, job)
		return nil
	}

	if ok {
		r.finalizeCompleted(ctx, job)
	} else {
		r.finalizeFailed(ctx, job, models.ErrorCodePipelineFailed, "Pipeline processing failed")
	}
	return nil
}

// ValidatePaths checks every user-supplied path in the job config.
// Exposed so the worker can refuse a job before any resource is
// acquired.
func (r *Runner) ValidatePaths(job *models.Job) error {
	if target, ok := job.ConfigString(models.ConfigKeyTargetPath); ok && target != "" {
		if _, err := r.validator.ValidateInputPath(target); err != nil {
			return err
		}
	}
	if sources, ok := job.ConfigStringSlice(models.ConfigKeySourcePaths); ok {
		for _, src := range sources {
			if _, err := r.validator.ValidateInputPath(src); err != nil {
				return err
			}
		}
	}
	if output, ok := job.ConfigString(models.ConfigKeyOutputPath); ok && output != "" {
		if _, err := r.validator.ValidateOutputPath(output); err != nil {
			return err
		}
	}
	return nil
}

// ----- Finalization -----------------------------------------------------

func (r *Runner) finalizeCompleted(ctx context.Context, job *models.Job) {
	if _, err := r.store.UpdateProgress(ctx, job.JobID, 1.0); err != nil {
		r.logger.Warn().Str("job_id", job.JobID).Err(err).Msg("Failed to persist final progress")
	}
	job.Progress = 1.0
	for i := range job.Steps {
		if job.Steps[i].Status == models.StepStatusRunning {
			job.Steps[i].MarkCompleted()
		}
	}
	job.ErrorCode = models.ErrorCodeSuccess
	job.TransitionTo(models.JobStatusCompleted)
	r.persist(ctx, job)

	r.bus.Publish(models.ProgressEvent(job.JobID, 1.0, PhaseMerging))
	r.bus.Publish(models.StatusEvent(job.JobID, models.JobStatusCompleted, "job completed"))
	r.logger.Info().Str("job_id", job.JobID).Msg("Job completed")
}

func (r *Runner) finalizeFailed(ctx context.Context, job *models.Job, code models.ErrorCode, message string) {
	for i := range job.Steps {
		if job.Steps[i].Status == models.StepStatusRunning {
			job.Steps[i].MarkFailed(message)
		}
	}
	job.Fail(code, message)
	r.persist(ctx, job)

	r.bus.Publish(models.StatusEvent(job.JobID, models.JobStatusFailed, message))
	r.logger.Warn().
		Str("job_id", job.JobID).
		Str("error_code", string(code)).
		Str("error", message).
		Msg("Job failed")
}

func (r *Runner) finalizeCanceled(ctx context.Context, job *models.Job) {
	for i := range job.Steps {
		if job.Steps[i].Status == models.StepStatusRunning {
			job.Steps[i].Status = models.StepStatusSkipped
		}
	}
	job.ErrorCode = models.ErrorCodeCanceled
	job.ErrorMessage = "canceled by request"
	job.TransitionTo(models.JobStatusCanceled)
	r.persist(ctx, job)

	r.bus.Publish(models.StatusEvent(job.JobID, models.JobStatusCanceled, "job canceled"))
	r.logger.Info().Str("job_id", job.JobID).Msg("Job canceled")
}

// handlePanic converts a pipeline panic into a failed job with the
// stack preserved in metadata
func (r *Runner) handlePanic(ctx context.Context, job *models.Job, rec interface{}) {
	message := fmt.Sprintf("%v", rec)
	if job.Metadata == nil {
		job.Metadata = make(map[string]interface{})
	}
	job.Metadata["traceback"] = string(debug.Stack())

	r.logger.Error().
		Str("job_id", job.JobID).
		Str("panic", message).
		Msg("Pipeline panicked")
	r.finalizeFailed(ctx, job, classifyFailure(message), message)
}

// classifyFailure maps a failure message onto the error taxonomy
func classifyFailure(message string) models.ErrorCode {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "cuda"), strings.Contains(lower, "out of memory"):
		return models.ErrorCodeCUDA
	case strings.Contains(lower, "model"):
		return models.ErrorCodeModelLoadFailed
	case strings.Contains(lower, "ffmpeg") && strings.Contains(lower, "timeout"):
		return models.ErrorCodeFFmpegTimeout
	case strings.Contains(lower, "ffmpeg"):
		return models.ErrorCodeFFmpeg
	default:
		return models.ErrorCodeInternal
	}
}

func (r *Runner) persist(ctx context.Context, job *models.Job) {
	if err := r.store.UpdateJob(ctx, job); err != nil {
		r.logger.Error().Str("job_id", job.JobID).Err(err).Msg("Failed to persist job")
	}
}

func stepEvent(jobID string, eventType models.EventType, step *models.Step) models.JobEvent {
	return models.JobEvent{
		JobID:     jobID,
		EventType: eventType,
		Data: map[string]interface{}{
			"step_index": step.Index,
			"step_name":  step.Name,
			"status":     string(step.Status),
		},
		Timestamp: time.Now().UTC(),
	}
}

// ----- Pipeline context -------------------------------------------------

// pipelineContext implements interfaces.PipelineContext for one job.
// Progress is mapped through phase weights, persisted monotonically via
// the store's conditional write, and published at most once per
// 200ms except for completion which always goes out.
type pipelineContext struct {
	ctx     context.Context
	jobID   string
	store   interfaces.JobStore
	bus     interfaces.EventBus
	logger  arbor.ILogger
	limiter *rate.Limiter

	mu       sync.Mutex
	lastSeen float64
}

func newPipelineContext(ctx context.Context, jobID string, store interfaces.JobStore, bus interfaces.EventBus, logger arbor.ILogger) *pipelineContext {
	return &pipelineContext{
		ctx:     ctx,
		jobID:   jobID,
		store:   store,
		bus:     bus,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(progressPublishInterval), 1),
	}
}

// JobID identifies the job this context is scoped to
func (p *pipelineContext) JobID() string {
	return p.jobID
}

// ReportProgress maps the phase-local fraction to overall job progress.
// Writes that do not advance the stored value are dropped by the store,
// keeping progress monotonic across phases and restarts.
func (p *pipelineContext) ReportProgress(progress float64, phase string) {
	overall := ApplyPhaseWeight(progress, phase)

	p.mu.Lock()
	if overall <= p.lastSeen && overall < 1.0 {
		p.mu.Unlock()
		return
	}
	p.lastSeen = overall
	p.mu.Unlock()

	advanced, err := p.store.UpdateProgress(p.ctx, p.jobID, overall)
	if err != nil {
		p.logger.Warn().Str("job_id", p.jobID).Err(err).Msg("Failed to persist progress")
		return
	}
	if !advanced && overall < 1.0 {
		return
	}

	if overall >= 1.0 || p.limiter.Allow() {
		p.bus.Publish(models.ProgressEvent(p.jobID, overall, phase))
	}
}

// IsCanceled polls the durable cancel flag
func (p *pipelineContext) IsCanceled() bool {
	select {
	case <-p.ctx.Done():
		return true
	default:
	}
	canceled, err := p.store.IsCancelRequested(p.ctx, p.jobID)
	if err != nil {
		p.logger.Warn().Str("job_id", p.jobID).Err(err).Msg("Failed to read cancel flag")
		return false
	}
	return canceled
}

// Log publishes a job-scoped log line on the event bus
func (p *pipelineContext) Log(level string, message string) {
	p.bus.Publish(models.LogEvent(p.jobID, level, message))
}

// ApplyPhaseWeight converts a phase-local fraction in [0,1] into overall
// job progress. The bands reflect the relative cost of each phase:
// analysing 5%, extracting 10%, processing 75%, merging 10%. Unknown
// phases pass through unscaled.
func ApplyPhaseWeight(progress float64, phase string) float64 {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	switch phase {
	case PhaseAnalysing:
		return progress * 0.05
	case PhaseExtracting:
		return 0.05 + progress*0.10
	case PhaseProcessing:
		return 0.15 + progress*0.75
	case PhaseMerging:
		return 0.90 + progress*0.10
	default:
		return progress
	}
}
