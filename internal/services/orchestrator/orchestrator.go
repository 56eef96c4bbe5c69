// -----------------------------------------------------------------------
// Orchestrator - the single front door for job lifecycle management
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/common"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/models"
	"github.com/ternarybob/mediaforge/internal/services/resources"
	"github.com/ternarybob/mediaforge/internal/services/runner"
	"github.com/ternarybob/mediaforge/internal/services/workers"
)

var (
	// ErrJobNotFound is returned when the referenced job does not exist
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned for a status change the state
	// machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidRequest is returned when a submission fails validation
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrShuttingDown is returned once shutdown has begun
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

const jobIDPrefix = "job"

// Stats aggregates queue counters and resource utilization
type Stats struct {
	Jobs      map[models.JobStatus]int `json:"jobs"`
	Active    int                      `json:"active"`
	Resources resources.Status         `json:"resources"`
}

// Orchestrator owns the worker pool and coordinates store, bus,
// resources and runner. Construct one at process start and share it by
// reference; it is safe for concurrent use.
type Orchestrator struct {
	store     interfaces.JobStore
	bus       interfaces.EventBus
	resources *resources.Manager
	runner    *runner.Runner
	pool      *workers.Pool
	validate  *validator.Validate
	logger    arbor.ILogger

	mu       sync.Mutex
	active   map[string]struct{}
	shutdown bool
}

// New creates an orchestrator. The pool is sized from the resource
// manager's effective CPU worker count; call Start before submitting.
func New(store interfaces.JobStore, bus interfaces.EventBus, res *resources.Manager, run *runner.Runner, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		bus:       bus,
		resources: res,
		runner:    run,
		pool:      workers.NewPool(res.CPUWorkerCount(), logger),
		validate:  validator.New(),
		logger:    logger,
		active:    make(map[string]struct{}),
	}
}

// Start launches the worker pool
func (o *Orchestrator) Start() {
	o.pool.Start()
}

// Submit creates a drafted job from the request, publishes job_created
// and immediately queues it. Returns the stored job snapshot.
func (o *Orchestrator) Submit(ctx context.Context, req *models.RunRequest) (*models.Job, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = common.NewJobID(jobIDPrefix)
	}

	job := models.NewJob(jobID, req.ToConfig())
	job.Metadata["client"] = "orchestrator"
	job.Steps = append(job.Steps, models.NewStep(0, "Processing"))

	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	o.bus.Publish(models.StatusEvent(jobID, models.JobStatusDrafted, "job created"))
	o.logger.Info().Str("job_id", jobID).Msg("Job submitted")

	if err := o.QueueJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.store.GetJob(ctx, jobID)
}

// QueueJob moves a drafted or failed job into the queue. Re-queueing a
// failed job clears its previous outcome; progress stays monotonic.
func (o *Orchestrator) QueueJob(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	wasFailed := job.Status == models.JobStatusFailed
	if !job.TransitionTo(models.JobStatusQueued) {
		return fmt.Errorf("%w: %s -> queued", ErrInvalidTransition, job.Status)
	}
	if wasFailed {
		job.ErrorCode = ""
		job.ErrorMessage = ""
		job.CompletedAt = nil
	}

	if err := o.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	o.bus.Publish(models.StatusEvent(jobID, models.JobStatusQueued, "job queued"))
	return nil
}

// RunJob dispatches a queued job to the worker pool. A cancel flag set
// while the job sat in the queue wins here: the job goes straight to
// canceled without touching any resource.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string) error {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	o.mu.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != models.JobStatusQueued {
		return fmt.Errorf("%w: cannot run job in status %s", ErrInvalidTransition, job.Status)
	}

	if canceled, _ := o.store.IsCancelRequested(ctx, jobID); canceled {
		o.finalizeCanceled(ctx, job)
		return nil
	}

	// Claim the job before handing it to the pool so the dequeue loop
	// never dispatches it twice
	if !job.TransitionTo(models.JobStatusRunning) {
		return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, job.Status)
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	o.bus.Publish(models.StatusEvent(jobID, models.JobStatusRunning, "job started"))

	o.mu.Lock()
	o.active[jobID] = struct{}{}
	o.mu.Unlock()

	if err := o.pool.Submit(func(taskCtx context.Context) error {
		o.executeJob(taskCtx, jobID)
		return nil
	}); err != nil {
		o.removeActive(jobID)
		return err
	}
	return nil
}

// executeJob is the worker body: validate, acquire, run, reconcile
func (o *Orchestrator) executeJob(ctx context.Context, jobID string) {
	defer o.removeActive(jobID)
	defer o.resources.ReleaseAll(jobID)

	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		// The claim already moved the row to running; a load failure must
		// not strand it there without an outcome
		o.logger.Error().Str("job_id", jobID).Err(err).Msg("Worker could not load job")
		message := fmt.Sprintf("worker could not load job: %v", err)
		if _, ferr := o.store.MarkFailed(ctx, jobID, models.ErrorCodeInternal, message); ferr != nil {
			o.logger.Error().Str("job_id", jobID).Err(ferr).Msg("Failed to record load failure")
			return
		}
		o.bus.Publish(models.StatusEvent(jobID, models.JobStatusFailed, message))
		return
	}
	if job == nil {
		// Row deleted while queued for execution; nothing to finalize
		o.logger.Warn().Str("job_id", jobID).Msg("Job disappeared before execution")
		return
	}

	if canceled, _ := o.store.IsCancelRequested(ctx, jobID); canceled {
		o.finalizeCanceled(ctx, job)
		return
	}

	// Path errors fail the job before any resource is acquired
	if err := o.runner.ValidatePaths(job); err != nil {
		o.failJob(ctx, job, models.ErrorCodePath, err.Error())
		return
	}

	release, err := o.resources.AcquireGPU(jobID, 0)
	if err != nil {
		o.failJob(ctx, job, models.ErrorCodeInternal, err.Error())
		return
	}
	defer release()

	if err := o.runner.Run(ctx, jobID); err != nil {
		o.logger.Error().Str("job_id", jobID).Err(err).Msg("Runner returned an error")
	}

	// Defend against a pipeline that exited without setting final status
	final, err := o.loadJob(ctx, jobID)
	if err != nil || final == nil {
		if err != nil {
			o.logger.Error().Str("job_id", jobID).Err(err).Msg("Could not re-read job after run")
		}
		return
	}
	if final.Status == models.JobStatusRunning {
		o.failJob(ctx, final, models.ErrorCodePipelineFailed, "Pipeline exited without setting final status")
	}
}

// CancelJob sets the durable cancel flag and publishes a notice. The
// actual cancel is cooperative and happens in the runner; a queued job
// is finalized at dispatch. Cancelling a terminal job is a no-op.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.IsTerminal() {
		return nil
	}

	if _, err := o.store.SetCancelRequested(ctx, jobID); err != nil {
		return err
	}
	o.bus.Publish(models.CancelRequestedEvent(jobID))
	o.logger.Info().Str("job_id", jobID).Msg("Cancellation requested")
	return nil
}

// CancelAll cancels every queued and running job; returns the count
func (o *Orchestrator) CancelAll(ctx context.Context) (int, error) {
	count := 0
	for _, status := range []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning} {
		jobs, err := o.store.ListJobs(ctx, &interfaces.JobListOptions{Status: status, Limit: 10000})
		if err != nil {
			return count, err
		}
		for _, job := range jobs {
			if err := o.CancelJob(ctx, job.JobID); err != nil {
				o.logger.Warn().Str("job_id", job.JobID).Err(err).Msg("Failed to cancel job")
				continue
			}
			count++
		}
	}
	return count, nil
}

// SetPriority updates metadata.priority on a non-terminal job
func (o *Orchestrator) SetPriority(ctx context.Context, jobID string, priority int) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.IsTerminal() {
		return fmt.Errorf("%w: cannot re-prioritize %s job", ErrInvalidTransition, job.Status)
	}

	job.SetPriority(priority)
	return o.store.UpdateJob(ctx, job)
}

// QueueJobs bulk-queues drafted (or failed) jobs; returns how many moved
func (o *Orchestrator) QueueJobs(ctx context.Context, jobIDs []string) int {
	count := 0
	for _, id := range jobIDs {
		if err := o.QueueJob(ctx, id); err != nil {
			o.logger.Warn().Str("job_id", id).Err(err).Msg("Failed to queue job")
			continue
		}
		count++
	}
	return count
}

// UnqueueJobs moves queued jobs back to drafted. This is an operator
// action outside the normal state machine; a job already claimed by a
// worker is left alone.
func (o *Orchestrator) UnqueueJobs(ctx context.Context, jobIDs []string) int {
	count := 0
	for _, id := range jobIDs {
		job, err := o.store.GetJob(ctx, id)
		if err != nil || job == nil || job.Status != models.JobStatusQueued {
			continue
		}
		job.Status = models.JobStatusDrafted
		if err := o.store.UpdateJob(ctx, job); err != nil {
			o.logger.Warn().Str("job_id", id).Err(err).Msg("Failed to unqueue job")
			continue
		}
		count++
	}
	return count
}

// DeleteJobs bulk-deletes jobs. Running jobs are skipped; cancel first.
func (o *Orchestrator) DeleteJobs(ctx context.Context, jobIDs []string) int {
	count := 0
	for _, id := range jobIDs {
		job, err := o.store.GetJob(ctx, id)
		if err != nil || job == nil || job.Status == models.JobStatusRunning {
			continue
		}
		deleted, err := o.store.DeleteJob(ctx, id)
		if err != nil {
			o.logger.Warn().Str("job_id", id).Err(err).Msg("Failed to delete job")
			continue
		}
		if deleted {
			count++
		}
	}
	return count
}

// RunQueued drains the queue in priority order, dispatching every
// queued job to the pool; returns how many were dispatched
func (o *Orchestrator) RunQueued(ctx context.Context) (int, error) {
	count := 0
	for {
		job, err := o.store.NextQueued(ctx)
		if err != nil {
			return count, err
		}
		if job == nil {
			return count, nil
		}
		if err := o.RunJob(ctx, job.JobID); err != nil {
			return count, err
		}
		count++
	}
}

// GetJob returns the stored snapshot or nil
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs newest-first, optionally filtered
func (o *Orchestrator) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return o.store.ListJobs(ctx, opts)
}

// Stats returns per-status counters plus resource utilization
func (o *Orchestrator) Stats(ctx context.Context) (*Stats, error) {
	counts, err := o.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	activeCount := len(o.active)
	o.mu.Unlock()

	return &Stats{
		Jobs:      counts,
		Active:    activeCount,
		Resources: o.resources.Status(),
	}, nil
}

// Shutdown stops accepting work, waits for in-flight workers and closes
// the store
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return
	}
	o.shutdown = true
	o.mu.Unlock()

	o.pool.Shutdown()
	if err := o.store.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to close job store")
	}
	o.logger.Info().Msg("Orchestrator shutdown complete")
}

// ActiveJobIDs returns the ids currently held by live workers. The
// maintenance sweep uses this to keep in-flight jobs out of the orphan
// reconcile.
func (o *Orchestrator) ActiveJobIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// ----- Internal helpers -------------------------------------------------

// loadJob reads the row, retrying transient store errors before giving
// up. A nil job without error means the row no longer exists.
func (o *Orchestrator) loadJob(ctx context.Context, jobID string) (*models.Job, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		job, err := o.store.GetJob(ctx, jobID)
		if err == nil {
			return job, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (o *Orchestrator) removeActive(jobID string) {
	o.mu.Lock()
	delete(o.active, jobID)
	o.mu.Unlock()
}

func (o *Orchestrator) finalizeCanceled(ctx context.Context, job *models.Job) {
	for i := range job.Steps {
		if job.Steps[i].Status == models.StepStatusRunning || job.Steps[i].Status == models.StepStatusPending {
			job.Steps[i].Status = models.StepStatusSkipped
		}
	}
	job.ErrorCode = models.ErrorCodeCanceled
	job.ErrorMessage = "canceled by request"
	job.TransitionTo(models.JobStatusCanceled)
	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.logger.Error().Str("job_id", job.JobID).Err(err).Msg("Failed to persist canceled job")
	}
	o.bus.Publish(models.StatusEvent(job.JobID, models.JobStatusCanceled, "job canceled"))
	o.logger.Info().Str("job_id", job.JobID).Msg("Job canceled before execution")
}

func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, code models.ErrorCode, message string) {
	for i := range job.Steps {
		if job.Steps[i].Status == models.StepStatusRunning {
			job.Steps[i].MarkFailed(message)
		}
	}
	job.Fail(code, message)
	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.logger.Error().Str("job_id", job.JobID).Err(err).Msg("Failed to persist failed job")
	}
	o.bus.Publish(models.StatusEvent(job.JobID, models.JobStatusFailed, message))
	o.logger.Warn().
		Str("job_id", job.JobID).
		Str("error_code", string(code)).
		Str("error", message).
		Msg("Job failed")
}
