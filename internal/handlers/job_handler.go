// -----------------------------------------------------------------------
// Job handler - submission, cancellation and job API endpoints
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/common"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/models"
	"github.com/ternarybob/mediaforge/internal/services/orchestrator"
	"github.com/ternarybob/mediaforge/internal/services/security"
)

// JobHandler handles job-related API requests
type JobHandler struct {
	orchestrator *orchestrator.Orchestrator
	config       *common.Config
	logger       arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(orch *orchestrator.Orchestrator, config *common.Config, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		orchestrator: orch,
		config:       config,
		logger:       logger,
	}
}

// jobIDsRequest is the body shape shared by the bulk endpoints
type jobIDsRequest struct {
	JobIDs []string `json:"job_ids"`
}

// RunHandler submits and starts a job
// POST /run
func (h *JobHandler) RunHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TargetPath == "" {
		WriteError(w, http.StatusBadRequest, "target_path is required")
		return
	}

	// Pin the id now so the auto-filled output name can carry it
	if req.JobID == "" {
		req.JobID = common.NewJobID("job")
	}
	if req.OutputPath == "" {
		name := security.SanitizeFilename(req.JobID + filepath.Ext(req.TargetPath))
		req.OutputPath = filepath.Join(h.config.Workspace.TmpDir, name)
	}

	job, err := h.orchestrator.Submit(ctx, &req)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("Job submission failed")
		WriteJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  "Job submission failed",
			"job_id": req.JobID,
		})
		return
	}

	if err := h.orchestrator.RunJob(ctx, job.JobID); err != nil {
		h.logger.Warn().Str("job_id", job.JobID).Err(err).Msg("Failed to dispatch job")
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":      "queued",
		"job_id":      job.JobID,
		"output_path": req.OutputPath,
	})
}

// StopHandler cancels every queued and running job
// POST /stop
func (h *JobHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	count, err := h.orchestrator.CancelAll(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to cancel jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to cancel jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"canceled": count,
	})
}

// GetJobHandler returns a full job snapshot
// GET /jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobID := PathSuffix(r, "/jobs")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.orchestrator.GetJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// ListJobsHandler returns a newest-first compact listing
// GET /api/v1/jobs?status=queued&limit=50
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	opts := &interfaces.JobListOptions{
		Status: models.JobStatus(r.URL.Query().Get("status")),
		Limit:  QueryInt(r, "limit", 50),
	}

	jobs, err := h.orchestrator.ListJobs(ctx, opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	summaries := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		target, _ := job.ConfigString(models.ConfigKeyTargetPath)
		output, _ := job.ConfigString(models.ConfigKeyOutputPath)
		summaries = append(summaries, map[string]interface{}{
			"job_id":       job.JobID,
			"status":       job.Status,
			"progress":     job.Progress,
			"priority":     job.Priority(),
			"created_at":   job.CreatedAt,
			"started_at":   job.StartedAt,
			"completed_at": job.CompletedAt,
			"target_path":  target,
			"output_path":  output,
			"error_code":   job.ErrorCode,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  summaries,
		"count": len(summaries),
	})
}

// GetJobDetailHandler returns the detailed job view
// GET /api/v1/jobs/{id}
func (h *JobHandler) GetJobDetailHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathSuffix(r, "/api/v1/jobs")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.orchestrator.GetJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// QueueJobsHandler bulk-queues drafted jobs
// POST /api/v1/jobs/submit
func (h *JobHandler) QueueJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req jobIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	count := h.orchestrator.QueueJobs(r.Context(), req.JobIDs)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"queued": count,
	})
}

// UnqueueJobsHandler moves queued jobs back to drafted
// POST /api/v1/jobs/unqueue
func (h *JobHandler) UnqueueJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req jobIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	count := h.orchestrator.UnqueueJobs(r.Context(), req.JobIDs)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"unqueued": count,
	})
}

// DeleteJobsHandler bulk-deletes jobs; running jobs are skipped
// DELETE /api/v1/jobs
func (h *JobHandler) DeleteJobsHandler(w http.ResponseWriter, r *http.Request) {
	var req jobIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	count := h.orchestrator.DeleteJobs(r.Context(), req.JobIDs)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"deleted": count,
	})
}

// SetPriorityHandler updates metadata.priority
// POST /api/v1/jobs/priority
func (h *JobHandler) SetPriorityHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		JobID    string `json:"job_id"`
		Priority int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		WriteError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	if err := h.orchestrator.SetPriority(r.Context(), req.JobID, req.Priority); err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RunQueuedHandler dispatches every queued job
// POST /api/v1/jobs/run
func (h *JobHandler) RunQueuedHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	count, err := h.orchestrator.RunQueued(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to run queued jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to run queued jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"started": count,
	})
}

// StatusHandler returns aggregate counters and resource utilization
// GET /api/v1/jobs/status
func (h *JobHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orchestrator.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to collect job stats")
		WriteError(w, http.StatusInternalServerError, "Failed to collect job stats")
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}
