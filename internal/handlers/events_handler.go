// -----------------------------------------------------------------------
// Events handler - per-job Server-Sent Events streams
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/models"
	"github.com/ternarybob/mediaforge/internal/services/orchestrator"
)

// EventsHandler streams job events over SSE. Each message is a single
// JSON JobEvent; the stream ends after the job's terminal event.
type EventsHandler struct {
	orchestrator *orchestrator.Orchestrator
	bus          interfaces.EventBus
	logger       arbor.ILogger
}

// NewEventsHandler creates an events handler
func NewEventsHandler(orch *orchestrator.Orchestrator, bus interfaces.EventBus, logger arbor.ILogger) *EventsHandler {
	return &EventsHandler{
		orchestrator: orch,
		bus:          bus,
		logger:       logger,
	}
}

// StreamHandler serves GET /jobs/{id}/events
func (h *EventsHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
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
		WriteError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	// Subscribe before checking terminal state so no event falls into
	// the gap
	sub := h.bus.Subscribe(jobID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A job that is already finished gets its terminal status replayed
	// as a single event, then the stream ends
	if job.IsTerminal() {
		h.writeEvent(w, flusher, models.StatusEvent(jobID, job.Status, job.ErrorMessage))
		return
	}

	h.logger.Debug().Str("job_id", jobID).Msg("SSE stream opened")
	for {
		select {
		case event, open := <-sub.Events():
			if !open {
				return
			}
			if err := h.writeEvent(w, flusher, event); err != nil {
				return
			}
			if event.EventType.IsTerminal() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (h *EventsHandler) writeEvent(w http.ResponseWriter, flusher http.Flusher, event models.JobEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
