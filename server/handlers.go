package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cronicorn/cronicorn/errors"
	"github.com/cronicorn/cronicorn/schedule"
	"github.com/cronicorn/cronicorn/webhook"
)

// handleManualTest fires one endpoint immediately, recording a manual-test
// run. The schedule is untouched: no lock, no next_run_at change, no failure
// counter update.
func (s *Server) handleManualTest(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not available")
		return
	}

	id := r.PathValue("id")
	ep, err := s.jobs.GetEndpoint(r.Context(), id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "endpoint not found")
			return
		}
		s.logger.Errorw("Failed to read endpoint for manual test", "endpoint_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read endpoint")
		return
	}

	now := time.Now().UTC()
	runID, err := s.runs.Create(r.Context(), now, schedule.CreateParams{
		EndpointID: ep.ID,
		Attempt:    ep.FailureCount + 1,
		Source:     schedule.RunSourceManualTest,
	})
	if err != nil {
		s.logger.Errorw("Failed to create manual test run", "endpoint_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	result := s.dispatcher.Execute(r.Context(), ep)

	if err := s.runs.Finish(r.Context(), runID, time.Now().UTC(), schedule.FinishParams{
		Status:            result.Status,
		DurationMs:        result.DurationMs,
		StatusCode:        result.StatusCode,
		ResponseBody:      result.ResponseBody,
		ErrorMessage:      result.ErrorMessage,
		MaxResponseSizeKb: ep.MaxResponseSizeKb,
	}); err != nil {
		s.logger.Errorw("Failed to finish manual test run", "run_id", runID, "error", err)
	}

	s.hub.BroadcastRunFinished(ep.ID, runID, result.Status, result.StatusCode, result.DurationMs, schedule.RunSourceManualTest)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"run_id":        runID,
		"status":        result.Status,
		"status_code":   result.StatusCode,
		"duration_ms":   result.DurationMs,
		"response_body": result.ResponseBody,
		"error":         result.ErrorMessage,
	})
}

type eventRequest struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// handleEvent records an external event idempotently. Redelivery of an
// already-processed event id returns duplicate=true and performs no write.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event payload")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "event id is required")
		return
	}

	eventType := req.Type
	if eventType == "" {
		eventType = provider + ".event"
	}

	recorded, err := s.events.RecordProcessedEvent(r.Context(), req.ID, eventType, webhook.StatusProcessed)
	if err != nil {
		s.logger.Errorw("Failed to record event", "event_id", req.ID, "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record event")
		return
	}

	if !recorded {
		s.logger.Debugw("Skipping duplicate event", "event_id", req.ID, "provider", provider)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"event_id":  req.ID,
		"duplicate": !recorded,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
