package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/me/floe/pkg/model"
)

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid task id"))
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondOK(w, reqID, task)
}

type taskSuccessRequest struct {
	SiteID  int64            `json:"site_id"`
	AgentID string           `json:"agent_id"`
	Result  model.TaskResult `json:"result"`
}

// handleTaskSuccess is the agent callback for a finished task.
func (s *Server) handleTaskSuccess(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid task id"))
		return
	}
	var req taskSuccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.AgentID == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("agent_id is required"))
		return
	}

	if err := s.executor.TaskSucceeded(r.Context(), req.SiteID, id, req.AgentID, req.Result); err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"task_id": id})
}

type taskFailRequest struct {
	SiteID  int64        `json:"site_id"`
	AgentID string       `json:"agent_id"`
	Error   model.Params `json:"error"`
}

// handleTaskFail is the agent callback for a failed task. The executor
// decides between a retry, a deferred error handler, and a hard error.
func (s *Server) handleTaskFail(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid task id"))
		return
	}
	var req taskFailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.AgentID == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("agent_id is required"))
		return
	}

	if err := s.executor.TaskFailed(r.Context(), req.SiteID, id, req.AgentID, req.Error); err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"task_id": id})
}

type taskRetryRequest struct {
	SiteID          int64        `json:"site_id"`
	AgentID         string       `json:"agent_id"`
	IntervalSeconds int          `json:"interval_seconds"`
	StateParams     model.Params `json:"state_params"`
}

// handleTaskRetry parks a running task for a later re-run without
// consuming its retry policy. Agents use it for transient conditions like
// polling a remote job that has not finished.
func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid task id"))
		return
	}
	var req taskRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.AgentID == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("agent_id is required"))
		return
	}

	interval := time.Duration(req.IntervalSeconds) * time.Second
	if err := s.executor.RetryTask(r.Context(), req.SiteID, id, req.AgentID, interval, req.StateParams); err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"task_id": id})
}
