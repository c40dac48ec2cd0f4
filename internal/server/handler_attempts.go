package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/me/floe/internal/scheduler"
	"github.com/me/floe/pkg/model"
)

type submitAttemptRequest struct {
	ProjectID        int64                  `json:"project_id"`
	SiteID           int64                  `json:"site_id"`
	WorkflowName     string                 `json:"workflow_name"`
	SessionTime      time.Time              `json:"session_time"`
	TimeZone         string                 `json:"timezone"`
	Params           model.Params           `json:"params"`
	Tasks            []model.TaskSpec       `json:"tasks"`
	Monitors         []model.SessionMonitor `json:"monitors"`
	RetryAttemptName *string                `json:"retry_attempt_name,omitempty"`
}

func (s *Server) handleSubmitAttempt(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req submitAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}

	attempt, err := s.executor.SubmitWorkflow(r.Context(), scheduler.SubmitRequest{
		ProjectID:        req.ProjectID,
		SiteID:           req.SiteID,
		WorkflowName:     req.WorkflowName,
		SessionTime:      req.SessionTime,
		TimeZone:         req.TimeZone,
		Params:           req.Params,
		Specs:            req.Tasks,
		Monitors:         req.Monitors,
		RetryAttemptName: req.RetryAttemptName,
	})
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondCreated(w, reqID, attempt)
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid attempt id"))
		return
	}
	attempt, err := s.store.GetAttempt(r.Context(), id)
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondOK(w, reqID, attempt)
}

// handleListAttemptTasks returns the live task rows, falling back to the
// archive once the attempt is done and its rows have been compacted.
func (s *Server) handleListAttemptTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid attempt id"))
		return
	}
	if _, err := s.store.GetAttempt(r.Context(), id); err != nil {
		respondStoreError(w, reqID, err)
		return
	}

	tasks, err := s.store.ListTasksOfAttempt(r.Context(), id)
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	if len(tasks) == 0 {
		archived, err := s.store.GetTaskArchive(r.Context(), id)
		if err != nil && !model.IsNotFound(err) {
			respondStoreError(w, reqID, err)
			return
		}
		tasks = archived
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	respondOK(w, reqID, tasks)
}

func (s *Server) handleKillAttempt(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid attempt id"))
		return
	}
	requested, err := s.executor.KillAttempt(r.Context(), id)
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{
		"attempt_id": id,
		"requested":  requested,
	})
}

type retryAttemptRequest struct {
	Name     string                 `json:"name"`
	Params   model.Params           `json:"params"`
	Tasks    []model.TaskSpec       `json:"tasks"`
	Monitors []model.SessionMonitor `json:"monitors"`

	// Resume carries the given attempt's succeeded tasks into the new
	// attempt so only the failed part runs again.
	Resume bool `json:"resume"`
}

// handleRetryAttempt submits a fresh attempt of the session that the given
// attempt belongs to. The given attempt must already be done.
func (s *Server) handleRetryAttempt(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid attempt id"))
		return
	}

	var req retryAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.Name == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("retry attempt name is required"))
		return
	}

	attempt, err := s.store.GetAttempt(r.Context(), id)
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	sess, err := s.store.GetSession(r.Context(), attempt.SessionID)
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}

	var resumeAttemptID int64
	if req.Resume {
		resumeAttemptID = attempt.ID
	}
	retried, err := s.executor.SubmitRetryAttempt(r.Context(), scheduler.SubmitRequest{
		ProjectID:    sess.ProjectID,
		SiteID:       attempt.SiteID,
		WorkflowName: sess.WorkflowName,
		SessionTime:  sess.SessionTime,
		TimeZone:     attempt.TimeZone,
		Params:       req.Params,
		Specs:        req.Tasks,
		Monitors:     req.Monitors,
	}, req.Name, resumeAttemptID)
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondCreated(w, reqID, retried)
}
