package server

import (
	"encoding/json"
	"net/http"

	"github.com/me/floe/pkg/model"
)

type lockTasksRequest struct {
	AgentID     string `json:"agent_id"`
	Count       int    `json:"count"`
	LockSeconds int    `json:"lock_seconds"`

	// QueueID targets a named queue's pool; zero means the shared pool.
	QueueID int64 `json:"queue_id,omitempty"`
}

// handleLockTasks leases up to count dispatchable tasks to an agent.
func (s *Server) handleLockTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	siteID, err := pathID(r, "siteID")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid site id"))
		return
	}

	var req lockTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.AgentID == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("agent_id is required"))
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.LockSeconds <= 0 {
		req.LockSeconds = 60
	}

	var locks []*model.QueuedLock
	if req.QueueID != 0 {
		locks, err = s.store.LockQueueBoundTasks(r.Context(), req.QueueID, req.AgentID, req.Count, req.LockSeconds)
	} else {
		locks, err = s.store.LockSharedTasks(r.Context(), siteID, req.AgentID, req.Count, req.LockSeconds)
	}
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	if locks == nil {
		locks = []*model.QueuedLock{}
	}
	respondOK(w, reqID, locks)
}

type heartbeatRequest struct {
	AgentID     string  `json:"agent_id"`
	LockIDs     []int64 `json:"lock_ids"`
	LockSeconds int     `json:"lock_seconds"`
}

// handleHeartbeat extends the lease on locks an agent still holds.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	siteID, err := pathID(r, "siteID")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid site id"))
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.AgentID == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("agent_id is required"))
		return
	}
	if req.LockSeconds <= 0 {
		req.LockSeconds = 60
	}

	if err := s.store.Heartbeat(r.Context(), siteID, req.LockIDs, req.AgentID, req.LockSeconds); err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"extended": len(req.LockIDs)})
}
