package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/floe/pkg/model"
)

// pathID parses a numeric URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// listOptions reads limit/offset query parameters.
func listOptions(r *http.Request) model.ListOptions {
	var opts model.ListOptions
	opts.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	opts.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	opts.Clamp()
	return opts
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	projectID, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
	opts := listOptions(r)

	sessions, total, err := s.store.ListSessions(r.Context(), projectID, opts)
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondList(w, reqID, sessions, &model.Pagination{
		Total:  total,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid session id"))
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondOK(w, reqID, sess)
}

func (s *Server) handleListSessionAttempts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid session id"))
		return
	}
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		respondStoreError(w, reqID, err)
		return
	}

	opts := listOptions(r)
	attempts, err := s.store.ListAttemptsOfSession(r.Context(), id, opts)
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondOK(w, reqID, attempts)
}
