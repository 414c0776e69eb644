package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	if !s.requireStore(w, reqID) {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, reqID, http.StatusBadRequest, &APIError{Code: ErrValidation, Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	jobs, err := s.store.ListJobs(r.Context(), limit)
	if err != nil {
		s.internalError(w, reqID, "list jobs", err)
		return
	}
	respondOK(w, reqID, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	if !s.requireStore(w, reqID) {
		return
	}
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.internalError(w, reqID, "get job", err)
		return
	}
	if rec == nil {
		respondError(w, reqID, http.StatusNotFound, notFound("job", id))
		return
	}
	respondOK(w, reqID, rec)
}

func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	if !s.requireStore(w, reqID) {
		return
	}
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.internalError(w, reqID, "get job", err)
		return
	}
	if rec == nil {
		respondError(w, reqID, http.StatusNotFound, notFound("job", id))
		return
	}
	transitions, err := s.store.ListTransitions(r.Context(), id)
	if err != nil {
		s.internalError(w, reqID, "list transitions", err)
		return
	}
	respondOK(w, reqID, transitions)
}

func (s *Server) requireStore(w http.ResponseWriter, reqID string) bool {
	if s.store == nil {
		respondError(w, reqID, http.StatusNotFound, &APIError{Code: ErrNotFound, Message: "job history is disabled"})
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, reqID, op string, err error) {
	s.logger.Error(op, "error", err, "request_id", reqID)
	respondError(w, reqID, http.StatusInternalServerError, &APIError{Code: ErrInternal, Message: op + " failed"})
}
