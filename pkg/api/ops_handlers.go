package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type requeueRequest struct {
	Force         bool   `json:"force,omitempty"`
	PreferredHost string `json:"preferred_host,omitempty"`
	RequireHost   bool   `json:"require_host,omitempty"`
}

func (s *Server) handleOpsRequeue(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req requeueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.disp.Requeue(jobID, req.Force, req.PreferredHost, req.RequireHost); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "job requeued"})
}

type reasonForceRequest struct {
	Reason string `json:"reason,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

func (s *Server) handleOpsFail(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req reasonForceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.disp.Fail(jobID, req.Force, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "job failed"})
}

func (s *Server) handleOpsCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req reasonForceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.disp.Cancel(jobID, req.Force, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "job canceled"})
}

func (s *Server) handleOpsCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.disp.CleanupQueue()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
