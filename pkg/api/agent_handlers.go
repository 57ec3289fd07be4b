package api

import (
	"net/http"

	"github.com/cuemby/opeva/pkg/apierr"
	"github.com/cuemby/opeva/pkg/dispatcher"
)

type nextJobRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) handleNextJob(w http.ResponseWriter, r *http.Request) {
	s.sweep()
	var req nextJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkerID == "" {
		writeError(w, apierr.BadRequest("worker_id is required"))
		return
	}

	payload, ok, err := s.disp.PopNext(req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.StatusReport
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.disp.UpdateStatus(req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type heartbeatRequest struct {
	WorkerID string         `json:"worker_id"`
	Info     map[string]any `json:"info,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.disp.RecordHeartbeat(req.WorkerID, req.Info); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
