package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/opeva/pkg/dispatcher"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.disp.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sweep()
	jobID := chi.URLParam(r, "job_id")
	rec, err := s.disp.Status(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleResult serves jobs/<job_id>/results/result.json.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, "results", "result.json")
}

// handleProgress serves jobs/<job_id>/progress/progress.json.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, "progress", "progress.json")
}

// serveArtifact returns the contents of jobs/<job_id>/<subdir>/<file>
// verbatim, or a {"status":"pending"} stub if the workload hasn't
// produced it yet (§6).
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, subdir, file string) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.disp.GetJob(jobID); err != nil {
		writeError(w, err)
		return
	}

	path := filepath.Join(s.disp.JobsDir(), jobID, subdir, file)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}
	if err != nil {
		http.Error(w, "failed to read artifact", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleLogs streams jobs/<job_id>/logs/<job_id>.log as text/plain.
// Backs both GET /logs and GET /file-logs: the worker writes one log
// file per job (§4.6), so there is nothing a live stream would show
// that a snapshot read of the same file does not.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.disp.GetJob(jobID); err != nil {
		writeError(w, err)
		return
	}

	path := filepath.Join(s.disp.JobsDir(), jobID, "logs", jobID+".log")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		http.Error(w, "failed to open log file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	message, err := s.disp.Stop(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.sweep()
	jobs, err := s.disp.ListJobs()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.sweep()
	entries, err := s.disp.QueueList()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleJobInfo(w http.ResponseWriter, r *http.Request) {
	s.sweep()
	jobID := chi.URLParam(r, "job_id")
	job, err := s.disp.GetJob(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.disp.Delete(jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "job deleted"})
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	s.sweep()
	hosts, err := s.disp.Hosts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}
