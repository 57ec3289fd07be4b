package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuemby/opeva/pkg/dispatcher"
	"github.com/cuemby/opeva/pkg/metrics"
	"github.com/cuemby/opeva/pkg/reaper"
)

// Server wires the Dispatcher and Reaper behind the coordinator's HTTP
// routes (§6).
type Server struct {
	disp   *dispatcher.Dispatcher
	reaper *reaper.Reaper
}

// NewServer returns a Server over disp and rpr.
func NewServer(disp *dispatcher.Dispatcher, rpr *reaper.Reaper) *Server {
	return &Server{disp: disp, reaper: rpr}
}

// Router builds the chi router: global middleware, then the
// client-facing, agent-facing, and ops route groups.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	r.Post("/run-simulation", s.handleSubmit)
	r.Get("/status/{job_id}", s.handleStatus)
	r.Get("/result/{job_id}", s.handleResult)
	r.Get("/progress/{job_id}", s.handleProgress)
	r.Get("/logs/{job_id}", s.handleLogs)
	r.Get("/file-logs/{job_id}", s.handleLogs)
	r.Post("/stop/{job_id}", s.handleStop)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/queue", s.handleQueue)
	r.Get("/job-info/{job_id}", s.handleJobInfo)
	r.Delete("/job/{job_id}", s.handleDeleteJob)
	r.Get("/hosts", s.handleHosts)

	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/next-job", s.handleNextJob)
		r.Post("/job-status", s.handleJobStatus)
		r.Post("/heartbeat", s.handleHeartbeat)
	})

	r.Route("/ops", func(r chi.Router) {
		r.Post("/jobs/{job_id}/requeue", s.handleOpsRequeue)
		r.Post("/jobs/{job_id}/fail", s.handleOpsFail)
		r.Post("/jobs/{job_id}/cancel", s.handleOpsCancel)
		r.Post("/queue/cleanup", s.handleOpsCleanup)
	})

	return r
}

// sweep runs the reaper opportunistically before an admin/query
// handler reads job state (§4.4: "runs opportunistically on every
// admin/query call").
func (s *Server) sweep() {
	_ = s.reaper.Sweep()
}
