package server

// ============================================================================
// HTTP 狀態 API
//
//   GET    /api/queues          佇列與程式列表
//   GET    /api/jobs?state=...  任務列表，可依狀態過濾
//   GET    /api/jobs/{id}       單一任務
//   DELETE /api/jobs/{id}       移除已結束的任務
//   GET    /api/stats           各狀態任務數與連線數
//   GET    /metrics             Prometheus
// ============================================================================

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/molequeue/internal/metrics"
	"github.com/ChuLiYu/molequeue/pkg/types"
)

// Router returns the HTTP status API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/queues", s.handleQueues)
	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", s.handleJobs)
		r.Get("/{id}", s.handleJob)
		r.Delete("/{id}", s.handleDeleteJob)
	})
	r.Get("/api/stats", s.handleStats)
	r.Handle("/metrics", metrics.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jobID(w http.ResponseWriter, r *http.Request) (types.ID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == types.InvalidID {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queues.QueueList())
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.Jobs()
	if name := r.URL.Query().Get("state"); name != "" {
		state := types.ParseJobState(name)
		if state == types.StateUnknown {
			http.Error(w, "unknown state: "+name, http.StatusBadRequest)
			return
		}
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.State == state {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, ok := s.jobs.Lookup(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDeleteJob removes a job that can no longer change state.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	status := http.StatusNoContent
	msg := ""
	s.onLoop(func() {
		job, ok := s.jobs.Lookup(id)
		switch {
		case !ok:
			status, msg = http.StatusNotFound, "job not found"
		case !job.State.Terminal() && job.State != types.StateError:
			status, msg = http.StatusConflict, "job is still "+job.State.String()
		default:
			if err := s.jobs.Remove(id); err != nil {
				status, msg = http.StatusNotFound, err.Error()
			}
		}
	})
	if msg != "" {
		http.Error(w, msg, status)
		return
	}
	w.WriteHeader(status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":        s.jobs.Stats(),
		"total":       s.jobs.Count(),
		"connections": s.Connections(),
		"queues":      s.queues.QueueList().Names(),
	})
}
