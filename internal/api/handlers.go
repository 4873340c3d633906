package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/postern-io/postern/internal/queue"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to count queue", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count queue")
		return
	}

	endpoints := make([]string, 0, len(s.cfg.Endpoints))
	for _, ep := range s.cfg.Endpoints {
		endpoints = append(endpoints, ep.Path)
	}

	s.respondJSON(w, http.StatusOK, StatusResponse{
		Service:       s.cfg.Service.Name,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Queue: QueueCounts{
			Queued:    counts.Queued,
			Running:   counts.Running,
			Succeeded: counts.Succeeded,
			TimedOut:  counts.TimedOut,
			Dead:      counts.Dead,
		},
		PluginsLoaded: s.registry.Count(),
		Endpoints:     endpoints,
	})
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	infos := make([]PluginInfo, 0, len(all))
	for _, p := range all {
		infos = append(infos, PluginInfo{
			Name:       p.Name,
			Type:       p.TypeName,
			Capability: string(p.Capability),
			Version:    p.Version,
			Protocol:   p.Protocol,
			Commands:   p.Commands,
		})
	}

	s.respondJSON(w, http.StatusOK, PluginsResponse{Plugins: infos})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	logs, err := s.store.Logs(r.Context(), jobID)
	if err != nil {
		s.logger.Error("failed to retrieve job logs", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job logs")
		return
	}

	attempts := make([]JobAttempt, 0, len(logs))
	for _, rec := range logs {
		attempts = append(attempts, JobAttempt{
			Attempt:     rec.Attempt,
			Status:      string(rec.Status),
			CompletedAt: rec.CompletedAt,
			DurationMS:  rec.DurationMS,
			Error:       rec.LastError,
		})
	}

	s.respondJSON(w, http.StatusOK, JobResponse{
		JobID:       job.ID,
		Endpoint:    job.Endpoint,
		Plugin:      job.Plugin,
		Status:      string(job.Status),
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		NextRetryAt: job.NextRetryAt,
		LastError:   job.LastError,
		Attempts:    attempts,
	})
}
