package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/events"
	"github.com/postern-io/postern/internal/ipfilter"
	"github.com/postern-io/postern/internal/log"
	"github.com/postern-io/postern/internal/plugin"
	"github.com/postern-io/postern/internal/protocol"
	"github.com/postern-io/postern/internal/queue"
)

// Server is the webhook HTTP server.
type Server struct {
	cfg    *config.Config
	queue  JobQueuer
	hub    *events.Hub
	logger *slog.Logger
	server *http.Server

	globalPolicy *ipfilter.Policy
	endpoints    map[string]*endpoint
}

// New compiles every configured endpoint and returns a ready server. A
// custom auth scheme that no discovered auth plugin serves is a boot error.
// The hub may be nil when no event stream is wanted.
func New(cfg *config.Config, q JobQueuer, reg *plugin.Registry, runner *plugin.Runner, hub *events.Hub) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		queue:        q,
		hub:          hub,
		logger:       log.WithComponent("webhook"),
		globalPolicy: ipfilter.Compile(cfg.IPPolicy),
		endpoints:    make(map[string]*endpoint),
	}

	for i := range cfg.Endpoints {
		epCfg := cfg.Endpoints[i]
		ep, err := compileEndpoint(epCfg, reg, runner)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", epCfg.Path, err)
		}
		s.endpoints[epCfg.Path] = ep
	}

	return s, nil
}

// Start runs the webhook HTTP server. This is a blocking call that runs
// until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.cfg.Service.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.cfg.Service.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the fully routed handler without starting a listener,
// for callers that bring their own server.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.respondError(w, http.StatusNotFound, CodeEndpointNotFound, "no webhook endpoint at this path", middleware.GetReqID(req.Context()))
	})

	return r
}

// loggingMiddleware logs each request without touching the payload.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook runs one delivery through the endpoint pipeline. Check order
// is fixed: size cap, rate limit, IP filter, authentication, then enqueue.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetReqID(ctx)

	ep, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, CodeEndpointNotFound, "no webhook endpoint at this path", requestID)
		return
	}
	logger := ep.logger.With("request_id", requestID)

	// The cap bounds how much every later stage has to chew on. One extra
	// byte past the limit distinguishes "at the cap" from "over it".
	limited := io.LimitReader(r.Body, ep.maxBody+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, CodeReadFailed, "failed to read request body", requestID)
		return
	}
	if int64(len(body)) > ep.maxBody {
		logger.Warn("payload too large", "limit", ep.maxBody)
		s.reject(w, ep, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body exceeds the endpoint limit", requestID)
		return
	}

	if ep.limiter != nil && !ep.limiter.Allow() {
		logger.Warn("delivery rate exceeded")
		s.reject(w, ep, http.StatusTooManyRequests, CodeRateLimited, "endpoint delivery rate exceeded", requestID)
		return
	}

	if ipfilter.Evaluate(r.Header, ep.policy, s.globalPolicy) != ipfilter.Allow {
		s.reject(w, ep, http.StatusForbidden, CodeIPFilteringFailed, "source address not permitted", requestID)
		return
	}

	if !ep.validator.Validate(ctx, body, r.Header, ep.cfg.Auth) {
		s.reject(w, ep, http.StatusUnauthorized, CodeAuthenticationFailed, "request authentication failed", requestID)
		return
	}

	dedupeKey := ""
	if ep.cfg.DedupeHeader != "" {
		dedupeKey = strings.TrimSpace(r.Header.Get(ep.cfg.DedupeHeader))
	}

	event := protocol.Event{
		EventID:     uuid.NewString(),
		Endpoint:    ep.cfg.Path,
		ContentType: r.Header.Get("Content-Type"),
		Headers:     flattenHeaders(r.Header),
		Body:        string(body),
		DedupeKey:   dedupeKey,
		ReceivedAt:  time.Now().UTC(),
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to marshal event", "error", err)
		s.respondError(w, http.StatusInternalServerError, CodeEnqueueFailed, "failed to accept delivery", requestID)
		return
	}

	enq := queue.EnqueueRequest{
		Endpoint:    ep.cfg.Path,
		Plugin:      ep.cfg.Plugin,
		Event:       eventJSON,
		MaxAttempts: s.cfg.Dispatch.MaxAttempts,
	}
	if dedupeKey != "" {
		enq.DedupeKey = &dedupeKey
	}

	jobID, err := s.queue.Enqueue(ctx, enq)
	var dropErr *queue.DedupeDropError
	if errors.As(err, &dropErr) {
		// The provider redelivered something already accepted. Answer with
		// the surviving job so it stops retrying.
		logger.Info("duplicate delivery dropped", "dedupe_key", dedupeKey, "job_id", dropErr.ExistingJobID)
		s.publish(events.TypeWebhookAccepted, events.WebhookData{
			Endpoint:  ep.cfg.Path,
			JobID:     dropErr.ExistingJobID,
			Reason:    "duplicate",
			RequestID: requestID,
		})
		s.respondJSON(w, http.StatusAccepted, AcceptedResponse{JobID: dropErr.ExistingJobID})
		return
	}
	if err != nil {
		logger.Error("failed to enqueue webhook job", "plugin", ep.cfg.Plugin, "error", err)
		s.respondError(w, http.StatusInternalServerError, CodeEnqueueFailed, "failed to accept delivery", requestID)
		return
	}

	logger.Info("webhook accepted", "plugin", ep.cfg.Plugin, "job_id", jobID)
	s.publish(events.TypeWebhookAccepted, events.WebhookData{
		Endpoint:  ep.cfg.Path,
		JobID:     jobID,
		RequestID: requestID,
	})
	s.respondJSON(w, http.StatusAccepted, AcceptedResponse{JobID: jobID})
}

// reject answers a pipeline rejection: warn log, rejected event, error
// envelope. The sender learns the stage that refused it and nothing else.
func (s *Server) reject(w http.ResponseWriter, ep *endpoint, status int, code, message, requestID string) {
	s.publish(events.TypeWebhookRejected, events.WebhookData{
		Endpoint:  ep.cfg.Path,
		Reason:    code,
		RequestID: requestID,
	})
	s.respondError(w, status, code, message, requestID)
}

func (s *Server) publish(eventType string, data events.WebhookData) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(eventType, data)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message, requestID string) {
	s.respondJSON(w, status, ErrorResponse{Error: code, Message: message, RequestID: requestID})
}

// flattenHeaders keeps the first value of each header for the plugin
// envelope.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
