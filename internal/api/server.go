package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/postern-io/postern/internal/auth"
	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/events"
	"github.com/postern-io/postern/internal/log"
	"github.com/postern-io/postern/internal/plugin"
	"github.com/postern-io/postern/internal/queue"
)

// JobStore is the queue surface the admin API reads from.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	Logs(ctx context.Context, jobID string) ([]queue.LogRecord, error)
	CountByStatus(ctx context.Context) (queue.Counts, error)
}

// Server is the admin API server. Every route except /healthz requires a
// configured bearer token; with no tokens configured, every authenticated
// route answers 401.
type Server struct {
	cfg       *config.Config
	version   string
	store     JobStore
	registry  *plugin.Registry
	hub       *events.Hub
	logger    *slog.Logger
	startedAt time.Time
	tokens    []auth.TokenConfig
	server    *http.Server
}

func New(cfg *config.Config, version string, store JobStore, reg *plugin.Registry, hub *events.Hub) *Server {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}

	return &Server{
		cfg:       cfg,
		version:   version,
		store:     store,
		registry:  reg,
		hub:       hub,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
		tokens:    tokens,
	}
}

// Start runs the admin API server. Blocking until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.cfg.API.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /v1/events streams indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("admin API starting", "listen", s.cfg.API.Listen, "tokens", len(s.tokens))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("admin API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin API shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("admin API error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/status", s.handleStatus)
		r.With(s.requireScopes("plugin:ro", "plugin:rw")).Get("/v1/plugins", s.handlePlugins)
		r.With(s.requireScopes("jobs:ro", "jobs:rw")).Get("/v1/jobs/{jobID}", s.handleGetJob)
		r.With(s.requireScopes("events:ro", "events:rw")).Get("/v1/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware resolves the bearer token to a principal. Matching is
// constant-time per token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := auth.Authenticate(token, s.tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requireScopes passes when the principal holds any of the named scopes.
// The wildcard scope always passes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				s.writeError(w, http.StatusUnauthorized, "missing principal")
				return
			}
			if !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "token lacks required scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{Error: message})
}
