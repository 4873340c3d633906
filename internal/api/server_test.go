package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/events"
	"github.com/postern-io/postern/internal/plugin"
	"github.com/postern-io/postern/internal/queue"
	"github.com/postern-io/postern/internal/storage"
)

func testAPIConfig(tokens ...config.APIToken) *config.Config {
	cfg := config.Defaults()
	cfg.Service.Name = "postern-test"
	cfg.API.Enabled = true
	cfg.API.Auth.Tokens = tokens
	cfg.Endpoints = []config.EndpointConfig{{Path: "/hooks/github", Plugin: "echo_handler"}}
	return cfg
}

func testStore(t *testing.T) *queue.Queue {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "postern.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return queue.New(db, time.Hour)
}

func testRegistry(t *testing.T) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	err := reg.Add(&plugin.Plugin{
		Name:       "echo_handler",
		TypeName:   "EchoHandler",
		Capability: plugin.CapabilityHandler,
		Path:       "/opt/plugins/handlers/echo_handler",
		Entrypoint: "/opt/plugins/handlers/echo_handler/run.sh",
		Protocol:   plugin.SupportedProtocol,
		Version:    "1.0.0",
		Commands:   []string{"handle"},
	})
	if err != nil {
		t.Fatalf("registry Add: %v", err)
	}
	return reg
}

func get(s *Server, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestHealthz_NoAuth(t *testing.T) {
	s := New(testAPIConfig(), "test", testStore(t), testRegistry(t), events.NewHub(16))

	rec := get(s, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthzResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}

func TestStatus_RequiresToken(t *testing.T) {
	s := New(testAPIConfig(config.APIToken{Token: "good", Scopes: []string{"*"}}), "test", testStore(t), testRegistry(t), events.NewHub(16))

	if rec := get(s, "/v1/status", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := get(s, "/v1/status", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestStatus_ReportsQueueAndPlugins(t *testing.T) {
	store := testStore(t)
	for i := 0; i < 2; i++ {
		_, err := store.Enqueue(context.Background(), queue.EnqueueRequest{
			Endpoint: "/hooks/github",
			Plugin:   "echo_handler",
			Event:    json.RawMessage(`{}`),
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	s := New(testAPIConfig(config.APIToken{Token: "admin", Scopes: []string{"*"}}), "1.2.3", store, testRegistry(t), events.NewHub(16))

	rec := get(s, "/v1/status", "admin")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Service != "postern-test" {
		t.Errorf("Service = %q, want postern-test", resp.Service)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("Version = %q, want 1.2.3", resp.Version)
	}
	if resp.Queue.Queued != 2 {
		t.Errorf("Queue.Queued = %d, want 2", resp.Queue.Queued)
	}
	if resp.PluginsLoaded != 1 {
		t.Errorf("PluginsLoaded = %d, want 1", resp.PluginsLoaded)
	}
	if len(resp.Endpoints) != 1 || resp.Endpoints[0] != "/hooks/github" {
		t.Errorf("Endpoints = %v, want [/hooks/github]", resp.Endpoints)
	}
}

func TestPlugins_ScopeEnforced(t *testing.T) {
	s := New(testAPIConfig(
		config.APIToken{Token: "jobs-only", Scopes: []string{"jobs:ro"}},
		config.APIToken{Token: "plugin-reader", Scopes: []string{"plugin:ro"}},
	), "test", testStore(t), testRegistry(t), events.NewHub(16))

	if rec := get(s, "/v1/plugins", "jobs-only"); rec.Code != http.StatusForbidden {
		t.Errorf("jobs-only token: status = %d, want 403", rec.Code)
	}

	rec := get(s, "/v1/plugins", "plugin-reader")
	if rec.Code != http.StatusOK {
		t.Fatalf("plugin-reader token: status = %d, want 200", rec.Code)
	}

	var resp PluginsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Plugins) != 1 {
		t.Fatalf("len(Plugins) = %d, want 1", len(resp.Plugins))
	}
	p := resp.Plugins[0]
	if p.Name != "echo_handler" || p.Type != "EchoHandler" || p.Capability != "handler" {
		t.Errorf("plugin = %+v", p)
	}
}

func TestGetJob_WithAttempts(t *testing.T) {
	store := testStore(t)

	id, err := store.Enqueue(context.Background(), queue.EnqueueRequest{
		Endpoint:    "/hooks/github",
		Plugin:      "echo_handler",
		Event:       json.RawMessage(`{}`),
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	errMsg := "boom"
	if err := store.Requeue(context.Background(), id, time.Now().UTC(), &errMsg, nil, 3); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if _, err := store.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue retry: %v", err)
	}
	if err := store.Complete(context.Background(), id, queue.StatusDead, &errMsg, nil, 4); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	s := New(testAPIConfig(config.APIToken{Token: "reader", Scopes: []string{"jobs:ro"}}), "test", store, testRegistry(t), events.NewHub(16))

	rec := get(s, "/v1/jobs/"+id, "reader")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp JobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != id || resp.Status != "dead" || resp.Attempt != 2 {
		t.Errorf("job = %s/%s attempt %d, want %s/dead attempt 2", resp.JobID, resp.Status, resp.Attempt, id)
	}
	if len(resp.Attempts) != 2 {
		t.Fatalf("len(Attempts) = %d, want 2", len(resp.Attempts))
	}
	if resp.Attempts[0].Status != "failed" || resp.Attempts[1].Status != "dead" {
		t.Errorf("attempt statuses = %s, %s, want failed, dead", resp.Attempts[0].Status, resp.Attempts[1].Status)
	}
	if resp.Attempts[1].Error == nil || *resp.Attempts[1].Error != "boom" {
		t.Errorf("final attempt error = %v, want boom", resp.Attempts[1].Error)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := New(testAPIConfig(config.APIToken{Token: "reader", Scopes: []string{"jobs:ro"}}), "test", testStore(t), testRegistry(t), events.NewHub(16))

	rec := get(s, "/v1/jobs/nope", "reader")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "job not found" {
		t.Errorf("Error = %q, want job not found", resp.Error)
	}
}

func TestEvents_ScopeEnforced(t *testing.T) {
	s := New(testAPIConfig(config.APIToken{Token: "jobs-only", Scopes: []string{"jobs:ro"}}), "test", testStore(t), testRegistry(t), events.NewHub(16))

	if rec := get(s, "/v1/events", "jobs-only"); rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

// streamWriter is a concurrency-safe ResponseWriter+Flusher for SSE tests.
type streamWriter struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
}

func newStreamWriter() *streamWriter {
	return &streamWriter{header: make(http.Header)}
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) WriteHeader(statusCode int) {
	w.mu.Lock()
	w.status = statusCode
	w.mu.Unlock()
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *streamWriter) Flush() {}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestEvents_ReplaysBufferedEvents(t *testing.T) {
	hub := events.NewHub(16)
	s := New(testAPIConfig(config.APIToken{Token: "watcher", Scopes: []string{"events:ro"}}), "test", testStore(t), testRegistry(t), hub)

	hub.Publish(events.TypeWebhookAccepted, events.WebhookData{Endpoint: "/hooks/github", JobID: "job-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer watcher")

	w := newStreamWriter()
	router := s.setupRoutes()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(w.String(), "event: webhook.accepted\n") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(w.String(), "event: webhook.accepted\n") {
		t.Fatalf("expected buffered event in stream, got: %q", w.String())
	}
	if !strings.Contains(w.String(), `"job_id":"job-1"`) {
		t.Errorf("expected payload in stream, got: %q", w.String())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("stream did not exit after context cancel")
	}
}
