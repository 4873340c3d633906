package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/dispatch"
	"github.com/postern-io/postern/internal/events"
	"github.com/postern-io/postern/internal/log"
	"github.com/postern-io/postern/internal/plugin"
	"github.com/postern-io/postern/internal/queue"
	"github.com/postern-io/postern/internal/state"
	"github.com/postern-io/postern/internal/storage"
	"github.com/postern-io/postern/internal/webhook"
	"github.com/postern-io/postern/internal/workspace"
)

// TestDeliveryPipeline drives a delivery through every stage with nothing
// faked: an HTTP POST with a real HMAC signature hits the webhook server,
// lands in the sqlite queue, and the dispatcher spawns a handler plugin that
// was discovered from a manifest on disk. The handler writes a workspace
// artifact and a state update; both must be visible afterwards.
func TestDeliveryPipeline(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "postern.db")
	handlersDir := filepath.Join(tmpDir, "handlers")

	log.Setup("error", "text") // keep test output readable
	t.Setenv("E2E_WEBHOOK_SECRET", "s3cr3t")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	writePlugin(t, handlersDir, "receipt_handler", "ReceiptHandler", "handler", []string{"handle"}, `#!/bin/sh
input=$(cat)
ws=$(printf '%s' "$input" | sed -n 's/.*"workspace":"\([^"]*\)".*/\1/p')
printf '%s' "$input" > "$ws/delivery.json"
echo '{"status":"ok","state_updates":{"deliveries":1}}'
`)

	cfg := config.Defaults()
	cfg.Storage.Path = dbPath
	cfg.Service.TickInterval = 10 * time.Millisecond
	cfg.Plugins.Roots = map[string]string{config.CapabilityHandler: handlersDir}
	cfg.Endpoints = []config.EndpointConfig{{
		Path:   "/hooks/github",
		Plugin: "receipt_handler",
		Auth: config.AuthConfig{
			Scheme:       config.SchemeHMAC,
			SecretEnvKey: "E2E_WEBHOOK_SECRET",
			Header:       "X-Hub-Signature-256",
			Algorithm:    config.AlgorithmSHA256,
			Format:       config.FormatAlgorithmPrefixed,
		},
	}}

	registry, err := plugin.Discover(cfg.Plugins.Roots)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	q := queue.New(db, time.Hour)
	st := state.NewStore(db)
	hub := events.NewHub(64)
	runner := plugin.NewRunner(5*time.Second, time.Second)

	ws, err := workspace.NewFSManager(workspace.DefaultBaseDir(dbPath))
	if err != nil {
		t.Fatalf("NewFSManager: %v", err)
	}

	hookServer, err := webhook.New(cfg, q, registry, runner, hub)
	if err != nil {
		t.Fatalf("webhook.New: %v", err)
	}
	ts := httptest.NewServer(hookServer.Handler())
	defer ts.Close()

	disp := dispatch.New(q, st, registry, runner, cfg, hub, ws)
	dispCtx, dispCancel := context.WithCancel(ctx)
	defer dispCancel()
	go func() { _ = disp.Start(dispCtx) }()

	// Signed delivery is accepted and executed.
	payload := []byte(`{"action":"push","ref":"refs/heads/main"}`)
	jobID := postSigned(t, ts.URL+"/hooks/github", payload, "s3cr3t", http.StatusAccepted)

	job := waitForStatus(t, ctx, q, jobID, queue.StatusSucceeded)
	if job.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", job.Attempt)
	}

	artifact := filepath.Join(workspace.DefaultBaseDir(dbPath), jobID, "delivery.json")
	data, err := os.ReadFile(artifact)
	if err != nil {
		t.Fatalf("handler never wrote its artifact: %v", err)
	}
	for _, want := range []string{`"command":"handle"`, `"endpoint":"/hooks/github"`, `refs/heads/main`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("request envelope missing %s, got %s", want, data)
		}
	}

	stateMap, err := st.GetMap(ctx, "receipt_handler")
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if stateMap["deliveries"] != float64(1) {
		t.Errorf("state not merged, got %v", stateMap)
	}

	// A tampered body fails signature validation and enqueues nothing.
	tampered := []byte(`{"action":"push","ref":"refs/heads/evil"}`)
	sig := signSHA256(payload, "s3cr3t") // signature for the original body
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/hooks/github", bytes.NewReader(tampered))
	req.Header.Set("X-Hub-Signature-256", sig)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST tampered: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tampered delivery status = %d, want 401", resp.StatusCode)
	}

	var total int
	if err := db.QueryRow("SELECT COUNT(*) FROM job_queue").Scan(&total); err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("job_queue rows = %d, want only the signed delivery", total)
	}
}

// TestDedupeAcrossDeliveries redelivers the same provider GUID and expects
// the second POST to answer with the first delivery's job.
func TestDedupeAcrossDeliveries(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "postern.db")
	handlersDir := filepath.Join(tmpDir, "handlers")

	log.Setup("error", "text")
	t.Setenv("E2E_WEBHOOK_SECRET", "s3cr3t")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	writePlugin(t, handlersDir, "receipt_handler", "ReceiptHandler", "handler", []string{"handle"}, `#!/bin/sh
cat > /dev/null
echo '{"status":"ok"}'
`)

	cfg := config.Defaults()
	cfg.Storage.Path = dbPath
	cfg.Plugins.Roots = map[string]string{config.CapabilityHandler: handlersDir}
	cfg.Endpoints = []config.EndpointConfig{{
		Path:         "/hooks/github",
		Plugin:       "receipt_handler",
		DedupeHeader: "X-GitHub-Delivery",
		Auth: config.AuthConfig{
			Scheme:       config.SchemeHMAC,
			SecretEnvKey: "E2E_WEBHOOK_SECRET",
			Header:       "X-Hub-Signature-256",
			Algorithm:    config.AlgorithmSHA256,
			Format:       config.FormatAlgorithmPrefixed,
		},
	}}

	registry, err := plugin.Discover(cfg.Plugins.Roots)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	q := queue.New(db, time.Hour)
	runner := plugin.NewRunner(5*time.Second, time.Second)

	hookServer, err := webhook.New(cfg, q, registry, runner, nil)
	if err != nil {
		t.Fatalf("webhook.New: %v", err)
	}
	ts := httptest.NewServer(hookServer.Handler())
	defer ts.Close()

	payload := []byte(`{"action":"push"}`)
	deliver := func() string {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/hooks/github", bytes.NewReader(payload))
		req.Header.Set("X-Hub-Signature-256", signSHA256(payload, "s3cr3t"))
		req.Header.Set("X-GitHub-Delivery", "guid-42")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", resp.StatusCode)
		}
		var accepted webhook.AcceptedResponse
		if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return accepted.JobID
	}

	first := deliver()
	second := deliver()
	if first != second {
		t.Errorf("redelivery created a new job: %s vs %s", first, second)
	}

	var total int
	if err := db.QueryRow("SELECT COUNT(*) FROM job_queue").Scan(&total); err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("job_queue rows = %d, want 1", total)
	}
}

// writePlugin lays out a discoverable plugin directory: manifest.yaml plus an
// executable entrypoint.
func writePlugin(t *testing.T, root, dirName, typeName, capability string, commands []string, script string) {
	t.Helper()

	pluginDir := filepath.Join(root, dirName)
	if err := os.MkdirAll(pluginDir, 0755); err != nil {
		t.Fatal(err)
	}
	manifest := fmt.Sprintf("name: %s\nversion: 1.0.0\nprotocol: 1\ncapability: %s\nentrypoint: ./run.sh\ncommands: [%s]\n",
		typeName, capability, strings.Join(commands, ", "))
	if err := os.WriteFile(filepath.Join(pluginDir, "manifest.yaml"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
}

func signSHA256(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// postSigned delivers a signed payload and returns the accepted job id.
func postSigned(t *testing.T, url string, payload []byte, secret string, wantStatus int) string {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", signSHA256(payload, secret))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("status = %d, want %d", resp.StatusCode, wantStatus)
	}

	var accepted webhook.AcceptedResponse
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode accepted response: %v", err)
	}
	if accepted.JobID == "" {
		t.Fatal("accepted response missing job_id")
	}
	return accepted.JobID
}

func waitForStatus(t *testing.T, ctx context.Context, q *queue.Queue, jobID string, want queue.Status) *queue.Job {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(ctx, jobID)
		if err != nil {
			t.Fatalf("Get(%s): %v", jobID, err)
		}
		if job.Status == want {
			return job
		}
		if terminal(job.Status) {
			t.Fatalf("job reached %q, want %q (last_error: %v)", job.Status, want, job.LastError)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %q", jobID, want)
	return nil
}

func terminal(s queue.Status) bool {
	return s == queue.StatusSucceeded || s == queue.StatusDead || s == queue.StatusTimedOut
}
