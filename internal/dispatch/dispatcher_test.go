package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/events"
	"github.com/postern-io/postern/internal/plugin"
	"github.com/postern-io/postern/internal/queue"
	"github.com/postern-io/postern/internal/state"
	"github.com/postern-io/postern/internal/storage"
	"github.com/postern-io/postern/internal/workspace"
)

// harness wires a dispatcher against a real sqlite queue and script plugins
// in temp dirs.
type harness struct {
	disp *Dispatcher
	q    *queue.Queue
	st   *state.Store
	reg  *plugin.Registry
	cfg  *config.Config
	hub  *events.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "postern.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Defaults()
	cfg.Storage.Path = dbPath
	// Keep retries due almost immediately so tests stay fast.
	cfg.Dispatch.BackoffBase = time.Millisecond
	cfg.Dispatch.BackoffMax = 10 * time.Millisecond

	q := queue.New(db, time.Hour)
	st := state.NewStore(db)
	reg := plugin.NewRegistry()
	hub := events.NewHub(64)
	runner := plugin.NewRunner(5*time.Second, time.Second)

	ws, err := workspace.NewFSManager(workspace.DefaultBaseDir(dbPath))
	if err != nil {
		t.Fatalf("NewFSManager: %v", err)
	}

	return &harness{
		disp: New(q, st, reg, runner, cfg, hub, ws),
		q:    q,
		st:   st,
		reg:  reg,
		cfg:  cfg,
		hub:  hub,
	}
}

// scriptPlugin writes an executable script into its own temp plugin dir and
// returns a Plugin pointing at it.
func scriptPlugin(t *testing.T, name string, capability plugin.Capability, commands []string, script string) *plugin.Plugin {
	t.Helper()

	pluginDir := filepath.Join(t.TempDir(), name)
	if err := os.Mkdir(pluginDir, 0755); err != nil {
		t.Fatal(err)
	}
	entrypoint := filepath.Join(pluginDir, "run.sh")
	if err := os.WriteFile(entrypoint, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	return &plugin.Plugin{
		Name:       name,
		Capability: capability,
		Path:       pluginDir,
		Entrypoint: entrypoint,
		Protocol:   plugin.SupportedProtocol,
		Commands:   commands,
	}
}

func (h *harness) enqueue(t *testing.T, pluginName string, maxAttempts int) string {
	t.Helper()

	id, err := h.q.Enqueue(context.Background(), queue.EnqueueRequest{
		Endpoint:    "/hooks/github",
		Plugin:      pluginName,
		Event:       json.RawMessage(`{"event_id":"evt-1","endpoint":"/hooks/github","body":"{}"}`),
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

// runOnce dequeues one job and runs it to an outcome.
func (h *harness) runOnce(t *testing.T) {
	t.Helper()

	if err := h.disp.processNextJob(context.Background()); err != nil {
		t.Fatalf("processNextJob: %v", err)
	}
}

func (h *harness) getJob(t *testing.T, id string) *queue.Job {
	t.Helper()

	job, err := h.q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return job
}

func TestDispatcherJobSucceeds(t *testing.T) {
	h := newHarness(t)
	h.reg.Add(scriptPlugin(t, "echo_handler", plugin.CapabilityHandler, []string{"handle"}, `#!/bin/sh
cat > /dev/null
echo '{"status":"ok","state_updates":{"last_event":"evt-1"}}'
`))

	id := h.enqueue(t, "echo_handler", 1)
	h.runOnce(t)

	job := h.getJob(t, id)
	if job.Status != queue.StatusSucceeded {
		t.Fatalf("Status = %q, want succeeded (last_error: %v)", job.Status, job.LastError)
	}
	if job.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	stateMap, err := h.st.GetMap(context.Background(), "echo_handler")
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if stateMap["last_event"] != "evt-1" {
		t.Errorf("state not merged, got %v", stateMap)
	}
}

func TestDispatcherPassesEventAndConfig(t *testing.T) {
	h := newHarness(t)
	h.cfg.Plugins.Settings = map[string]map[string]any{
		"echo_handler": {"greeting": "hello"},
	}
	p := scriptPlugin(t, "echo_handler", plugin.CapabilityHandler, []string{"handle"}, `#!/bin/sh
cat > seen_request.json
echo '{"status":"ok"}'
`)
	h.reg.Add(p)

	h.enqueue(t, "echo_handler", 1)
	h.runOnce(t)

	data, err := os.ReadFile(filepath.Join(p.Path, "seen_request.json"))
	if err != nil {
		t.Fatalf("read captured request: %v", err)
	}
	for _, want := range []string{`"command":"handle"`, `"greeting":"hello"`, `"event_id":"evt-1"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("request envelope missing %s, got %s", want, data)
		}
	}
}

func TestDispatcherHandlerGetsWorkspace(t *testing.T) {
	h := newHarness(t)
	h.reg.Add(scriptPlugin(t, "artifact_handler", plugin.CapabilityHandler, []string{"handle"}, `#!/bin/sh
ws=$(sed -n 's/.*"workspace":"\([^"]*\)".*/\1/p')
echo "artifact" > "$ws/result.txt"
echo '{"status":"ok"}'
`))

	id := h.enqueue(t, "artifact_handler", 1)
	h.runOnce(t)

	job := h.getJob(t, id)
	if job.Status != queue.StatusSucceeded {
		t.Fatalf("Status = %q, want succeeded (last_error: %v)", job.Status, job.LastError)
	}

	artifact := filepath.Join(workspace.DefaultBaseDir(h.cfg.Storage.Path), id, "result.txt")
	data, err := os.ReadFile(artifact)
	if err != nil {
		t.Fatalf("read workspace artifact: %v", err)
	}
	if strings.TrimSpace(string(data)) != "artifact" {
		t.Errorf("artifact content = %q", data)
	}
}

func TestDispatcherRetriesUntilDead(t *testing.T) {
	h := newHarness(t)
	h.reg.Add(scriptPlugin(t, "flaky_handler", plugin.CapabilityHandler, []string{"handle"}, `#!/bin/sh
cat > /dev/null
echo '{"status":"error","error":"boom"}'
`))

	id := h.enqueue(t, "flaky_handler", 2)

	h.runOnce(t)
	job := h.getJob(t, id)
	if job.Status != queue.StatusQueued {
		t.Fatalf("after attempt 1: Status = %q, want queued", job.Status)
	}
	if job.Attempt != 2 {
		t.Fatalf("after attempt 1: Attempt = %d, want 2", job.Attempt)
	}
	if job.NextRetryAt == nil {
		t.Fatal("after attempt 1: NextRetryAt not set")
	}

	time.Sleep(50 * time.Millisecond) // let the backoff elapse
	h.runOnce(t)
	job = h.getJob(t, id)
	if job.Status != queue.StatusDead {
		t.Fatalf("after attempt 2: Status = %q, want dead", job.Status)
	}
	if job.LastError == nil || !strings.Contains(*job.LastError, "boom") {
		t.Errorf("LastError = %v, want boom", job.LastError)
	}

	logs, err := h.q.RecentLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("job_log rows = %d, want one per attempt", len(logs))
	}
}

func TestDispatcherHonorsNoRetry(t *testing.T) {
	h := newHarness(t)
	h.reg.Add(scriptPlugin(t, "strict_handler", plugin.CapabilityHandler, []string{"handle"}, `#!/bin/sh
cat > /dev/null
echo '{"status":"error","error":"bad payload","retry":false}'
`))

	id := h.enqueue(t, "strict_handler", 4)
	h.runOnce(t)

	job := h.getJob(t, id)
	if job.Status != queue.StatusDead {
		t.Fatalf("Status = %q, want dead on first attempt", job.Status)
	}
	if job.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1 (no retries burned)", job.Attempt)
	}
}

func TestDispatcherTimeoutMarksTimedOut(t *testing.T) {
	h := newHarness(t)
	h.disp.runner = plugin.NewRunner(200*time.Millisecond, 100*time.Millisecond)
	h.reg.Add(scriptPlugin(t, "slow_handler", plugin.CapabilityHandler, []string{"handle"}, `#!/bin/sh
cat > /dev/null
sleep 30
`))

	id := h.enqueue(t, "slow_handler", 1)
	h.runOnce(t)

	job := h.getJob(t, id)
	if job.Status != queue.StatusTimedOut {
		t.Fatalf("Status = %q, want timed_out", job.Status)
	}
	if job.LastError == nil || !strings.Contains(*job.LastError, "timed out") {
		t.Errorf("LastError = %v, want timeout message", job.LastError)
	}
}

func TestDispatcherMissingHandlerIsDead(t *testing.T) {
	h := newHarness(t)

	id := h.enqueue(t, "ghost_handler", 4)
	h.runOnce(t)

	// The registry never changes after boot, so retrying cannot help.
	job := h.getJob(t, id)
	if job.Status != queue.StatusDead {
		t.Fatalf("Status = %q, want dead", job.Status)
	}
	if job.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", job.Attempt)
	}
	if job.LastError == nil || !strings.Contains(*job.LastError, "not in registry") {
		t.Errorf("LastError = %v, want registry miss", job.LastError)
	}
}

func TestDispatcherStatsAndFailbot(t *testing.T) {
	h := newHarness(t)
	h.reg.Add(scriptPlugin(t, "strict_handler", plugin.CapabilityHandler, []string{"handle"}, `#!/bin/sh
cat > /dev/null
echo '{"status":"error","error":"boom","retry":false}'
`))
	statsPlug := scriptPlugin(t, "stats_logger", plugin.CapabilityStats, []string{"emit"}, `#!/bin/sh
cat >> emitted.jsonl
echo '{"status":"ok"}'
`)
	h.reg.Add(statsPlug)
	failbotPlug := scriptPlugin(t, "crash_reporter", plugin.CapabilityFailbot, []string{"report"}, `#!/bin/sh
cat > report.json
echo '{"status":"ok"}'
`)
	h.reg.Add(failbotPlug)

	h.enqueue(t, "strict_handler", 1)
	h.runOnce(t)

	emitted, err := os.ReadFile(filepath.Join(statsPlug.Path, "emitted.jsonl"))
	if err != nil {
		t.Fatalf("stats plugin never ran: %v", err)
	}
	if !strings.Contains(string(emitted), `"status":"dead"`) {
		t.Errorf("stats envelope missing terminal status, got %s", emitted)
	}

	report, err := os.ReadFile(filepath.Join(failbotPlug.Path, "report.json"))
	if err != nil {
		t.Fatalf("failbot plugin never ran: %v", err)
	}
	for _, want := range []string{`"final_attempt":true`, `"error":"boom"`} {
		if !strings.Contains(string(report), want) {
			t.Errorf("failure report missing %s, got %s", want, report)
		}
	}
}

func TestDispatcherPublishesJobEvents(t *testing.T) {
	h := newHarness(t)
	h.reg.Add(scriptPlugin(t, "echo_handler", plugin.CapabilityHandler, []string{"handle"}, `#!/bin/sh
cat > /dev/null
echo '{"status":"ok"}'
`))

	sub, cancel := h.hub.Subscribe()
	defer cancel()

	h.enqueue(t, "echo_handler", 1)
	h.runOnce(t)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-sub:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	if types[0] != events.TypeJobStarted || types[1] != events.TypeJobSucceeded {
		t.Errorf("event sequence = %v, want [job.started job.succeeded]", types)
	}
}

func TestDispatcherStartupHooks(t *testing.T) {
	h := newHarness(t)
	h.reg.Add(scriptPlugin(t, "warmup_hook", plugin.CapabilityLifecycle, []string{"startup"}, `#!/bin/sh
cat > /dev/null
echo '{"status":"ok","state_updates":{"warmed":true}}'
`))
	shutdownOnly := scriptPlugin(t, "drain_hook", plugin.CapabilityLifecycle, []string{"shutdown"}, `#!/bin/sh
cat > /dev/null
touch ran_anyway
echo '{"status":"ok"}'
`)
	h.reg.Add(shutdownOnly)

	if err := h.disp.RunStartupHooks(context.Background()); err != nil {
		t.Fatalf("RunStartupHooks: %v", err)
	}

	stateMap, err := h.st.GetMap(context.Background(), "warmup_hook")
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if stateMap["warmed"] != true {
		t.Errorf("startup hook state not merged, got %v", stateMap)
	}

	if _, err := os.Stat(filepath.Join(shutdownOnly.Path, "ran_anyway")); !os.IsNotExist(err) {
		t.Error("shutdown-only plugin ran during startup hooks")
	}
}

func TestDispatcherStartupHookFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.reg.Add(scriptPlugin(t, "broken_hook", plugin.CapabilityLifecycle, []string{"startup"}, `#!/bin/sh
cat > /dev/null
echo '{"status":"error","error":"cache unreachable"}'
`))

	err := h.disp.RunStartupHooks(context.Background())
	if err == nil {
		t.Fatal("RunStartupHooks = nil error, want boot failure")
	}
	if !strings.Contains(err.Error(), "broken_hook") || !strings.Contains(err.Error(), "cache unreachable") {
		t.Errorf("error = %v, want plugin name and reason", err)
	}
}

func TestDispatcherShutdownHookFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.reg.Add(scriptPlugin(t, "broken_hook", plugin.CapabilityLifecycle, []string{"shutdown"}, `#!/bin/sh
cat > /dev/null
exit 1
`))

	// Must return normally; shutdown failures are logged, not propagated.
	h.disp.RunShutdownHooks(context.Background())
}

func TestBackoffDelay(t *testing.T) {
	d := &Dispatcher{cfg: &config.Config{
		Dispatch: config.DispatchConfig{
			BackoffBase: 30 * time.Second,
			BackoffMax:  15 * time.Minute,
		},
	}}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{6, 15 * time.Minute}, // 960s capped
		{10, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := d.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	zero := &Dispatcher{cfg: &config.Config{}}
	if got := zero.backoffDelay(1); got != 30*time.Second {
		t.Errorf("backoffDelay with zero config = %v, want default 30s", got)
	}
}
