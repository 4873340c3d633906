package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/postern-io/postern/internal/protocol"
)

const pushBody = `{
	"ref": "refs/heads/main",
	"after": "a1b2c3d4e5f6a7b8c9d0a1b2c3d4e5f6a7b8c9d0",
	"repository": {"full_name": "acme/widget"},
	"pusher": {"name": "alice"},
	"commits": [
		{"id": "a1b2c3d4e5f6", "message": "fix parser\n\nlong body", "author": {"name": "alice"}},
		{"id": "b2c3d4e5f6a7", "message": "add tests", "author": {"name": "bob"}}
	]
}`

func pushRequest(ws string) protocol.Request {
	return protocol.Request{
		Protocol:  1,
		JobID:     "job-1",
		Command:   "handle",
		Workspace: ws,
		State:     map[string]any{},
		Event: &protocol.Event{
			EventID:  "evt-1",
			Endpoint: "/hooks/github",
			Headers:  map[string]string{"X-Github-Event": "push"},
			Body:     pushBody,
		},
	}
}

func TestHandlePushWritesDigestAndCounts(t *testing.T) {
	ws := t.TempDir()
	req := pushRequest(ws)

	resp := handlePush(req, parseConfig(req.Config), parseState(req.State))
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok (error=%s)", resp.Status, resp.Error)
	}

	data, err := os.ReadFile(filepath.Join(ws, "digest.md"))
	if err != nil {
		t.Fatalf("digest not written: %v", err)
	}
	digest := string(data)
	for _, needle := range []string{"acme/widget", "refs/heads/main", "fix parser", "(bob)"} {
		if !strings.Contains(digest, needle) {
			t.Fatalf("digest missing %q:\n%s", needle, digest)
		}
	}
	if strings.Contains(digest, "long body") {
		t.Fatalf("digest should keep only commit subjects:\n%s", digest)
	}

	st := parseState(resp.StateUpdates)
	if st.PushesHandled != 1 {
		t.Fatalf("pushes_handled = %d, want 1", st.PushesHandled)
	}
	if st.Repositories["acme/widget"] != 1 {
		t.Fatalf("repositories = %#v, want acme/widget count 1", st.Repositories)
	}
	if st.LastPush == nil || st.LastPush.CommitCount != 2 || st.LastPush.Pusher != "alice" {
		t.Fatalf("last_push = %#v", st.LastPush)
	}
}

func TestHandlePushAccumulatesState(t *testing.T) {
	prior := pluginState{
		PushesHandled: 4,
		Repositories:  map[string]int{"acme/widget": 2, "acme/gadget": 2},
	}
	req := pushRequest("")
	req.State = stateToMap(prior)

	resp := handlePush(req, parseConfig(req.Config), parseState(req.State))
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok (error=%s)", resp.Status, resp.Error)
	}

	st := parseState(resp.StateUpdates)
	if st.PushesHandled != 5 {
		t.Fatalf("pushes_handled = %d, want 5", st.PushesHandled)
	}
	if st.Repositories["acme/widget"] != 3 || st.Repositories["acme/gadget"] != 2 {
		t.Fatalf("repositories = %#v", st.Repositories)
	}
}

func TestBranchFilterSkipsOtherRefs(t *testing.T) {
	req := pushRequest("")
	req.Config = map[string]any{"branch_filter": "refs/heads/release"}

	resp := handlePush(req, parseConfig(req.Config), parseState(req.State))
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok (error=%s)", resp.Status, resp.Error)
	}
	if resp.StateUpdates != nil {
		t.Fatalf("skipped ref must not change state, got %#v", resp.StateUpdates)
	}
	if len(resp.Logs) != 1 || !strings.Contains(resp.Logs[0].Message, "skipped ref") {
		t.Fatalf("logs = %#v", resp.Logs)
	}
}

func TestPingAcknowledgedWithoutCounting(t *testing.T) {
	req := pushRequest("")
	req.Event.Headers["X-Github-Event"] = "ping"
	req.Event.Body = `{"zen": "Keep it logically awesome."}`

	resp := handlePush(req, parseConfig(req.Config), parseState(req.State))
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok (error=%s)", resp.Status, resp.Error)
	}
	if _, ok := resp.StateUpdates["last_ping"]; !ok {
		t.Fatalf("state_updates = %#v, want last_ping", resp.StateUpdates)
	}
	if _, ok := resp.StateUpdates["pushes_handled"]; ok {
		t.Fatalf("ping must not touch push counters: %#v", resp.StateUpdates)
	}
}

func TestNonPushBodyIsRejectedWithoutRetry(t *testing.T) {
	req := pushRequest("")
	req.Event.Body = `{"zen": "Design for failure."}`

	resp := handlePush(req, parseConfig(req.Config), parseState(req.State))
	if resp.Status != "error" {
		t.Fatalf("status = %q, want error", resp.Status)
	}
	if resp.ShouldRetry() {
		t.Fatalf("malformed payloads must not retry")
	}
}

func TestHandleRejectsUnknownCommand(t *testing.T) {
	resp := handle(strings.NewReader(`{"protocol":1,"command":"emit"}`))
	if resp.Status != "error" || !strings.Contains(resp.Error, "unknown command") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDigestFilenameStaysInsideWorkspace(t *testing.T) {
	ws := t.TempDir()
	req := pushRequest(ws)
	req.Config = map[string]any{"digest_filename": "../escape.md"}

	resp := handlePush(req, parseConfig(req.Config), parseState(req.State))
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok (error=%s)", resp.Status, resp.Error)
	}
	if _, err := os.Stat(filepath.Join(ws, "digest.md")); err != nil {
		t.Fatalf("default digest not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, "..", "escape.md")); !os.IsNotExist(err) {
		t.Fatalf("digest escaped the workspace")
	}
}
