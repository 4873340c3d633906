// push_digest is a handler plugin for GitHub push deliveries. It parses the
// push payload, writes a human-readable digest into the job workspace, and
// keeps rolling per-repository counters in plugin state.
//
// Build the binary into a handler root to use it:
//
//	go build -o /etc/postern/plugins/handlers/push_digest/push_digest ./plugins/push_digest
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/postern-io/postern/internal/protocol"
)

const (
	defaultDigestFilename = "digest.md"
	maxDigestCommits      = 20
)

type pluginConfig struct {
	// BranchFilter limits handling to refs with this prefix
	// (e.g. refs/heads/main). Empty handles every ref.
	BranchFilter   string
	DigestFilename string
}

type pluginState struct {
	PushesHandled int            `json:"pushes_handled"`
	LastPush      *pushSummary   `json:"last_push,omitempty"`
	Repositories  map[string]int `json:"repositories,omitempty"`
}

type pushSummary struct {
	Repository  string `json:"repository"`
	Ref         string `json:"ref"`
	Head        string `json:"head"`
	Pusher      string `json:"pusher"`
	CommitCount int    `json:"commit_count"`
	EventID     string `json:"event_id"`
	HandledAt   string `json:"handled_at"`
}

// pushPayload is the slice of the GitHub push event this plugin reads.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Commits []pushCommit `json:"commits"`
}

type pushCommit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Author  struct {
		Name string `json:"name"`
	} `json:"author"`
}

func main() {
	resp := handle(os.Stdin)
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle(r io.Reader) protocol.Response {
	var req protocol.Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err), false)
	}
	if req.Command != protocol.CommandHandle {
		return errResp(fmt.Sprintf("unknown command: %s", req.Command), false)
	}
	if req.Event == nil {
		return errResp("handle requires an event", false)
	}
	return handlePush(req, parseConfig(req.Config), parseState(req.State))
}

func handlePush(req protocol.Request, cfg pluginConfig, st pluginState) protocol.Response {
	event := *req.Event

	if event.Headers["X-Github-Event"] == "ping" {
		return protocol.Response{
			Status:       "ok",
			StateUpdates: map[string]any{"last_ping": nowISO()},
			Logs:         []protocol.LogEntry{info("ping acknowledged")},
		}
	}

	var payload pushPayload
	if err := json.Unmarshal([]byte(event.Body), &payload); err != nil {
		return errResp(fmt.Sprintf("parse push payload: %v", err), false)
	}
	if payload.Ref == "" || payload.Repository.FullName == "" {
		return errResp("payload is not a push event (missing ref or repository)", false)
	}

	if cfg.BranchFilter != "" && !strings.HasPrefix(payload.Ref, cfg.BranchFilter) {
		return protocol.Response{
			Status: "ok",
			Logs:   []protocol.LogEntry{info(fmt.Sprintf("skipped ref %s (filter %s)", payload.Ref, cfg.BranchFilter))},
		}
	}

	summary := pushSummary{
		Repository:  payload.Repository.FullName,
		Ref:         payload.Ref,
		Head:        payload.After,
		Pusher:      payload.Pusher.Name,
		CommitCount: len(payload.Commits),
		EventID:     event.EventID,
		HandledAt:   nowISO(),
	}

	st.PushesHandled++
	if st.Repositories == nil {
		st.Repositories = map[string]int{}
	}
	st.Repositories[summary.Repository]++
	st.LastPush = &summary

	var logs []protocol.LogEntry
	if req.Workspace != "" {
		path := filepath.Join(req.Workspace, cfg.DigestFilename)
		if err := os.WriteFile(path, []byte(renderDigest(payload, summary)), 0o644); err != nil {
			// Losing the artifact does not fail the delivery.
			logs = append(logs, warn(fmt.Sprintf("write digest: %v", err)))
		} else {
			logs = append(logs, info(fmt.Sprintf("wrote %s", cfg.DigestFilename)))
		}
	}

	logs = append(logs, info(fmt.Sprintf(
		"handled push to %s (%s, %d commits)",
		summary.Repository, shortRef(summary.Ref), summary.CommitCount,
	)))

	return protocol.Response{
		Status:       "ok",
		StateUpdates: stateToMap(st),
		Logs:         logs,
	}
}

func renderDigest(payload pushPayload, summary pushSummary) string {
	var b strings.Builder
	b.WriteString("# Push digest\n\n")
	fmt.Fprintf(&b, "- repository: %s\n", summary.Repository)
	fmt.Fprintf(&b, "- ref: %s\n", summary.Ref)
	if summary.Head != "" {
		fmt.Fprintf(&b, "- head: %s\n", shortSHA(summary.Head))
	}
	if summary.Pusher != "" {
		fmt.Fprintf(&b, "- pusher: %s\n", summary.Pusher)
	}
	fmt.Fprintf(&b, "- commits: %d\n", summary.CommitCount)

	if len(payload.Commits) > 0 {
		b.WriteString("\n## Commits\n\n")
		shown := payload.Commits
		if len(shown) > maxDigestCommits {
			shown = shown[:maxDigestCommits]
		}
		for _, c := range shown {
			fmt.Fprintf(&b, "- `%s` %s", shortSHA(c.ID), firstLine(c.Message))
			if c.Author.Name != "" {
				fmt.Fprintf(&b, " (%s)", c.Author.Name)
			}
			b.WriteString("\n")
		}
		if rest := len(payload.Commits) - len(shown); rest > 0 {
			fmt.Fprintf(&b, "- and %d more\n", rest)
		}
	}
	return b.String()
}

func parseConfig(cfg map[string]any) pluginConfig {
	out := pluginConfig{DigestFilename: defaultDigestFilename}
	if cfg == nil {
		return out
	}
	out.BranchFilter = asString(cfg["branch_filter"])

	// The digest name must stay a bare filename inside the workspace.
	if name := asString(cfg["digest_filename"]); name != "" && filepath.Base(name) == name {
		out.DigestFilename = name
	}
	return out
}

func parseState(in map[string]any) pluginState {
	var out pluginState
	if in == nil {
		return out
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func stateToMap(st pluginState) map[string]any {
	raw, err := json.Marshal(st)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func shortRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

func firstLine(message string) string {
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		return strings.TrimSpace(message[:i])
	}
	return strings.TrimSpace(message)
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func info(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "info", Message: msg}
}

func warn(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "warn", Message: msg}
}

func errResp(message string, retry bool) protocol.Response {
	return protocol.Response{
		Status: "error",
		Error:  message,
		Retry:  &retry,
		Logs:   []protocol.LogEntry{{Level: "error", Message: message}},
	}
}
