package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/postern-io/postern/internal/queue"
	"github.com/postern-io/postern/internal/state"
	"github.com/postern-io/postern/internal/workspace"
)

// Report is the structured JSON representation of a delivery report.
type Report struct {
	JobID       string          `json:"job_id"`
	Endpoint    string          `json:"endpoint"`
	Plugin      string          `json:"plugin"`
	Status      string          `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	CreatedAt   string          `json:"created_at"`
	CompletedAt string          `json:"completed_at,omitempty"`
	NextRetryAt string          `json:"next_retry_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Attempts    []Attempt       `json:"attempts"`
	Workspace   string          `json:"workspace,omitempty"`
	Artifacts   []string        `json:"artifacts,omitempty"`
	PluginState json.RawMessage `json:"plugin_state"`
}

// Attempt is one finished execution attempt from the job log.
type Attempt struct {
	Attempt     int    `json:"attempt"`
	Status      string `json:"status"`
	CompletedAt string `json:"completed_at"`
	DurationMS  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
}

// BuildReport renders a terminal-friendly delivery report for a job.
func BuildReport(ctx context.Context, db *sql.DB, storagePath, jobID string) (string, error) {
	report, err := gatherReportData(ctx, db, storagePath, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Delivery Report\n")
	fmt.Fprintf(&out, "Job ID       : %s\n", report.JobID)
	fmt.Fprintf(&out, "Endpoint     : %s\n", report.Endpoint)
	fmt.Fprintf(&out, "Plugin       : %s\n", report.Plugin)
	fmt.Fprintf(&out, "Status       : %s\n", report.Status)
	fmt.Fprintf(&out, "Attempt      : %d of %d\n", report.Attempt, report.MaxAttempts)
	fmt.Fprintf(&out, "Dedupe key   : %s\n", renderUnset(report.DedupeKey, "<none>"))
	fmt.Fprintf(&out, "Created      : %s\n", report.CreatedAt)
	fmt.Fprintf(&out, "Completed    : %s\n", renderUnset(report.CompletedAt, "<pending>"))
	if report.NextRetryAt != "" {
		fmt.Fprintf(&out, "Next retry   : %s\n", report.NextRetryAt)
	}
	fmt.Fprintf(&out, "Last error   : %s\n", renderUnset(report.LastError, "<none>"))
	fmt.Fprintf(&out, "\n")

	if len(report.Attempts) == 0 {
		fmt.Fprintf(&out, "Attempts     : <none recorded>\n")
	} else {
		fmt.Fprintf(&out, "Attempts\n")
		for _, a := range report.Attempts {
			fmt.Fprintf(&out, "[%d] %s  %s  %dms\n", a.Attempt, a.Status, a.CompletedAt, a.DurationMS)
			if a.Error != "" {
				fmt.Fprintf(&out, "    error  : %s\n", a.Error)
			}
			if a.Stderr != "" {
				for _, line := range strings.Split(strings.TrimRight(a.Stderr, "\n"), "\n") {
					fmt.Fprintf(&out, "    stderr : %s\n", line)
				}
			}
		}
	}
	fmt.Fprintf(&out, "\n")

	if report.Workspace == "" {
		fmt.Fprintf(&out, "Workspace    : <none>\n")
	} else {
		fmt.Fprintf(&out, "Workspace    : %s\n", report.Workspace)
		if len(report.Artifacts) == 0 {
			fmt.Fprintf(&out, "Artifacts    : <none>\n")
		} else {
			fmt.Fprintf(&out, "Artifacts    :\n")
			for _, artifact := range report.Artifacts {
				fmt.Fprintf(&out, "  - %s\n", artifact)
			}
		}
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Plugin state :\n")
	for _, line := range strings.Split(strings.TrimSpace(prettyJSON(report.PluginState)), "\n") {
		fmt.Fprintf(&out, "  %s\n", line)
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON delivery report.
func BuildJSONReport(ctx context.Context, db *sql.DB, storagePath, jobID string) (string, error) {
	report, err := gatherReportData(ctx, db, storagePath, jobID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, storagePath, jobID string) (*Report, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	q := queue.New(db, 0)
	job, err := q.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return nil, fmt.Errorf("job %q not found", jobID)
		}
		return nil, err
	}

	report := &Report{
		JobID:       job.ID,
		Endpoint:    job.Endpoint,
		Plugin:      job.Plugin,
		Status:      string(job.Status),
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		CreatedAt:   renderTime(&job.CreatedAt),
		CompletedAt: renderTime(job.CompletedAt),
		NextRetryAt: renderTime(job.NextRetryAt),
		Attempts:    make([]Attempt, 0),
	}
	if job.DedupeKey != nil {
		report.DedupeKey = *job.DedupeKey
	}
	if job.LastError != nil {
		report.LastError = *job.LastError
	}

	logs, err := q.Logs(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load attempt history: %w", err)
	}
	for _, rec := range logs {
		a := Attempt{
			Attempt:     rec.Attempt,
			Status:      string(rec.Status),
			CompletedAt: rec.CompletedAt.UTC().Format(time.RFC3339),
			DurationMS:  rec.DurationMS,
		}
		if rec.LastError != nil {
			a.Error = *rec.LastError
		}
		if rec.Stderr != nil {
			a.Stderr = *rec.Stderr
		}
		report.Attempts = append(report.Attempts, a)
	}

	wsDir := filepath.Join(workspace.DefaultBaseDir(storagePath), job.ID)
	if _, err := os.Stat(wsDir); err == nil {
		report.Workspace = wsDir
		artifacts, err := listArtifacts(wsDir)
		if err != nil {
			return nil, fmt.Errorf("list workspace artifacts: %w", err)
		}
		report.Artifacts = artifacts
	}

	st := state.NewStore(db)
	raw, err := st.Get(ctx, job.Plugin)
	if err != nil {
		return nil, fmt.Errorf("load plugin state: %w", err)
	}
	report.PluginState = raw

	return report, nil
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func listArtifacts(workspaceDir string) ([]string, error) {
	artifacts := make([]string, 0)
	err := filepath.WalkDir(workspaceDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == workspaceDir || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func renderTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
