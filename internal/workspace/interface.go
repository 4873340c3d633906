package workspace

import (
	"context"
	"time"
)

// Workspace is a job-scoped scratch directory handed to handler plugins
// through the request envelope.
//
// Queue rows carry only job IDs; directory paths derive from the data
// directory, so the data directory can move without database rewrites.
type Workspace struct {
	JobID string
	Dir   string
}

// CleanupReport summarizes one cleanup sweep.
type CleanupReport struct {
	DeletedDirs int
}

// Manager owns the lifecycle of per-job scratch directories.
type Manager interface {
	// Ensure returns the workspace for jobID, creating the directory if it
	// does not exist yet. Retry attempts of the same job share one directory.
	Ensure(ctx context.Context, jobID string) (Workspace, error)

	// Open resolves an existing workspace for jobID.
	Open(ctx context.Context, jobID string) (Workspace, error)

	// Cleanup removes workspace directories older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
