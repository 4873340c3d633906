package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusDead      Status = "dead"
)

// Job is a persisted webhook delivery awaiting or undergoing dispatch.
type Job struct {
	ID          string
	Endpoint    string
	Plugin      string
	Event       json.RawMessage
	Status      Status
	Attempt     int
	MaxAttempts int
	DedupeKey   *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRetryAt *time.Time
	LastError   *string
}

type EnqueueRequest struct {
	Endpoint    string
	Plugin      string
	Event       json.RawMessage
	MaxAttempts int
	DedupeKey   *string
}

// LogRecord is one attempt's row in job_log.
type LogRecord struct {
	ID          string
	JobID       string
	Endpoint    string
	Plugin      string
	Status      Status
	Attempt     int
	CreatedAt   time.Time
	CompletedAt time.Time
	DurationMS  int64
	LastError   *string
	Stderr      *string
}

// Counts summarizes the queue for status reporting.
type Counts struct {
	Queued    int
	Running   int
	Succeeded int
	TimedOut  int
	Dead      int
}

var ErrJobNotFound = errors.New("job not found")

// DedupeDropError reports an enqueue suppressed by an earlier delivery with
// the same dedupe key inside the dedupe window.
type DedupeDropError struct {
	DedupeKey     string
	ExistingJobID string
}

func (e *DedupeDropError) Error() string {
	return fmt.Sprintf("duplicate delivery dropped: dedupe_key=%q already accepted as job %s", e.DedupeKey, e.ExistingJobID)
}
