package api

import "time"

// ErrorResponse carries an API error message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse reports liveness. Served without auth for probes.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// QueueCounts breaks the queue down by job status.
type QueueCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	TimedOut  int `json:"timed_out"`
	Dead      int `json:"dead"`
}

// StatusResponse is the authenticated service snapshot.
type StatusResponse struct {
	Service       string      `json:"service"`
	Version       string      `json:"version"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	Queue         QueueCounts `json:"queue"`
	PluginsLoaded int         `json:"plugins_loaded"`
	Endpoints     []string    `json:"endpoints"`
}

// PluginInfo describes one registry entry.
type PluginInfo struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Capability string   `json:"capability"`
	Version    string   `json:"version,omitempty"`
	Protocol   int      `json:"protocol"`
	Commands   []string `json:"commands,omitempty"`
}

// PluginsResponse lists every plugin accepted at boot.
type PluginsResponse struct {
	Plugins []PluginInfo `json:"plugins"`
}

// JobAttempt is one completed attempt of a job.
type JobAttempt struct {
	Attempt     int       `json:"attempt"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`
	Error       *string   `json:"error,omitempty"`
}

// JobResponse is the detail view of one delivery, attempts included.
type JobResponse struct {
	JobID       string       `json:"job_id"`
	Endpoint    string       `json:"endpoint"`
	Plugin      string       `json:"plugin"`
	Status      string       `json:"status"`
	Attempt     int          `json:"attempt"`
	MaxAttempts int          `json:"max_attempts"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty"`
	LastError   *string      `json:"last_error,omitempty"`
	Attempts    []JobAttempt `json:"attempts,omitempty"`
}
