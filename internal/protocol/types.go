package protocol

import "time"

// Version is the supported plugin protocol version. Plugins declaring any
// other version are rejected at discovery.
const Version = 1

// Commands understood by the protocol. Which commands a plugin must declare
// depends on its capability.
const (
	CommandHandle   = "handle"
	CommandValidate = "validate"
	CommandStartup  = "startup"
	CommandShutdown = "shutdown"
	CommandEmit     = "emit"
	CommandReport   = "report"
)

// Request is the envelope written to a plugin's stdin. Exactly one of
// Event, Auth, Metrics, or Failure is set, matching the command.
// Workspace, when set, is a scratch directory reserved for this job;
// retry attempts see the same directory.
type Request struct {
	Protocol   int            `json:"protocol"`
	JobID      string         `json:"job_id,omitempty"`
	Command    string         `json:"command"`
	Config     map[string]any `json:"config,omitempty"`
	State      map[string]any `json:"state,omitempty"`
	Workspace  string         `json:"workspace,omitempty"`
	Event      *Event         `json:"event,omitempty"`
	Auth       *AuthRequest   `json:"auth,omitempty"`
	Metrics    *JobMetrics    `json:"metrics,omitempty"`
	Failure    *FailureReport `json:"failure,omitempty"`
	DeadlineAt time.Time      `json:"deadline_at"`
}

// Response is the envelope read from a plugin's stdout.
type Response struct {
	Status       string         `json:"status"` // ok | error
	Error        string         `json:"error,omitempty"`
	Retry        *bool          `json:"retry,omitempty"` // defaults to true if omitted
	Valid        *bool          `json:"valid,omitempty"` // validate command only
	StateUpdates map[string]any `json:"state_updates,omitempty"`
	Logs         []LogEntry     `json:"logs,omitempty"`
}

// Event is an authenticated webhook delivery handed to a handler plugin.
// The body is carried verbatim as text; signature verification already
// happened against the raw bytes before this envelope was built.
type Event struct {
	EventID     string            `json:"event_id"`
	Endpoint    string            `json:"endpoint"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body"`
	DedupeKey   string            `json:"dedupe_key,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// AuthRequest carries one request's material to an auth-capability plugin.
type AuthRequest struct {
	Endpoint string              `json:"endpoint"`
	Headers  map[string][]string `json:"headers"`
	Body     string              `json:"body"`
	Settings map[string]string   `json:"settings,omitempty"`
}

// JobMetrics is the per-job summary emitted to the stats plugin.
type JobMetrics struct {
	JobID      string `json:"job_id"`
	Plugin     string `json:"plugin"`
	Endpoint   string `json:"endpoint,omitempty"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt"`
	DurationMS int64  `json:"duration_ms"`
}

// FailureReport is the context delivered to the failbot plugin when a job
// fails.
type FailureReport struct {
	JobID        string `json:"job_id"`
	Plugin       string `json:"plugin"`
	Endpoint     string `json:"endpoint,omitempty"`
	Error        string `json:"error"`
	Stderr       string `json:"stderr,omitempty"`
	Attempt      int    `json:"attempt"`
	FinalAttempt bool   `json:"final_attempt"`
}

// LogEntry is a log message forwarded from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// ShouldRetry reports whether the response asks for the job to be retried.
// Omitting the field means retry.
func (r *Response) ShouldRetry() bool {
	if r.Retry == nil {
		return true
	}
	return *r.Retry
}

// Validated reports whether a validate response affirmed the request.
// Anything short of an explicit true is a rejection.
func (r *Response) Validated() bool {
	return r.Status == "ok" && r.Valid != nil && *r.Valid
}
