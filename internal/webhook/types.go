package webhook

import (
	"context"

	"github.com/postern-io/postern/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/postern-io/postern/internal/webhook JobQueuer

// JobQueuer is the queue surface the webhook server needs.
type JobQueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// AcceptedResponse is the JSON body for accepted deliveries.
type AcceptedResponse struct {
	JobID string `json:"job_id"`
}

// ErrorResponse is the JSON error envelope. Error is a stable machine code,
// Message is for humans, RequestID correlates with server logs.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Stable rejection codes. These are API surface; senders match on them.
const (
	CodeEndpointNotFound     = "endpoint_not_found"
	CodePayloadTooLarge      = "payload_too_large"
	CodeRateLimited          = "rate_limited"
	CodeIPFilteringFailed    = "ip_filtering_failed"
	CodeAuthenticationFailed = "authentication_failed"
	CodeReadFailed           = "read_failed"
	CodeEnqueueFailed        = "enqueue_failed"
)
