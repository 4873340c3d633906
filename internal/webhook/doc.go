// Package webhook is the trust boundary: the HTTP server external senders
// talk to.
//
// Every configured endpoint gets a compiled pipeline, evaluated in a fixed
// order so the cheapest checks run first and every rejection has one stable
// error code:
//
//	body size cap      → 413 payload_too_large
//	rate limit         → 429 rate_limited
//	IP filter          → 403 ip_filtering_failed
//	authentication     → 401 authentication_failed
//	dedupe + enqueue   → 202 {"job_id": ...}
//
// A duplicate delivery (same dedupe key inside the window) is answered 202
// with the job ID of the delivery that was accepted first, so providers that
// redeliver see success and stop.
//
// Authentication is per endpoint: the built-in hmac and shared_secret
// validators, or any discovered auth-capability plugin named by the scheme.
// Rejections never tell the sender why; reasons go to the log.
package webhook
