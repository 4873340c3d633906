package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/log"
)

// SharedSecretValidator compares a request header directly against the
// endpoint secret. Used for providers that send a static token instead of
// signing the payload.
type SharedSecretValidator struct{}

// Validate implements Validator.
func (SharedSecretValidator) Validate(_ context.Context, _ []byte, headers http.Header, cfg config.AuthConfig) (valid bool) {
	logger := log.WithComponent("auth")
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("shared secret validation panicked", "panic", fmt.Sprint(r))
			valid = false
		}
	}()

	secret, ok := secretFromEnv(cfg.SecretEnvKey)
	if !ok {
		return false
	}

	presented, ok := presentedHeaderValue(headers, cfg.Header)
	if !ok {
		return false
	}

	if !constantTimeEqual(presented, secret) {
		logger.Warn("shared secret mismatch", "header", cfg.Header)
		return false
	}
	return true
}
