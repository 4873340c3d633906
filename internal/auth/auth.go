// Package auth validates inbound webhook requests at the trust boundary.
//
// Two native schemes are built in: hmac (signature over the request body or
// a payload template) and shared_secret (direct token comparison). Any other
// configured scheme is served by an auth-capability plugin; the webhook
// server wires that adapter in. All comparisons against presented values are
// constant-time, and every failure path returns false rather than an error
// so no internal detail leaks to the sender.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"

	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/log"
)

// Validator decides whether a request is authentic for one endpoint.
// Implementations never panic past this boundary and never report why a
// request was rejected to the caller; reasons go to the log at warn level.
// The native validators are pure and ignore ctx; plugin-backed validators
// spawn a subprocess under it.
type Validator interface {
	Validate(ctx context.Context, body []byte, headers http.Header, cfg config.AuthConfig) bool
}

// ForScheme returns the native validator for a scheme name. Custom schemes
// (plugin-backed) return ok=false; the caller resolves those against the
// plugin registry.
func ForScheme(scheme string) (Validator, bool) {
	switch scheme {
	case config.SchemeHMAC:
		return HMACValidator{}, true
	case config.SchemeSharedSecret:
		return SharedSecretValidator{}, true
	}
	return nil, false
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// secretFromEnv resolves the endpoint secret at validation time. The config
// never holds the secret itself, only the environment variable name. An
// unset or empty variable is an operator mistake, logged at error level,
// and fails closed.
func secretFromEnv(envKey string) (string, bool) {
	if envKey == "" {
		log.WithComponent("auth").Error("secret_env_key is not configured")
		return "", false
	}
	secret := os.Getenv(envKey)
	if secret == "" {
		log.WithComponent("auth").Error("secret environment variable is unset or empty", "env_key", envKey)
		return "", false
	}
	return secret, true
}
