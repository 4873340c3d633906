package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"strings"
	"time"

	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/log"
)

// HMACValidator verifies an HMAC signature presented in a request header.
//
// The signing input is the raw request body, or the configured payload
// template with {version}, {timestamp}, and {body} substituted. The local
// digest is rendered into the endpoint's configured presentation format and
// compared constant-time against the presented header value, so a signature
// in the wrong format never matches even when the digest bytes would.
type HMACValidator struct{}

// Validate implements Validator.
func (HMACValidator) Validate(_ context.Context, body []byte, headers http.Header, cfg config.AuthConfig) (valid bool) {
	logger := log.WithComponent("auth")
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("hmac validation panicked", "panic", fmt.Sprint(r))
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

	var timestamp string
	if cfg.TimestampHeader != "" {
		raw, ok := presentedHeaderValue(headers, cfg.TimestampHeader)
		if !ok {
			return false
		}
		if !timestampWithinTolerance(raw, cfg.TimestampTolerance, time.Now()) {
			logger.Warn("timestamp outside tolerance", "header", cfg.TimestampHeader)
			return false
		}
		timestamp = raw
	}

	digest, ok := computeDigest(cfg.Algorithm, secret, signingInput(body, cfg, timestamp))
	if !ok {
		return false
	}

	rendered, ok := renderSignature(cfg, digest)
	if !ok {
		return false
	}

	if !constantTimeEqual(rendered, presented) {
		logger.Warn("signature mismatch", "header", cfg.Header)
		return false
	}
	return true
}

// signingInput builds the bytes the HMAC covers. {body} is substituted
// last so placeholder-looking text inside the body is never re-expanded.
func signingInput(body []byte, cfg config.AuthConfig, timestamp string) []byte {
	if cfg.PayloadTemplate == "" {
		return body
	}
	s := cfg.PayloadTemplate
	s = strings.ReplaceAll(s, "{version}", cfg.VersionPrefix)
	s = strings.ReplaceAll(s, "{timestamp}", timestamp)
	s = strings.ReplaceAll(s, "{body}", string(body))
	return []byte(s)
}

// computeDigest returns the lowercase hex HMAC digest of input under the
// named algorithm. Unknown algorithms fail closed.
func computeDigest(algorithm, secret string, input []byte) (string, bool) {
	var newHash func() hash.Hash
	switch algorithm {
	case config.AlgorithmSHA1:
		newHash = sha1.New
	case config.AlgorithmSHA256:
		newHash = sha256.New
	case config.AlgorithmSHA512:
		newHash = sha512.New
	default:
		log.WithComponent("auth").Warn("unsupported hmac algorithm", "algorithm", algorithm)
		return "", false
	}

	mac := hmac.New(newHash, []byte(secret))
	mac.Write(input)
	return hex.EncodeToString(mac.Sum(nil)), true
}

// renderSignature formats the local digest the way the sender presents it:
// "sha256=<hex>", bare "<hex>", or "<version_prefix>=<hex>". There is no
// cross-format fallback.
func renderSignature(cfg config.AuthConfig, digest string) (string, bool) {
	switch cfg.Format {
	case config.FormatAlgorithmPrefixed:
		return cfg.Algorithm + "=" + digest, true
	case config.FormatHashOnly:
		return digest, true
	case config.FormatVersionPrefixed:
		if cfg.VersionPrefix == "" {
			log.WithComponent("auth").Warn("version_prefixed format without version_prefix")
			return "", false
		}
		return cfg.VersionPrefix + "=" + digest, true
	default:
		log.WithComponent("auth").Warn("unknown signature format", "format", cfg.Format)
		return "", false
	}
}
