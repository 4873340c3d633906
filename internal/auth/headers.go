package auth

import (
	"net/http"
	"strings"

	"github.com/postern-io/postern/internal/log"
)

// presentedHeaderValue fetches the named header (case-insensitive) and
// applies trust-boundary sanitization to its raw first value. Header values
// arrive from the network as attacker-controlled bytes; a value that differs
// from its trimmed form or carries control bytes is rejected before any
// comparison happens. Only the header name is ever logged.
func presentedHeaderValue(headers http.Header, name string) (string, bool) {
	values := headers.Values(name)
	if len(values) == 0 {
		log.WithComponent("auth").Warn("required header missing", "header", name)
		return "", false
	}

	value := values[0]
	if !headerValueClean(value) {
		log.WithComponent("auth").Warn("header value failed sanitization", "header", name)
		return "", false
	}
	return value, true
}

// headerValueClean reports whether a raw header value is safe to compare:
// it must equal its whitespace-trimmed form and contain no C0 controls,
// DEL, or C1 controls. The check runs over raw bytes, so C1 octets smuggled
// inside multi-byte sequences are rejected too.
func headerValueClean(value string) bool {
	if value != strings.TrimSpace(value) {
		return false
	}
	for i := 0; i < len(value); i++ {
		b := value[i]
		if b < 0x20 || (b >= 0x7f && b <= 0x9f) {
			return false
		}
	}
	return true
}
