package auth

import (
	"testing"

	"github.com/postern-io/postern/internal/config"
)

func TestConstantTimeEqual(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want bool
	}{
		{"equal strings", "sha256=abc123", "sha256=abc123", true},
		{"different same-length strings", "sha256=abc123", "sha256=abc124", false},
		{"different lengths", "short", "longer-value", false},
		{"empty a", "", "value", false},
		{"empty b", "value", "", false},
		{"both empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := constantTimeEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("constantTimeEqual(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestForScheme(t *testing.T) {
	if _, ok := ForScheme(config.SchemeHMAC); !ok {
		t.Error("ForScheme(hmac) not found")
	}
	if _, ok := ForScheme(config.SchemeSharedSecret); !ok {
		t.Error("ForScheme(shared_secret) not found")
	}
	if _, ok := ForScheme("request_auth"); ok {
		t.Error("ForScheme() resolved a custom scheme; those belong to the plugin registry")
	}
}
