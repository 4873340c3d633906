package auth

import (
	"context"
	"net/http"
	"testing"

	"github.com/postern-io/postern/internal/config"
)

func sharedSecretConfig() config.AuthConfig {
	return config.AuthConfig{
		Scheme:       config.SchemeSharedSecret,
		SecretEnvKey: "TEST_SHARED_SECRET",
		Header:       "X-Gateway-Token",
	}
}

func TestSharedSecretValidator(t *testing.T) {
	secret := "correct-horse-battery-staple"

	tests := []struct {
		name      string
		presented string
		want      bool
	}{
		{"matching token", secret, true},
		{"wrong token", "correct-horse-battery-stable", false},
		{"wrong length", secret + "x", false},
		{"empty value", "", false},
		{"leading whitespace", " " + secret, false},
		{"trailing tab", secret + "\t", false},
		{"embedded CR", "correct\rhorse", false},
		{"C1 control byte", secret + "\x85", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_SHARED_SECRET", secret)

			headers := http.Header{}
			headers.Set("X-Gateway-Token", tt.presented)

			got := SharedSecretValidator{}.Validate(context.Background(), nil, headers, sharedSecretConfig())
			if got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSharedSecretValidatorMissingHeader(t *testing.T) {
	t.Setenv("TEST_SHARED_SECRET", "secret")

	if (SharedSecretValidator{}).Validate(context.Background(), nil, http.Header{}, sharedSecretConfig()) {
		t.Error("Validate() = true, want false when token header absent")
	}
}

func TestSharedSecretValidatorSecretEnvUnset(t *testing.T) {
	cfg := sharedSecretConfig()
	cfg.SecretEnvKey = "POSTERN_TEST_UNSET_TOKEN"

	headers := http.Header{}
	headers.Set("X-Gateway-Token", "anything")

	if (SharedSecretValidator{}).Validate(context.Background(), nil, headers, cfg) {
		t.Error("Validate() = true, want false when secret env var is unset")
	}
}
