package auth

import (
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid bearer", "Bearer abc123", "abc123", false},
		{"missing header", "", "", true},
		{"wrong prefix", "Token abc123", "", true},
		{"empty token", "Bearer ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/status", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			got, err := ExtractBearerToken(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractBearerToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractBearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "admin-token", Scopes: []string{"*"}},
		{Token: "reader-token", Scopes: []string{"jobs:ro", "events:ro"}},
		{Token: "writer-token", Scopes: []string{"jobs:rw"}},
	}

	t.Run("unknown token rejected", func(t *testing.T) {
		if _, ok := Authenticate("nope", tokens); ok {
			t.Error("Authenticate() accepted an unknown token")
		}
	})

	t.Run("scoped token", func(t *testing.T) {
		p, ok := Authenticate("reader-token", tokens)
		if !ok {
			t.Fatal("Authenticate() rejected a configured token")
		}
		if !HasAnyScope(p, "jobs:ro") {
			t.Error("jobs:ro scope missing")
		}
		if HasAnyScope(p, "plugin:ro") {
			t.Error("plugin:ro scope granted without configuration")
		}
	})

	t.Run("write implies read", func(t *testing.T) {
		p, ok := Authenticate("writer-token", tokens)
		if !ok {
			t.Fatal("Authenticate() rejected a configured token")
		}
		if !HasAnyScope(p, "jobs:ro") {
			t.Error("jobs:rw should imply jobs:ro")
		}
	})

	t.Run("wildcard matches everything", func(t *testing.T) {
		p, ok := Authenticate("admin-token", tokens)
		if !ok {
			t.Fatal("Authenticate() rejected admin token")
		}
		if !HasAnyScope(p, "plugin:rw") || !HasAnyScope(p, "events:ro") {
			t.Error("wildcard scope should satisfy any requirement")
		}
	})
}
