package config

import "time"

// Config represents the complete postern configuration.
type Config struct {
	Include   []string         `yaml:"include,omitempty"`
	Service   ServiceConfig    `yaml:"service"`
	Storage   StorageConfig    `yaml:"storage"`
	API       APIConfig        `yaml:"api,omitempty"`
	Plugins   PluginsConfig    `yaml:"plugins"`
	IPPolicy  *IPPolicyConfig  `yaml:"ip_policy,omitempty"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
	Dispatch  DispatchConfig   `yaml:"dispatch,omitempty"`
}

// ServiceConfig defines core service settings, including the webhook listener.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	Listen          string        `yaml:"listen"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	DedupeTTL       time.Duration `yaml:"dedupe_ttl"`
	JobLogRetention time.Duration `yaml:"job_log_retention"`
}

// StorageConfig defines where the sqlite database lives.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines admin API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines admin API authentication settings.
type APIAuthConfig struct {
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// PluginsConfig defines plugin discovery roots and subprocess execution limits.
type PluginsConfig struct {
	// Roots maps a capability name (handler, auth, lifecycle, stats, failbot)
	// to the directory scanned for plugins of that capability.
	Roots map[string]string `yaml:"roots"`
	Exec  ExecConfig        `yaml:"exec,omitempty"`
	// Settings carries per-plugin configuration, keyed by logical plugin
	// name, passed verbatim in the request envelope.
	Settings map[string]map[string]any `yaml:"settings,omitempty"`
}

// ExecConfig bounds plugin subprocess execution.
type ExecConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// DispatchConfig defines retry behavior for failed handler jobs.
type DispatchConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// IPPolicyConfig defines source-address filtering rules. It appears globally
// and per endpoint; an endpoint policy replaces the global one wholesale.
type IPPolicyConfig struct {
	// Header names the request header carrying the client address
	// (default X-Forwarded-For; first comma-separated element is used).
	Header string   `yaml:"header,omitempty"`
	Allow  []string `yaml:"allow,omitempty"`
	Block  []string `yaml:"block,omitempty"`
}

// RateLimitConfig defines a per-endpoint token bucket.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	Path         string           `yaml:"path"`
	Plugin       string           `yaml:"plugin"`
	Auth         AuthConfig       `yaml:"auth"`
	IPPolicy     *IPPolicyConfig  `yaml:"ip_policy,omitempty"`
	MaxBodySize  string           `yaml:"max_body_size,omitempty"`
	RateLimit    *RateLimitConfig `yaml:"rate_limit,omitempty"`
	DedupeHeader string           `yaml:"dedupe_header,omitempty"`
}

// AuthConfig defines how requests to an endpoint are authenticated.
// The secret itself is never stored here; SecretEnvKey names the environment
// variable that is resolved when a request is validated.
type AuthConfig struct {
	Scheme             string `yaml:"scheme"`
	SecretEnvKey       string `yaml:"secret_env_key"`
	Header             string `yaml:"header"`
	Algorithm          string `yaml:"algorithm,omitempty"`
	Format             string `yaml:"format,omitempty"`
	TimestampHeader    string `yaml:"timestamp_header,omitempty"`
	TimestampTolerance int64  `yaml:"timestamp_tolerance,omitempty"`
	VersionPrefix      string `yaml:"version_prefix,omitempty"`
	PayloadTemplate    string `yaml:"payload_template,omitempty"`
}

// Authentication schemes understood natively. Any other scheme value must
// name a discovered auth-capability plugin.
const (
	SchemeHMAC         = "hmac"
	SchemeSharedSecret = "shared_secret"
)

// HMAC digest algorithms.
const (
	AlgorithmSHA1   = "sha1"
	AlgorithmSHA256 = "sha256"
	AlgorithmSHA512 = "sha512"
)

// Signature presentation formats.
const (
	// FormatAlgorithmPrefixed expects "<algorithm>=<hex>", e.g. "sha256=ab12...".
	FormatAlgorithmPrefixed = "algorithm_prefixed"
	// FormatHashOnly expects the bare lowercase hex digest.
	FormatHashOnly = "hash_only"
	// FormatVersionPrefixed expects "<version_prefix>=<hex>", e.g. "v0=ab12...".
	FormatVersionPrefixed = "version_prefixed"
)

// Capability names accepted as plugins.roots keys.
const (
	CapabilityHandler   = "handler"
	CapabilityAuth      = "auth"
	CapabilityLifecycle = "lifecycle"
	CapabilityStats     = "stats"
	CapabilityFailbot   = "failbot"
)

// ChecksumManifest is the parsed .checksums integrity file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// DefaultTimestampTolerance is the replay window in seconds applied when an
// endpoint configures a timestamp header without an explicit tolerance.
const DefaultTimestampTolerance = 300

// DefaultMaxBodySize is the request body cap applied when an endpoint does
// not set max_body_size.
const DefaultMaxBodySize = "1MB"

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "postern",
			Listen:          "127.0.0.1:8080",
			TickInterval:    1 * time.Second,
			LogLevel:        "info",
			LogFormat:       "json",
			DedupeTTL:       24 * time.Hour,
			JobLogRetention: 30 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			Path: "./data/postern.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8081",
		},
		Plugins: PluginsConfig{
			Roots: map[string]string{
				CapabilityHandler: "./plugins/handlers",
			},
			Exec: ExecConfig{
				Timeout:     60 * time.Second,
				GracePeriod: 5 * time.Second,
			},
		},
		Dispatch: DispatchConfig{
			MaxAttempts: 4,
			BackoffBase: 30 * time.Second,
			BackoffMax:  15 * time.Minute,
		},
	}
}
