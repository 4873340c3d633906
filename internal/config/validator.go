package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// logicalNamePattern matches plugin logical names and custom scheme names:
// lowercase snake_case, starting with a letter.
var logicalNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// envKeyPattern matches environment variable names.
var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var validCapabilities = map[string]bool{
	CapabilityHandler:   true,
	CapabilityAuth:      true,
	CapabilityLifecycle: true,
	CapabilityStats:     true,
	CapabilityFailbot:   true,
}

var validAlgorithms = map[string]bool{
	AlgorithmSHA1:   true,
	AlgorithmSHA256: true,
	AlgorithmSHA512: true,
}

var validFormats = map[string]bool{
	FormatAlgorithmPrefixed: true,
	FormatHashOnly:          true,
	FormatVersionPrefixed:   true,
}

// validate performs basic validation on the configuration. Enum-like fields
// (scheme, algorithm, format, capability) are closed sets: unknown values are
// errors here, never silent fallbacks at request time.
func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Service.Listen == "" {
		return fmt.Errorf("service.listen is required")
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if err := validateAPI(&cfg.API); err != nil {
		return err
	}

	if err := validatePlugins(&cfg.Plugins); err != nil {
		return err
	}

	if cfg.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if cfg.Dispatch.BackoffBase <= 0 {
		return fmt.Errorf("dispatch.backoff_base must be positive")
	}
	if cfg.Dispatch.BackoffMax < cfg.Dispatch.BackoffBase {
		return fmt.Errorf("dispatch.backoff_max must be >= dispatch.backoff_base")
	}

	if cfg.IPPolicy != nil {
		if err := validateIPPolicy("ip_policy", cfg.IPPolicy); err != nil {
			return err
		}
	}

	seenPaths := make(map[string]int)
	for i, ep := range cfg.Endpoints {
		if err := validateEndpoint(i, &ep); err != nil {
			return err
		}
		if prev, dup := seenPaths[ep.Path]; dup {
			return fmt.Errorf("endpoint[%d]: path %q already used by endpoint[%d]", i, ep.Path, prev)
		}
		seenPaths[ep.Path] = i
	}

	return nil
}

func validateAPI(api *APIConfig) error {
	if !api.Enabled {
		return nil
	}

	if len(api.Auth.Tokens) == 0 {
		return fmt.Errorf("api.auth.tokens must be non-empty when api.enabled is true")
	}

	for i, tok := range api.Auth.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is required", i)
		}
		if envVarPattern.MatchString(tok.Token) {
			matches := envVarPattern.FindStringSubmatch(tok.Token)
			if len(matches) > 1 {
				return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, matches[1])
			}
			return fmt.Errorf("api.auth.tokens[%d].token: unresolved environment variable", i)
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
	}

	return nil
}

func validatePlugins(plugins *PluginsConfig) error {
	for capability, root := range plugins.Roots {
		if !validCapabilities[capability] {
			return fmt.Errorf("plugins.roots: unknown capability %q (valid: handler, auth, lifecycle, stats, failbot)", capability)
		}
		if root == "" {
			return fmt.Errorf("plugins.roots.%s: directory is required", capability)
		}
	}

	if plugins.Exec.Timeout <= 0 {
		return fmt.Errorf("plugins.exec.timeout must be positive")
	}
	if plugins.Exec.GracePeriod < 0 {
		return fmt.Errorf("plugins.exec.grace_period must not be negative")
	}

	for name := range plugins.Settings {
		if !logicalNamePattern.MatchString(name) {
			return fmt.Errorf("plugins.settings: key %q must be a snake_case plugin name", name)
		}
	}

	return nil
}

func validateEndpoint(i int, ep *EndpointConfig) error {
	if ep.Path == "" {
		return fmt.Errorf("endpoint[%d]: path is required", i)
	}
	if !strings.HasPrefix(ep.Path, "/") {
		return fmt.Errorf("endpoint[%d]: path must start with / (got %q)", i, ep.Path)
	}

	if ep.Plugin == "" {
		return fmt.Errorf("endpoint[%d] (%s): plugin is required", i, ep.Path)
	}
	if !logicalNamePattern.MatchString(ep.Plugin) {
		return fmt.Errorf("endpoint[%d] (%s): plugin name %q must be snake_case", i, ep.Path, ep.Plugin)
	}

	if err := validateAuth(i, ep.Path, &ep.Auth); err != nil {
		return err
	}

	if ep.IPPolicy != nil {
		field := fmt.Sprintf("endpoint[%d] (%s): ip_policy", i, ep.Path)
		if err := validateIPPolicy(field, ep.IPPolicy); err != nil {
			return err
		}
	}

	if _, err := ParseSize(ep.MaxBodySize); err != nil {
		return fmt.Errorf("endpoint[%d] (%s): invalid max_body_size %q: %w", i, ep.Path, ep.MaxBodySize, err)
	}

	if ep.RateLimit != nil {
		if ep.RateLimit.RPS <= 0 {
			return fmt.Errorf("endpoint[%d] (%s): rate_limit.rps must be positive", i, ep.Path)
		}
		if ep.RateLimit.Burst < 1 {
			return fmt.Errorf("endpoint[%d] (%s): rate_limit.burst must be at least 1", i, ep.Path)
		}
	}

	return nil
}

func validateAuth(i int, path string, auth *AuthConfig) error {
	if auth.Scheme == "" {
		return fmt.Errorf("endpoint[%d] (%s): auth.scheme is required", i, path)
	}

	switch auth.Scheme {
	case SchemeHMAC:
		if auth.Header == "" {
			return fmt.Errorf("endpoint[%d] (%s): auth.header is required for hmac", i, path)
		}
		if !validAlgorithms[auth.Algorithm] {
			return fmt.Errorf("endpoint[%d] (%s): auth.algorithm must be one of: sha1, sha256, sha512 (got %q)", i, path, auth.Algorithm)
		}
		if !validFormats[auth.Format] {
			return fmt.Errorf("endpoint[%d] (%s): auth.format must be one of: algorithm_prefixed, hash_only, version_prefixed (got %q)", i, path, auth.Format)
		}
		if auth.Format == FormatVersionPrefixed && auth.VersionPrefix == "" {
			return fmt.Errorf("endpoint[%d] (%s): auth.version_prefix is required for version_prefixed format", i, path)
		}
		if auth.Format != FormatVersionPrefixed && auth.VersionPrefix != "" {
			return fmt.Errorf("endpoint[%d] (%s): auth.version_prefix is only valid with version_prefixed format", i, path)
		}
		if err := validateSecretEnvKey(i, path, auth.SecretEnvKey); err != nil {
			return err
		}
		if auth.TimestampTolerance < 0 {
			return fmt.Errorf("endpoint[%d] (%s): auth.timestamp_tolerance must not be negative", i, path)
		}
		if auth.PayloadTemplate != "" {
			if !strings.Contains(auth.PayloadTemplate, "{body}") {
				return fmt.Errorf("endpoint[%d] (%s): auth.payload_template must contain {body}", i, path)
			}
			if strings.Contains(auth.PayloadTemplate, "{timestamp}") && auth.TimestampHeader == "" {
				return fmt.Errorf("endpoint[%d] (%s): auth.payload_template uses {timestamp} but auth.timestamp_header is not set", i, path)
			}
		}

	case SchemeSharedSecret:
		if auth.Header == "" {
			return fmt.Errorf("endpoint[%d] (%s): auth.header is required for shared_secret", i, path)
		}
		if err := validateSecretEnvKey(i, path, auth.SecretEnvKey); err != nil {
			return err
		}
		// Signature-shaping fields have no meaning for a direct secret
		// comparison; setting them is a config mistake, not a no-op.
		if auth.Algorithm != "" || auth.Format != "" || auth.VersionPrefix != "" || auth.PayloadTemplate != "" {
			return fmt.Errorf("endpoint[%d] (%s): auth.algorithm/format/version_prefix/payload_template are not valid for shared_secret", i, path)
		}
		if auth.TimestampHeader != "" {
			return fmt.Errorf("endpoint[%d] (%s): auth.timestamp_header is not valid for shared_secret", i, path)
		}

	default:
		// Any other scheme must name an auth-capability plugin, resolved
		// against the registry after discovery.
		if !logicalNamePattern.MatchString(auth.Scheme) {
			return fmt.Errorf("endpoint[%d] (%s): auth.scheme %q is not hmac, shared_secret, or a snake_case plugin name", i, path, auth.Scheme)
		}
		if auth.SecretEnvKey != "" {
			if err := validateSecretEnvKey(i, path, auth.SecretEnvKey); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateSecretEnvKey(i int, path, key string) error {
	if key == "" {
		return fmt.Errorf("endpoint[%d] (%s): auth.secret_env_key is required", i, path)
	}
	if !envKeyPattern.MatchString(key) {
		return fmt.Errorf("endpoint[%d] (%s): auth.secret_env_key %q is not a valid environment variable name", i, path, key)
	}
	return nil
}

// validateIPPolicy rejects structurally empty rule entries. CIDR parsing
// happens when the policy is compiled; unparseable entries are dropped with
// a warning there, and never reach request evaluation.
func validateIPPolicy(field string, policy *IPPolicyConfig) error {
	for i, rule := range policy.Allow {
		if strings.TrimSpace(rule) == "" {
			return fmt.Errorf("%s.allow[%d]: rule must not be empty", field, i)
		}
	}
	for i, rule := range policy.Block {
		if strings.TrimSpace(rule) == "" {
			return fmt.Errorf("%s.block[%d]: rule must not be empty", field, i)
		}
	}
	return nil
}

// ParseSize parses size strings like "1MB", "512KB", "1048576" to bytes.
func ParseSize(size string) (int64, error) {
	if size == "" {
		return 0, fmt.Errorf("size must not be empty")
	}

	upper := strings.ToUpper(size)
	multiplier := int64(1)

	if strings.HasSuffix(upper, "KB") {
		multiplier = 1024
		size = strings.TrimSuffix(upper, "KB")
	} else if strings.HasSuffix(upper, "MB") {
		multiplier = 1024 * 1024
		size = strings.TrimSuffix(upper, "MB")
	} else if strings.HasSuffix(upper, "GB") {
		multiplier = 1024 * 1024 * 1024
		size = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}

	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result < 0 { // Check for overflow
		return 0, fmt.Errorf("size too large")
	}

	return result, nil
}
