package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/log"
	"github.com/postern-io/postern/internal/plugin"
	"github.com/postern-io/postern/internal/protocol"
)

// PluginValidator adapts an auth-capability plugin to the auth.Validator
// interface. The plugin receives the raw body, all request headers, and the
// endpoint's auth settings on stdin, and must answer the validate command
// with an explicit valid=true. Anything else (spawn failure, timeout,
// protocol garbage, an omitted valid field) rejects the request.
type PluginValidator struct {
	plug     *plugin.Plugin
	runner   *plugin.Runner
	endpoint string
}

// NewPluginValidator builds a validator around a discovered auth plugin for
// one endpoint path.
func NewPluginValidator(p *plugin.Plugin, r *plugin.Runner, endpointPath string) *PluginValidator {
	return &PluginValidator{plug: p, runner: r, endpoint: endpointPath}
}

// Validate implements auth.Validator.
func (v *PluginValidator) Validate(ctx context.Context, body []byte, headers http.Header, cfg config.AuthConfig) bool {
	logger := log.WithComponent("auth").With("plugin", v.plug.Name, "endpoint", v.endpoint)

	req := &protocol.Request{
		Protocol: protocol.Version,
		Command:  protocol.CommandValidate,
		Auth: &protocol.AuthRequest{
			Endpoint: v.endpoint,
			Headers:  headers,
			Body:     string(body),
			Settings: authSettings(cfg),
		},
		DeadlineAt: time.Now().Add(v.runner.Timeout()),
	}

	resp, stderr, err := v.runner.Run(ctx, v.plug, req, logger)
	if err != nil {
		logger.Warn("auth plugin execution failed", "error", err, "stderr", stderr)
		return false
	}
	if !resp.Validated() {
		logger.Warn("auth plugin rejected request", "error", resp.Error)
		return false
	}
	return true
}

// authSettings exposes the endpoint's auth fields to the plugin, minus any
// secret: plugins get the env key name and resolve it in their own process.
func authSettings(cfg config.AuthConfig) map[string]string {
	settings := map[string]string{}
	if cfg.Header != "" {
		settings["header"] = cfg.Header
	}
	if cfg.SecretEnvKey != "" {
		settings["secret_env_key"] = cfg.SecretEnvKey
	}
	if cfg.TimestampHeader != "" {
		settings["timestamp_header"] = cfg.TimestampHeader
	}
	return settings
}
