package webhook

import (
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/postern-io/postern/internal/auth"
	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/ipfilter"
	"github.com/postern-io/postern/internal/log"
	"github.com/postern-io/postern/internal/plugin"
)

// endpoint is one configured webhook path with everything resolved at boot:
// parsed body cap, compiled IP policy, constructed rate limiter, and the
// validator for its auth scheme. Request handling never touches raw config.
type endpoint struct {
	cfg       config.EndpointConfig
	maxBody   int64
	limiter   *rate.Limiter
	policy    *ipfilter.Policy
	validator auth.Validator
	logger    *slog.Logger
}

func compileEndpoint(epCfg config.EndpointConfig, reg *plugin.Registry, runner *plugin.Runner) (*endpoint, error) {
	sizeStr := epCfg.MaxBodySize
	if sizeStr == "" {
		sizeStr = config.DefaultMaxBodySize
	}
	maxBody, err := config.ParseSize(sizeStr)
	if err != nil {
		return nil, fmt.Errorf("max_body_size: %w", err)
	}

	var limiter *rate.Limiter
	if rl := epCfg.RateLimit; rl != nil && rl.RPS > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.RPS), burst)
	}

	validator, ok := auth.ForScheme(epCfg.Auth.Scheme)
	if !ok {
		plug, found := reg.Auth(epCfg.Auth.Scheme)
		if !found {
			return nil, fmt.Errorf("auth scheme %q is not built in and no auth plugin with that name was discovered", epCfg.Auth.Scheme)
		}
		validator = NewPluginValidator(plug, runner, epCfg.Path)
	}

	return &endpoint{
		cfg:       epCfg,
		maxBody:   maxBody,
		limiter:   limiter,
		policy:    ipfilter.Compile(epCfg.IPPolicy),
		validator: validator,
		logger:    log.WithEndpoint(epCfg.Path),
	}, nil
}
