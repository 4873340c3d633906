package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/postern-io/postern/internal/plugin"
	"github.com/postern-io/postern/internal/protocol"
)

// RunStartupHooks executes the startup command on every lifecycle plugin that
// declares it. A failing startup hook aborts boot: a plugin that cannot
// prepare its world should stop the service before any webhook is accepted.
func (d *Dispatcher) RunStartupHooks(ctx context.Context) error {
	return d.runLifecycleHooks(ctx, protocol.CommandStartup, true)
}

// RunShutdownHooks executes the shutdown command on every lifecycle plugin
// that declares it. Failures are logged only; shutdown proceeds regardless.
// Callers pass a fresh context; the service context is already cancelled by
// the time shutdown hooks run.
func (d *Dispatcher) RunShutdownHooks(ctx context.Context) {
	_ = d.runLifecycleHooks(ctx, protocol.CommandShutdown, false)
}

func (d *Dispatcher) runLifecycleHooks(ctx context.Context, command string, fatal bool) error {
	for _, p := range d.registry.Lifecycle() {
		if !p.SupportsCommand(command) {
			continue
		}
		hookLogger := d.logger.With("plugin", p.Name, "command", command)

		if err := d.runOneHook(ctx, p, command); err != nil {
			if fatal {
				return fmt.Errorf("lifecycle plugin %s: %s: %w", p.Name, command, err)
			}
			hookLogger.Error("lifecycle hook failed", "error", err)
			continue
		}
		hookLogger.Info("lifecycle hook completed")
	}
	return nil
}

func (d *Dispatcher) runOneHook(ctx context.Context, p *plugin.Plugin, command string) error {
	stateMap, err := d.state.GetMap(ctx, p.Name)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	req := &protocol.Request{
		Protocol:   protocol.Version,
		Command:    command,
		Config:     d.pluginSettings(p.Name),
		State:      stateMap,
		DeadlineAt: time.Now().Add(d.runner.Timeout()),
	}
	resp, stderr, err := d.runner.Run(ctx, p, req, d.logger.With("plugin", p.Name))
	if err != nil {
		if stderr != "" {
			return fmt.Errorf("%w (stderr: %s)", err, stderr)
		}
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("plugin reported: %s", resp.Error)
	}
	if len(resp.StateUpdates) > 0 {
		if err := d.applyStateUpdates(ctx, p.Name, resp.StateUpdates); err != nil {
			return fmt.Errorf("apply state updates: %w", err)
		}
	}
	return nil
}
