package plugin

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/postern-io/postern/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from plugin execution.
	maxStderrBytes = 64 * 1024

	// DefaultTimeout bounds a plugin invocation when no timeout is configured.
	DefaultTimeout = 60 * time.Second

	// DefaultGracePeriod is the time between SIGTERM and SIGKILL.
	DefaultGracePeriod = 5 * time.Second
)

// Runner executes plugin subprocesses over the stdin/stdout protocol.
// It enforces the invocation timeout itself: on expiry the plugin receives
// SIGTERM, then SIGKILL after the grace period.
type Runner struct {
	timeout time.Duration
	grace   time.Duration
}

// NewRunner creates a runner with the given invocation timeout and
// termination grace period. Non-positive values fall back to the defaults.
func NewRunner(timeout, grace time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Runner{timeout: timeout, grace: grace}
}

// Timeout returns the configured invocation timeout.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// Run spawns the plugin subprocess, writes the request to stdin, and reads
// the response from stdout. Returns the response, captured stderr (truncated
// to the first 64KiB), and any error. Context cancellation terminates the
// plugin the same way a timeout does.
func (r *Runner) Run(ctx context.Context, p *Plugin, req *protocol.Request, logger *slog.Logger) (*protocol.Response, string, error) {
	timeoutTimer := time.NewTimer(r.timeout)
	defer timeoutTimer.Stop()

	// Don't use CommandContext - termination is managed below so the plugin
	// gets a SIGTERM and a grace period before SIGKILL.
	cmd := exec.Command(p.Entrypoint)
	cmd.Dir = p.Path

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning plugin", "entrypoint", p.Entrypoint, "command", req.Command, "timeout", r.timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Warn("context canceled, terminating plugin")
		r.terminate(cmd, waitErr, logger)
		return nil, truncateStderr(stderr.String()), ctx.Err()

	case <-timeoutTimer.C:
		logger.Warn("plugin execution timed out, sending SIGTERM")
		r.terminate(cmd, waitErr, logger)
		return nil, truncateStderr(stderr.String()), context.DeadlineExceeded

	case err := <-waitErr:
		if werr := <-writeErr; werr != nil {
			return nil, truncateStderr(stderr.String()), werr
		}

		stderrStr := truncateStderr(stderr.String())

		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode())
			} else {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
		}

		resp, rawBytes, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode plugin response", "error", err, "stdout", string(rawBytes))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}

		return resp, stderrStr, nil
	}
}

// terminate sends SIGTERM, waits out the grace period, then SIGKILLs.
func (r *Runner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("plugin exited after SIGTERM")
	case <-grace.C:
		logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
