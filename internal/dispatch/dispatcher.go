package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/events"
	"github.com/postern-io/postern/internal/log"
	"github.com/postern-io/postern/internal/plugin"
	"github.com/postern-io/postern/internal/protocol"
	"github.com/postern-io/postern/internal/queue"
	"github.com/postern-io/postern/internal/state"
	"github.com/postern-io/postern/internal/workspace"
)

// pruneInterval is how often the dispatch loop sweeps finished jobs, old log
// rows, expired dedupe rows, and stale workspaces.
const pruneInterval = time.Hour

// Dispatcher dequeues jobs and executes them by spawning handler plugin
// subprocesses. Jobs run serially, one at a time.
type Dispatcher struct {
	queue      *queue.Queue
	state      *state.Store
	registry   *plugin.Registry
	runner     *plugin.Runner
	cfg        *config.Config
	hub        *events.Hub
	workspaces workspace.Manager
	logger     *slog.Logger

	lastPrune time.Time
}

// New creates a new Dispatcher. The hub may be nil when no event stream is
// wanted (tests, one-shot tools); ws may be nil to run handlers without
// scratch directories.
func New(q *queue.Queue, st *state.Store, reg *plugin.Registry, runner *plugin.Runner, cfg *config.Config, hub *events.Hub, ws workspace.Manager) *Dispatcher {
	return &Dispatcher{
		queue:      q,
		state:      st,
		registry:   reg,
		runner:     runner,
		cfg:        cfg,
		hub:        hub,
		workspaces: ws,
		logger:     log.WithComponent("dispatch"),
	}
}

// Start runs the main dispatch loop. It polls the queue on the configured
// tick interval and executes jobs one at a time. This is a blocking call
// that runs until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch loop started", "tick_interval", d.tickInterval())
	defer d.logger.Info("dispatch loop stopped")

	ticker := time.NewTicker(d.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.pruneIfDue(ctx)
			if err := d.processNextJob(ctx); err != nil {
				// Individual job errors never stop the loop.
				d.logger.Error("failed to process job", "error", err)
			}
		}
	}
}

func (d *Dispatcher) tickInterval() time.Duration {
	if d.cfg.Service.TickInterval > 0 {
		return d.cfg.Service.TickInterval
	}
	return time.Second
}

// pruneIfDue runs the queue and workspace sweeps once per pruneInterval.
// The first sweep runs on the first tick after boot. Workspaces share the
// job log retention window.
func (d *Dispatcher) pruneIfDue(ctx context.Context) {
	if time.Since(d.lastPrune) < pruneInterval {
		return
	}
	d.lastPrune = time.Now()
	if err := d.queue.Prune(ctx, d.cfg.Service.JobLogRetention); err != nil {
		d.logger.Error("queue prune failed", "error", err)
	}
	if d.workspaces != nil && d.cfg.Service.JobLogRetention > 0 {
		report, err := d.workspaces.Cleanup(ctx, d.cfg.Service.JobLogRetention)
		if err != nil {
			d.logger.Error("workspace cleanup failed", "error", err)
		} else if report.DeletedDirs > 0 {
			d.logger.Info("removed stale workspaces", "count", report.DeletedDirs)
		}
	}
}

// processNextJob dequeues the next job and executes it.
func (d *Dispatcher) processNextJob(ctx context.Context) error {
	job, err := d.queue.Dequeue(ctx)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return nil
	}
	d.executeJob(ctx, job)
	return nil
}

// attemptOutcome describes how one execution attempt ended.
type attemptOutcome struct {
	terminal   queue.Status // status recorded when no retry remains
	errMsg     string
	stderr     string
	durationMS int64
	retryable  bool
}

// executeJob runs a single job by spawning the handler plugin subprocess and
// deciding from the outcome whether the job succeeded, retries, or is dead.
func (d *Dispatcher) executeJob(ctx context.Context, job *queue.Job) {
	jobLogger := log.WithJob(job.ID).With("plugin", job.Plugin, "endpoint", job.Endpoint)
	jobLogger.Info("executing job", "attempt", job.Attempt, "max_attempts", job.MaxAttempts)
	d.publishJob(events.TypeJobStarted, job, string(queue.StatusRunning), 0, "")

	plug, ok := d.registry.Handler(job.Plugin)
	if !ok {
		// The registry is fixed for the lifetime of the process, so a
		// missing handler cannot heal by retrying.
		errMsg := fmt.Sprintf("handler plugin %q not in registry", job.Plugin)
		jobLogger.Error(errMsg)
		d.finishAttempt(ctx, job, jobLogger, attemptOutcome{
			terminal: queue.StatusDead,
			errMsg:   errMsg,
		})
		return
	}

	var event protocol.Event
	if err := json.Unmarshal(job.Event, &event); err != nil {
		errMsg := fmt.Sprintf("unmarshal event payload: %v", err)
		jobLogger.Error(errMsg)
		d.finishAttempt(ctx, job, jobLogger, attemptOutcome{
			terminal: queue.StatusDead,
			errMsg:   errMsg,
		})
		return
	}

	stateMap, err := d.state.GetMap(ctx, job.Plugin)
	if err != nil {
		errMsg := fmt.Sprintf("read plugin state: %v", err)
		jobLogger.Error(errMsg)
		d.finishAttempt(ctx, job, jobLogger, attemptOutcome{
			terminal:  queue.StatusDead,
			errMsg:    errMsg,
			retryable: true,
		})
		return
	}

	workDir := ""
	if d.workspaces != nil {
		ws, err := d.workspaces.Ensure(ctx, job.ID)
		if err != nil {
			errMsg := fmt.Sprintf("prepare workspace: %v", err)
			jobLogger.Error(errMsg)
			d.finishAttempt(ctx, job, jobLogger, attemptOutcome{
				terminal:  queue.StatusDead,
				errMsg:    errMsg,
				retryable: true,
			})
			return
		}
		workDir = ws.Dir
	}

	timeout := d.runner.Timeout()
	req := &protocol.Request{
		Protocol:   protocol.Version,
		JobID:      job.ID,
		Command:    protocol.CommandHandle,
		Config:     d.pluginSettings(job.Plugin),
		State:      stateMap,
		Workspace:  workDir,
		Event:      &event,
		DeadlineAt: time.Now().Add(timeout),
	}

	start := time.Now()
	resp, stderr, err := d.runner.Run(ctx, plug, req, jobLogger)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			// Shutdown mid-job. Leave the row in running state; ResetRunning
			// returns it to the queue at next boot without burning an attempt.
			jobLogger.Info("job interrupted by shutdown, will resume at next start")
		case errors.Is(err, context.DeadlineExceeded):
			errMsg := fmt.Sprintf("plugin execution timed out after %v", timeout)
			jobLogger.Warn(errMsg)
			d.finishAttempt(ctx, job, jobLogger, attemptOutcome{
				terminal:   queue.StatusTimedOut,
				errMsg:     errMsg,
				stderr:     stderr,
				durationMS: durationMS,
				retryable:  true,
			})
		default:
			errMsg := fmt.Sprintf("plugin execution failed: %v", err)
			jobLogger.Error(errMsg)
			d.finishAttempt(ctx, job, jobLogger, attemptOutcome{
				terminal:   queue.StatusDead,
				errMsg:     errMsg,
				stderr:     stderr,
				durationMS: durationMS,
				retryable:  true,
			})
		}
		return
	}

	for _, entry := range resp.Logs {
		jobLogger.Info("plugin log", "level", entry.Level, "message", entry.Message)
	}

	if resp.Status != "ok" {
		errMsg := resp.Error
		if errMsg == "" {
			errMsg = "plugin reported an error"
		}
		jobLogger.Warn("plugin returned error", "error", errMsg, "retry", resp.ShouldRetry())
		d.finishAttempt(ctx, job, jobLogger, attemptOutcome{
			terminal:   queue.StatusDead,
			errMsg:     errMsg,
			stderr:     stderr,
			durationMS: durationMS,
			retryable:  resp.ShouldRetry(),
		})
		return
	}

	if len(resp.StateUpdates) > 0 {
		if err := d.applyStateUpdates(ctx, job.Plugin, resp.StateUpdates); err != nil {
			errMsg := fmt.Sprintf("apply state updates: %v", err)
			jobLogger.Error(errMsg)
			d.finishAttempt(ctx, job, jobLogger, attemptOutcome{
				terminal:   queue.StatusDead,
				errMsg:     errMsg,
				stderr:     stderr,
				durationMS: durationMS,
				retryable:  true,
			})
			return
		}
		jobLogger.Debug("applied state updates", "keys", len(resp.StateUpdates))
	}

	if err := d.queue.Complete(ctx, job.ID, queue.StatusSucceeded, nil, optional(stderr), durationMS); err != nil {
		jobLogger.Error("failed to mark job succeeded", "error", err)
		return
	}
	jobLogger.Info("job completed successfully", "duration_ms", durationMS)
	d.emitStats(ctx, job, string(queue.StatusSucceeded), durationMS)
	d.publishJob(events.TypeJobSucceeded, job, string(queue.StatusSucceeded), durationMS, "")
}

// finishAttempt records a failed attempt: either schedules a retry with
// exponential backoff or marks the job with its terminal status. The failbot
// plugin hears about every failed attempt; FinalAttempt tells it whether the
// job is out of retries.
func (d *Dispatcher) finishAttempt(ctx context.Context, job *queue.Job, jobLogger *slog.Logger, out attemptOutcome) {
	final := !out.retryable || job.Attempt >= job.MaxAttempts
	if !final {
		delay := d.backoffDelay(job.Attempt)
		if err := d.queue.Requeue(ctx, job.ID, time.Now().Add(delay), optional(out.errMsg), optional(out.stderr), out.durationMS); err != nil {
			jobLogger.Error("failed to requeue job", "error", err)
			return
		}
		jobLogger.Warn("attempt failed, retry scheduled",
			"attempt", job.Attempt, "max_attempts", job.MaxAttempts, "retry_in", delay)
		d.emitStats(ctx, job, string(queue.StatusFailed), out.durationMS)
		d.reportFailure(ctx, job, out, false)
		d.publishJob(events.TypeJobRequeued, job, string(queue.StatusFailed), out.durationMS, out.errMsg)
		return
	}

	if err := d.queue.Complete(ctx, job.ID, out.terminal, optional(out.errMsg), optional(out.stderr), out.durationMS); err != nil {
		jobLogger.Error("failed to complete job", "error", err)
		return
	}
	jobLogger.Error("job failed permanently", "status", out.terminal, "attempt", job.Attempt)
	d.emitStats(ctx, job, string(out.terminal), out.durationMS)
	d.reportFailure(ctx, job, out, true)
	d.publishJob(events.TypeJobFailed, job, string(out.terminal), out.durationMS, out.errMsg)
}

// backoffDelay computes the retry delay after a failed attempt: backoff_base
// doubled per prior attempt, capped at backoff_max.
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.cfg.Dispatch.BackoffBase
	if delay <= 0 {
		delay = 30 * time.Second
	}
	maxDelay := d.cfg.Dispatch.BackoffMax
	if maxDelay <= 0 {
		maxDelay = 15 * time.Minute
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// emitStats reports one finished attempt to the stats plugin, if one is
// registered. Stats failures are logged and never affect the job.
func (d *Dispatcher) emitStats(ctx context.Context, job *queue.Job, status string, durationMS int64) {
	statsPlug := d.registry.Stats()
	if statsPlug == nil {
		return
	}
	req := &protocol.Request{
		Protocol: protocol.Version,
		JobID:    job.ID,
		Command:  protocol.CommandEmit,
		Config:   d.pluginSettings(statsPlug.Name),
		Metrics: &protocol.JobMetrics{
			JobID:      job.ID,
			Plugin:     job.Plugin,
			Endpoint:   job.Endpoint,
			Status:     status,
			Attempt:    job.Attempt,
			DurationMS: durationMS,
		},
		DeadlineAt: time.Now().Add(d.runner.Timeout()),
	}
	if _, _, err := d.runner.Run(ctx, statsPlug, req, d.logger); err != nil {
		d.logger.Warn("stats emit failed", "plugin", statsPlug.Name, "error", err)
	}
}

// reportFailure delivers a failure report to the failbot plugin, if one is
// registered. Report failures are logged and never affect the job.
func (d *Dispatcher) reportFailure(ctx context.Context, job *queue.Job, out attemptOutcome, final bool) {
	failbot := d.registry.Failbot()
	if failbot == nil {
		return
	}
	req := &protocol.Request{
		Protocol: protocol.Version,
		JobID:    job.ID,
		Command:  protocol.CommandReport,
		Config:   d.pluginSettings(failbot.Name),
		Failure: &protocol.FailureReport{
			JobID:        job.ID,
			Plugin:       job.Plugin,
			Endpoint:     job.Endpoint,
			Error:        out.errMsg,
			Stderr:       out.stderr,
			Attempt:      job.Attempt,
			FinalAttempt: final,
		},
		DeadlineAt: time.Now().Add(d.runner.Timeout()),
	}
	if _, _, err := d.runner.Run(ctx, failbot, req, d.logger); err != nil {
		d.logger.Warn("failure report failed", "plugin", failbot.Name, "error", err)
	}
}

func (d *Dispatcher) applyStateUpdates(ctx context.Context, pluginName string, updates map[string]any) error {
	raw, err := json.Marshal(updates)
	if err != nil {
		return err
	}
	_, err = d.state.ShallowMerge(ctx, pluginName, raw)
	return err
}

func (d *Dispatcher) publishJob(eventType string, job *queue.Job, status string, durationMS int64, errMsg string) {
	if d.hub == nil {
		return
	}
	d.hub.Publish(eventType, events.JobData{
		JobID:      job.ID,
		Endpoint:   job.Endpoint,
		Plugin:     job.Plugin,
		Status:     status,
		Attempt:    job.Attempt,
		DurationMS: durationMS,
		Error:      errMsg,
	})
}

// pluginSettings returns the configured settings map for a plugin, never nil.
func (d *Dispatcher) pluginSettings(name string) map[string]any {
	if s := d.cfg.Plugins.Settings[name]; s != nil {
		return s
	}
	return map[string]any{}
}

// optional returns a pointer to s, or nil when s is empty.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
