// Package dispatch executes queued webhook jobs by spawning handler plugin
// subprocesses.
//
// The dispatcher polls the queue on the service tick interval and runs jobs
// serially, one at a time. Each attempt spawns the plugin, writes the request
// envelope to stdin, and reads the response from stdout. Failed attempts are
// retried with exponential backoff up to the job's attempt budget; the final
// failure is recorded as dead or timed_out and reported to the failbot
// plugin. The stats plugin receives a metrics envelope after every attempt.
//
// The dispatcher also owns lifecycle hooks (startup/shutdown commands on
// lifecycle plugins) and the hourly prune of finished jobs, log rows, and
// expired dedupe entries.
package dispatch
