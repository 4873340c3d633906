package tui

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/postern-io/postern/internal/events"
)

// jobHistoryLimit bounds the in-memory job map so an all-day watch session
// does not grow without limit.
const jobHistoryLimit = 100

// JobState tracks one delivery's execution, stitched together from the
// webhook.accepted event that created it and the job.* events that follow.
type JobState struct {
	ID        string
	Endpoint  string
	Plugin    string
	Status    string
	Attempt   int
	StartTime time.Time
	EndTime   time.Time
	Seen      time.Time
}

func newJobTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Job", Width: 10},
			{Title: "Endpoint", Width: 22},
			{Title: "Plugin", Width: 16},
			{Title: "Att", Width: 3},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func updateJobState(jobs map[string]*JobState, e events.Event) {
	switch e.Type {
	case events.TypeWebhookAccepted:
		var data events.WebhookData
		if err := json.Unmarshal(e.Data, &data); err != nil || data.JobID == "" {
			return
		}
		job, ok := jobs[data.JobID]
		if !ok {
			job = &JobState{ID: data.JobID, Status: "queued"}
			jobs[data.JobID] = job
		}
		job.Endpoint = data.Endpoint
		job.Seen = time.Now()

	case events.TypeJobStarted, events.TypeJobSucceeded, events.TypeJobRequeued, events.TypeJobFailed:
		var data events.JobData
		if err := json.Unmarshal(e.Data, &data); err != nil || data.JobID == "" {
			return
		}
		job, ok := jobs[data.JobID]
		if !ok {
			job = &JobState{ID: data.JobID}
			jobs[data.JobID] = job
		}
		job.Endpoint = data.Endpoint
		job.Plugin = data.Plugin
		job.Attempt = data.Attempt
		job.Seen = time.Now()

		switch e.Type {
		case events.TypeJobStarted:
			job.Status = "running"
			job.StartTime = time.Now()
			job.EndTime = time.Time{}
		case events.TypeJobRequeued:
			// Back in the queue awaiting its retry.
			job.Status = "queued"
			job.EndTime = time.Now()
		default:
			job.Status = data.Status
			job.EndTime = time.Now()
		}
	default:
		return
	}

	pruneJobs(jobs)
}

// pruneJobs drops the oldest entries once the map exceeds the history limit.
func pruneJobs(jobs map[string]*JobState) {
	if len(jobs) <= jobHistoryLimit {
		return
	}
	ordered := sortedJobs(jobs)
	for _, job := range ordered[jobHistoryLimit:] {
		delete(jobs, job.ID)
	}
}

// sortedJobs returns jobs newest-first.
func sortedJobs(jobs map[string]*JobState) []*JobState {
	ordered := make([]*JobState, 0, len(jobs))
	for _, job := range jobs {
		ordered = append(ordered, job)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Seen.Equal(ordered[j].Seen) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].Seen.After(ordered[j].Seen)
	})
	return ordered
}

func jobRows(jobs map[string]*JobState, theme Theme) []table.Row {
	var rows []table.Row
	for _, job := range sortedJobs(jobs) {
		rows = append(rows, table.Row{
			statusGlyph(job.Status, theme),
			shortID(job.ID),
			job.Endpoint,
			job.Plugin,
			attemptText(job.Attempt),
			durationText(job),
		})
	}
	return rows
}

func statusGlyph(status string, theme Theme) string {
	switch status {
	case "queued":
		return theme.StatusQueued.Render("○")
	case "running":
		return theme.StatusRunning.Render("◉")
	case "succeeded":
		return theme.StatusOK.Render("●")
	case "failed":
		return theme.StatusFailed.Render("∅")
	case "timed_out":
		return theme.StatusFailed.Render("◑")
	case "dead":
		return theme.StatusDead.Render("◔")
	default:
		return "○"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func attemptText(attempt int) string {
	if attempt <= 0 {
		return "-"
	}
	return strconv.Itoa(attempt)
}

func durationText(job *JobState) string {
	if job.StartTime.IsZero() {
		return "-"
	}
	end := job.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(job.StartTime).Round(time.Millisecond).String()
}
