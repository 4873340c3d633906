package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/postern-io/postern/internal/events"
)

// EndpointState tracks delivery activity for one endpoint, built from
// webhook.accepted and webhook.rejected events.
type EndpointState struct {
	Path       string
	Accepted   int
	Rejected   int
	LastSeen   time.Time
	LastResult string // "accepted", "duplicate", or the rejection reason
}

// seedEndpoints registers configured endpoints from the status poll so the
// pane lists them as idle before any traffic arrives.
func seedEndpoints(endpoints map[string]*EndpointState, paths []string) {
	for _, path := range paths {
		if _, ok := endpoints[path]; !ok {
			endpoints[path] = &EndpointState{Path: path}
		}
	}
}

func updateEndpointState(endpoints map[string]*EndpointState, e events.Event) {
	if e.Type != events.TypeWebhookAccepted && e.Type != events.TypeWebhookRejected {
		return
	}

	var data events.WebhookData
	if err := json.Unmarshal(e.Data, &data); err != nil || data.Endpoint == "" {
		return
	}

	ep, ok := endpoints[data.Endpoint]
	if !ok {
		ep = &EndpointState{Path: data.Endpoint}
		endpoints[data.Endpoint] = ep
	}
	ep.LastSeen = time.Now()

	switch e.Type {
	case events.TypeWebhookAccepted:
		ep.Accepted++
		ep.LastResult = "accepted"
		if data.Reason != "" {
			ep.LastResult = data.Reason
		}
	case events.TypeWebhookRejected:
		ep.Rejected++
		ep.LastResult = data.Reason
	}
}

func sortedEndpointPaths(endpoints map[string]*EndpointState) []string {
	paths := make([]string, 0, len(endpoints))
	for path := range endpoints {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func renderEndpoints(endpoints map[string]*EndpointState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(endpoints) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("ENDPOINTS"),
			theme.Dim.Render("  No endpoints configured..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for _, path := range sortedEndpointPaths(endpoints) {
		lines = append(lines, renderEndpointRow(endpoints[path], theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("ENDPOINTS")}, lines...)...,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func renderEndpointRow(ep *EndpointState, theme Theme) string {
	counts := fmt.Sprintf("%s %s",
		theme.StatusOK.Render(fmt.Sprintf("✓ %d", ep.Accepted)),
		theme.StatusFailed.Render(fmt.Sprintf("✗ %d", ep.Rejected)),
	)

	last := theme.Dim.Render("idle")
	if !ep.LastSeen.IsZero() {
		result := ep.LastResult
		style := theme.StatusOK
		if result != "accepted" {
			style = theme.StatusFailed
		}
		if result == "duplicate" {
			style = theme.Highlight
		}
		last = fmt.Sprintf("Last: %s %s",
			theme.Dim.Render(formatAgo(time.Since(ep.LastSeen))),
			style.Render(result),
		)
	}

	return fmt.Sprintf(" %-28s %s  %s", ep.Path, counts, last)
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
