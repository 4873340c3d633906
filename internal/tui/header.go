package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// StatusState tracks gateway health from /v1/status polling.
type StatusState struct {
	Service       string
	Version       string
	UptimeSeconds int64
	Queued        int
	Running       int
	Succeeded     int
	TimedOut      int
	Dead          int
	PluginsLoaded int
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(status StatusState, hb heartbeat, p pulse, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !status.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	}

	uptimeStr := formatDuration(time.Duration(status.UptimeSeconds) * time.Second)

	lastEventStr := "never"
	if !p.lastEvent.IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", time.Since(p.lastEvent).Round(time.Second))
	}

	service := status.Service
	if service == "" {
		service = "postern"
	}
	hbStr := theme.Highlight.Render(hb.current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" %s WATCH %s", strings.ToUpper(service), hbStr)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  ⏱ %s  Plugins: %d", statusText, uptimeStr, status.PluginsLoaded)
	if status.Version != "" {
		statsLine += "  " + theme.Dim.Render("v"+status.Version)
	}

	queueLine := fmt.Sprintf(" Queue: %s queued  %s running  %s ok  %s timed out  %s dead",
		theme.StatusQueued.Render(fmt.Sprintf("%d", status.Queued)),
		theme.StatusRunning.Render(fmt.Sprintf("%d", status.Running)),
		theme.StatusOK.Render(fmt.Sprintf("%d", status.Succeeded)),
		theme.StatusFailed.Render(fmt.Sprintf("%d", status.TimedOut)),
		theme.StatusDead.Render(fmt.Sprintf("%d", status.Dead)),
	)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, p.render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		queueLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
