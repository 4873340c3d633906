package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/postern-io/postern/internal/events"
)

// Model is the root bubbletea model for the watch TUI.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	status    StatusState
	endpoints map[string]*EndpointState
	jobs      map[string]*JobState
	eventLog  []events.Event

	// Highest event id seen, for Last-Event-ID resume on reconnect.
	lastEventID int64

	hb heartbeat
	p  pulse

	theme    Theme
	jobTable table.Model

	hubEvents chan events.Event
	lastError string
}

// New creates the watch TUI model. apiURL is the admin API base URL; token
// must carry the events:ro scope (and any scope for the status poll).
func New(apiURL, token string) *Model {
	return &Model{
		apiURL:    apiURL,
		token:     token,
		endpoints: make(map[string]*EndpointState),
		jobs:      make(map[string]*JobState),
		eventLog:  make([]events.Event, 0),
		hb:        newHeartbeat(),
		theme:     NewDefaultTheme(),
		jobTable:  newJobTable(),
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeEvents(m.apiURL, m.token, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobTable.SetWidth(m.width - 6)

	case tickMsg:
		m.hb.tick()
		m.p.decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		m.p.onEvent()
		updateEndpointState(m.endpoints, e)
		updateJobState(m.jobs, e)
		m.jobTable.SetRows(jobRows(m.jobs, m.theme))

		m.status.Connected = true
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.status.Service = msg.Service
		m.status.Version = msg.Version
		m.status.UptimeSeconds = msg.UptimeSeconds
		m.status.Queued = msg.Queue.Queued
		m.status.Running = msg.Queue.Running
		m.status.Succeeded = msg.Queue.Succeeded
		m.status.TimedOut = msg.Queue.TimedOut
		m.status.Dead = msg.Queue.Dead
		m.status.PluginsLoaded = msg.PluginsLoaded
		m.status.Connected = true
		m.status.LastCheck = time.Now()
		m.lastError = ""

		seedEndpoints(m.endpoints, msg.Endpoints)

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.token)
		})

	case sseDisconnectedMsg:
		m.status.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The receiveNextEvent goroutine is still waiting on the channel
		// and picks up events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeEvents(m.apiURL, m.token, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.token)
		})
	}

	var cmd tea.Cmd
	m.jobTable, cmd = m.jobTable.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := renderHeader(m.status, m.hb, m.p, m.theme, m.width)
	endpoints := renderEndpoints(m.endpoints, m.theme, m.width)
	jobs := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("JOBS"),
			m.jobTable.View(),
		),
	)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll jobs")

	parts := []string{header, endpoints, jobs, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
