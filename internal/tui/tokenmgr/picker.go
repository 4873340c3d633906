// Package tokenmgr provides the interactive scope picker behind
// `postern config token new`. It presents the admin API's scope vocabulary
// as a checklist and returns the selection.
package tokenmgr

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle   = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

type item struct {
	scope    string
	desc     string
	selected bool
}

func (i item) Title() string {
	check := "[ ]"
	if i.selected {
		check = "[x]"
	}
	return fmt.Sprintf("%s %s", check, i.scope)
}
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.scope }

// Model is the scope checklist. Run it with tea.NewProgram, then read the
// selection with Scopes.
type Model struct {
	list     list.Model
	quitting bool
	done     bool
	scopes   []string
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit

		case " ":
			i, ok := m.list.SelectedItem().(item)
			if ok {
				i.selected = !i.selected
				m.list.SetItem(m.list.Index(), i)
			}
			return m, nil

		case "enter":
			m.done = true
			var selected []string
			for _, li := range m.list.Items() {
				if it, ok := li.(item); ok && it.selected {
					selected = append(selected, it.scope)
				}
			}
			m.scopes = selected
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	if m.done {
		return quitTextStyle.Render(fmt.Sprintf("Selected scopes: %s", strings.Join(m.scopes, ", ")))
	}
	return "\n" + m.list.View()
}

// catalog is the admin API scope vocabulary, in display order.
var catalog = []struct {
	scope string
	desc  string
}{
	{"*", "Full administrative access (all scopes)"},
	{"plugin:ro", "Read access to the discovered plugin registry"},
	{"plugin:rw", "Full access to plugin management"},
	{"jobs:ro", "Read-only access to job status and attempt history"},
	{"jobs:rw", "Full access to jobs"},
	{"events:ro", "Access to the real-time event stream (SSE)"},
	{"events:rw", "Full access to the event stream"},
}

// AllScopes returns the scope vocabulary in display order.
func AllScopes() []string {
	out := make([]string, len(catalog))
	for i, s := range catalog {
		out[i] = s.scope
	}
	return out
}

// KnownScope reports whether s is in the scope vocabulary.
func KnownScope(s string) bool {
	for _, entry := range catalog {
		if entry.scope == s {
			return true
		}
	}
	return false
}

// New builds the checklist over the admin API scope vocabulary.
func New() Model {
	var items []list.Item
	for _, s := range catalog {
		items = append(items, item{scope: s.scope, desc: s.desc})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select scopes (Space to toggle, Enter to confirm)"
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle

	return Model{list: l}
}

// Scopes returns the confirmed selection, nil when cancelled.
func (m Model) Scopes() []string {
	return m.scopes
}

// Cancelled reports whether the user quit without confirming.
func (m Model) Cancelled() bool {
	return m.quitting
}
