// Package watch is the live terminal view of a running worker, driven by
// the ops server's SSE event stream and /statez polling.
package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stevedore/internal/events"
)

var (
	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

type jobRow struct {
	ID       string
	Type     string
	State    string
	Started  time.Time
	Duration string
}

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string

	width  int
	height int

	state     stateMsg
	connected bool
	lastError string

	jobs     map[string]*jobRow
	jobOrder []string
	eventLog []events.Event

	jobTable     table.Model
	eventLogView viewport.Model

	hubEvents chan events.Event
}

// New creates a watch model pointed at a worker's ops server.
func New(apiURL string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Job ID", Width: 24},
			{Title: "Type", Width: 14},
			{Title: "State", Width: 10},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
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

	return &Model{
		apiURL:       apiURL,
		jobs:         make(map[string]*jobRow),
		hubEvents:    make(chan events.Event, 100),
		jobTable:     t,
		eventLogView: viewport.New(80, 8),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchState(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.jobTable, cmd = m.jobTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.eventLogView.Width = msg.Width - 6

	case tickMsg:
		m.refreshTable()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}
		m.applyEvent(e)
		m.connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case stateMsg:
		m.state = msg
		m.connected = true
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchState(m.apiURL)
		})

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchState(m.apiURL)
		})
	}

	return m, nil
}

// applyEvent folds one lifecycle event into the job rows.
func (m *Model) applyEvent(e events.Event) {
	var data struct {
		JobID    string `json:"job_id"`
		JobType  string `json:"job_type"`
		State    string `json:"state"`
		Duration int64  `json:"duration_ms"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil || data.JobID == "" {
		return
	}

	row, ok := m.jobs[data.JobID]
	if !ok {
		row = &jobRow{ID: data.JobID, Type: data.JobType, State: "queued"}
		m.jobs[data.JobID] = row
		m.jobOrder = append([]string{data.JobID}, m.jobOrder...)
		if len(m.jobOrder) > 100 {
			evict := m.jobOrder[len(m.jobOrder)-1]
			m.jobOrder = m.jobOrder[:len(m.jobOrder)-1]
			delete(m.jobs, evict)
		}
	}

	switch e.Type {
	case events.TypeJobStarted:
		row.State = "running"
		row.Started = e.At
	case events.TypeJobFinished:
		row.State = data.State
		row.Duration = fmt.Sprintf("%dms", data.Duration)
	case events.TypeAssignDuplicate:
		row.State = "duplicate"
	}
	m.refreshTable()
}

func (m *Model) refreshTable() {
	rows := make([]table.Row, 0, len(m.jobOrder))
	for _, id := range m.jobOrder {
		row := m.jobs[id]
		dur := row.Duration
		if dur == "" && row.State == "running" {
			dur = time.Since(row.Started).Truncate(time.Second).String()
		}
		rows = append(rows, table.Row{stateGlyph(row.State), row.ID, row.Type, row.State, dur})
	}
	m.jobTable.SetRows(rows)
}

func stateGlyph(state string) string {
	switch state {
	case "completed":
		return "✓"
	case "failed", "timed_out":
		return "✗"
	case "running":
		return "▶"
	default:
		return "·"
	}
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Connecting to worker..."
	}

	header := m.renderHeader()
	jobsPanel := borderStyle.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("JOBS"),
		m.jobTable.View(),
	))
	m.eventLogView.SetContent(m.renderEventLog())
	eventsPanel := borderStyle.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("EVENT STREAM"),
		m.eventLogView.View(),
	))

	parts := []string{header, jobsPanel, eventsPanel}
	if m.lastError != "" {
		parts = append(parts, statusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, dimStyle.Render(" [q] Quit • [↑/↓] Scroll Jobs"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m *Model) renderHeader() string {
	status := statusOK.Render("CONNECTED")
	if !m.connected {
		status = statusFailed.Render("DISCONNECTED")
	}
	worker := m.state.WorkerID
	if worker == "" {
		worker = "?"
	}
	mode := "ready"
	if m.state.Draining {
		mode = statusRunning.Render("draining")
	}

	line := fmt.Sprintf(" %s  worker=%s  %s  slots=%d/%d  load=%.2f  up=%s  done=%d  failed=%d  dlq=%d",
		status, worker, mode,
		m.state.ActiveJobs, m.state.MaxConcurrency, m.state.Load,
		(time.Duration(m.state.UptimeSeconds) * time.Second).String(),
		m.state.Counters.Completed, m.state.Counters.Failed, m.state.Counters.DeadLettered)
	return borderStyle.Width(m.width - 4).Render(line)
}

func (m *Model) renderEventLog() string {
	if len(m.eventLog) == 0 {
		return dimStyle.Render("  Waiting for events...")
	}
	var lines []string
	for i, e := range m.eventLog {
		if i >= 8 {
			break
		}
		lines = append(lines, formatEvent(e))
	}
	return strings.Join(lines, "\n")
}

func formatEvent(e events.Event) string {
	ts := dimStyle.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case e.Type == events.TypeResultPublished, e.Type == events.TypeHeartbeat:
		typeStyle = statusOK
	case e.Type == events.TypeDeadLetter, e.Type == events.TypeAssignRejected:
		typeStyle = statusFailed
	case e.Type == events.TypeJobStarted:
		typeStyle = statusRunning
	default:
		typeStyle = dimStyle
	}
	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))

	data := string(e.Data)
	if len(data) > 60 {
		data = data[:60] + "…"
	}
	return fmt.Sprintf(" %s %s %s", ts, typeName, dimStyle.Render(data))
}
