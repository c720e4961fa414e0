// Package ui renders a live transcript in the terminal.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"node.town/rtasr/session"
)

type UpdateMsg session.Update

type StateMsg session.State

type FailedMsg struct{ Err error }

// DoneMsg is sent once the session has returned.
type DoneMsg struct {
	Text string
	Err  error
}

var (
	partialStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	correctedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	barStyle       = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)
)

// Callbacks forwards session events onto events until ctx ends.
func Callbacks(ctx context.Context, events chan<- tea.Msg) session.Callbacks {
	send := func(msg tea.Msg) {
		select {
		case events <- msg:
		case <-ctx.Done():
		}
	}
	return session.Callbacks{
		OnUpdate:  func(u session.Update) { send(UpdateMsg(u)) },
		OnFailure: func(err error) { send(FailedMsg{Err: err}) },
		OnState:   func(st session.State) { send(StateMsg(st)) },
	}
}

type Model struct {
	viewport   viewport.Model
	events     <-chan tea.Msg
	ready      bool
	showLog    bool
	text       string
	tail       string
	corrected  bool
	final      bool
	state      session.State
	err        error
	done       bool
	logEntries []string
}

func NewModel(events <-chan tea.Msg) Model {
	return Model{events: events}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "tab":
			m.showLog = !m.showLog
			m.viewport.SetContent(m.contentView())
		}

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(m.contentView())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}

	case UpdateMsg:
		m.text = msg.Text
		m.tail = msg.Segment.Text()
		m.corrected = msg.Corrected
		m.final = msg.Final
		m.log(logPrefix(msg), fmt.Sprintf("sn=%d %q", msg.Segment.SN, m.tail))
		m.refresh()
		cmds = append(cmds, waitForEvent(m.events))

	case StateMsg:
		m.state = session.State(msg)
		m.log("STA", m.state.String())
		m.refresh()
		cmds = append(cmds, waitForEvent(m.events))

	case FailedMsg:
		m.err = msg.Err
		m.log("ERR", msg.Err.Error())
		m.refresh()
		cmds = append(cmds, waitForEvent(m.events))

	case DoneMsg:
		m.done = true
		m.text = msg.Text
		m.tail = ""
		if msg.Err != nil && m.err == nil {
			m.err = msg.Err
		}
		m.refresh()
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *Model) log(prefix, entry string) {
	m.logEntries = append(m.logEntries, prefix+" "+entry)
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.contentView())
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf(
		"%s\n%s\n%s",
		m.headerView(),
		m.viewport.View(),
		m.footerView(),
	)
}

func (m Model) headerView() string {
	title := barStyle.Render("Real-time Transcription · " + m.state.String())
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(title)))
	return lipgloss.JoinHorizontal(lipgloss.Center, title, line)
}

func (m Model) footerView() string {
	hint := "Press q to quit, Tab to switch views"
	if m.done {
		hint = "Done. " + hint
	}
	info := barStyle.Render(hint)
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(info)))
	return lipgloss.JoinHorizontal(lipgloss.Center, line, info)
}

func (m Model) contentView() string {
	if m.showLog {
		return m.LogView()
	}
	return m.TranscriptView()
}

// TranscriptView renders the transcript with the most recent segment
// marked while it may still change.
func (m Model) TranscriptView() string {
	var sb strings.Builder
	head, tail := m.text, ""
	if !m.final && m.tail != "" && strings.HasSuffix(m.text, m.tail) {
		head, tail = strings.TrimSuffix(m.text, m.tail), m.tail
	}
	sb.WriteString(head)
	if tail != "" {
		if m.corrected {
			sb.WriteString(correctedStyle.Render(tail))
		} else {
			sb.WriteString(partialStyle.Render(tail))
		}
	}
	if m.err != nil {
		sb.WriteString("\n")
		sb.WriteString(failedStyle.Render(m.err.Error()))
	}
	return sb.String()
}

func (m Model) LogView() string {
	var content strings.Builder
	for _, entry := range m.logEntries {
		content.WriteString(entry)
		content.WriteString("\n")
	}
	return content.String()
}

func logPrefix(u UpdateMsg) string {
	switch {
	case u.Final:
		return "FIN"
	case u.Corrected:
		return "RPL"
	default:
		return "TMP"
	}
}
