package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ent0n29/ora/internal/capture"
	"github.com/ent0n29/ora/internal/coordinator"
	"github.com/ent0n29/ora/internal/protocol"
)

// Controller is the slice of the coordinator the terminal front-end drives.
type Controller interface {
	Events() <-chan any
	Done() <-chan struct{}
	StartRecording(ctx context.Context) error
	StopRecording()
	// SendAsync starts a chat turn the controller waits for on shutdown.
	SendAsync(text string)
	SetDraft(text string)
}

type eventMsg struct{ ev any }

type closedMsg struct{}

// busyMsg reports a start refused because an attempt is still in flight. The
// coordinator reports every other failure as events.
type busyMsg struct{ err error }

type Model struct {
	ctx  context.Context
	ctrl Controller

	input     textinput.Model
	width     int
	height    int
	state     string
	canRecord bool
	canStop   bool
	status    string
	emotions  string
	entries   []protocol.TranscriptEntry
	quitting  bool
}

func NewModel(ctx context.Context, ctrl Controller) Model {
	in := textinput.New()
	in.Placeholder = "type a message, enter to send"
	in.CharLimit = 2000

	return Model{
		ctx:    ctx,
		ctrl:   ctrl,
		input:  in,
		width:  100,
		height: 30,
		state:  "idle",
	}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.ctrl)
}

func waitForEvent(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-ctrl.Events():
			return eventMsg{ev: ev}
		case <-ctrl.Done():
			return closedMsg{}
		}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(10, msg.Width-6)
		return m, nil

	case eventMsg:
		m.apply(msg.ev)
		return m, waitForEvent(m.ctrl)

	case closedMsg:
		m.quitting = true
		return m, tea.Quit

	case busyMsg:
		m.status = coordinator.StatusText(msg.err)
		return m, nil

	case tea.KeyMsg:
		if m.input.Focused() {
			return m.updateInput(msg)
		}
		return m.updateControls(msg)
	}
	return m, nil
}

func (m Model) updateControls(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "r":
		if !m.canRecord {
			return m, nil
		}
		ctrl, ctx := m.ctrl, m.ctx
		return m, func() tea.Msg {
			if err := ctrl.StartRecording(ctx); errors.Is(err, capture.ErrBusy) {
				return busyMsg{err: err}
			}
			return nil
		}

	case "s":
		if m.canStop {
			m.ctrl.StopRecording()
		}

	case "tab", "i", "enter":
		m.input.Focus()
		return m, textinput.Blink
	}
	return m, nil
}

func (m Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "esc", "tab":
		m.input.Blur()
		return m, nil

	case "enter":
		text := m.input.Value()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		// The input is cleared by the input_cleared event once the turn is accepted.
		m.ctrl.SendAsync(text)
		return m, nil
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if after := m.input.Value(); after != before {
		m.ctrl.SetDraft(after)
	}
	return m, cmd
}

func (m *Model) apply(ev any) {
	switch e := ev.(type) {
	case protocol.CaptureState:
		m.state = e.State
		m.canRecord = e.CanRecord
		m.canStop = e.CanStop
	case protocol.Status:
		m.status = e.Text
	case protocol.EmotionResult:
		m.emotions = e.Summary
	case protocol.TranscriptEntry:
		m.entries = append(m.entries, e)
	case protocol.InputCleared:
		m.input.SetValue("")
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	title := titleStyle.Render("Ora")
	state := dimStyle.Render("  [" + m.state + "]")
	if m.canStop {
		state = "  " + recordingStyle.Render("● REC")
	}
	b.WriteString(title + state + "\n")

	if m.emotions != "" {
		b.WriteString(emotionStyle.Render(m.emotions) + "\n")
	} else {
		b.WriteString("\n")
	}

	lines := m.transcriptLines()
	visible := m.visibleRows()
	if len(lines) > visible {
		lines = lines[len(lines)-visible:]
	}
	for _, line := range lines {
		b.WriteString(line + "\n")
	}
	for i := len(lines); i < visible; i++ {
		b.WriteString("\n")
	}

	b.WriteString(statusBarStyle.Render(orDefault(m.status, " ")) + "\n")
	b.WriteString("> " + m.input.View() + "\n")
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) transcriptLines() []string {
	lines := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		var tag string
		switch e.Role {
		case "user":
			tag = userRoleStyle.Render(" you ")
		case "assistant":
			tag = assistantRoleStyle.Render(" ora ")
		default:
			tag = errorRoleStyle.Render(" ! ")
		}
		text := e.Text
		if limit := m.width - 8; limit > 10 {
			text = lipgloss.NewStyle().Width(limit).Render(text)
		}
		lines = append(lines, tag+" "+text)
	}
	return lines
}

func (m Model) renderHelp() string {
	if m.input.Focused() {
		return helpStyle.Render("  Enter: send  Esc: controls")
	}
	return helpStyle.Render("  r: record  s: stop  Tab: type  q: quit")
}

func (m Model) visibleRows() int {
	// title, emotions, status, input, help
	rows := m.height - 5
	if rows < 1 {
		rows = 1
	}
	return rows
}

// Transcript returns the entries seen so far.
func (m Model) Transcript() []protocol.TranscriptEntry {
	return append([]protocol.TranscriptEntry(nil), m.entries...)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Run blocks until the user quits or ctrl closes.
func Run(ctx context.Context, ctrl Controller) (Model, error) {
	p := tea.NewProgram(NewModel(ctx, ctrl), tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return Model{}, err
	}
	return final.(Model), nil
}
