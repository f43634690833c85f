// Package tui implements the full-screen interactive shell client: a
// scrolling transcript, an input line with history and a status footer.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

// Executor runs one line on the server; *socketclient.Client implements it
type Executor interface {
	Execute(ctx context.Context, line string) (string, error)
}

type entryKind int

const (
	entryInput entryKind = iota
	entryOutput
	entryNotice
	entryError
)

type entry struct {
	kind entryKind
	text string
}

// responseMsg carries the answer to one executed line
type responseMsg struct {
	out string
	err error
}

const (
	// headerHeight and footerHeight are the lines around the transcript
	headerHeight = 1
	footerHeight = 2
	maxRecall    = 500
)

// Model is the bubbletea model of the shell client
type Model struct {
	ctx      context.Context
	exec     Executor
	endpoint string

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	transcript []entry
	recall     []string
	recallPos  int
	draft      string

	width  int
	height int
	ready  bool
	busy   bool
	closed bool
	err    error
}

// NewModel creates the model. greeting is shown at the top of the transcript.
func NewModel(ctx context.Context, exec Executor, endpoint, greeting string) *Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "command"
	ti.CharLimit = 4096
	ti.Focus()

	sp := spinner.New(
		spinner.WithSpinner(spinner.Line),
		spinner.WithStyle(statusStyle.MarginLeft(0)),
	)

	m := &Model{
		ctx:      ctx,
		exec:     exec,
		endpoint: endpoint,
		input:    ti,
		viewport: viewport.New(80, 20),
		spinner:  sp,
	}
	if greeting = strings.TrimSpace(greeting); greeting != "" {
		m.transcript = append(m.transcript, entry{kind: entryNotice, text: greeting})
	}
	return m
}

// Run starts the full-screen client and blocks until the user quits or the
// server closes the connection
func Run(ctx context.Context, exec Executor, endpoint, greeting string) error {
	p := tea.NewProgram(NewModel(ctx, exec, endpoint, greeting), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case responseMsg:
		return m.handleResponse(msg)

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "enter":
		if m.busy || m.closed {
			return m, nil
		}
		return m, m.submit()

	case "up":
		m.recallPrevious()
		return m, nil

	case "down":
		m.recallNext()
		return m, nil

	case "pgup", "pgdown", "ctrl+u":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	if m.closed {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) submit() tea.Cmd {
	line := m.input.Value()
	m.input.Reset()
	m.err = nil
	m.draft = ""

	if strings.TrimSpace(line) != "" {
		if n := len(m.recall); n == 0 || m.recall[n-1] != line {
			m.recall = append(m.recall, line)
			if len(m.recall) > maxRecall {
				m.recall = m.recall[1:]
			}
		}
	}
	m.recallPos = len(m.recall)

	m.transcript = append(m.transcript, entry{kind: entryInput, text: line})
	m.refresh()
	m.busy = true

	exec, ctx := m.exec, m.ctx
	run := func() tea.Msg {
		out, err := exec.Execute(ctx, line)
		return responseMsg{out: out, err: err}
	}
	return tea.Batch(run, m.spinner.Tick)
}

func (m *Model) handleResponse(msg responseMsg) (tea.Model, tea.Cmd) {
	m.busy = false
	if msg.out != "" {
		m.transcript = append(m.transcript, entry{kind: entryOutput, text: msg.out})
	}

	if msg.err != nil {
		if errors.Is(msg.err, io.EOF) {
			m.closed = true
			m.transcript = append(m.transcript, entry{kind: entryNotice, text: "connection closed by server"})
			m.refresh()
			return m, tea.Quit
		}
		m.err = msg.err
		m.transcript = append(m.transcript, entry{kind: entryError, text: msg.err.Error()})
	}

	m.refresh()
	return m, nil
}

func (m *Model) recallPrevious() {
	if m.recallPos == 0 {
		return
	}
	if m.recallPos == len(m.recall) {
		m.draft = m.input.Value()
	}
	m.recallPos--
	m.input.SetValue(m.recall[m.recallPos])
	m.input.CursorEnd()
}

func (m *Model) recallNext() {
	if m.recallPos >= len(m.recall) {
		return
	}
	m.recallPos++
	if m.recallPos == len(m.recall) {
		m.input.SetValue(m.draft)
	} else {
		m.input.SetValue(m.recall[m.recallPos])
	}
	m.input.CursorEnd()
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height

	vpHeight := height - headerHeight - footerHeight
	if vpHeight < 1 {
		vpHeight = 1
	}
	if !m.ready {
		m.viewport = viewport.New(width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = vpHeight
	}
	m.input.Width = width - lipgloss.Width(m.input.Prompt) - 1
	m.refresh()
}

// refresh re-renders the transcript into the viewport and scrolls to the end
func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m *Model) renderTranscript() string {
	wrapWidth := m.viewport.Width
	if wrapWidth <= 0 {
		wrapWidth = 80
	}

	var b strings.Builder
	for i, e := range m.transcript {
		if i > 0 {
			b.WriteByte('\n')
		}
		text := wordwrap.String(e.text, wrapWidth)
		switch e.kind {
		case entryInput:
			b.WriteString(promptLineStyle.Render("> " + text))
		case entryOutput:
			b.WriteString(outputStyle.Render(text))
		case entryNotice:
			b.WriteString(noticeStyle.Render(text))
		case entryError:
			b.WriteString(errorStyle.Render("Error: " + text))
		}
	}
	return b.String()
}

func (m *Model) View() string {
	header := headerStyle.Render("sockshell") + statusStyle.Render(m.endpoint)

	var status string
	switch {
	case m.closed:
		status = statusStyle.Render("disconnected")
	case m.busy:
		status = statusStyle.Render(fmt.Sprintf("%s running...", m.spinner.View()))
	case m.err != nil:
		status = statusStyle.Render(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	default:
		status = statusStyle.Render("enter to run · ↑/↓ history · ctrl+c to quit")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		status,
		m.input.View(),
	)
}
