package commands

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/koscakluka/ema-calls/core/conversation"
	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/transcript"
)

const (
	stateRefreshInterval = 200 * time.Millisecond
	headerHeight         = 2
	footerHeight         = 1
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	stateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	humanStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	botStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	endedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	labelIndent = len("Human: ")
)

type stateReader interface {
	ID() string
	State() conversation.State
}

type entryMsg transcript.Entry

type endedMsg struct{}

type tickMsg time.Time

// transcriptModel shows the conversation as it happens.
type transcriptModel struct {
	conversation stateReader
	updates      <-chan events.Event

	viewport viewport.Model
	entries  []transcript.Entry
	state    conversation.State
	width    int
	ready    bool
	ended    bool
}

func newTranscriptModel(conv stateReader, updates <-chan events.Event) transcriptModel {
	return transcriptModel{conversation: conv, updates: updates, state: conv.State()}
}

func (m transcriptModel) Init() tea.Cmd {
	return tea.Batch(m.listen(), tick())
}

func (m transcriptModel) listen() tea.Cmd {
	updates := m.updates
	return func() tea.Msg {
		for event := range updates {
			switch e := event.(type) {
			case events.TranscriptUpdated:
				return entryMsg(e.Entry)
			case events.TranscriptComplete:
				return endedMsg{}
			}
		}
		return endedMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(stateRefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m transcriptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		height := max(msg.Height-headerHeight-footerHeight, 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.refresh()

	case entryMsg:
		m.entries = append(m.entries, transcript.Entry(msg))
		m.refresh()
		cmds = append(cmds, m.listen())

	case endedMsg:
		m.ended = true
		m.state = conversation.StateTerminated
		return m, tea.Quit

	case tickMsg:
		m.state = m.conversation.State()
		cmds = append(cmds, tick())
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *transcriptModel) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(renderEntries(m.entries, m.width))
	m.viewport.GotoBottom()
}

func renderEntries(entries []transcript.Entry, width int) string {
	textWidth := max(width-labelIndent, 10)
	indent := strings.Repeat(" ", labelIndent)

	var b strings.Builder
	for i, entry := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		label := humanStyle.Render("Human: ")
		if entry.Speaker == transcript.SpeakerBot {
			label = botStyle.Render("Bot:   ")
		}
		lines := strings.Split(wordwrap.String(entry.Text, textWidth), "\n")
		b.WriteString(label + lines[0])
		for _, line := range lines[1:] {
			b.WriteString("\n" + indent + line)
		}
	}
	return b.String()
}

func (m transcriptModel) View() string {
	if !m.ready {
		return "starting…\n"
	}

	header := titleStyle.Render("ema-calls") + "  " + stateStyle.Render(m.conversation.ID()+" · "+m.state.String())
	footer := helpStyle.Render("q/esc/ctrl+c hang up · ↑/↓ scroll")
	if m.ended {
		footer = endedStyle.Render("conversation ended")
	}
	return header + "\n\n" + m.viewport.View() + "\n" + footer
}
