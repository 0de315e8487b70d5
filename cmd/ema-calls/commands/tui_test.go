package commands

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/koscakluka/ema-calls/core/conversation"
	"github.com/koscakluka/ema-calls/core/events"
	"github.com/koscakluka/ema-calls/core/transcript"
)

type fakeConversation struct {
	state conversation.State
}

func (f *fakeConversation) ID() string                { return "conv-1" }
func (f *fakeConversation) State() conversation.State { return f.state }

func TestTranscriptModelShowsEntries(t *testing.T) {
	conv := &fakeConversation{state: conversation.StateListening}
	var model tea.Model = newTranscriptModel(conv, make(chan events.Event))

	model, _ = model.Update(tea.WindowSizeMsg{Width: 80, Height: 20})
	model, _ = model.Update(entryMsg(transcript.Entry{Speaker: transcript.SpeakerHuman, Text: "What time is it?"}))
	model, _ = model.Update(entryMsg(transcript.Entry{Speaker: transcript.SpeakerBot, Text: "It is noon."}))

	view := model.View()
	if !strings.Contains(view, "What time is it?") || !strings.Contains(view, "It is noon.") {
		t.Fatalf("expected both entries in the view, got:\n%s", view)
	}
	if !strings.Contains(view, "conv-1") {
		t.Fatalf("expected the conversation id in the header, got:\n%s", view)
	}
}

func TestTranscriptModelFollowsState(t *testing.T) {
	conv := &fakeConversation{state: conversation.StateListening}
	var model tea.Model = newTranscriptModel(conv, make(chan events.Event))
	model, _ = model.Update(tea.WindowSizeMsg{Width: 80, Height: 20})

	conv.state = conversation.StateSpeaking
	model, _ = model.Update(tickMsg{})
	if !strings.Contains(model.View(), conversation.StateSpeaking.String()) {
		t.Fatalf("expected the refreshed state in the view, got:\n%s", model.View())
	}
}

func TestTranscriptModelQuitsWhenConversationEnds(t *testing.T) {
	var model tea.Model = newTranscriptModel(&fakeConversation{}, make(chan events.Event))

	_, cmd := model.Update(endedMsg{})
	if cmd == nil {
		t.Fatalf("expected a quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected the program to quit")
	}
}

func TestListenSkipsUnrelatedEvents(t *testing.T) {
	updates := make(chan events.Event, 2)
	updates <- events.NewCallEnded("conv-1")
	updates <- events.NewTranscriptUpdated("conv-1", transcript.Entry{Speaker: transcript.SpeakerBot, Text: "Hi"})

	model := newTranscriptModel(&fakeConversation{}, updates)
	msg := model.listen()()
	entry, ok := msg.(entryMsg)
	if !ok || entry.Text != "Hi" {
		t.Fatalf("expected the transcript entry, got %#v", msg)
	}
}

func TestRenderEntriesWrapsLongText(t *testing.T) {
	entries := []transcript.Entry{{
		Speaker: transcript.SpeakerBot,
		Text:    "one two three four five six seven eight nine ten",
	}}

	lines := strings.Split(renderEntries(entries, labelIndent+20), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected long text to wrap, got %q", lines)
	}
	for _, line := range lines[1:] {
		if !strings.HasPrefix(line, strings.Repeat(" ", labelIndent)) {
			t.Fatalf("expected continuation lines to be indented, got %q", line)
		}
	}
}
