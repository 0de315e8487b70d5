package events

import (
	"testing"

	"github.com/koscakluka/ema-calls/core/transcript"
)

func TestConstructorsEmitExpectedKinds(t *testing.T) {
	testCases := []struct {
		name     string
		event    Event
		expected Kind
	}{
		{name: "call connected", event: NewCallConnected("c1", "+1", "+2"), expected: KindCallConnected},
		{name: "call ended", event: NewCallEnded("c1"), expected: KindCallEnded},
		{name: "transcript updated", event: NewTranscriptUpdated("c1", transcript.Entry{}), expected: KindTranscriptUpdated},
		{name: "transcript complete", event: NewTranscriptComplete("c1", nil), expected: KindTranscriptComplete},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := testCase.event.Kind(); got != testCase.expected {
				t.Fatalf("expected kind %q, got %q", testCase.expected, got)
			}
			if got := testCase.event.ConversationID(); got != "c1" {
				t.Fatalf("expected conversation id c1, got %q", got)
			}
			if testCase.event.Timestamp().IsZero() {
				t.Fatalf("expected timestamp to be set")
			}
		})
	}
}

func TestTranscriptCompleteStringsEntries(t *testing.T) {
	event := NewTranscriptComplete("c1", []transcript.Entry{
		{Speaker: transcript.SpeakerHuman, Text: "hi"},
		{Speaker: transcript.SpeakerBot, Text: "hello"},
	})

	if got := event.String(); got != "Human: hi\nBot: hello" {
		t.Fatalf("unexpected transcript %q", got)
	}
}
