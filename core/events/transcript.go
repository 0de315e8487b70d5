package events

import "github.com/koscakluka/ema-calls/core/transcript"

// KindTranscriptUpdated identifies a single appended transcript entry.
const KindTranscriptUpdated Kind = "transcript.updated"

// KindTranscriptComplete identifies the final transcript of a conversation.
const KindTranscriptComplete Kind = "transcript.complete"

type TranscriptUpdated struct {
	Base
	Entry transcript.Entry
}

func NewTranscriptUpdated(conversationID string, entry transcript.Entry) TranscriptUpdated {
	return TranscriptUpdated{Base: NewBase(KindTranscriptUpdated, conversationID), Entry: entry}
}

type TranscriptComplete struct {
	Base
	Entries []transcript.Entry
}

func (e TranscriptComplete) String() string {
	tr := transcript.New()
	for _, entry := range e.Entries {
		tr.Add(entry.Speaker, entry.Text)
	}
	return tr.String()
}

func NewTranscriptComplete(conversationID string, entries []transcript.Entry) TranscriptComplete {
	return TranscriptComplete{Base: NewBase(KindTranscriptComplete, conversationID), Entries: entries}
}
