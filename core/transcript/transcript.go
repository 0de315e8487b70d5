// Package transcript records what was said during a conversation, by whom,
// and when.
package transcript

import (
	"strings"
	"sync"
	"time"
)

type Speaker string

const (
	SpeakerHuman Speaker = "human"
	SpeakerBot   Speaker = "bot"
)

func (s Speaker) label() string {
	switch s {
	case SpeakerHuman:
		return "Human"
	case SpeakerBot:
		return "Bot"
	default:
		return string(s)
	}
}

type Entry struct {
	Speaker Speaker
	Text    string
	Time    time.Time
}

func (e Entry) String() string { return e.Speaker.label() + ": " + e.Text }

// Transcript is safe for concurrent reads while its owner appends.
type Transcript struct {
	mu      sync.RWMutex
	entries []Entry
}

func New() *Transcript { return &Transcript{} }

// Add appends an entry. Empty text is not recorded and ok is false.
func (t *Transcript) Add(speaker Speaker, text string) (entry Entry, ok bool) {
	if strings.TrimSpace(text) == "" {
		return Entry{}, false
	}

	entry = Entry{Speaker: speaker, Text: text, Time: time.Now()}
	t.mu.Lock()
	t.entries = append(t.entries, entry)
	t.mu.Unlock()
	return entry, true
}

// Entries returns a copy of every entry in the order they were added.
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Transcript) String() string {
	entries := t.Entries()
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, entry.String())
	}
	return strings.Join(lines, "\n")
}
