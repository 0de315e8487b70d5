package agent

import (
	"slices"
	"sync"
)

type Role string

const (
	RoleHuman Role = "human"
	RoleBot   Role = "bot"
)

type Turn struct {
	Role Role
	Text string
}

// Memory is the agent's view of the conversation so far.
type Memory struct {
	mu    sync.Mutex
	turns []Turn
}

func (m *Memory) AddHuman(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, Turn{Role: RoleHuman, Text: text})
}

// AddBot appends text to the bot turn in progress, starting a new turn when
// the last one was the human's.
func (m *Memory) AddBot(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.turns); n > 0 && m.turns[n-1].Role == RoleBot {
		if m.turns[n-1].Text != "" && text != "" {
			m.turns[n-1].Text += " "
		}
		m.turns[n-1].Text += text
		return
	}
	m.turns = append(m.turns, Turn{Role: RoleBot, Text: text})
}

// ReplaceLastBot rewrites the most recent bot turn. An empty replacement
// removes it.
func (m *Memory) ReplaceLastBot(text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.turns) - 1; i >= 0; i-- {
		if m.turns[i].Role != RoleBot {
			continue
		}
		if text == "" {
			m.turns = slices.Delete(m.turns, i, i+1)
		} else {
			m.turns[i].Text = text
		}
		return true
	}
	return false
}

func (m *Memory) Turns() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.turns)
}
