// Package agent defines the responder side of a conversation: it consumes
// what the human said and streams back what the bot should say.
package agent

import (
	"context"
	"time"

	"github.com/koscakluka/ema-calls/core/worker"
)

const DefaultFillerSilenceThreshold = 500 * time.Millisecond

// Config describes an agent. Type selects the provider.
type Config struct {
	Type string

	InitialMessage string
	// AllowedIdleTime ends the conversation when nobody speaks for that
	// long. Zero disables it.
	AllowedIdleTime time.Duration
	// NonInterruptible keeps the bot talking when the human speaks over it.
	NonInterruptible         bool
	EndConversationOnGoodbye bool

	SendFillerAudio        bool
	FillerSilenceThreshold time.Duration

	// Language model settings, used by providers that need them.
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
	BaseURL     string
	APIKey      string
}

func (c Config) WithDefaults() Config {
	if c.FillerSilenceThreshold <= 0 {
		c.FillerSilenceThreshold = DefaultFillerSilenceThreshold
	}
	return c
}

// Input is one final human utterance.
type Input struct {
	ConversationID string
	Text           string
	// IsInterrupt is set when the utterance cut the bot off.
	IsInterrupt bool
}

// Response is one of Message, Stop or FillerRequest.
type Response interface {
	isResponse()
}

// Message is a fragment of the bot's answer, spoken as soon as it arrives.
type Message struct {
	Text string
}

// Stop asks the conversation to end.
type Stop struct{}

// FillerRequest asks for filler audio to be played right away.
type FillerRequest struct{}

func (Message) isResponse()       {}
func (Stop) isResponse()          {}
func (FillerRequest) isResponse() {}

type Agent interface {
	Start(ctx context.Context)
	// ConsumeNonblocking queues human input. Responses produced for it share
	// its interrupt signal.
	ConsumeNonblocking(event *worker.InterruptibleEvent[Input])
	Output() *worker.Queue[*worker.InterruptibleEvent[Response]]
	CancelCurrentTask() bool
	// UpdateLastBotMessageOnCutOff replaces the last bot turn in the agent's
	// memory with what the human actually heard.
	UpdateLastBotMessageOnCutOff(heard string)
	Terminate()
	Config() Config
}
