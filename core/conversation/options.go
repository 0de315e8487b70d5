package conversation

import (
	"log/slog"
	"time"

	"github.com/koscakluka/ema-calls/core/events"
)

const DefaultChunkDuration = 100 * time.Millisecond

type Option func(*StreamingConversation)

func WithLogger(l *slog.Logger) Option {
	return func(c *StreamingConversation) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithID sets the conversation id. A random one is used otherwise.
func WithID(id string) Option {
	return func(c *StreamingConversation) {
		if id != "" {
			c.id = id
		}
	}
}

// WithEvents publishes transcript events to publisher.
func WithEvents(publisher events.Publisher) Option {
	return func(c *StreamingConversation) {
		if publisher != nil {
			c.events = publisher
		}
	}
}

// WithChunkDuration sets how much audio each chunk sent to the output holds.
// Shorter chunks make barge-in cut the bot off sooner.
func WithChunkDuration(d time.Duration) Option {
	return func(c *StreamingConversation) {
		if d > 0 {
			c.chunkDuration = d
		}
	}
}
