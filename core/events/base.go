package events

import "time"

type Kind string

type Event interface {
	Kind() Kind
	ConversationID() string
	Timestamp() time.Time
}

type Base struct {
	kind           Kind
	conversationID string
	timestamp      time.Time
}

func NewBase(kind Kind, conversationID string) Base {
	return Base{kind: kind, conversationID: conversationID, timestamp: time.Now()}
}

func (b Base) Kind() Kind {
	return b.kind
}

func (b Base) ConversationID() string {
	return b.conversationID
}

func (b Base) Timestamp() time.Time {
	return b.timestamp
}
