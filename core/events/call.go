package events

// KindCallConnected identifies an admitted call.
const KindCallConnected Kind = "call.connected"

// KindCallEnded identifies a finished call.
const KindCallEnded Kind = "call.ended"

type CallConnected struct {
	Base
	FromPhone string
	ToPhone   string
}

func NewCallConnected(conversationID, fromPhone, toPhone string) CallConnected {
	return CallConnected{
		Base:      NewBase(KindCallConnected, conversationID),
		FromPhone: fromPhone,
		ToPhone:   toPhone,
	}
}

type CallEnded struct{ Base }

func NewCallEnded(conversationID string) CallEnded {
	return CallEnded{Base: NewBase(KindCallEnded, conversationID)}
}
