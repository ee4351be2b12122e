package bus

import "time"

// Inbound event kinds.
const (
	KindMessage      = "message"
	KindMemberJoined = "member_joined"
)

type InboundMessage struct {
	Kind      string
	Channel   string
	SenderID  string
	ChatID    string
	MessageID string
	Username  string
	FullName  string
	Content   string
	Timestamp time.Time
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// IsJoin reports whether the event announces a new chat member rather than a text message.
func (m *InboundMessage) IsJoin() bool {
	return m.Kind == KindMemberJoined
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	ReplyTo string
}
