package bus

import (
	"time"

	"github.com/stellarlinkco/mindmesh/internal/profile"
)

type InboundMessage struct {
	ID        string
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Profile  *profile.Profile // nil when the turn produced nothing to report
	Metadata map[string]any
}
