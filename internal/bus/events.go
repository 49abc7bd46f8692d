// Package bus fans inbound events into per-session serial queues and routes
// outbound responses back to the channel that owns the session.
package bus

import "time"

// Channel names used across the runtime. External chat platforms register
// under their own names; the synthetic channels are produced internally.
const (
	ChannelCLI       = "cli"
	ChannelTelegram  = "telegram"
	ChannelSlack     = "slack"
	ChannelWebSocket = "websocket"
	ChannelCron      = "cron"      // scheduler-originated events
	ChannelHeartbeat = "heartbeat" // workspace heartbeat turns
	ChannelSystem    = "system"    // subagent results
)

// InboundEvent is a message entering the runtime, from a channel adapter,
// the scheduler, or the subagent spawner.
type InboundEvent struct {
	Channel  string
	SenderID string
	ChatID   string
	Content  string

	// EventID is the adapter-supplied delivery id used for deduplication.
	// Empty ids are never deduplicated (internal synthetic events).
	EventID string

	// Session overrides the session key derived from Channel/ChatID.
	// Used by synthetic events that must land on an existing session's
	// queue (subagent results, scheduler payloads bound to a session).
	Session string

	// Seq is assigned by the bus: strictly increasing per session.
	Seq uint64

	Timestamp time.Time
	Media     []string
	Metadata  map[string]any
}

// NewInboundEvent creates an event with the timestamp set.
func NewInboundEvent(channel, senderID, chatID, content string) InboundEvent {
	return InboundEvent{
		Channel:   channel,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// SessionKey returns the key of the session this event belongs to.
func (e InboundEvent) SessionKey() string {
	if e.Session != "" {
		return e.Session
	}
	return e.Channel + ":" + e.ChatID
}

// OutboundMessage is a response to be sent back through a channel.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Media    []string
	Metadata map[string]any
}

// NewOutboundMessage creates an outbound message.
func NewOutboundMessage(channel, chatID, content string) OutboundMessage {
	return OutboundMessage{Channel: channel, ChatID: chatID, Content: content}
}
