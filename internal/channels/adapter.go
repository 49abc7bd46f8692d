// Package channels contains the chat-platform adapters that feed the bus.
package channels

import (
	"context"
	"log/slog"
	"strings"

	"github.com/lunamoth/lunamoth/internal/bus"
)

// Adapter is one chat platform connection. Start blocks until ctx is
// cancelled; Send delivers one outbound message and returns any delivery
// error so the dispatcher can retry.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Base holds state and helpers shared by all adapters.
type Base struct {
	channelName string
	bus         *bus.Bus
	allowFrom   []string // empty = allow all
}

// NewBase creates a Base with the given channel name, bus, and allowlist.
func NewBase(name string, b *bus.Bus, allowFrom []string) Base {
	return Base{channelName: name, bus: b, allowFrom: allowFrom}
}

// IsAllowed checks senderID against the allowlist. senderID may be
// "id|username" (Telegram); each part is checked separately.
func (b *Base) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, allowed := range b.allowFrom {
		if allowed == senderID {
			return true
		}
	}
	if strings.Contains(senderID, "|") {
		for _, part := range strings.Split(senderID, "|") {
			if part == "" {
				continue
			}
			for _, allowed := range b.allowFrom {
				if allowed == part {
					return true
				}
			}
		}
	}
	return false
}

// HandleMessage verifies the sender, then publishes an inbound event.
// eventID is the platform delivery id used for deduplication; adapters that
// redeliver (at-least-once platforms) must pass a stable id.
func (b *Base) HandleMessage(senderID, chatID, content, eventID string, media []string, metadata map[string]any) {
	if !b.IsAllowed(senderID) {
		slog.Warn("channels: access denied", "channel", b.channelName, "sender", senderID)
		return
	}

	ev := bus.NewInboundEvent(b.channelName, senderID, chatID, content)
	ev.EventID = eventID
	ev.Media = media
	ev.Metadata = metadata
	b.bus.PublishInbound(ev)
}

// splitMessage splits content into chunks of at most maxLen bytes, preferring
// newline breaks, then space breaks, then a hard cut.
func splitMessage(content string, maxLen int) []string {
	if len(content) <= maxLen {
		return []string{content}
	}
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cut := content[:maxLen]
		pos := strings.LastIndex(cut, "\n")
		if pos <= 0 {
			pos = strings.LastIndex(cut, " ")
		}
		if pos <= 0 {
			pos = maxLen
		}
		chunks = append(chunks, content[:pos])
		content = strings.TrimLeft(content[pos:], " \t")
	}
	return chunks
}
