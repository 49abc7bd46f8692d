package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lunamoth/lunamoth/internal/bus"
	"github.com/lunamoth/lunamoth/internal/schema"
	"github.com/lunamoth/lunamoth/internal/session"
	"github.com/lunamoth/lunamoth/internal/shared/llmutils"
	"github.com/lunamoth/lunamoth/internal/tools"
)

// Engine is the per-session reasoning loop. The bus delivers events to
// HandleInbound one at a time per session, so the engine never runs two
// concurrent cycles for the same session.
type Engine struct {
	bus       *bus.Bus
	runner    Runner
	builder   *ContextBuilder
	sessions  *session.Store
	compactor *Compactor
	tools     *tools.ToolList
	settings  schema.AgentSettings
}

// NewEngine creates an Engine and binds it to the bus.
func NewEngine(
	b *bus.Bus,
	provider schema.LLMProvider,
	settings schema.AgentSettings,
	builder *ContextBuilder,
	sessions *session.Store,
	compactor *Compactor,
	registry *tools.ToolList,
	observer Observer,
) *Engine {
	e := &Engine{
		bus:       b,
		runner:    NewRunner(provider, settings, observer),
		builder:   builder,
		sessions:  sessions,
		compactor: compactor,
		tools:     registry,
		settings:  settings,
	}
	b.Bind(e.HandleInbound)
	return e
}

// HandleInbound processes one inbound event to completion.
func (e *Engine) HandleInbound(ctx context.Context, ev bus.InboundEvent) {
	switch ev.Channel {
	case bus.ChannelSystem:
		e.handleSystemEvent(ctx, ev)
	case bus.ChannelCron:
		e.handleCronEvent(ctx, ev)
	case bus.ChannelHeartbeat:
		e.handleHeartbeatEvent(ctx, ev)
	default:
		if out := e.handleChatEvent(ctx, ev); out != nil {
			e.bus.PublishOutbound(*out)
		} else if ev.Channel == bus.ChannelCLI {
			// Signal the CLI that the turn is done even when the message
			// tool already sent the reply.
			out := bus.NewOutboundMessage(ev.Channel, ev.ChatID, "")
			out.Metadata = ev.Metadata
			e.bus.PublishOutbound(out)
		}
	}
}

// ProcessDirect handles a message outside the bus (one-shot CLI).
// Returns the final text response.
func (e *Engine) ProcessDirect(ctx context.Context, content, sessKey, channel, chatID string) string {
	ev := bus.NewInboundEvent(channel, "user", chatID, content)
	ev.Session = sessKey
	out := e.handleChatEvent(ctx, ev)
	if out == nil {
		return ""
	}
	return out.Content
}

// handleChatEvent runs the full pipeline for user-facing channels: slash
// commands, consolidation scheduling, the reasoning loop, session save.
// Returns nil when the message tool already delivered the reply.
func (e *Engine) handleChatEvent(ctx context.Context, ev bus.InboundEvent) *bus.OutboundMessage {
	slog.Info("engine: processing message",
		"sender", ev.SenderID,
		"channel", ev.Channel,
		"seq", ev.Seq,
		"content", llmutils.Truncate(ev.Content, 80),
	)

	key := ev.SessionKey()
	ses := e.sessions.GetOrCreate(key)
	ses.Touch()

	if out := e.handleSlashCommand(ev, ses, key); out != nil {
		return out
	}

	e.compactor.Schedule(key, ses, false)

	ctx, msgSent := e.withTurnContext(ctx, ev)

	conversation := e.builder.BuildMessages(
		ses.History(e.settings.MemoryWindow),
		ev.Content,
		ev.Media,
		ev.Channel,
		ev.ChatID,
	)

	final, toolsUsed := e.runner.Run(ctx, conversation, e.tools, e.makeProgressCallback(ev))
	if final == "" {
		final = "I've completed processing but have no response to give."
	}

	slog.Info("engine: response", "channel", ev.Channel, "sender", ev.SenderID, "length", len(final))

	ses.AddUser(ev.Content)
	ses.AddAssistant(final, toolsUsed)
	if err := e.sessions.Save(ses); err != nil {
		slog.Warn("engine: session save failed", "key", key, "err", err)
	}

	// If the message tool sent something, suppress the automatic reply.
	if *msgSent {
		return nil
	}

	out := bus.NewOutboundMessage(ev.Channel, ev.ChatID, final)
	out.Metadata = ev.Metadata
	return &out
}

// handleSystemEvent processes subagent results. The event lands on the
// parent session's queue via ev.Session; one summarisation turn produces
// the user-visible announcement.
func (e *Engine) handleSystemEvent(ctx context.Context, ev bus.InboundEvent) {
	channel, chatID, ok := strings.Cut(ev.SessionKey(), ":")
	if !ok || chatID == "" {
		channel, chatID = bus.ChannelCLI, "direct"
	}

	slog.Info("engine: processing subagent result", "sender", ev.SenderID, "session", ev.SessionKey())

	ses := e.sessions.GetOrCreate(ev.SessionKey())

	ctx = tools.WithTurn(ctx, tools.TurnContext{Channel: channel, ChatID: chatID})

	conversation := e.builder.BuildMessages(
		ses.History(e.settings.MemoryWindow),
		ev.Content,
		nil,
		channel,
		chatID,
	)

	final, _ := e.runner.Run(ctx, conversation, e.tools, nil)
	final = llmutils.StringOrDefault(final, "Background task completed.")

	ses.AddUser(fmt.Sprintf("[System: %s] %s", ev.SenderID, ev.Content))
	ses.AddAssistant(final, nil)
	if err := e.sessions.Save(ses); err != nil {
		slog.Warn("engine: session save failed", "key", ev.SessionKey(), "err", err)
	}

	e.bus.PublishOutbound(bus.NewOutboundMessage(channel, chatID, final))
}

// handleCronEvent processes a scheduled job firing. The job payload carries
// the delivery session in ev.Session; the response goes to that channel.
func (e *Engine) handleCronEvent(ctx context.Context, ev bus.InboundEvent) {
	channel, chatID, ok := strings.Cut(ev.SessionKey(), ":")
	if !ok || channel == bus.ChannelCron {
		// Job without a delivery target: run the turn, keep the result in
		// the session only.
		channel, chatID = "", ""
	}

	ses := e.sessions.GetOrCreate(ev.SessionKey())
	ctx = tools.WithTurn(ctx, tools.TurnContext{Channel: channel, ChatID: chatID})

	conversation := e.builder.BuildMessages(
		ses.History(e.settings.MemoryWindow),
		ev.Content,
		nil,
		channel,
		chatID,
	)

	final, toolsUsed := e.runner.Run(ctx, conversation, e.tools, nil)

	ses.AddUser(fmt.Sprintf("[Scheduled] %s", ev.Content))
	ses.AddAssistant(llmutils.StringOrDefault(final, "(no output)"), toolsUsed)
	if err := e.sessions.Save(ses); err != nil {
		slog.Warn("engine: session save failed", "key", ev.SessionKey(), "err", err)
	}

	if channel != "" && final != "" {
		e.bus.PublishOutbound(bus.NewOutboundMessage(channel, chatID, final))
	}
}

// handleHeartbeatEvent runs a proactive turn. The automatic reply is always
// suppressed: the model reaches the user via the message tool if there is
// anything worth saying.
func (e *Engine) handleHeartbeatEvent(ctx context.Context, ev bus.InboundEvent) {
	ses := e.sessions.GetOrCreate(ev.SessionKey())

	ctx, _ = e.withTurnContext(ctx, ev)

	conversation := e.builder.BuildMessages(
		ses.History(e.settings.MemoryWindow),
		ev.Content,
		nil,
		"", "",
	)

	final, _ := e.runner.Run(ctx, conversation, e.tools, nil)
	slog.Debug("engine: heartbeat turn done", "length", len(final))
}

// handleSlashCommand checks ev.Content for a known slash command.
// Returns non-nil if the command was handled.
func (e *Engine) handleSlashCommand(ev bus.InboundEvent, ses *session.Session, key string) *bus.OutboundMessage {
	cmd := strings.TrimSpace(strings.ToLower(ev.Content))
	switch cmd {
	case "/new":
		return e.handleCmdNew(ev, ses, key)
	case "/help":
		return e.handleCmdHelp(ev)
	}
	return nil
}

// handleCmdNew clears the current session and triggers background memory
// consolidation of the archived transcript.
func (e *Engine) handleCmdNew(ev bus.InboundEvent, ses *session.Session, key string) *bus.OutboundMessage {
	archived := ses.Snapshot()
	ses.Clear()
	if err := e.sessions.Save(ses); err != nil {
		slog.Warn("engine: session save failed", "key", key, "err", err)
	}
	e.sessions.Invalidate(key)

	tmp := session.New(key)
	tmp.Messages = archived
	e.compactor.Schedule(key+":archive", tmp, true)

	out := bus.NewOutboundMessage(ev.Channel, ev.ChatID, "New session started. Memory consolidation in progress.")
	out.Metadata = ev.Metadata
	return &out
}

// handleCmdHelp returns the help text listing available slash commands.
func (e *Engine) handleCmdHelp(ev bus.InboundEvent) *bus.OutboundMessage {
	out := bus.NewOutboundMessage(ev.Channel, ev.ChatID,
		"lunamoth commands:\n/new — Start a new conversation\n/help — Show available commands")
	out.Metadata = ev.Metadata
	return &out
}

// withTurnContext decorates ctx with per-turn routing information and
// returns the shared message-sent flag.
func (e *Engine) withTurnContext(ctx context.Context, ev bus.InboundEvent) (context.Context, *bool) {
	msgID := ""
	if v, ok := ev.Metadata["message_id"].(string); ok {
		msgID = v
	}
	msgSent := new(bool)
	ctx = tools.WithTurn(ctx, tools.TurnContext{
		Channel:     ev.Channel,
		ChatID:      ev.ChatID,
		MsgID:       msgID,
		MessageSent: msgSent,
	})
	return ctx, msgSent
}

// makeProgressCallback returns a function that pushes intermediate output to
// the outbound bus so clients can display progress.
func (e *Engine) makeProgressCallback(ev bus.InboundEvent) func(string) {
	return func(content string) {
		meta := map[string]any{"_progress": true}
		for k, v := range ev.Metadata {
			meta[k] = v
		}
		out := bus.NewOutboundMessage(ev.Channel, ev.ChatID, content)
		out.Metadata = meta
		e.bus.PublishOutbound(out)
	}
}
