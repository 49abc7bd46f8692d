package tools

import "context"

// TurnContext carries per-turn routing metadata through the context tree.
// It is set by the engine once per inbound event and read by stateful tools
// (message, spawn, cron) inside Execute, so tool singletons stay immutable.
type TurnContext struct {
	Channel string
	ChatID  string
	MsgID   string

	// MessageSent is flipped to true by MessageTool.Execute when it delivers
	// a message. The engine reads it after the loop to decide whether to
	// suppress the automatic reply. A pointer so the flag is shared between
	// the context value and the caller holding the original.
	MessageSent *bool
}

// SessionKey returns the session this turn belongs to.
func (tc TurnContext) SessionKey() string {
	if tc.Channel == "" {
		return ""
	}
	return tc.Channel + ":" + tc.ChatID
}

type turnKey struct{}

// WithTurn returns a child context that carries tc.
func WithTurn(ctx context.Context, tc TurnContext) context.Context {
	return context.WithValue(ctx, turnKey{}, tc)
}

// TurnCtx extracts the TurnContext from ctx.
// Returns a zero-value TurnContext if none was set.
func TurnCtx(ctx context.Context) TurnContext {
	tc, _ := ctx.Value(turnKey{}).(TurnContext)
	return tc
}
