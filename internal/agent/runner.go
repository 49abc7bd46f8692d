package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lunamoth/lunamoth/internal/schema"
	"github.com/lunamoth/lunamoth/internal/shared/llmutils"
	"github.com/lunamoth/lunamoth/internal/tools"
)

// loopState tracks where a reasoning cycle is. States only advance through
// the documented transitions; there is no way to execute a tool without an
// assistant message requesting it first.
type loopState int

const (
	stateIdle loopState = iota
	stateContextBuilt
	stateAwaitingModel
	stateToolRequested
	stateExecutingTool
	stateResultAppended
	stateFinalized
)

func (s loopState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateContextBuilt:
		return "context_built"
	case stateAwaitingModel:
		return "awaiting_model"
	case stateToolRequested:
		return "tool_requested"
	case stateExecutingTool:
		return "executing_tool"
	case stateResultAppended:
		return "result_appended"
	case stateFinalized:
		return "finalized"
	}
	return "unknown"
}

// Observer receives reasoning-loop events. Implemented by the reflection
// engine to watch for stuck patterns; methods must not block.
type Observer interface {
	ToolEvent(sessionKey, tool string, isError bool)
	CycleDone(sessionKey string, iterations int)
}

// Runner executes the model/tool iteration loop for one conversation.
// It is embedded by the engine and the subagent executor to share the loop body.
type Runner struct {
	provider schema.LLMProvider
	settings schema.AgentSettings
	observer Observer // may be nil
}

// NewRunner creates a Runner.
func NewRunner(provider schema.LLMProvider, settings schema.AgentSettings, observer Observer) Runner {
	return Runner{provider: provider, settings: settings, observer: observer}
}

// Run drives the conversation to a final text response.
//
// One cycle per call: model turn, then all requested tools in request order,
// repeated until the model answers without tool calls or the iteration cap
// is hit. Tool failures become failed tool results and are never retried by
// the runner; only transient provider errors are retried, with exponential
// backoff.
func (r *Runner) Run(ctx context.Context, conversation schema.Messages, tls tools.Lookup, onProgress func(string)) (finalContent string, toolsUsed []string) {
	sessionKey := tools.TurnCtx(ctx).SessionKey()
	state := stateContextBuilt
	iterations := 0

	advance := func(next loopState) {
		slog.Debug("agent: state", "session", sessionKey, "from", state, "to", next)
		state = next
	}

	defer func() {
		if r.observer != nil {
			r.observer.CycleDone(sessionKey, iterations)
		}
	}()

	for i := 0; i < r.settings.MaxIter; i++ {
		iterations = i + 1
		advance(stateAwaitingModel)

		resp, err := r.chatWithRetry(ctx, conversation, tls.Definitions())
		if err != nil {
			slog.Error("agent: model call failed", "session", sessionKey, "err", err)
			return "Sorry, I encountered an error calling the model.", toolsUsed
		}

		if !resp.HasToolCalls() {
			advance(stateFinalized)
			content := ""
			if resp.Content != nil {
				content = *resp.Content
			}
			return llmutils.StripThink(content), toolsUsed
		}

		advance(stateToolRequested)

		if onProgress != nil {
			if resp.Content != nil {
				if clean := llmutils.StripThink(*resp.Content); clean != "" {
					onProgress(clean)
				}
			}
			names := make([]string, len(resp.ToolCalls))
			for i, tc := range resp.ToolCalls {
				names[i] = tc.Name
			}
			onProgress(llmutils.ToolHint(names))
		}

		conversation.AddAssistant(resp.Content, resp.ToolCalls)

		// Execute each requested tool, in order, appending results in order.
		for _, tc := range resp.ToolCalls {
			advance(stateExecutingTool)
			toolsUsed = append(toolsUsed, tc.Name)

			argsJSON, _ := json.Marshal(tc.Arguments)
			slog.Info("agent: tool call", "name", tc.Name, "args", llmutils.Truncate(string(argsJSON), 200))

			result, isError := r.executeTool(ctx, tls, tc)
			conversation.AddToolResult(tc.ID, tc.Name, result, isError)
			advance(stateResultAppended)

			if r.observer != nil {
				r.observer.ToolEvent(sessionKey, tc.Name, isError)
			}
		}
	}

	// Iteration cap reached: hand back what we have instead of looping forever.
	return fmt.Sprintf("I stopped after %d tool iterations without reaching a final answer. "+
		"The work so far is recorded above; ask me to continue if you want me to keep going.",
		r.settings.MaxIter), toolsUsed
}

// executeTool runs one tool call. Unknown tools and execution failures both
// come back as failed results; the next model turn decides how to react.
// Context cancellation during execution aborts the wait: tools implementing
// schema.CancellableTool get a best-effort Cancel, and any late result is
// discarded.
func (r *Runner) executeTool(ctx context.Context, tls tools.Lookup, tc schema.ToolCall) (result string, isError bool) {
	t := tls.Get(tc.Name)
	if t == nil {
		return fmt.Sprintf("Error: Tool '%s' not available", tc.Name), true
	}

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := t.Execute(ctx, tc.Arguments)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			werr := &schema.ToolExecutionError{Tool: tc.Name, Err: o.err}
			slog.Warn("agent: tool failed", "name", tc.Name, "err", werr)
			return "Error: " + werr.Error(), true
		}
		return o.out, false
	case <-ctx.Done():
		if ct, ok := t.(schema.CancellableTool); ok {
			ct.Cancel()
		}
		slog.Warn("agent: tool cancelled", "name", tc.Name, "err", ctx.Err())
		return fmt.Sprintf("Error: tool '%s' cancelled: %v", tc.Name, ctx.Err()), true
	}
}

// retryBaseDelay is the first backoff step between transient retries.
var retryBaseDelay = time.Second

// chatWithRetry calls the provider, retrying transient failures with
// exponential backoff (1s, 2s, 4s, ...). Permanent errors return immediately.
func (r *Runner) chatWithRetry(ctx context.Context, conversation schema.Messages, defs []map[string]any) (schema.LLMResponse, error) {
	opts := schema.NewChatOptions(r.settings.Model, r.settings.MaxTokens, r.settings.Temperature)

	var lastErr error
	backoff := retryBaseDelay
	for attempt := 0; attempt <= r.settings.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("agent: retrying model call", "attempt", attempt, "backoff", backoff, "err", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return schema.LLMResponse{}, ctx.Err()
			}
			backoff *= 2
		}

		resp, err := r.provider.Chat(ctx, conversation, defs, opts)
		if err == nil {
			return resp, nil
		}
		if !schema.IsTransient(err) {
			return schema.LLMResponse{}, err
		}
		lastErr = err
	}
	return schema.LLMResponse{}, fmt.Errorf("model call failed after %d retries: %w", r.settings.MaxRetries, lastErr)
}
