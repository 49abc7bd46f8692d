package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/lunamoth/lunamoth/internal/schema"
	"github.com/lunamoth/lunamoth/internal/tools"
)

// subagentAllowedTools is the capability set granted to background subagents.
// No spawn (depth limit), no message (results flow through the parent), no
// cron (scheduling is a top-level concern).
var subagentAllowedTools = []tools.ToolName{
	tools.ToolExec,
	tools.ToolReadFile,
	tools.ToolWriteFile,
	tools.ToolEditFile,
	tools.ToolListDir,
	tools.ToolWebSearch,
	tools.ToolWebFetch,
}

// SubagentExecutor runs one background task to completion with a restricted
// tool set. It satisfies spawn.Executor.
type SubagentExecutor struct {
	runner    Runner
	registry  tools.Lookup
	workspace string
}

// NewSubagentExecutor creates an executor sharing the main registry, with
// the subagent capability restriction applied.
func NewSubagentExecutor(provider schema.LLMProvider, settings schema.AgentSettings, registry *tools.ToolList, workspace string) *SubagentExecutor {
	return &SubagentExecutor{
		runner:    NewRunner(provider, settings, nil),
		registry:  tools.Restrict(registry, "subagent", subagentAllowedTools...),
		workspace: workspace,
	}
}

// ExecuteTask runs the goal and returns the subagent's final report.
func (x *SubagentExecutor) ExecuteTask(ctx context.Context, taskID, parentSession, goal string) (string, error) {
	conversation := schema.NewMessages(
		schema.NewSystemMessage(x.buildPrompt(taskID, parentSession)),
		schema.NewUserMessage(goal),
	)

	// Subagents run without a user-facing turn; session key is the task id
	// so lock holders and observer events stay distinguishable.
	ctx = tools.WithTurn(ctx, tools.TurnContext{Channel: "subagent", ChatID: taskID})

	final, _ := x.runner.Run(ctx, conversation, x.registry, nil)
	if final == "" {
		return "", fmt.Errorf("subagent produced no output")
	}
	return final, nil
}

// buildPrompt returns the subagent system prompt.
func (x *SubagentExecutor) buildPrompt(taskID, parentSession string) string {
	return fmt.Sprintf(`# Subagent

You are a background subagent (task %s) working for the session %s.
Complete the task you are given, then report the outcome as plain text.

## Rules
- Work autonomously; nobody will answer questions mid-task.
- You cannot spawn further subagents or send chat messages. Your final
  text response is delivered to the main agent, which reports to the user.
- Current time: %s
- Workspace: %s`,
		taskID, parentSession,
		time.Now().Format("2006-01-02 15:04 (Monday)"),
		x.workspace,
	)
}
