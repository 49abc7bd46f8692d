package schema

import (
	"context"
	"encoding/json"
)

// Tool is the interface all LLM-callable tools must satisfy.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema (as raw JSON bytes) for this tool's parameters.
	Parameters() json.RawMessage
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// CancellableTool is implemented by tools that can abort an in-flight Execute.
// Cancellation is best-effort: tools without it run to completion and their
// result is discarded by the caller.
type CancellableTool interface {
	Tool
	Cancel()
}

// TaskInfo is a read-only snapshot of a background subagent task.
type TaskInfo struct {
	ID     string
	Label  string
	Goal   string
	Status string
}

// Spawner is the contract the spawn tool uses to create, cancel and list
// background subagents. Implemented by spawn.Spawner; defined here to avoid
// an import cycle.
type Spawner interface {
	Spawn(ctx context.Context, parentSession, goal, label string) (string, error)
	Cancel(taskID string) bool
	Tasks() []TaskInfo
}

// AgentSettings holds the per-agent loop parameters.
type AgentSettings struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	MaxIter      int // reasoning/tool-call cycles per inbound event
	MaxRetries   int // transient provider-error retries per model call
	MemoryWindow int // transcript messages included in context
}
