package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lunamoth/lunamoth/internal/schema"
)

// SpawnTool manages background subagents: spawning a task, cancelling an
// in-flight one, and listing known tasks. The parent session for result
// delivery is read from TurnContext.
type SpawnTool struct {
	spawner schema.Spawner
}

// NewSpawnTool creates a SpawnTool backed by the given Spawner.
func NewSpawnTool(spawner schema.Spawner) *SpawnTool {
	return &SpawnTool{spawner: spawner}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Manage background subagents. Action 'spawn' starts a subagent for a " +
		"complex or time-consuming task that can run independently; it will report " +
		"back when done. Action 'cancel' aborts a running task by id; 'list' shows " +
		"known tasks and their status."
}

func (t *SpawnTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["spawn", "cancel", "list"],
				"description": "Operation to perform (default: spawn)"
			},
			"task": {
				"type": "string",
				"description": "The task for the subagent to complete (spawn)"
			},
			"label": {
				"type": "string",
				"description": "Optional short label for the task (spawn)"
			},
			"task_id": {
				"type": "string",
				"description": "Id of the task to cancel (cancel)"
			}
		}
	}`)
}

// Execute dispatches on the action parameter. Capacity and depth violations
// surface as tool-result text so the model can react (wait, simplify, or tell
// the user).
func (t *SpawnTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	action, _ := params["action"].(string)
	switch action {
	case "", "spawn":
		return t.spawn(ctx, params)
	case "cancel":
		return t.cancel(params)
	case "list":
		return t.list()
	default:
		return fmt.Sprintf("Error: unknown action %q (use spawn, cancel, or list)", action), nil
	}
}

func (t *SpawnTool) spawn(ctx context.Context, params map[string]any) (string, error) {
	task, _ := params["task"].(string)
	if task == "" {
		return "Error: task is required", nil
	}
	label, _ := params["label"].(string)

	parent := TurnCtx(ctx).SessionKey()
	if parent == "" {
		parent = "cli:direct"
	}

	result, err := t.spawner.Spawn(ctx, parent, task, label)
	if err != nil {
		return "Error spawning subagent: " + err.Error(), nil
	}
	return result, nil
}

func (t *SpawnTool) cancel(params map[string]any) (string, error) {
	id, _ := params["task_id"].(string)
	if id == "" {
		return "Error: task_id is required for cancel", nil
	}
	if !t.spawner.Cancel(id) {
		return fmt.Sprintf("Error: task %s not found or already finished", id), nil
	}
	return fmt.Sprintf("Task %s cancelled. Its result will be discarded.", id), nil
}

func (t *SpawnTool) list() (string, error) {
	tasks := t.spawner.Tasks()
	if len(tasks) == 0 {
		return "No subagent tasks.", nil
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	var sb strings.Builder
	for _, task := range tasks {
		display := task.Label
		if display == "" {
			display = task.Goal
			if len(display) > 60 {
				display = display[:60] + "..."
			}
		}
		fmt.Fprintf(&sb, "%s [%s] %s\n", task.ID, task.Status, display)
	}
	return strings.TrimSpace(sb.String()), nil
}
