package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/lunamoth/lunamoth/internal/schema"
)

// fakeSpawner records calls and replays canned results.
type fakeSpawner struct {
	spawnedParent string
	spawnedGoal   string
	spawnedLabel  string
	spawnErr      error
	cancelledID   string
	cancelOK      bool
	tasks         []schema.TaskInfo
}

func (f *fakeSpawner) Spawn(_ context.Context, parent, goal, label string) (string, error) {
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	f.spawnedParent, f.spawnedGoal, f.spawnedLabel = parent, goal, label
	return "Subagent task-1 started: " + goal + ". The result will be announced when it completes.", nil
}

func (f *fakeSpawner) Cancel(taskID string) bool {
	f.cancelledID = taskID
	return f.cancelOK
}

func (f *fakeSpawner) Tasks() []schema.TaskInfo { return f.tasks }

func TestSpawnTool_DefaultActionSpawns(t *testing.T) {
	sp := &fakeSpawner{}
	st := NewSpawnTool(sp)

	ctx := WithTurn(context.Background(), TurnContext{Channel: "telegram", ChatID: "42"})
	out, err := st.Execute(ctx, map[string]any{"task": "summarize the inbox", "label": "inbox"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "task-1 started") {
		t.Errorf("unexpected result: %q", out)
	}
	if sp.spawnedParent != "telegram:42" {
		t.Errorf("parent = %q, want telegram:42", sp.spawnedParent)
	}
	if sp.spawnedGoal != "summarize the inbox" || sp.spawnedLabel != "inbox" {
		t.Errorf("goal/label = %q/%q", sp.spawnedGoal, sp.spawnedLabel)
	}
}

func TestSpawnTool_SpawnWithoutTurnContextFallsBack(t *testing.T) {
	sp := &fakeSpawner{}
	st := NewSpawnTool(sp)

	if _, err := st.Execute(context.Background(), map[string]any{"task": "x"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sp.spawnedParent != "cli:direct" {
		t.Errorf("parent = %q, want cli:direct", sp.spawnedParent)
	}
}

func TestSpawnTool_SpawnRequiresTask(t *testing.T) {
	st := NewSpawnTool(&fakeSpawner{})
	out, err := st.Execute(context.Background(), map[string]any{"action": "spawn"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "task is required") {
		t.Errorf("out = %q, want missing-task error", out)
	}
}

func TestSpawnTool_SpawnCapacityErrorSurfacesAsResult(t *testing.T) {
	st := NewSpawnTool(&fakeSpawner{spawnErr: schema.ErrSubagentCapacity})
	out, err := st.Execute(context.Background(), map[string]any{"task": "x"})
	if err != nil {
		t.Fatalf("capacity exhaustion must not be a hard error: %v", err)
	}
	if !strings.HasPrefix(out, "Error spawning subagent:") {
		t.Errorf("out = %q, want spawn error text", out)
	}
}

func TestSpawnTool_CancelRunningTask(t *testing.T) {
	sp := &fakeSpawner{cancelOK: true}
	st := NewSpawnTool(sp)

	out, err := st.Execute(context.Background(), map[string]any{"action": "cancel", "task_id": "task-3"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sp.cancelledID != "task-3" {
		t.Errorf("cancelled id = %q, want task-3", sp.cancelledID)
	}
	if !strings.Contains(out, "task-3 cancelled") {
		t.Errorf("out = %q, want cancellation confirmation", out)
	}
}

func TestSpawnTool_CancelUnknownTask(t *testing.T) {
	st := NewSpawnTool(&fakeSpawner{cancelOK: false})
	out, err := st.Execute(context.Background(), map[string]any{"action": "cancel", "task_id": "task-9"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "not found or already finished") {
		t.Errorf("out = %q, want not-found error", out)
	}
}

func TestSpawnTool_CancelRequiresTaskID(t *testing.T) {
	st := NewSpawnTool(&fakeSpawner{cancelOK: true})
	out, err := st.Execute(context.Background(), map[string]any{"action": "cancel"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "task_id is required") {
		t.Errorf("out = %q, want missing-id error", out)
	}
}

func TestSpawnTool_ListEmpty(t *testing.T) {
	st := NewSpawnTool(&fakeSpawner{})
	out, err := st.Execute(context.Background(), map[string]any{"action": "list"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "No subagent tasks." {
		t.Errorf("out = %q", out)
	}
}

func TestSpawnTool_ListSortsAndLabelsTasks(t *testing.T) {
	st := NewSpawnTool(&fakeSpawner{tasks: []schema.TaskInfo{
		{ID: "task-2", Goal: "walk the release checklist", Status: "running"},
		{ID: "task-1", Label: "digest", Goal: "build the daily digest", Status: "completed"},
	}})

	out, err := st.Execute(context.Background(), map[string]any{"action": "list"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), out)
	}
	if lines[0] != "task-1 [completed] digest" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "task-2 [running] walk the release checklist" {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestSpawnTool_UnknownAction(t *testing.T) {
	st := NewSpawnTool(&fakeSpawner{})
	out, err := st.Execute(context.Background(), map[string]any{"action": "pause"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, `unknown action "pause"`) {
		t.Errorf("out = %q, want unknown-action error", out)
	}
}
