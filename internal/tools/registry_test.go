package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lunamoth/lunamoth/internal/lock"
)

func TestToolList_GetAndDefinitions(t *testing.T) {
	list := NewToolList(
		NewListDirTool("", ""),
		NewExecTool("", 0, false),
	)

	if list.Get("list_dir") == nil {
		t.Error("expected list_dir registered")
	}
	if list.Get("missing") != nil {
		t.Error("expected nil for unknown tool")
	}

	defs := list.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	for _, def := range defs {
		if def["type"] != "function" {
			t.Errorf("expected function type, got %v", def["type"])
		}
		fn, _ := def["function"].(map[string]any)
		if fn["name"] == "" || fn["parameters"] == nil {
			t.Errorf("incomplete definition: %v", def)
		}
	}
}

func TestRestrict_DeniesOutsideAllowedSet(t *testing.T) {
	list := NewToolList(
		NewListDirTool("", ""),
		NewExecTool("", 0, false),
	)
	restricted := Restrict(list, "reflector", "list_dir")

	if restricted.Get("list_dir") == nil {
		t.Error("allowed tool should resolve")
	}
	if restricted.Get("exec") != nil {
		t.Error("exec is outside the allowed set and must not resolve")
	}

	defs := restricted.Definitions()
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}
	fn, _ := defs[0]["function"].(map[string]any)
	if fn["name"] != "list_dir" {
		t.Errorf("unexpected definition: %v", defs[0])
	}
}

func TestWriteFile_GuardedByPathLock(t *testing.T) {
	ws := t.TempDir()
	mgr := lock.NewManager(time.Second)
	guard := &FileGuard{Locker: mgr, Timeout: 50 * time.Millisecond}
	wt := NewWriteFileTool(ws, ws, guard)

	ctx := WithTurn(context.Background(), TurnContext{Channel: "cli", ChatID: "direct"})
	out, err := wt.Execute(ctx, map[string]any{"path": "MEMORY.md", "content": "# notes\n"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(ws, "MEMORY.md")); string(got) != "# notes\n" {
		t.Errorf("file content mismatch: %q (result %q)", got, out)
	}

	// While another holder keeps the lock, the write times out.
	target := filepath.Join(ws, "MEMORY.md")
	held, err := mgr.Acquire(context.Background(), target, "other", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	out, err = wt.Execute(ctx, map[string]any{"path": "MEMORY.md", "content": "clobber"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, _ := os.ReadFile(target); string(got) != "# notes\n" {
		t.Errorf("guarded file was modified during contention: %q", got)
	}
	_ = mgr.Release(held)
	_ = out
}

func TestWriteFile_RejectsOutsideAllowedDir(t *testing.T) {
	ws := t.TempDir()
	wt := NewWriteFileTool(ws, ws, nil)
	out, err := wt.Execute(context.Background(), map[string]any{
		"path": "/etc/passwd", "content": "nope",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out == "" || out[:5] != "Error" {
		t.Errorf("expected restriction error, got %q", out)
	}
}

func TestEditFile_ReplacesUniqueText(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "notes.txt")
	if err := os.WriteFile(path, []byte("alpha beta gamma"), 0o644); err != nil {
		t.Fatal(err)
	}
	et := NewEditFileTool(ws, ws, nil)
	_, err := et.Execute(context.Background(), map[string]any{
		"path": "notes.txt", "old_text": "beta", "new_text": "delta",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "alpha delta gamma" {
		t.Errorf("unexpected content: %q", got)
	}
}
