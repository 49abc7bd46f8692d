package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lunamoth/lunamoth/internal/schema"
)

func TestStore_SaveAndReload(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	s := st.GetOrCreate("telegram:12345")
	s.AddUser("hello")
	s.AddAssistant("hi there", []string{"read_file"})
	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Fresh store simulates a restart.
	st2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	loaded, err := st2.Get("telegram:12345")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Channel != "telegram" || loaded.Participant != "12345" {
		t.Errorf("metadata not restored: channel=%q participant=%q", loaded.Channel, loaded.Participant)
	}
	msgs := loaded.Snapshot()
	if msgs.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", msgs.Len())
	}
	if msgs.Messages[0].Role != "user" || msgs.Messages[0].Text() != "hello" {
		t.Errorf("unexpected first message: %+v", msgs.Messages[0])
	}
	if got := msgs.Messages[1].ToolsUsed; len(got) != 1 || got[0] != "read_file" {
		t.Errorf("tools_used not restored: %v", got)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	st, _ := NewStore(t.TempDir())
	_, err := st.Get("telegram:nobody")
	if !errors.Is(err, schema.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStore_ToolCallRoundTrip(t *testing.T) {
	st, _ := NewStore(t.TempDir())
	s := st.GetOrCreate("cli:direct")

	content := ""
	msg := schema.NewAssistantMessage(&content, []schema.ToolCall{
		{ID: "call_1", Name: "exec", Arguments: map[string]any{"command": "ls"}},
	})
	s.Messages.Messages = append(s.Messages.Messages, msg)
	s.Messages.AddToolResult("call_1", "exec", "file.txt", false)

	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	st.Invalidate("cli:direct")

	loaded, err := st.Get("cli:direct")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	msgs := loaded.Snapshot().Messages
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	tc := msgs[0].ToolCalls
	if len(tc) != 1 || tc[0].ID != "call_1" || tc[0].Name != "exec" {
		t.Fatalf("tool call not restored: %+v", tc)
	}
	if cmd, _ := tc[0].Arguments["command"].(string); cmd != "ls" {
		t.Errorf("arguments not restored: %v", tc[0].Arguments)
	}
	if msgs[1].ToolCallID != "call_1" || msgs[1].ToolName != "exec" {
		t.Errorf("tool result not restored: %+v", msgs[1])
	}
}

func TestStore_CorruptLineSkipped(t *testing.T) {
	dir := t.TempDir()
	st, _ := NewStore(dir)
	path := filepath.Join(dir, "sessions", "cli_direct.jsonl")
	lines := []string{
		`{"_type":"metadata","key":"cli:direct","channel":"cli","participant":"direct","status":"active"}`,
		`{"role":"user","content":"first","timestamp":"2026-01-01T00:00:00Z"}`,
		`{not json`,
		`{"role":"assistant","content":"second","timestamp":"2026-01-01T00:00:01Z"}`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := st.Get("cli:direct")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	snap := s.Snapshot()
	if got := snap.Len(); got != 2 {
		t.Errorf("expected corrupt line skipped (2 messages), got %d", got)
	}
}

func TestStore_ArchiveIdle(t *testing.T) {
	st, _ := NewStore(t.TempDir())

	fresh := st.GetOrCreate("telegram:fresh")
	fresh.Touch()

	halfway := st.GetOrCreate("telegram:halfway")
	halfway.Lock()
	halfway.LastActiveAt = time.Now().Add(-40 * time.Minute)
	halfway.Unlock()

	stale := st.GetOrCreate("telegram:stale")
	stale.Lock()
	stale.LastActiveAt = time.Now().Add(-2 * time.Hour)
	stale.Unlock()

	archived := st.ArchiveIdle(time.Hour)
	if len(archived) != 1 || archived[0] != "telegram:stale" {
		t.Errorf("expected [telegram:stale] archived, got %v", archived)
	}
	if fresh.CurrentStatus() != StatusActive {
		t.Errorf("fresh session should stay active")
	}
	if halfway.CurrentStatus() != StatusIdle {
		t.Errorf("halfway session should be idle, got %s", halfway.CurrentStatus())
	}
	if stale.CurrentStatus() != StatusArchived {
		t.Errorf("stale session should be archived, got %s", stale.CurrentStatus())
	}

	// A touch reactivates; a second sweep must not re-archive it.
	stale.Touch()
	if again := st.ArchiveIdle(time.Hour); len(again) != 0 {
		t.Errorf("expected nothing archived after touch, got %v", again)
	}
}

func TestStore_ListSessions(t *testing.T) {
	st, _ := NewStore(t.TempDir())
	for _, key := range []string{"telegram:1", "slack:2"} {
		s := st.GetOrCreate(key)
		s.AddUser("hi")
		if err := st.Save(s); err != nil {
			t.Fatalf("Save(%s): %v", key, err)
		}
	}

	list := st.ListSessions()
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	keys := map[string]bool{}
	for _, meta := range list {
		k, _ := meta["key"].(string)
		keys[k] = true
	}
	if !keys["telegram:1"] || !keys["slack:2"] {
		t.Errorf("unexpected keys in listing: %v", keys)
	}
}
