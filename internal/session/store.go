package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lunamoth/lunamoth/internal/schema"
)

// Store loads and persists sessions as JSONL files under workspace/sessions.
type Store struct {
	sessionsDir string
	cache       sync.Map // key → *Session
}

// NewStore creates a Store rooted at the workspace directory.
func NewStore(workspace string) (*Store, error) {
	dir := filepath.Join(workspace, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{sessionsDir: dir}, nil
}

// GetOrCreate returns the cached session for key, loading from disk if
// needed, or creating an empty new one.
func (st *Store) GetOrCreate(key string) *Session {
	if v, ok := st.cache.Load(key); ok {
		return v.(*Session)
	}
	s := st.load(key)
	if s == nil {
		s = New(key)
	}
	actual, _ := st.cache.LoadOrStore(key, s)
	return actual.(*Session)
}

// Get returns the session for key or schema.ErrSessionNotFound.
func (st *Store) Get(key string) (*Session, error) {
	if v, ok := st.cache.Load(key); ok {
		return v.(*Session), nil
	}
	if s := st.load(key); s != nil {
		actual, _ := st.cache.LoadOrStore(key, s)
		return actual.(*Session), nil
	}
	return nil, fmt.Errorf("session %q: %w", key, schema.ErrSessionNotFound)
}

// Save writes the session to disk and updates the cache.
func (st *Store) Save(s *Session) error {
	path := st.sessionPath(s.Key)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	s.Lock()
	msgs := s.Messages.Clone()
	meta := map[string]any{
		"_type":             "metadata",
		"key":               s.Key,
		"channel":           s.Channel,
		"participant":       s.Participant,
		"status":            string(s.Status),
		"created_at":        s.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":        time.Now().UTC().Format(time.RFC3339),
		"last_active":       s.LastActiveAt.UTC().Format(time.RFC3339),
		"metadata":          s.Metadata,
		"last_consolidated": s.LastConsolidated,
	}
	s.Unlock()

	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	for _, msg := range msgs.Messages {
		if err := enc.Encode(messageToWire(msg)); err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", path, err)
	}
	st.cache.Store(s.Key, s)
	return nil
}

// Invalidate removes a session from the in-memory cache (used after /new).
func (st *Store) Invalidate(key string) {
	st.cache.Delete(key)
}

// ArchiveIdle transitions sessions past the idle timeout to archived and
// halfway there to idle. Returns the keys archived by this sweep.
func (st *Store) ArchiveIdle(idleTimeout time.Duration) []string {
	if idleTimeout <= 0 {
		return nil
	}
	now := time.Now()
	var archived []string
	st.cache.Range(func(_, v any) bool {
		s := v.(*Session)
		if s.CurrentStatus() == StatusArchived {
			return true
		}
		switch idle := s.IdleFor(now); {
		case idle >= idleTimeout:
			s.SetStatus(StatusArchived)
			if err := st.Save(s); err != nil {
				slog.Warn("session: archive save failed", "key", s.Key, "err", err)
			}
			archived = append(archived, s.Key)
		case idle >= idleTimeout/2:
			s.SetStatus(StatusIdle)
		}
		return true
	})
	if len(archived) > 0 {
		slog.Info("session: archived idle sessions", "count", len(archived))
	}
	return archived
}

// ListSessions returns metadata for all stored sessions, newest-first.
func (st *Store) ListSessions() []map[string]any {
	entries, _ := filepath.Glob(filepath.Join(st.sessionsDir, "*.jsonl"))
	var out []map[string]any

	for _, path := range entries {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		if scanner.Scan() {
			var data map[string]any
			if json.Unmarshal(scanner.Bytes(), &data) == nil && data["_type"] == "metadata" {
				out = append(out, map[string]any{
					"key":        data["key"],
					"status":     data["status"],
					"created_at": data["created_at"],
					"updated_at": data["updated_at"],
					"path":       path,
				})
			}
		}
		f.Close()
	}

	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i]["updated_at"].(string)
		b, _ := out[j]["updated_at"].(string)
		return a > b
	})
	return out
}

func (st *Store) sessionPath(key string) string {
	safe := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
	return filepath.Join(st.sessionsDir, safe+".jsonl")
}

// load reads a session file from disk, or returns nil if absent/corrupt.
func (st *Store) load(key string) *Session {
	data, err := os.ReadFile(st.sessionPath(key))
	if err != nil {
		return nil
	}

	s := New(key)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			slog.Warn("session: skipping corrupt line", "key", key, "err", err)
			continue
		}
		if first && obj["_type"] == "metadata" {
			first = false
			applyMetadata(s, obj)
			continue
		}
		first = false
		s.Messages.Messages = append(s.Messages.Messages, wireToMessage(obj))
	}
	return s
}

func applyMetadata(s *Session, data map[string]any) {
	if v, ok := data["channel"].(string); ok && v != "" {
		s.Channel = v
	}
	if v, ok := data["participant"].(string); ok && v != "" {
		s.Participant = v
	}
	if v, ok := data["status"].(string); ok && v != "" {
		s.Status = Status(v)
	}
	if v, ok := data["created_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			s.CreatedAt = ts
		}
	}
	if v, ok := data["last_active"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			s.LastActiveAt = ts
		}
	}
	if v, ok := data["metadata"].(map[string]any); ok {
		s.Metadata = v
	}
	if v, ok := data["last_consolidated"].(float64); ok {
		s.LastConsolidated = int(v)
	}
}

// ---------------------------------------------------------------------------
// Wire format helpers

// wireMessage is the on-disk JSON representation of a message.
type wireMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCalls  []map[string]any `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
	IsError    bool             `json:"is_error,omitempty"`
	ToolsUsed  []string         `json:"tools_used,omitempty"`
	Timestamp  string           `json:"timestamp"`
}

func messageToWire(msg schema.Message) wireMessage {
	w := wireMessage{
		Role:      msg.Role,
		Content:   msg.Text(),
		ToolsUsed: msg.ToolsUsed,
		IsError:   msg.IsError,
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	w.Timestamp = ts.UTC().Format(time.RFC3339)

	for _, tc := range msg.ToolCalls {
		w.ToolCalls = append(w.ToolCalls, tc.ToWireMap())
	}
	w.ToolCallID = msg.ToolCallID
	w.Name = msg.ToolName
	return w
}

func wireToMessage(data map[string]any) schema.Message {
	role, _ := data["role"].(string)
	content := data["content"]
	if content == nil {
		content = ""
	}

	msg := schema.Message{Role: role, Content: content}

	if tcs, ok := data["tool_calls"].([]any); ok {
		for _, tc := range tcs {
			tcm, ok := tc.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := tcm["function"].(map[string]any)
			id, _ := tcm["id"].(string)
			name, _ := fn["name"].(string)
			argsStr, _ := fn["arguments"].(string)
			var args map[string]any
			_ = json.Unmarshal([]byte(argsStr), &args)
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{ID: id, Name: name, Arguments: args})
		}
	}
	if id, ok := data["tool_call_id"].(string); ok {
		msg.ToolCallID = id
	}
	if name, ok := data["name"].(string); ok {
		msg.ToolName = name
	}
	if v, ok := data["is_error"].(bool); ok {
		msg.IsError = v
	}
	if tu, ok := data["tools_used"].([]any); ok {
		for _, v := range tu {
			if s, ok := v.(string); ok {
				msg.ToolsUsed = append(msg.ToolsUsed, s)
			}
		}
	}
	if ts, ok := data["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			msg.Timestamp = parsed
		}
	}
	return msg
}
