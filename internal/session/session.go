// Package session manages per-conversation state stored as JSONL files.
//
// File format:
//
//	Line 1:  {"_type":"metadata","key":"…","channel":"…","participant":"…",
//	           "status":"active","created_at":"…","updated_at":"…",
//	           "last_active":"…","metadata":{…},"last_consolidated":N}
//	Line 2+: one JSON message object per line
//
// Messages are append-only; consolidation only writes to memory files.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/lunamoth/lunamoth/internal/schema"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusArchived Status = "archived"
)

// Session is one durable conversation bound to a channel+participant pair.
// It is owned by exactly one engine instance at a time; the embedded mutex
// only guards against concurrent reads from observers (status, listing).
type Session struct {
	mu sync.Mutex

	Key              string
	Channel          string
	Participant      string
	Messages         schema.Messages
	Status           Status
	CreatedAt        time.Time
	LastActiveAt     time.Time
	Metadata         map[string]any
	LastConsolidated int
}

// New creates an active session for key ("channel:chatId").
func New(key string) *Session {
	channel, participant, _ := strings.Cut(key, ":")
	now := time.Now()
	return &Session{
		Key:          key,
		Channel:      channel,
		Participant:  participant,
		Messages:     schema.NewMessages(),
		Status:       StatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
		Metadata:     map[string]any{},
	}
}

// Touch marks the session active now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastActiveAt = time.Now()
	s.Status = StatusActive
	s.mu.Unlock()
}

// AddUser appends a user message.
func (s *Session) AddUser(content string) {
	s.mu.Lock()
	s.Messages.AddUser(content)
	s.LastActiveAt = time.Now()
	s.mu.Unlock()
}

// AddAssistant appends an assistant message, recording the tools used this turn.
func (s *Session) AddAssistant(content string, toolsUsed []string) {
	s.mu.Lock()
	msg := schema.NewAssistantMessage(&content, nil)
	msg.ToolsUsed = toolsUsed
	s.Messages.Messages = append(s.Messages.Messages, msg)
	s.LastActiveAt = time.Now()
	s.mu.Unlock()
}

// History returns the most recent window messages (all if window <= 0).
func (s *Session) History(window int) schema.Messages {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.Messages.Messages
	if window > 0 && len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}
	out := make([]schema.Message, len(msgs))
	copy(out, msgs)
	return schema.Messages{Messages: out}
}

// Snapshot returns a deep copy of the full transcript.
func (s *Session) Snapshot() schema.Messages {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Messages.Clone()
}

// Clear drops the transcript and consolidation cursor (used on reset).
func (s *Session) Clear() {
	s.mu.Lock()
	s.Messages = schema.NewMessages()
	s.LastConsolidated = 0
	s.LastActiveAt = time.Now()
	s.mu.Unlock()
}

// Compact drops consolidated messages, keeping only the last keep entries,
// and resets the consolidation cursor to the start of the surviving tail.
func (s *Session) Compact(keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	msgs := s.Messages.Messages
	if len(msgs) > keep {
		tail := make([]schema.Message, keep)
		copy(tail, msgs[len(msgs)-keep:])
		s.Messages.Messages = tail
	}
	s.LastConsolidated = 0
}

// IdleFor reports how long the session has been without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.LastActiveAt)
}

// SetStatus updates the lifecycle state.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	s.Status = st
	s.mu.Unlock()
}

// CurrentStatus returns the lifecycle state.
func (s *Session) CurrentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status
}

// Lock/Unlock expose the session mutex for multi-field snapshots (Save).
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }
