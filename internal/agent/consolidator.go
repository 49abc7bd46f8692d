package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lunamoth/lunamoth/internal/schema"
	"github.com/lunamoth/lunamoth/internal/session"
	"github.com/lunamoth/lunamoth/internal/tools"
)

// SessionSaver is the subset of session.Store needed by the compactor.
type SessionSaver interface {
	Save(s *session.Session) error
}

// Per-session consolidation states used by Schedule.
const (
	consolidRunning uint8 = 1 // goroutine is actively consolidating
	consolidQueued  uint8 = 2 // goroutine is running AND another run is pending
)

// Compactor summarises old session messages into MEMORY.md and HISTORY.md
// via a single model tool call, then trims the in-memory transcript.
type Compactor struct {
	store        *FileMemoryStore
	saver        SessionSaver
	provider     schema.LLMProvider
	model        string
	memoryWindow int
	saveTool     *tools.SaveMemoryTool

	// Per-session consolidation state (idle=absent, running=1, queued=2).
	consolidating map[string]uint8
	mu            sync.Mutex
}

// NewCompactor returns a Compactor writing through store.
func NewCompactor(store *FileMemoryStore, saver SessionSaver, provider schema.LLMProvider, model string, memoryWindow int) *Compactor {
	return &Compactor{
		store:         store,
		saver:         saver,
		provider:      provider,
		model:         model,
		memoryWindow:  memoryWindow,
		saveTool:      tools.NewSaveMemoryTool(store),
		consolidating: make(map[string]uint8),
	}
}

// Schedule is the single entry point for all consolidation work.
// It enforces at most one active goroutine per key with one pending slot.
//
// State machine per key:
//
//	absent          → consolidRunning  launch goroutine
//	consolidRunning → consolidQueued   mark pending, goroutine will re-run
//	consolidQueued  → consolidQueued   already queued, nothing to do
func (c *Compactor) Schedule(key string, sess *session.Session, archiveAll bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.consolidating[key] {
	case consolidRunning:
		c.consolidating[key] = consolidQueued
		return
	case consolidQueued:
		return
	}

	c.consolidating[key] = consolidRunning
	go func() {
		for {
			if err := c.Compact(context.Background(), sess, archiveAll); err != nil {
				slog.Error("memory consolidation failed", "key", key, "err", err)
			}

			c.mu.Lock()
			if c.consolidating[key] == consolidQueued {
				c.consolidating[key] = consolidRunning
				c.mu.Unlock()
				continue
			}
			delete(c.consolidating, key)
			c.mu.Unlock()
			return
		}
	}()
}

// Compact summarises old session messages and advances the consolidation
// cursor. archiveAll=true processes every message (used on /new); otherwise
// only the slice between LastConsolidated and len-keepCount is processed.
func (c *Compactor) Compact(ctx context.Context, s *session.Session, archiveAll bool) error {
	s.Lock()
	snapshot := s.Messages.Clone()
	lastConsolidated := s.LastConsolidated
	s.Unlock()

	msgs := snapshot.Messages
	var oldMessages []schema.Message
	keepCount := c.memoryWindow / 2

	if archiveAll {
		oldMessages = msgs
		keepCount = 0
		if len(oldMessages) == 0 {
			return nil
		}
		slog.Info("memory consolidation (archive_all)", "messages", len(msgs))
	} else {
		if len(msgs) <= keepCount {
			return nil
		}
		end := len(msgs) - keepCount
		if end <= lastConsolidated {
			return nil
		}
		oldMessages = msgs[lastConsolidated:end]
		if len(oldMessages) == 0 {
			return nil
		}
		slog.Info("memory consolidation", "to_consolidate", len(oldMessages), "keep", keepCount)
	}

	currentMemory := c.store.ReadLongTerm()
	if err := c.summarizeAndSave(ctx, oldMessages, currentMemory); err != nil {
		return err
	}

	if archiveAll {
		s.Lock()
		s.LastConsolidated = 0
		s.Unlock()
	} else {
		s.Compact(keepCount)
	}

	// Persist the updated cursor immediately so it survives a restart.
	if err := c.saver.Save(s); err != nil {
		slog.Warn("memory consolidation: failed to persist session cursor", "err", err)
	}
	return nil
}

// summarizeAndSave sends old messages to the model and persists the returned
// consolidation through the save_memory tool.
func (c *Compactor) summarizeAndSave(ctx context.Context, old []schema.Message, currentMemory string) error {
	shown := currentMemory
	if shown == "" {
		shown = "(empty)"
	}

	prompt := fmt.Sprintf(
		"Process this conversation and call the save_memory tool with your consolidation.\n\n"+
			"## Current Long-term Memory\n%s\n\n"+
			"## Conversation to Process\n%s",
		shown,
		formatMessagesForPrompt(old),
	)

	messages := schema.NewMessages(
		schema.NewSystemMessage("You are a memory consolidation agent. Call the save_memory tool with your consolidation of the conversation."),
		schema.NewUserMessage(prompt),
	)

	defs := tools.NewToolList(c.saveTool).Definitions()
	resp, err := c.provider.Chat(ctx, messages, defs,
		schema.NewChatOptions(c.model, 4096, 0.3))
	if err != nil {
		return fmt.Errorf("consolidation model call: %w", err)
	}
	if !resp.HasToolCalls() {
		slog.Warn("memory consolidation: model did not call save_memory, skipping")
		return nil
	}

	_, err = c.saveTool.Save(ctx, resp.ToolCalls[0].Arguments, currentMemory)
	return err
}

// formatMessagesForPrompt renders a slice of messages into labelled text
// lines suitable for inclusion in the consolidation prompt.
func formatMessagesForPrompt(msgs []schema.Message) string {
	ts := time.Now().UTC().Format("2006-01-02T15:04")
	var lines []string
	for _, msg := range msgs {
		content := msg.Text()
		if content == "" {
			continue
		}
		toolsStr := ""
		if len(msg.ToolsUsed) > 0 {
			toolsStr = " [tools: " + strings.Join(msg.ToolsUsed, ", ") + "]"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s%s: %s", ts, strings.ToUpper(msg.Role), toolsStr, content))
	}
	return strings.Join(lines, "\n")
}
