// Package agent contains the reasoning engine and its supporting components.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lunamoth/lunamoth/internal/lock"
)

// FileMemoryStore is persistent agent memory backed by markdown files under
// workspace/memory. All writes go through the lock manager so the main
// engine, the consolidator, and the reflection engine never interleave
// updates to the same file.
type FileMemoryStore struct {
	memoryDir       string
	memoryFilePath  string
	historyFilePath string

	locker  *lock.Manager
	holder  string
	timeout time.Duration
}

// NewMemoryStore creates a FileMemoryStore rooted at workspace. holder
// identifies this store instance in the lock queue.
// The memory/ subdirectory is created if it does not exist.
func NewMemoryStore(workspace string, locker *lock.Manager, holder string, timeout time.Duration) (*FileMemoryStore, error) {
	dir := filepath.Join(workspace, "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	if holder == "" {
		holder = "memory"
	}
	return &FileMemoryStore{
		memoryDir:       dir,
		memoryFilePath:  filepath.Join(dir, "MEMORY.md"),
		historyFilePath: filepath.Join(dir, "HISTORY.md"),
		locker:          locker,
		holder:          holder,
		timeout:         timeout,
	}, nil
}

// MemoryPath returns the path of the shared long-term memory file.
func (m *FileMemoryStore) MemoryPath() string { return m.memoryFilePath }

// withLock serialises an operation on path through the manager.
func (m *FileMemoryStore) withLock(path string, fn func() error) error {
	if m.locker == nil {
		return fn()
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout+time.Second)
	defer cancel()
	return m.locker.WithLock(ctx, path, m.holder, m.timeout, fn)
}

// ReadLongTerm returns the current contents of MEMORY.md, or "" if not yet
// written. The read holds the path lock so it never observes a partial write.
func (m *FileMemoryStore) ReadLongTerm() string {
	var out string
	_ = m.withLock(m.memoryFilePath, func() error {
		data, err := os.ReadFile(m.memoryFilePath)
		if err != nil {
			return nil
		}
		out = string(data)
		return nil
	})
	return out
}

// WriteLongTerm overwrites MEMORY.md with content.
func (m *FileMemoryStore) WriteLongTerm(content string) error {
	return m.withLock(m.memoryFilePath, func() error {
		return os.WriteFile(m.memoryFilePath, []byte(content), 0o644)
	})
}

// AppendHistory appends a timestamped entry to HISTORY.md followed by a blank line.
func (m *FileMemoryStore) AppendHistory(entry string) error {
	return m.withLock(m.historyFilePath, func() error {
		f, err := os.OpenFile(m.historyFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open history file: %w", err)
		}
		defer f.Close()
		_, err = fmt.Fprintf(f, "%s\n\n", strings.TrimRight(entry, " \r\n"))
		return err
	})
}

// AppendObservation appends a marker-prefixed note to MEMORY.md. Notes that
// already carry the marker are not double-prefixed. Used by the reflection
// engine; lock failures propagate so the caller can drop the observation.
func (m *FileMemoryStore) AppendObservation(marker, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}
	if marker != "" && !strings.HasPrefix(note, marker) {
		note = marker + " " + note
	}
	return m.withLock(m.memoryFilePath, func() error {
		f, err := os.OpenFile(m.memoryFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open memory file: %w", err)
		}
		defer f.Close()
		_, err = fmt.Fprintf(f, "%s\n", note)
		return err
	})
}

// GetMemoryContext returns the long-term memory formatted for injection into
// the system prompt, or "" if MEMORY.md is empty.
func (m *FileMemoryStore) GetMemoryContext() string {
	lt := m.ReadLongTerm()
	if lt == "" {
		return ""
	}
	return "## Long-term Memory\n" + lt
}
