package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lunamoth/lunamoth/internal/lock"
	"github.com/lunamoth/lunamoth/internal/schema"
)

// resolvePath resolves a file path against workspace (if relative) and
// enforces directory restriction if allowedDir is non-empty.
func resolvePath(path, workspace, allowedDir string) (string, error) {
	p := path
	if !filepath.IsAbs(p) && workspace != "" {
		p = filepath.Join(workspace, p)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		// Path may not exist yet (for writes), use Clean instead.
		resolved = filepath.Clean(p)
	}
	if allowedDir != "" {
		allowedResolved := filepath.Clean(allowedDir)
		if !strings.HasPrefix(resolved, allowedResolved) {
			return "", fmt.Errorf("path %s is outside allowed directory %s", path, allowedDir)
		}
	}
	return resolved, nil
}

// FileGuard serialises filesystem access through the lock manager. Every
// access goes through the exclusive path lock: shared files like MEMORY.md
// are protected against interleaved writers, and readers never observe a
// half-written file.
type FileGuard struct {
	Locker  *lock.Manager
	Timeout time.Duration
}

// withPathLock runs fn while holding the path lock. holder comes from the
// turn context so each session is its own lock identity.
func (g *FileGuard) withPathLock(ctx context.Context, path string, fn func() error) error {
	if g == nil || g.Locker == nil {
		return fn()
	}
	holder := TurnCtx(ctx).SessionKey()
	if holder == "" {
		holder = "agent"
	}
	return g.Locker.WithLock(ctx, path, holder, g.Timeout, fn)
}

// lockErrMessage maps lock failures to tool-result strings.
func lockErrMessage(path string, err error) (string, bool) {
	switch {
	case errors.Is(err, schema.ErrLockTimeout):
		return fmt.Sprintf("Error: %s is busy (lock acquisition timed out)", path), true
	case errors.Is(err, schema.ErrLockReentrant):
		return fmt.Sprintf("Error: %s is already locked by this session", path), true
	case errors.Is(err, schema.ErrLockInvalidated):
		return fmt.Sprintf("Error: lost the lock on %s (lease expired)", path), true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// ReadFileTool
// ---------------------------------------------------------------------------

// ReadFileTool reads a file and returns its contents.
type ReadFileTool struct {
	workspace  string
	allowedDir string
	guard      *FileGuard
}

func NewReadFileTool(workspace, allowedDir string, guard *FileGuard) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, allowedDir: allowedDir, guard: guard}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file at the given path." }
func (t *ReadFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "The file path to read"
			}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return "Error: path is required", nil
	}
	fp, err := resolvePath(path, t.workspace, t.allowedDir)
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	var out string
	err = t.guard.withPathLock(ctx, fp, func() error {
		info, err := os.Stat(fp)
		if err != nil {
			out = fmt.Sprintf("Error: File not found: %s", path)
			return nil
		}
		if !info.Mode().IsRegular() {
			out = fmt.Sprintf("Error: Not a file: %s", path)
			return nil
		}
		data, err := os.ReadFile(fp)
		if err != nil {
			out = fmt.Sprintf("Error reading file: %s", err)
			return nil
		}
		out = string(data)
		return nil
	})
	if err != nil {
		if msg, ok := lockErrMessage(path, err); ok {
			return msg, nil
		}
		return "Error: " + err.Error(), nil
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// WriteFileTool
// ---------------------------------------------------------------------------

// WriteFileTool writes content to a file, creating parent directories as needed.
type WriteFileTool struct {
	workspace  string
	allowedDir string
	guard      *FileGuard
}

func NewWriteFileTool(workspace, allowedDir string, guard *FileGuard) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, allowedDir: allowedDir, guard: guard}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file at the given path. Creates parent directories if needed."
}
func (t *WriteFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "The file path to write to"
			},
			"content": {
				"type": "string",
				"description": "The content to write"
			}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)
	if path == "" {
		return "Error: path is required", nil
	}
	fp, err := resolvePath(path, t.workspace, t.allowedDir)
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	var out string
	err = t.guard.withPathLock(ctx, fp, func() error {
		if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
			out = fmt.Sprintf("Error creating directories: %s", err)
			return nil
		}
		if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
			out = fmt.Sprintf("Error writing file: %s", err)
			return nil
		}
		out = fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), fp)
		return nil
	})
	if err != nil {
		if msg, ok := lockErrMessage(path, err); ok {
			return msg, nil
		}
		return "Error: " + err.Error(), nil
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// EditFileTool
// ---------------------------------------------------------------------------

// EditFileTool replaces old_text with new_text in a file (first occurrence).
type EditFileTool struct {
	workspace  string
	allowedDir string
	guard      *FileGuard
}

func NewEditFileTool(workspace, allowedDir string, guard *FileGuard) *EditFileTool {
	return &EditFileTool{workspace: workspace, allowedDir: allowedDir, guard: guard}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Edit a file by replacing old_text with new_text. The old_text must exist exactly in the file."
}
func (t *EditFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "The file path to edit"
			},
			"old_text": {
				"type": "string",
				"description": "The exact text to find and replace"
			},
			"new_text": {
				"type": "string",
				"description": "The text to replace with"
			}
		},
		"required": ["path", "old_text", "new_text"]
	}`)
}

func (t *EditFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, _ := params["path"].(string)
	oldText, _ := params["old_text"].(string)
	newText, _ := params["new_text"].(string)
	if path == "" {
		return "Error: path is required", nil
	}

	fp, err := resolvePath(path, t.workspace, t.allowedDir)
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	var out string
	err = t.guard.withPathLock(ctx, fp, func() error {
		data, err := os.ReadFile(fp)
		if err != nil {
			out = fmt.Sprintf("Error: File not found: %s", path)
			return nil
		}
		content := string(data)

		if !strings.Contains(content, oldText) {
			out = editNotFoundMessage(oldText, content, path)
			return nil
		}
		count := strings.Count(content, oldText)
		if count > 1 {
			out = fmt.Sprintf("Warning: old_text appears %d times. Please provide more context to make it unique.", count)
			return nil
		}

		newContent := strings.Replace(content, oldText, newText, 1)
		if err := os.WriteFile(fp, []byte(newContent), 0o644); err != nil {
			out = fmt.Sprintf("Error writing file: %s", err)
			return nil
		}
		out = fmt.Sprintf("Successfully edited %s", fp)
		return nil
	})
	if err != nil {
		if msg, ok := lockErrMessage(path, err); ok {
			return msg, nil
		}
		return "Error: " + err.Error(), nil
	}
	return out, nil
}

// editNotFoundMessage builds a diff hint when old_text is not found,
// using a sliding window over the file to locate the best match.
func editNotFoundMessage(oldText, content, path string) string {
	oldLines := strings.Split(oldText, "\n")
	contentLines := strings.Split(content, "\n")
	window := len(oldLines)

	bestRatio := 0.0
	bestStart := 0

	end := len(contentLines) - window + 1
	if end < 1 {
		end = 1
	}
	for i := 0; i < end; i++ {
		r := similarityRatio(oldLines, contentLines[i:min(i+window, len(contentLines))])
		if r > bestRatio {
			bestRatio, bestStart = r, i
		}
	}

	if bestRatio > 0.5 {
		stop := min(bestStart+window, len(contentLines))
		return fmt.Sprintf(
			"Error: old_text not found in %s.\nBest match (%.0f%% similar) at line %d:\n%s",
			path, bestRatio*100, bestStart+1,
			unifiedDiffHint(oldLines, contentLines[bestStart:stop], path, bestStart),
		)
	}
	return fmt.Sprintf("Error: old_text not found in %s. No similar text found. Verify the file content.", path)
}

// similarityRatio computes a simple character-level overlap ratio.
func similarityRatio(a, b []string) float64 {
	sa := strings.Join(a, "\n")
	sb := strings.Join(b, "\n")
	if len(sa)+len(sb) == 0 {
		return 1.0
	}
	common := 0
	freq := make(map[byte]int)
	for i := 0; i < len(sa); i++ {
		freq[sa[i]]++
	}
	for i := 0; i < len(sb); i++ {
		if freq[sb[i]] > 0 {
			common++
			freq[sb[i]]--
		}
	}
	return 2.0 * float64(common) / float64(len(sa)+len(sb))
}

// unifiedDiffHint returns a simple unified-diff-like hint.
func unifiedDiffHint(oldLines, newLines []string, path string, startLine int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("--- old_text (provided)\n+++ %s (actual, line %d)\n", path, startLine+1))
	n := len(oldLines)
	if len(newLines) > n {
		n = len(newLines)
	}
	for i := 0; i < n; i++ {
		if i < len(oldLines) {
			sb.WriteString("- " + oldLines[i] + "\n")
		}
		if i < len(newLines) {
			sb.WriteString("+ " + newLines[i] + "\n")
		}
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// ListDirTool
// ---------------------------------------------------------------------------

// ListDirTool lists directory contents.
type ListDirTool struct {
	workspace  string
	allowedDir string
}

func NewListDirTool(workspace, allowedDir string) *ListDirTool {
	return &ListDirTool{workspace: workspace, allowedDir: allowedDir}
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the contents of a directory." }
func (t *ListDirTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "The directory path to list"
			}
		},
		"required": ["path"]
	}`)
}

func (t *ListDirTool) Execute(_ context.Context, params map[string]any) (string, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return "Error: path is required", nil
	}
	dp, err := resolvePath(path, t.workspace, t.allowedDir)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	info, err := os.Stat(dp)
	if err != nil {
		return fmt.Sprintf("Error: Directory not found: %s", path), nil
	}
	if !info.IsDir() {
		return fmt.Sprintf("Error: Not a directory: %s", path), nil
	}
	entries, err := os.ReadDir(dp)
	if err != nil {
		return fmt.Sprintf("Error listing directory: %s", err), nil
	}
	if len(entries) == 0 {
		return fmt.Sprintf("Directory %s is empty", path), nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var lines []string
	for _, e := range entries {
		prefix := "[F] "
		if e.IsDir() {
			prefix = "[D] "
		}
		lines = append(lines, prefix+e.Name())
	}
	return strings.Join(lines, "\n"), nil
}
