package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const execOutputCap = 10000

// blockedCommands rejects obviously destructive command lines before they run.
// The guard is a tripwire, not a sandbox.
var blockedCommands = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`(?i)\bdel\s+/[fq]\b`),
	regexp.MustCompile(`(?i)\brmdir\s+/s\b`),
	regexp.MustCompile(`(?i)(?:^|[;&|]\s*)format\b`),
	regexp.MustCompile(`(?i)\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`(?i)>\s*/dev/sd`),
	regexp.MustCompile(`(?i)\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
}

var absPathRE = regexp.MustCompile(`(?:^|[\s|>])(/[^\s"'>]+)`)

// ExecTool runs shell commands on behalf of the agent, bounded by a timeout
// and an optional workspace path restriction.
type ExecTool struct {
	workingDir string
	timeout    time.Duration
	restricted bool
}

// NewExecTool creates an ExecTool rooted at workingDir (empty = process CWD).
func NewExecTool(workingDir string, timeoutSeconds int, restrictToWorkspace bool) *ExecTool {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 60
	}
	return &ExecTool{
		workingDir: workingDir,
		timeout:    time.Duration(timeoutSeconds) * time.Second,
		restricted: restrictToWorkspace,
	}
}

func (e *ExecTool) Name() string { return "exec" }

func (e *ExecTool) Description() string {
	return "Execute a shell command and return its output. Use with caution."
}

func (e *ExecTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The shell command to execute"
			},
			"working_dir": {
				"type": "string",
				"description": "Optional working directory for the command"
			}
		},
		"required": ["command"]
	}`)
}

func (e *ExecTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	command, _ := params["command"].(string)
	if command == "" {
		return "Error: command is required", nil
	}

	cwd := e.workingDir
	if wd, ok := params["working_dir"].(string); ok && wd != "" {
		cwd = wd
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	if reason := e.blockReason(command, cwd); reason != "" {
		slog.Warn("exec: command blocked", "reason", reason)
		return "Error: Command blocked by safety guard (" + reason + ")", nil
	}

	cmdCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("Error: Command timed out after %v", e.timeout), nil
	}

	return formatExecResult(stdout.String(), stderr.String(), exitCode(runErr)), nil
}

func exitCode(runErr error) int {
	if runErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func formatExecResult(stdout, stderr string, code int) string {
	var parts []string
	if stdout != "" {
		parts = append(parts, stdout)
	}
	if strings.TrimSpace(stderr) != "" {
		parts = append(parts, "STDERR:\n"+stderr)
	}
	if code != 0 {
		parts = append(parts, fmt.Sprintf("\nExit code: %d", code))
	}

	result := strings.Join(parts, "\n")
	if result == "" {
		result = "(no output)"
	}
	if len(result) > execOutputCap {
		result = result[:execOutputCap] +
			fmt.Sprintf("\n... (truncated, %d more chars)", len(result)-execOutputCap)
	}
	return result
}

// blockReason returns a non-empty reason when the command must not run:
// a destructive pattern, or (under workspace restriction) a path that
// escapes the working directory.
func (e *ExecTool) blockReason(command, cwd string) string {
	lower := strings.ToLower(strings.TrimSpace(command))

	for _, p := range blockedCommands {
		if p.MatchString(lower) {
			return "dangerous pattern detected"
		}
	}

	if !e.restricted {
		return ""
	}
	if strings.Contains(command, `..\\`) || strings.Contains(command, "../") {
		return "path traversal detected"
	}

	cwdResolved, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		cwdResolved = cwd
	}
	for _, m := range absPathRE.FindAllStringSubmatch(command, -1) {
		raw := strings.TrimSpace(m[1])
		p, err := filepath.EvalSymlinks(raw)
		if err != nil {
			p = filepath.Clean(raw)
		}
		if filepath.IsAbs(p) && p != cwdResolved && !strings.HasPrefix(p, cwdResolved) {
			return "path outside working dir"
		}
	}
	return ""
}
