// Package selfagent is the capability-restricted reflection engine. It
// observes bus traffic and reasoning-loop events, runs its own reasoning pass
// on a dedicated timer or on event triggers, and writes marker-prefixed
// observations into the shared memory file.
package selfagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lunamoth/lunamoth/internal/agent"
	"github.com/lunamoth/lunamoth/internal/schema"
	"github.com/lunamoth/lunamoth/internal/shared/llmutils"
	"github.com/lunamoth/lunamoth/internal/tools"
)

// allowedTools is the reflection capability set: read-only inspection plus
// web lookups. Messaging, spawning, scheduling, and file writes are denied at
// the registry boundary; the memory file is reached through AppendObservation
// only.
var allowedTools = []tools.ToolName{
	tools.ToolReadFile,
	tools.ToolListDir,
	tools.ToolWebSearch,
	tools.ToolWebFetch,
}

// maxBufferedEvents bounds the traffic window a reflection pass can see.
const maxBufferedEvents = 100

// Config holds reflection engine settings.
type Config struct {
	Model               string
	Marker              string
	Interval            time.Duration
	MaxIter             int
	RepeatToolThreshold int
	CycleIterThreshold  int
}

// Engine is the reflection process. One Start loop, never concurrent with
// itself; triggers arriving mid-pass collapse into one pending slot.
type Engine struct {
	runner   agent.Runner
	registry tools.Lookup
	memory   *agent.FileMemoryStore
	cfg      Config

	trigger chan string
	tracker *toolTracker

	mu     sync.Mutex
	buffer []string
}

// New creates the reflection engine. registry is the full tool list; the
// capability restriction is applied here.
func New(provider schema.LLMProvider, registry *tools.ToolList, memory *agent.FileMemoryStore, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = 10
	}
	if cfg.RepeatToolThreshold <= 0 {
		cfg.RepeatToolThreshold = 5
	}
	if cfg.CycleIterThreshold <= 0 {
		cfg.CycleIterThreshold = 15
	}
	settings := schema.AgentSettings{
		Model:       cfg.Model,
		MaxTokens:   4096,
		Temperature: 0.5,
		MaxIter:     cfg.MaxIter,
		MaxRetries:  1,
	}
	return &Engine{
		runner:   agent.NewRunner(provider, settings, nil),
		registry: tools.Restrict(registry, "selfagent", allowedTools...),
		memory:   memory,
		cfg:      cfg,
		trigger:  make(chan string, 1),
		tracker:  newToolTracker(),
	}
}

var _ agent.Observer = (*Engine)(nil)

// Monitor is the bus tap. Register with bus.AddMonitor; must not block.
func (e *Engine) Monitor(direction, sessionKey, content string) {
	line := fmt.Sprintf("[%s] %s %s: %s",
		time.Now().Format("15:04:05"), direction, sessionKey, llmutils.Truncate(content, 200))

	e.mu.Lock()
	e.buffer = append(e.buffer, line)
	if len(e.buffer) > maxBufferedEvents {
		e.buffer = e.buffer[len(e.buffer)-maxBufferedEvents:]
	}
	e.mu.Unlock()

	if signal, ok := detectSecuritySignal(content); ok {
		e.fire("security signal: " + signal)
	}
}

// ToolEvent implements agent.Observer. Tool errors and long consecutive runs
// of one tool both trigger a reflection pass.
func (e *Engine) ToolEvent(sessionKey, tool string, isError bool) {
	if isError {
		e.fire(fmt.Sprintf("tool error: %s in %s", tool, sessionKey))
		return
	}
	if run := e.tracker.observe(sessionKey, tool); run >= e.cfg.RepeatToolThreshold {
		e.fire(fmt.Sprintf("tool %s repeated %d times in %s", tool, run, sessionKey))
	}
}

// CycleDone implements agent.Observer.
func (e *Engine) CycleDone(sessionKey string, iterations int) {
	e.tracker.reset(sessionKey)
	if iterations >= e.cfg.CycleIterThreshold {
		e.fire(fmt.Sprintf("cycle ran %d iterations in %s", iterations, sessionKey))
	}
}

// fire requests a reflection pass. Non-blocking: a pass already pending
// absorbs the new trigger.
func (e *Engine) fire(reason string) {
	select {
	case e.trigger <- reason:
	default:
	}
}

// Start runs the reflection loop until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	slog.Info("selfagent: started", "interval", e.cfg.Interval, "marker", e.cfg.Marker)

	for {
		select {
		case <-ticker.C:
			e.reflect(ctx, "interval")
		case reason := <-e.trigger:
			e.reflect(ctx, reason)
		case <-ctx.Done():
			slog.Info("selfagent: stopped")
			return ctx.Err()
		}
	}
}

// reflect runs one reasoning pass over the buffered traffic and writes the
// resulting observation, if any, to the shared memory file.
func (e *Engine) reflect(ctx context.Context, reason string) {
	e.mu.Lock()
	window := make([]string, len(e.buffer))
	copy(window, e.buffer)
	e.buffer = e.buffer[:0]
	e.mu.Unlock()

	if len(window) == 0 && reason == "interval" {
		return
	}

	slog.Debug("selfagent: reflecting", "reason", reason, "events", len(window))

	conversation := schema.NewMessages(
		schema.NewSystemMessage(e.buildPrompt()),
		schema.NewUserMessage(fmt.Sprintf(
			"Trigger: %s\n\nRecent traffic:\n%s", reason, strings.Join(window, "\n"))),
	)

	ctx = tools.WithTurn(ctx, tools.TurnContext{Channel: "selfagent", ChatID: "reflect"})
	observation, _ := e.runner.Run(ctx, conversation, e.registry, nil)

	observation = strings.TrimSpace(observation)
	if observation == "" || strings.EqualFold(observation, "NOTHING") {
		return
	}

	if err := e.memory.AppendObservation(e.cfg.Marker, observation); err != nil {
		// A busy lock drops the observation for this cycle; the timer must
		// never block on memory contention.
		if errors.Is(err, schema.ErrLockTimeout) {
			slog.Debug("selfagent: memory busy, observation dropped")
		} else {
			slog.Warn("selfagent: observation write failed", "err", err)
		}
		return
	}
	slog.Info("selfagent: observation recorded", "reason", reason, "length", len(observation))
}

// buildPrompt returns the reflection system prompt.
func (e *Engine) buildPrompt() string {
	return fmt.Sprintf(`# Reflection

You are the introspective observer of a personal assistant. You watch its
recent traffic and tool activity, looking for stuck loops, repeated failures,
security concerns, and patterns worth remembering.

You may read files, list directories, and search the web to investigate.
You cannot message users, spawn tasks, or edit files.

If you find one concrete insight worth keeping, reply with that insight as a
single short paragraph. It will be stored in shared memory prefixed with %q.
If there is nothing noteworthy, reply with exactly: NOTHING`, e.cfg.Marker)
}
