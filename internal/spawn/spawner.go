// Package spawn runs bounded background subagents and routes their results
// back to the parent session through the bus.
package spawn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lunamoth/lunamoth/internal/bus"
	"github.com/lunamoth/lunamoth/internal/schema"
)

// Executor runs one subagent task to completion. Implemented by
// agent.SubagentExecutor.
type Executor interface {
	ExecuteTask(ctx context.Context, taskID, parentSession, goal string) (string, error)
}

// Task states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Task is one background subagent run.
type Task struct {
	ID            string
	ParentSession string
	Label         string
	Goal          string
	Status        string
	Result        string
	StartedAt     time.Time
	FinishedAt    time.Time

	cancel context.CancelFunc
}

// Spawner launches subagents. Concurrency is bounded globally; spawning from
// inside a subagent is rejected, so nesting depth never exceeds one.
type Spawner struct {
	executor Executor
	bus      *bus.Bus
	sem      *semaphore.Weighted
	timeout  time.Duration

	mu     sync.Mutex
	tasks  map[string]*Task
	nextID int
}

// New creates a Spawner allowing maxConcurrent simultaneous tasks, each
// bounded by timeout.
func New(executor Executor, b *bus.Bus, maxConcurrent int, timeout time.Duration) *Spawner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Spawner{
		executor: executor,
		bus:      b,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		timeout:  timeout,
		tasks:    make(map[string]*Task),
	}
}

var _ schema.Spawner = (*Spawner)(nil)

// Spawn starts a background task for parentSession and returns immediately
// with a confirmation string. Capacity exhaustion and depth violations fail
// synchronously.
func (s *Spawner) Spawn(_ context.Context, parentSession, goal, label string) (string, error) {
	if strings.HasPrefix(parentSession, "subagent:") {
		return "", fmt.Errorf("subagents cannot spawn subagents")
	}
	if !s.sem.TryAcquire(1) {
		return "", schema.ErrSubagentCapacity
	}

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("task-%d", s.nextID)
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	task := &Task{
		ID:            id,
		ParentSession: parentSession,
		Label:         label,
		Goal:          goal,
		Status:        StatusRunning,
		StartedAt:     time.Now(),
		cancel:        cancel,
	}
	s.tasks[id] = task
	s.mu.Unlock()

	slog.Info("spawn: task started", "id", id, "parent", parentSession, "label", label)

	go s.run(ctx, task)

	display := label
	if display == "" {
		display = goal
		if len(display) > 60 {
			display = display[:60] + "..."
		}
	}
	return fmt.Sprintf("Subagent %s started: %s. The result will be announced when it completes.", id, display), nil
}

// Cancel aborts a running task. Returns false if the task is unknown or
// already finished.
func (s *Spawner) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.Status != StatusRunning {
		return false
	}
	task.Status = StatusCancelled
	task.cancel()
	return true
}

// Tasks returns read-only snapshots for tool-level listing.
func (s *Spawner) Tasks() []schema.TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, schema.TaskInfo{ID: t.ID, Label: t.Label, Goal: t.Goal, Status: t.Status})
	}
	return out
}

// List returns a snapshot of all known tasks.
func (s *Spawner) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// run executes the task and publishes the outcome to the parent session.
func (s *Spawner) run(ctx context.Context, task *Task) {
	defer s.sem.Release(1)
	defer task.cancel()

	result, err := s.executor.ExecuteTask(ctx, task.ID, task.ParentSession, task.Goal)

	s.mu.Lock()
	task.FinishedAt = time.Now()
	cancelled := task.Status == StatusCancelled
	switch {
	case cancelled:
		// Cancel already set the status; the result is discarded.
	case err != nil:
		task.Status = StatusFailed
		task.Result = err.Error()
	default:
		task.Status = StatusCompleted
		task.Result = result
	}
	status := task.Status
	s.mu.Unlock()

	slog.Info("spawn: task finished", "id", task.ID, "status", status, "elapsed", task.FinishedAt.Sub(task.StartedAt))

	if cancelled {
		return
	}

	s.announce(task, err)
}

// announce delivers the task outcome onto the parent session's queue.
func (s *Spawner) announce(task *Task, err error) {
	label := task.Label
	if label == "" {
		label = task.ID
	}

	var content string
	if err != nil {
		content = fmt.Sprintf("Background task %q failed: %v", label, err)
	} else {
		content = fmt.Sprintf("Background task %q completed.\n\nTask: %s\n\nResult:\n%s", label, task.Goal, task.Result)
	}

	ev := bus.NewInboundEvent(bus.ChannelSystem, "subagent:"+task.ID, task.ParentSession, content)
	ev.Session = task.ParentSession
	s.bus.PublishInbound(ev)
}
