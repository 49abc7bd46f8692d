package spawn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lunamoth/lunamoth/internal/bus"
	"github.com/lunamoth/lunamoth/internal/schema"
)

// blockingExecutor holds tasks until released so capacity tests are deterministic.
type blockingExecutor struct {
	mu      sync.Mutex
	started chan string
	release chan struct{}
	result  string
	err     error
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		started: make(chan string, 16),
		release: make(chan struct{}),
		result:  "ok",
	}
}

func (e *blockingExecutor) ExecuteTask(ctx context.Context, taskID, _, _ string) (string, error) {
	e.started <- taskID
	select {
	case <-e.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.err
}

func collectInbound(t *testing.T, b *bus.Bus) <-chan bus.InboundEvent {
	t.Helper()
	got := make(chan bus.InboundEvent, 16)
	b.Bind(func(_ context.Context, ev bus.InboundEvent) {
		got <- ev
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return got
}

func waitEvent(t *testing.T, ch <-chan bus.InboundEvent) bus.InboundEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return bus.InboundEvent{}
	}
}

func TestSpawner_ResultDeliveredToParentSession(t *testing.T) {
	b := bus.New(8, 8)
	events := collectInbound(t, b)
	exec := newBlockingExecutor()
	s := New(exec, b, 2, time.Minute)

	msg, err := s.Spawn(context.Background(), "telegram:42", "summarize the report", "report")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !strings.Contains(msg, "started") {
		t.Errorf("confirmation = %q, want 'started'", msg)
	}

	<-exec.started
	close(exec.release)

	ev := waitEvent(t, events)
	if ev.Channel != bus.ChannelSystem {
		t.Errorf("channel = %q, want system", ev.Channel)
	}
	if ev.SessionKey() != "telegram:42" {
		t.Errorf("session = %q, want telegram:42", ev.SessionKey())
	}
	if !strings.Contains(ev.Content, "completed") || !strings.Contains(ev.Content, "ok") {
		t.Errorf("content = %q, want completion with result", ev.Content)
	}
}

func TestSpawner_CapacityLimitRejectsSynchronously(t *testing.T) {
	b := bus.New(8, 8)
	collectInbound(t, b)
	exec := newBlockingExecutor()
	s := New(exec, b, 1, time.Minute)

	if _, err := s.Spawn(context.Background(), "cli:a", "first", ""); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	<-exec.started

	_, err := s.Spawn(context.Background(), "cli:a", "second", "")
	if !errors.Is(err, schema.ErrSubagentCapacity) {
		t.Errorf("err = %v, want ErrSubagentCapacity", err)
	}

	close(exec.release)
}

func TestSpawner_CapacityReleasedAfterCompletion(t *testing.T) {
	b := bus.New(8, 8)
	events := collectInbound(t, b)
	exec := newBlockingExecutor()
	s := New(exec, b, 1, time.Minute)

	if _, err := s.Spawn(context.Background(), "cli:a", "first", ""); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	<-exec.started
	close(exec.release)
	waitEvent(t, events)

	// Slot must be free again.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := s.Spawn(context.Background(), "cli:a", "second", ""); err == nil {
			break
		} else if time.Now().After(deadline) {
			t.Fatalf("capacity never released: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpawner_DepthLimitRejectsNestedSpawn(t *testing.T) {
	b := bus.New(8, 8)
	exec := newBlockingExecutor()
	s := New(exec, b, 2, time.Minute)

	_, err := s.Spawn(context.Background(), "subagent:task-1", "nested", "")
	if err == nil || !strings.Contains(err.Error(), "cannot spawn") {
		t.Errorf("err = %v, want depth rejection", err)
	}
}

func TestSpawner_FailureAnnouncedToParent(t *testing.T) {
	b := bus.New(8, 8)
	events := collectInbound(t, b)
	exec := newBlockingExecutor()
	exec.err = errors.New("boom")
	exec.result = ""
	s := New(exec, b, 1, time.Minute)

	if _, err := s.Spawn(context.Background(), "cli:a", "doomed", "doomed"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-exec.started
	close(exec.release)

	ev := waitEvent(t, events)
	if !strings.Contains(ev.Content, "failed") || !strings.Contains(ev.Content, "boom") {
		t.Errorf("content = %q, want failure announcement", ev.Content)
	}
}

func TestSpawner_CancelSuppressesAnnouncement(t *testing.T) {
	b := bus.New(8, 8)
	events := collectInbound(t, b)
	exec := newBlockingExecutor()
	s := New(exec, b, 1, time.Minute)

	if _, err := s.Spawn(context.Background(), "cli:a", "slow", ""); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	id := <-exec.started

	if !s.Cancel(id) {
		t.Fatal("Cancel returned false for running task")
	}

	select {
	case ev := <-events:
		t.Errorf("unexpected announcement after cancel: %q", ev.Content)
	case <-time.After(200 * time.Millisecond):
	}

	tasks := s.List()
	if len(tasks) != 1 || tasks[0].Status != StatusCancelled {
		t.Errorf("tasks = %+v, want one cancelled task", tasks)
	}
}
