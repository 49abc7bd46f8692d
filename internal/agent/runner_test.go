package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lunamoth/lunamoth/internal/schema"
	"github.com/lunamoth/lunamoth/internal/tools"
)

// --- test doubles ---

type chatStep struct {
	resp schema.LLMResponse
	err  error
}

// scriptedProvider replays a fixed sequence of responses and records the
// conversation it saw on each call.
type scriptedProvider struct {
	mu    sync.Mutex
	steps []chatStep
	calls int
	seen  []schema.Messages
}

func (p *scriptedProvider) Chat(_ context.Context, messages schema.Messages, _ []map[string]any, _ schema.ChatOptions) (schema.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, messages.Clone())
	if p.calls >= len(p.steps) {
		return schema.LLMResponse{}, errors.New("scripted provider: out of steps")
	}
	step := p.steps[p.calls]
	p.calls++
	return step.resp, step.err
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }

func textResponse(s string) schema.LLMResponse {
	return schema.LLMResponse{Content: &s}
}

func toolResponse(id, name string, args map[string]any) schema.LLMResponse {
	return schema.LLMResponse{ToolCalls: []schema.ToolCall{{ID: id, Name: name, Arguments: args}}}
}

type fakeTool struct {
	name   string
	result string
	err    error
	calls  int
}

func (t *fakeTool) Name() string                 { return t.name }
func (t *fakeTool) Description() string          { return "fake" }
func (t *fakeTool) Parameters() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }
func (t *fakeTool) Execute(context.Context, map[string]any) (string, error) {
	t.calls++
	return t.result, t.err
}

type recordingObserver struct {
	mu         sync.Mutex
	toolEvents []string
	errFlags   []bool
	cycles     []int
}

func (o *recordingObserver) ToolEvent(_, tool string, isError bool) {
	o.mu.Lock()
	o.toolEvents = append(o.toolEvents, tool)
	o.errFlags = append(o.errFlags, isError)
	o.mu.Unlock()
}

func (o *recordingObserver) CycleDone(_ string, iterations int) {
	o.mu.Lock()
	o.cycles = append(o.cycles, iterations)
	o.mu.Unlock()
}

func testSettings() schema.AgentSettings {
	return schema.AgentSettings{
		Model:        "test-model",
		MaxTokens:    1024,
		Temperature:  0,
		MaxIter:      5,
		MaxRetries:   2,
		MemoryWindow: 50,
	}
}

func userConversation(content string) schema.Messages {
	return schema.NewMessages(
		schema.NewSystemMessage("test system"),
		schema.NewUserMessage(content),
	)
}

// --- tests ---

func TestRunner_FinalAnswerWithoutTools(t *testing.T) {
	provider := &scriptedProvider{steps: []chatStep{{resp: textResponse("4")}}}
	r := NewRunner(provider, testSettings(), nil)

	final, toolsUsed := r.Run(context.Background(), userConversation("2+2"), tools.NewToolList(), nil)

	if final != "4" {
		t.Errorf("final = %q, want %q", final, "4")
	}
	if len(toolsUsed) != 0 {
		t.Errorf("toolsUsed = %v, want empty", toolsUsed)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
}

func TestRunner_ToolCallThenAnswer(t *testing.T) {
	provider := &scriptedProvider{steps: []chatStep{
		{resp: toolResponse("call_1", "echo", map[string]any{"text": "hi"})},
		{resp: textResponse("done")},
	}}
	echo := &fakeTool{name: "echo", result: "hi"}
	r := NewRunner(provider, testSettings(), nil)

	final, toolsUsed := r.Run(context.Background(), userConversation("say hi"), tools.NewToolList(echo), nil)

	if final != "done" {
		t.Errorf("final = %q, want %q", final, "done")
	}
	if echo.calls != 1 {
		t.Errorf("tool calls = %d, want 1", echo.calls)
	}
	if len(toolsUsed) != 1 || toolsUsed[0] != "echo" {
		t.Errorf("toolsUsed = %v, want [echo]", toolsUsed)
	}

	// The second model call must see the assistant tool request and the
	// tool result, in that order.
	second := provider.seen[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" || last.IsError {
		t.Errorf("last message = %+v, want successful tool result for call_1", last)
	}
}

func TestRunner_ToolErrorBecomesFailedResult(t *testing.T) {
	provider := &scriptedProvider{steps: []chatStep{
		{resp: toolResponse("call_1", "flaky", nil)},
		{resp: textResponse("recovered")},
	}}
	flaky := &fakeTool{name: "flaky", err: errors.New("disk on fire")}
	r := NewRunner(provider, testSettings(), nil)

	final, _ := r.Run(context.Background(), userConversation("try it"), tools.NewToolList(flaky), nil)

	if final != "recovered" {
		t.Errorf("final = %q, want %q", final, "recovered")
	}
	if flaky.calls != 1 {
		t.Errorf("tool calls = %d, want 1 (failures are not retried)", flaky.calls)
	}

	second := provider.seen[1].Messages
	last := second[len(second)-1]
	if !last.IsError {
		t.Error("tool result should be marked as error")
	}
	if !strings.Contains(last.Text(), "disk on fire") {
		t.Errorf("tool result = %q, want the underlying error text", last.Text())
	}
}

func TestRunner_UnknownToolReportedToModel(t *testing.T) {
	provider := &scriptedProvider{steps: []chatStep{
		{resp: toolResponse("call_1", "teleport", nil)},
		{resp: textResponse("sorry")},
	}}
	r := NewRunner(provider, testSettings(), nil)

	final, _ := r.Run(context.Background(), userConversation("go"), tools.NewToolList(), nil)

	if final != "sorry" {
		t.Errorf("final = %q, want %q", final, "sorry")
	}
	second := provider.seen[1].Messages
	last := second[len(second)-1]
	if !last.IsError || !strings.Contains(last.Text(), "not available") {
		t.Errorf("result = %+v, want failed 'not available' tool result", last)
	}
}

func TestRunner_CapabilityDeniedToolUnavailable(t *testing.T) {
	provider := &scriptedProvider{steps: []chatStep{
		{resp: toolResponse("call_1", "echo", nil)},
		{resp: textResponse("blocked")},
	}}
	echo := &fakeTool{name: "echo", result: "hi"}
	registry := tools.NewToolList(echo)
	restricted := tools.Restrict(registry, "test", "list_dir")
	r := NewRunner(provider, testSettings(), nil)

	final, _ := r.Run(context.Background(), userConversation("go"), restricted, nil)

	if final != "blocked" {
		t.Errorf("final = %q, want %q", final, "blocked")
	}
	if echo.calls != 0 {
		t.Error("denied tool must never execute")
	}
	second := provider.seen[1].Messages
	last := second[len(second)-1]
	if !last.IsError {
		t.Error("denied call should surface as failed tool result")
	}
}

func TestRunner_IterationCapReturnsPartialNotice(t *testing.T) {
	settings := testSettings()
	settings.MaxIter = 2

	// Model never stops calling tools.
	provider := &scriptedProvider{steps: []chatStep{
		{resp: toolResponse("call_1", "echo", nil)},
		{resp: toolResponse("call_2", "echo", nil)},
	}}
	echo := &fakeTool{name: "echo", result: "hi"}
	r := NewRunner(provider, settings, nil)

	final, toolsUsed := r.Run(context.Background(), userConversation("loop"), tools.NewToolList(echo), nil)

	if !strings.Contains(final, "stopped after 2 tool iterations") {
		t.Errorf("final = %q, want partial-result notice", final)
	}
	if len(toolsUsed) != 2 {
		t.Errorf("toolsUsed = %v, want 2 entries", toolsUsed)
	}
}

func TestRunner_TransientErrorRetried(t *testing.T) {
	saved := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = saved }()

	provider := &scriptedProvider{steps: []chatStep{
		{err: &schema.ProviderError{Transient: true, Status: 429, Message: "rate limit exceeded"}},
		{resp: textResponse("after retry")},
	}}
	r := NewRunner(provider, testSettings(), nil)

	final, _ := r.Run(context.Background(), userConversation("hi"), tools.NewToolList(), nil)

	if final != "after retry" {
		t.Errorf("final = %q, want %q", final, "after retry")
	}
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2", provider.calls)
	}
}

func TestRunner_PermanentErrorNotRetried(t *testing.T) {
	provider := &scriptedProvider{steps: []chatStep{
		{err: &schema.ProviderError{Transient: false, Status: 401, Message: "bad key"}},
	}}
	r := NewRunner(provider, testSettings(), nil)

	final, _ := r.Run(context.Background(), userConversation("hi"), tools.NewToolList(), nil)

	if !strings.Contains(final, "error") {
		t.Errorf("final = %q, want error apology", final)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry on permanent error)", provider.calls)
	}
}

// abortableTool blocks in Execute until the runner cancels it.
type abortableTool struct {
	started   chan struct{}
	cancelled chan struct{}
}

func newAbortableTool() *abortableTool {
	return &abortableTool{started: make(chan struct{}), cancelled: make(chan struct{})}
}

func (t *abortableTool) Name() string                { return "long_poll" }
func (t *abortableTool) Description() string         { return "blocks until cancelled" }
func (t *abortableTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (t *abortableTool) Execute(context.Context, map[string]any) (string, error) {
	close(t.started)
	select {}
}

func (t *abortableTool) Cancel() { close(t.cancelled) }

func TestRunner_ContextCancelAbortsCancellableTool(t *testing.T) {
	tool := newAbortableTool()
	provider := &scriptedProvider{steps: []chatStep{
		{resp: toolResponse("call_1", "long_poll", nil)},
		{resp: textResponse("cleaned up")},
	}}
	r := NewRunner(provider, testSettings(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-tool.started
		cancel()
	}()

	final, _ := r.Run(ctx, userConversation("watch the feed"), tools.NewToolList(tool), nil)

	select {
	case <-tool.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel was not invoked on the in-flight tool")
	}
	if final != "cleaned up" {
		t.Errorf("final = %q, want %q", final, "cleaned up")
	}

	second := provider.seen[1].Messages
	last := second[len(second)-1]
	if !last.IsError || !strings.Contains(last.Text(), "cancelled") {
		t.Errorf("result = %+v, want failed cancelled tool result", last)
	}
}

func TestRunner_ObserverReceivesEvents(t *testing.T) {
	provider := &scriptedProvider{steps: []chatStep{
		{resp: toolResponse("call_1", "echo", nil)},
		{resp: textResponse("done")},
	}}
	echo := &fakeTool{name: "echo", result: "hi"}
	obs := &recordingObserver{}
	r := NewRunner(provider, testSettings(), obs)

	r.Run(context.Background(), userConversation("hi"), tools.NewToolList(echo), nil)

	if len(obs.toolEvents) != 1 || obs.toolEvents[0] != "echo" {
		t.Errorf("toolEvents = %v, want [echo]", obs.toolEvents)
	}
	if len(obs.errFlags) != 1 || obs.errFlags[0] {
		t.Errorf("errFlags = %v, want [false]", obs.errFlags)
	}
	if len(obs.cycles) != 1 || obs.cycles[0] != 2 {
		t.Errorf("cycles = %v, want [2]", obs.cycles)
	}
}
