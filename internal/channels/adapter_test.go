package channels

import (
	"strings"
	"testing"

	"github.com/lunamoth/lunamoth/internal/bus"
)

func TestBase_IsAllowed(t *testing.T) {
	open := NewBase("test", bus.New(8, 8), nil)
	if !open.IsAllowed("anyone") {
		t.Error("empty allowlist should allow everyone")
	}

	restricted := NewBase("test", bus.New(8, 8), []string{"42", "alice"})
	cases := []struct {
		sender string
		want   bool
	}{
		{"42", true},
		{"alice", true},
		{"42|alice", true},
		{"99|alice", true},
		{"99|bob", false},
		{"bob", false},
	}
	for _, c := range cases {
		if got := restricted.IsAllowed(c.sender); got != c.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", c.sender, got, c.want)
		}
	}
}

func TestBase_HandleMessageEnqueuesWithEventID(t *testing.T) {
	b := bus.New(8, 8)
	base := NewBase("telegram", b, nil)

	base.HandleMessage("7|carol", "100", "hello", "tg-1", nil, nil)
	base.HandleMessage("7|carol", "100", "hello again", "tg-1", nil, nil) // duplicate
	base.HandleMessage("7|carol", "100", "third", "tg-2", nil, nil)

	if depth := b.QueueDepth("telegram:100"); depth != 2 {
		t.Errorf("queue depth = %d, want 2 (duplicate dropped)", depth)
	}
}

func TestBase_HandleMessageDeniedSenderDropped(t *testing.T) {
	b := bus.New(8, 8)
	base := NewBase("telegram", b, []string{"42"})

	base.HandleMessage("99", "100", "hi", "tg-1", nil, nil)

	if depth := b.QueueDepth("telegram:100"); depth != 0 {
		t.Errorf("queue depth = %d, want 0 for denied sender", depth)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 100); len(got) != 1 || got[0] != "short" {
		t.Errorf("splitMessage(short) = %v", got)
	}

	long := strings.Repeat("word ", 50) // 250 bytes
	chunks := splitMessage(long, 100)
	if len(chunks) < 3 {
		t.Errorf("chunks = %d, want at least 3", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %q exceeds max length", c)
		}
	}
}

func TestMarkdownToTelegramHTML(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"**bold**", "<b>bold</b>"},
		{"# Heading", "Heading"},
		{"[link](https://example.com)", `<a href="https://example.com">link</a>`},
		{"a < b & c", "a &lt; b &amp; c"},
		{"`x < 1`", "<code>x &lt; 1</code>"},
	}
	for _, c := range cases {
		if got := markdownToTelegramHTML(c.in); got != c.want {
			t.Errorf("markdownToTelegramHTML(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	got := markdownToTelegramHTML("```go\nx := 1\n```")
	if !strings.Contains(got, "<pre><code>") || !strings.Contains(got, "x := 1") {
		t.Errorf("code block = %q, want pre/code wrapping", got)
	}
}
