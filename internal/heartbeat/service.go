// Package heartbeat drives periodic background work: the HEARTBEAT.md
// proactive check plus any registered maintenance functions (idle-session
// archival and similar housekeeping).
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lunamoth/lunamoth/internal/bus"
)

// TickFunc is a maintenance function run on every heartbeat tick.
type TickFunc func(ctx context.Context)

// Service periodically checks HEARTBEAT.md and runs registered tick
// functions. When the file contains active tasks, a heartbeat event is
// published so the agent gets a proactive turn.
type Service struct {
	workspace string
	bus       *bus.Bus
	interval  time.Duration
	ticks     []TickFunc
}

// NewService creates a heartbeat service. interval defaults to 30 minutes.
func NewService(workspace string, b *bus.Bus, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Service{
		workspace: workspace,
		bus:       b,
		interval:  interval,
	}
}

// OnTick registers a maintenance function. Must be called before Start.
func (s *Service) OnTick(fn TickFunc) {
	s.ticks = append(s.ticks, fn)
}

// Start runs the heartbeat loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("heartbeat: started", "interval", s.interval, "ticks", len(s.ticks))

	for {
		select {
		case <-ticker.C:
			for _, fn := range s.ticks {
				fn(ctx)
			}
			s.check()
		case <-ctx.Done():
			slog.Info("heartbeat: stopped")
			return ctx.Err()
		}
	}
}

// check reads HEARTBEAT.md and publishes a heartbeat turn when it has tasks.
func (s *Service) check() {
	path := filepath.Join(s.workspace, "HEARTBEAT.md")
	data, err := os.ReadFile(path)
	if err != nil {
		// File not found is normal: no heartbeat configured.
		return
	}

	content := string(data)
	if !hasActiveTasks(content) {
		return
	}

	slog.Info("heartbeat: active tasks found, requesting agent turn")
	ev := bus.NewInboundEvent(bus.ChannelHeartbeat, "heartbeat", "main",
		"Review HEARTBEAT.md and act on any pending tasks:\n\n"+content)
	s.bus.PublishInbound(ev)
}

// hasActiveTasks reports whether HEARTBEAT.md has at least one line that is
// not blank, a comment, a heading, or an unchecked checkbox.
func hasActiveTasks(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "<!--") {
			continue
		}
		if strings.HasPrefix(trimmed, "- [ ]") {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		return true
	}
	return false
}
