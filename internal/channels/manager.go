package channels

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lunamoth/lunamoth/internal/bus"
	"github.com/lunamoth/lunamoth/internal/config"
)

// Manager owns all enabled adapters and routes outbound messages back to the
// adapter that owns each session's channel.
type Manager struct {
	adapters    map[string]Adapter
	bus         *bus.Bus
	sendRetries int
}

// NewManager creates a Manager with all enabled adapters registered.
// The CLI adapter is only registered when interactive is true.
func NewManager(cfg *config.Config, b *bus.Bus, interactive bool) *Manager {
	m := &Manager{
		adapters:    make(map[string]Adapter),
		bus:         b,
		sendRetries: cfg.Bus.SendRetries,
	}
	if m.sendRetries <= 0 {
		m.sendRetries = 1
	}

	if interactive {
		m.register(NewCLIAdapter(b))
	}
	if cfg.Channels.Telegram.Enabled {
		m.register(NewTelegramAdapter(&cfg.Channels.Telegram, b))
	}
	if cfg.Channels.Slack.Enabled {
		m.register(NewSlackAdapter(&cfg.Channels.Slack, b))
	}
	if cfg.Channels.WebSocket.Enabled {
		m.register(NewWebSocketAdapter(&cfg.Channels.WebSocket, b))
	}

	return m
}

func (m *Manager) register(a Adapter) {
	m.adapters[a.Name()] = a
	slog.Info("channels: enabled", "name", a.Name())
}

// EnabledChannels returns the names of all registered adapters.
func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.adapters))
	for n := range m.adapters {
		names = append(names, n)
	}
	return names
}

// StartAll runs every adapter plus the outbound dispatcher until ctx is
// cancelled. An adapter failing to start does not take the others down.
func (m *Manager) StartAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.dispatchOutbound(ctx)
		return ctx.Err()
	})

	for name, a := range m.adapters {
		name, a := name, a
		g.Go(func() error {
			slog.Info("channels: starting", "name", name)
			if err := a.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("channels: adapter exited", "name", name, "err", err)
			}
			// Keep the group alive; one dead adapter is not fatal.
			<-ctx.Done()
			return ctx.Err()
		})
	}

	return g.Wait()
}

// dispatchOutbound routes each outbound message to its channel's adapter,
// retrying failed sends a fixed number of times before giving up. Delivery
// failures are surfaced in the log, never re-queued into the reasoning loop.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-m.bus.OutboundChan():
			a, ok := m.adapters[msg.Channel]
			if !ok {
				slog.Debug("channels: no adapter for outbound message", "channel", msg.Channel)
				continue
			}
			m.sendWithRetry(ctx, a, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sendWithRetry(ctx context.Context, a Adapter, msg bus.OutboundMessage) {
	var err error
	for attempt := 1; attempt <= m.sendRetries; attempt++ {
		if err = a.Send(ctx, msg); err == nil {
			return
		}
		slog.Warn("channels: send failed", "channel", msg.Channel, "attempt", attempt, "err", err)
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return
		}
	}
	slog.Error("channels: outbound delivery failed", "channel", msg.Channel, "chat", msg.ChatID, "err", err)
}
