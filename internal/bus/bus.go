package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Handler processes one inbound event to completion. The bus calls it from a
// per-session worker goroutine, so a session never sees two concurrent calls.
type Handler func(ctx context.Context, ev InboundEvent)

// MonitorFunc is a read-only tap on bus traffic. Monitors must not block;
// the SelfAgent registers one to observe the main loop.
type MonitorFunc func(direction, sessionKey, content string)

// Bus owns one bounded FIFO queue per session. Events are assigned a
// monotonically increasing sequence id per session and delivered to the
// handler strictly in that order. Duplicate adapter event ids inside a
// sliding window are dropped; a full queue drops its oldest queued event
// rather than blocking the publisher.
type Bus struct {
	queueSize   int
	dedupWindow int
	handler     Handler
	outbound    chan OutboundMessage

	mu      sync.Mutex
	queues  map[string]*sessionQueue
	runCtx  context.Context
	started bool

	monMu    sync.RWMutex
	monitors []MonitorFunc
}

// New creates a Bus. queueSize bounds each session queue; dedupWindow is the
// number of recent adapter event ids remembered per session.
func New(queueSize, dedupWindow int) *Bus {
	if queueSize <= 0 {
		queueSize = 32
	}
	if dedupWindow <= 0 {
		dedupWindow = 256
	}
	return &Bus{
		queueSize:   queueSize,
		dedupWindow: dedupWindow,
		outbound:    make(chan OutboundMessage, 100),
		queues:      make(map[string]*sessionQueue),
	}
}

// Bind registers the handler that consumes inbound events.
// Must be called before Run.
func (b *Bus) Bind(h Handler) { b.handler = h }

// AddMonitor registers a read-only traffic tap.
func (b *Bus) AddMonitor(m MonitorFunc) {
	b.monMu.Lock()
	b.monitors = append(b.monitors, m)
	b.monMu.Unlock()
}

// Run starts delivery workers for queued and future events.
// Blocks until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	b.runCtx = ctx
	b.started = true
	for _, q := range b.queues {
		b.startWorkerLocked(q)
	}
	b.mu.Unlock()

	slog.Info("bus: started", "queueSize", b.queueSize, "dedupWindow", b.dedupWindow)
	<-ctx.Done()
	slog.Info("bus: stopping")
	return ctx.Err()
}

// PublishInbound enqueues an event on its session's queue. Never blocks the
// caller: a full queue drops its oldest queued event with a warning.
func (b *Bus) PublishInbound(ev InboundEvent) {
	key := ev.SessionKey()
	q := b.queue(key)

	q.mu.Lock()
	if ev.EventID != "" {
		if _, dup := q.seen[ev.EventID]; dup {
			q.mu.Unlock()
			slog.Debug("bus: duplicate event dropped", "session", key, "eventId", ev.EventID)
			return
		}
		q.seen[ev.EventID] = struct{}{}
		q.seenOrder = append(q.seenOrder, ev.EventID)
		if len(q.seenOrder) > b.dedupWindow {
			delete(q.seen, q.seenOrder[0])
			q.seenOrder = q.seenOrder[1:]
		}
	}
	q.nextSeq++
	ev.Seq = q.nextSeq
	if len(q.items) >= b.queueSize {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.drops++
		slog.Warn("bus: queue full, dropping oldest event",
			"session", key, "droppedSeq", dropped.Seq, "drops", q.drops)
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	b.observe("inbound", key, ev.Content)

	b.mu.Lock()
	if b.started {
		b.startWorkerLocked(q)
	}
	b.mu.Unlock()
}

// PublishOutbound hands a response to the outbound dispatcher.
func (b *Bus) PublishOutbound(msg OutboundMessage) {
	b.observe("outbound", msg.Channel+":"+msg.ChatID, msg.Content)
	b.outbound <- msg
}

// OutboundChan returns the channel the outbound dispatcher consumes.
func (b *Bus) OutboundChan() <-chan OutboundMessage { return b.outbound }

// DropCounts returns per-session counts of events dropped by backpressure.
func (b *Bus) DropCounts() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]uint64)
	for key, q := range b.queues {
		q.mu.Lock()
		if q.drops > 0 {
			out[key] = q.drops
		}
		q.mu.Unlock()
	}
	return out
}

// QueueDepth returns the number of queued (not in-flight) events for a session.
func (b *Bus) QueueDepth(sessionKey string) int {
	b.mu.Lock()
	q, ok := b.queues[sessionKey]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (b *Bus) queue(key string) *sessionQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[key]
	if !ok {
		q = &sessionQueue{
			key:    key,
			seen:   make(map[string]struct{}),
			notify: make(chan struct{}, 1),
		}
		b.queues[key] = q
	}
	return q
}

// startWorkerLocked launches the session's delivery goroutine once.
// Caller holds b.mu.
func (b *Bus) startWorkerLocked(q *sessionQueue) {
	if q.running {
		return
	}
	q.running = true
	ctx := b.runCtx
	go b.deliver(ctx, q)
}

// deliver pops events one at a time and runs the handler to completion for
// each, preserving per-session order end to end.
func (b *Bus) deliver(ctx context.Context, q *sessionQueue) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		ev := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if b.handler != nil {
			b.handler(ctx, ev)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (b *Bus) observe(direction, sessionKey, content string) {
	b.monMu.RLock()
	monitors := b.monitors
	b.monMu.RUnlock()
	for _, m := range monitors {
		m(direction, sessionKey, content)
	}
}

// sessionQueue is one session's bounded FIFO of pending events.
type sessionQueue struct {
	key       string
	mu        sync.Mutex
	items     []InboundEvent
	nextSeq   uint64
	seen      map[string]struct{}
	seenOrder []string
	drops     uint64
	notify    chan struct{}
	running   bool
}
