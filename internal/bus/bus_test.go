package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// startBus binds h, runs the bus in the background, and returns a cancel func.
func startBus(t *testing.T, b *Bus, h Handler) context.CancelFunc {
	t.Helper()
	b.Bind(h)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	return cancel
}

func TestPublishInbound_SequentialDelivery(t *testing.T) {
	b := New(64, 16)

	var mu sync.Mutex
	var seqs []uint64
	done := make(chan struct{})

	cancel := startBus(t, b, func(_ context.Context, ev InboundEvent) {
		// Simulate work so concurrent publishes pile up behind the worker.
		time.Sleep(time.Millisecond)
		mu.Lock()
		seqs = append(seqs, ev.Seq)
		if len(seqs) == 20 {
			close(done)
		}
		mu.Unlock()
	})
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := NewInboundEvent(ChannelTelegram, "u1", "chat1", fmt.Sprintf("msg %d", i))
			b.PublishInbound(ev)
		}(i)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("out-of-order delivery: position %d has seq %d (%v)", i, s, seqs)
		}
	}
}

func TestPublishInbound_EarlierSeqCompletesFirst(t *testing.T) {
	b := New(64, 16)

	var mu sync.Mutex
	var events []string
	done := make(chan struct{})

	cancel := startBus(t, b, func(_ context.Context, ev InboundEvent) {
		mu.Lock()
		events = append(events, "start:"+ev.Content)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		events = append(events, "end:"+ev.Content)
		if len(events) == 4 {
			close(done)
		}
		mu.Unlock()
	})
	defer cancel()

	e1 := NewInboundEvent(ChannelTelegram, "u", "c", "E1")
	e1.EventID = "E1"
	e2 := NewInboundEvent(ChannelSlack, "u", "c2", "E2")
	e2.Session = "telegram:c" // second adapter targeting the same session
	e2.EventID = "E2"
	b.PublishInbound(e1)
	b.PublishInbound(e2)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	want := []string{"start:E1", "end:E1", "start:E2", "end:E2"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}

func TestPublishInbound_Dedup(t *testing.T) {
	b := New(64, 16)

	var count int
	var mu sync.Mutex
	cancel := startBus(t, b, func(_ context.Context, ev InboundEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer cancel()

	for i := 0; i < 3; i++ {
		ev := NewInboundEvent(ChannelTelegram, "u", "c", "hello")
		ev.EventID = "evt-1" // at-least-once redelivery of the same event
		b.PublishInbound(ev)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 delivery after dedup, got %d", count)
	}
}

func TestPublishInbound_DedupWindowSlides(t *testing.T) {
	b := New(64, 2)
	var count int
	var mu sync.Mutex
	cancel := startBus(t, b, func(_ context.Context, ev InboundEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer cancel()

	for _, id := range []string{"a", "b", "c", "a"} { // "a" slid out of the window
		ev := NewInboundEvent(ChannelTelegram, "u", "c", id)
		ev.EventID = id
		b.PublishInbound(ev)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 4 {
		t.Errorf("expected 4 deliveries (window slid), got %d", count)
	}
}

func TestPublishInbound_BackpressureDropsOldest(t *testing.T) {
	b := New(2, 16)
	// No Run: nothing consumes, so the queue fills.
	for i := 1; i <= 4; i++ {
		b.PublishInbound(NewInboundEvent(ChannelTelegram, "u", "c", fmt.Sprintf("m%d", i)))
	}

	if depth := b.QueueDepth("telegram:c"); depth != 2 {
		t.Errorf("expected depth 2 after drops, got %d", depth)
	}
	drops := b.DropCounts()
	if drops["telegram:c"] != 2 {
		t.Errorf("expected 2 recorded drops, got %v", drops)
	}

	// The surviving events are the newest ones, still in order.
	var got []string
	var mu sync.Mutex
	done := make(chan struct{})
	cancel := startBus(t, b, func(_ context.Context, ev InboundEvent) {
		mu.Lock()
		got = append(got, ev.Content)
		if len(got) == 2 {
			close(done)
		}
		mu.Unlock()
	})
	defer cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "m3" || got[1] != "m4" {
		t.Errorf("expected [m3 m4], got %v", got)
	}
}

func TestSessionIsolation(t *testing.T) {
	b := New(64, 16)

	var mu sync.Mutex
	counts := map[string]int{}
	done := make(chan struct{})
	cancel := startBus(t, b, func(_ context.Context, ev InboundEvent) {
		mu.Lock()
		counts[ev.SessionKey()]++
		total := counts["telegram:a"] + counts["telegram:b"]
		if total == 10 {
			close(done)
		}
		mu.Unlock()
	})
	defer cancel()

	for i := 0; i < 5; i++ {
		b.PublishInbound(NewInboundEvent(ChannelTelegram, "u", "a", "x"))
		b.PublishInbound(NewInboundEvent(ChannelTelegram, "u", "b", "y"))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	if counts["telegram:a"] != 5 || counts["telegram:b"] != 5 {
		t.Errorf("unexpected per-session counts: %v", counts)
	}
}

func TestMonitors_ObserveTraffic(t *testing.T) {
	b := New(64, 16)

	var mu sync.Mutex
	var observed []string
	b.AddMonitor(func(direction, sessionKey, _ string) {
		mu.Lock()
		observed = append(observed, direction+":"+sessionKey)
		mu.Unlock()
	})

	cancel := startBus(t, b, func(_ context.Context, ev InboundEvent) {})
	defer cancel()

	b.PublishInbound(NewInboundEvent(ChannelCLI, "u", "direct", "hi"))
	b.PublishOutbound(NewOutboundMessage(ChannelCLI, "direct", "hello"))
	<-b.OutboundChan()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 2 {
		t.Fatalf("expected 2 observations, got %v", observed)
	}
	if observed[0] != "inbound:cli:direct" || observed[1] != "outbound:cli:direct" {
		t.Errorf("unexpected observations: %v", observed)
	}
}
