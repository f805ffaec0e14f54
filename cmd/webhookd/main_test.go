package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"evntaly-go/internal/config"
	"evntaly-go/internal/realtime"
)

func TestWebhookEvent_UsesDeliveryID(t *testing.T) {
	payload := map[string]any{"id": "dlv_1", "event": "event.created"}
	ev := webhookEvent(payload, "event.created")
	if ev.ID != "dlv_1" {
		t.Errorf("ID = %q, want dlv_1", ev.ID)
	}
	if ev.Title != "event.created" || ev.Type != "webhook" || !ev.HasTag("webhook") {
		t.Errorf("event = %+v", ev)
	}
	if ev.Data["event"] != "event.created" {
		t.Errorf("Data = %v", ev.Data)
	}
}

func TestWebhookEvent_GeneratesIDWhenMissing(t *testing.T) {
	a := webhookEvent(map[string]any{"event": "x"}, "x")
	b := webhookEvent(map[string]any{"event": "x"}, "x")
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("generated ids %q and %q should be unique and non-empty", a.ID, b.ID)
	}
}

// dropConn blocks reads until dropped or closed.
type dropConn struct {
	once sync.Once
	done chan struct{}
}

func newDropConn() *dropConn { return &dropConn{done: make(chan struct{})} }

func (c *dropConn) ReadMessage() ([]byte, error) {
	<-c.done
	return nil, &realtime.CloseError{Code: 1012, Reason: "service restart"}
}

func (c *dropConn) WriteMessage([]byte) error { return nil }

func (c *dropConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRealtime_ReconnectsAfterDropAndStopsOnCancel(t *testing.T) {
	var mu sync.Mutex
	var conns []*dropConn
	var dials atomic.Int32
	dialer := realtime.DialerFunc(func(ctx context.Context, url string) (realtime.Conn, error) {
		dials.Add(1)
		c := newDropConn()
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	})
	ch, err := realtime.NewChannel(realtime.Options{
		URL:                      "ws://push.test",
		Dialer:                   dialer,
		ReconnectInitialInterval: time.Millisecond,
		ReconnectMaxInterval:     2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	cfg := &config.Config{RealtimeChannels: "events", RealtimeMaxReconnectAttempts: 3}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	startRealtime(ctx, &wg, ch, cfg)

	waitUntil(t, "first connect", func() bool { return ch.State() == realtime.StateConnected })
	waitUntil(t, "subscription to events", func() bool {
		subs := ch.Subscriptions()
		return len(subs) == 1 && subs[0] == "events"
	})

	mu.Lock()
	first := conns[0]
	mu.Unlock()
	first.Close()
	waitUntil(t, "reconnect after drop", func() bool {
		return dials.Load() == 2 && ch.State() == realtime.StateConnected
	})

	cancel()
	if err := ch.Disconnect(); err != nil {
		t.Errorf("Disconnect: %v", err)
	}
	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
	if n := dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2 (no reconnect after shutdown)", n)
	}
}

func TestSuperviseRealtime_ReturnsWhenCancelledBeforeDrop(t *testing.T) {
	ch, err := realtime.NewChannel(realtime.Options{
		URL: "ws://push.test",
		Dialer: realtime.DialerFunc(func(ctx context.Context, url string) (realtime.Conn, error) {
			return nil, errors.New("connection refused")
		}),
		ReconnectInitialInterval: time.Millisecond,
		ReconnectMaxInterval:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		superviseRealtime(ctx, ch, make(chan realtime.CloseInfo), 2)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("superviseRealtime did not return after cancel")
	}
}
