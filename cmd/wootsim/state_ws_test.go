package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"wootsim/internal/analog"
)

// These tests drive the hub and broadcaster without network I/O. Clients
// are built with a nil websocket.Conn; the hub guards against nil on close.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(testLogger(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func newTestClient(hub *Hub, name string, buf int) *Client {
	return &Client{
		hub:        hub,
		id:         name,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     testLogger(),
	}
}

func registerAndWait(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.id+" not registered in time")
}

func runHub(t *testing.T, hub *Hub) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Errorf("timeout waiting for hub to stop")
		}
	})
	return cancel
}

func recvMsg(t *testing.T, ch <-chan []byte, timeout time.Duration) []byte {
	t.Helper()
	select {
	case got, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return got
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for message")
		return nil
	}
}

type decodedKeyMsg struct {
	Type string    `json:"type"`
	Ts   time.Time `json:"ts"`
	Data wsKeyData `json:"data"`
}

func decodeKeyMsg(t *testing.T, b []byte) decodedKeyMsg {
	t.Helper()
	var m decodedKeyMsg
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return m
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	runHub(t, hub)

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerAndWait(t, hub, c1)
	registerAndWait(t, hub, c2)

	if n := hub.ClientCount(); n != 2 {
		t.Fatalf("expected 2 clients, got %d", n)
	}

	msg := []byte(`{"type":"key_pressed","data":{"scan_code":5,"value":0.3}}`)
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		if got := recvMsg(t, c.send, 500*time.Millisecond); string(got) != string(msg) {
			t.Fatalf("%s got %q, want %q", c.id, got, msg)
		}
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	runHub(t, hub)

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerAndWait(t, hub, slow)
	registerAndWait(t, hub, fast)

	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"key_released","data":{"scan_code":5,"value":0}}`)
	hub.broadcast <- msg

	if got := recvMsg(t, fast.send, 500*time.Millisecond); string(got) != string(msg) {
		t.Fatalf("fast client got %q, want %q", got, msg)
	}

	// Drain the pre-filled message, then the channel must be closed.
	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")

	waitUntil(t, 500*time.Millisecond, func() bool { return hub.ClientCount() == 1 }, "slow client still registered")
}

func TestHub_UnregisterTwiceIsSafe(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	runHub(t, hub)

	c := newTestClient(hub, "c", 4)
	registerAndWait(t, hub, c)

	hub.unregister <- c
	hub.unregister <- c
	waitUntil(t, 500*time.Millisecond, func() bool { return hub.ClientCount() == 0 }, "client not removed")
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	cancel := runHub(t, hub)

	c := newTestClient(hub, "c", 4)
	registerAndWait(t, hub, c)

	cancel()
	waitUntil(t, time.Second, func() bool {
		select {
		case _, ok := <-c.send:
			return !ok
		default:
			return false
		}
	}, "client send not closed on shutdown")
}

func TestHub_RegisterAfterShutdownDoesNotBlock(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	cancel := runHub(t, hub)
	cancel()
	waitUntil(t, time.Second, func() bool {
		select {
		case <-hub.done:
			return true
		default:
			return false
		}
	}, "hub did not stop")

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		// More than the register/unregister buffers hold.
		for i := 0; i < 200; i++ {
			c := newTestClient(hub, "late", 1)
			hub.registerClient(c)
			hub.unregisterClient(c)
		}
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("register/unregister blocked after hub shutdown")
	}

	if hub.registerClient(newTestClient(hub, "after", 1)) {
		t.Error("registerClient succeeded on a stopped hub")
	}
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("ClientCount = %d, want 0", n)
	}
}

func TestRunBroadcaster_EdgesImmediateValuesCoalesced(t *testing.T) {
	hub := newTestHub(t, 32, 64)
	runHub(t, hub)

	c := newTestClient(hub, "c", 32)
	registerAndWait(t, hub, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := make(chan analog.KeyEvent, 16)
	go RunBroadcaster(ctx, hub, src, 50*time.Millisecond, testLogger())

	now := time.Now()
	src <- analog.KeyEvent{Kind: analog.KeyValue, ScanCode: 4, Value: 0.3, At: now}
	src <- analog.KeyEvent{Kind: analog.KeyValue, ScanCode: 4, Value: 0.6, At: now}
	src <- analog.KeyEvent{Kind: analog.KeyValue, ScanCode: 2, Value: 0.9, At: now}

	// Latest value per key after the window, ordered by scan code.
	m1 := decodeKeyMsg(t, recvMsg(t, c.send, time.Second))
	m2 := decodeKeyMsg(t, recvMsg(t, c.send, time.Second))
	if m1.Type != msgKeyValue || m1.Data.ScanCode != 2 {
		t.Fatalf("first message = %+v", m1)
	}
	if m2.Type != msgKeyValue || m2.Data.ScanCode != 4 || m2.Data.Value != 0.6 {
		t.Fatalf("second message = %+v", m2)
	}

	// An edge flushes the pending value first, then goes out immediately.
	src <- analog.KeyEvent{Kind: analog.KeyValue, ScanCode: 4, Value: 0.0, At: now}
	src <- analog.KeyEvent{Kind: analog.KeyReleased, ScanCode: 4, Value: 0.0, At: now}

	m3 := decodeKeyMsg(t, recvMsg(t, c.send, 40*time.Millisecond))
	m4 := decodeKeyMsg(t, recvMsg(t, c.send, 40*time.Millisecond))
	if m3.Type != msgKeyValue || m4.Type != msgKeyReleased {
		t.Fatalf("expected key_value then key_released, got %s then %s", m3.Type, m4.Type)
	}
	if !m4.Ts.Equal(now.UTC()) {
		t.Errorf("ts = %v, want %v", m4.Ts, now.UTC())
	}
}

func TestRunBroadcaster_ZeroWindowSendsEverything(t *testing.T) {
	hub := newTestHub(t, 32, 64)
	runHub(t, hub)

	c := newTestClient(hub, "c", 32)
	registerAndWait(t, hub, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := make(chan analog.KeyEvent, 16)
	go RunBroadcaster(ctx, hub, src, 0, testLogger())

	for _, v := range []float32{0.3, 0.6, 0.9} {
		src <- analog.KeyEvent{Kind: analog.KeyValue, ScanCode: 1, Value: v}
	}
	for _, want := range []float32{0.3, 0.6, 0.9} {
		m := decodeKeyMsg(t, recvMsg(t, c.send, 500*time.Millisecond))
		if m.Data.Value != want {
			t.Fatalf("value = %v, want %v", m.Data.Value, want)
		}
		if m.Ts.IsZero() {
			t.Errorf("zero At should be stamped with now")
		}
	}
}

func TestRunBroadcaster_FlushesOnSourceClose(t *testing.T) {
	hub := newTestHub(t, 32, 64)
	runHub(t, hub)

	c := newTestClient(hub, "c", 32)
	registerAndWait(t, hub, c)

	src := make(chan analog.KeyEvent, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunBroadcaster(context.Background(), hub, src, time.Hour, testLogger())
	}()

	src <- analog.KeyEvent{Kind: analog.KeyValue, ScanCode: 8, Value: 0.3}
	close(src)

	m := decodeKeyMsg(t, recvMsg(t, c.send, time.Second))
	if m.Type != msgKeyValue || m.Data.ScanCode != 8 {
		t.Fatalf("unexpected flush message %+v", m)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcaster did not stop")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
