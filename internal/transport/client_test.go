package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testRelay is an in-process stand-in for the relay server: it accepts
// websocket connections and lets the test push named-event frames to the
// most recent one.
type testRelay struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestRelay(t *testing.T) (*testRelay, *httptest.Server) {
	r := &testRelay{t: t}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()
		// Drain inbound frames so client writes don't block.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *testRelay) wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (r *testRelay) waitConns(n int) *websocket.Conn {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.conns) >= n {
			conn := r.conns[n-1]
			r.mu.Unlock()
			return conn
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	r.t.Fatalf("expected %d relay connections", n)
	return nil
}

func (r *testRelay) push(conn *websocket.Conn, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.t.Fatal(err)
	}
	if err := conn.WriteJSON(frame{Event: event, Data: data}); err != nil {
		r.t.Fatalf("relay push failed: %v", err)
	}
}

func TestConnectAndDispatchInOrder(t *testing.T) {
	relay, srv := newTestRelay(t)
	c := New(Options{URL: relay.wsURL(srv), SelfID: "alice", RetryDelay: 10 * time.Millisecond})
	defer c.Close()

	var mu sync.Mutex
	var got []string
	c.RegisterHandler("receive-message", func(data json.RawMessage) {
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			t.Errorf("bad payload: %v", err)
			return
		}
		mu.Lock()
		got = append(got, m["text"])
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := relay.waitConns(1)

	for _, txt := range []string{"one", "two", "three"} {
		relay.push(conn, "receive-message", map[string]string{"text": txt})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only received %d events", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Fatalf("out of order: %v", got)
	}
}

func TestRegisterReplacesPreviousHandler(t *testing.T) {
	relay, srv := newTestRelay(t)
	c := New(Options{URL: relay.wsURL(srv), RetryDelay: 10 * time.Millisecond})
	defer c.Close()

	firstCalled := make(chan struct{}, 4)
	secondCalled := make(chan struct{}, 4)
	c.RegisterHandler("user-status", func(json.RawMessage) { firstCalled <- struct{}{} })
	c.RegisterHandler("user-status", func(json.RawMessage) { secondCalled <- struct{}{} })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := relay.waitConns(1)
	relay.push(conn, "user-status", map[string]string{"userId": "bob"})

	select {
	case <-secondCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement handler never fired")
	}
	select {
	case <-firstCalled:
		t.Fatal("replaced handler still fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterUnknownIsSafe(t *testing.T) {
	c := New(Options{URL: "ws://unused"})
	c.UnregisterHandler("never-registered") // must not panic
}

func TestEmitWhileDisconnectedIsNoop(t *testing.T) {
	c := New(Options{URL: "ws://unused"})
	c.Emit("send-message", map[string]string{"text": "dropped"}) // must not panic
	if c.Connected() {
		t.Fatal("client reports connected without a connection")
	}
}

func TestConnectFailsAfterAttemptCap(t *testing.T) {
	c := New(Options{
		URL:         "ws://127.0.0.1:1", // nothing listens here
		MaxAttempts: 2,
		RetryDelay:  10 * time.Millisecond,
	})
	start := time.Now()
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	// One retry delay between the two attempts.
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("retry delay not applied, took %v", elapsed)
	}
}

func TestServerDisconnectTriggersReconnect(t *testing.T) {
	relay, srv := newTestRelay(t)
	c := New(Options{URL: relay.wsURL(srv), MaxAttempts: 5, RetryDelay: 20 * time.Millisecond})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := relay.waitConns(1)
	first.Close() // server-initiated drop

	// The client should come back on its own.
	relay.waitConns(2)
	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never reconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	relay, srv := newTestRelay(t)
	c := New(Options{URL: relay.wsURL(srv), RetryDelay: 10 * time.Millisecond})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relay.waitConns(1)
	c.Close()

	time.Sleep(100 * time.Millisecond)
	relay.mu.Lock()
	n := len(relay.conns)
	relay.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected no reconnect after Close, saw %d connections", n)
	}
	if c.Connected() {
		t.Fatal("client still reports connected after Close")
	}
}

func TestReconnectFromScratchSupersedesOldConnection(t *testing.T) {
	relay, srv := newTestRelay(t)
	c := New(Options{URL: relay.wsURL(srv), MaxAttempts: 5, RetryDelay: 20 * time.Millisecond})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relay.waitConns(1)

	// A second Connect (the hot relay-move path) tears down the first
	// connection itself. The old read loop must not mistake that for a
	// server drop and race a reconnect against the fresh dial.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	relay.waitConns(2)

	time.Sleep(200 * time.Millisecond)
	relay.mu.Lock()
	n := len(relay.conns)
	relay.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected exactly 2 dials after a second Connect, saw %d", n)
	}
	if !c.Connected() {
		t.Fatal("client not connected after second Connect")
	}
}

func TestRecentRecordsDispatchedEvents(t *testing.T) {
	relay, srv := newTestRelay(t)
	c := New(Options{URL: relay.wsURL(srv), RetryDelay: 10 * time.Millisecond})
	defer c.Close()

	seen := make(chan struct{}, 1)
	c.RegisterHandler("load-history", func(json.RawMessage) { seen <- struct{}{} })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := relay.waitConns(1)
	relay.push(conn, "load-history", []any{})

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}

	entries := c.Recent()
	if len(entries) == 0 || entries[len(entries)-1].Event != "load-history" {
		t.Fatalf("trace missing load-history: %v", entries)
	}
}
