// Package transport owns the single persistent websocket connection to the
// relay server. The relay speaks named events: every frame on the wire is a
// JSON object {"event": <name>, "data": <payload>}. Routing is a flat table
// from event name to exactly one handler — last registration wins, so a
// component that re-opens never accumulates duplicate listeners.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Connect when every dial attempt failed.
var ErrNotConnected = errors.New("transport: not connected")

// Handler receives the raw payload of one inbound event. Handlers run
// sequentially on the read loop goroutine, in arrival order.
type Handler func(data json.RawMessage)

// Options configures a Client.
type Options struct {
	URL          string        // relay websocket URL, e.g. ws://host:4000/ws
	SelfID       string        // appended as ?user=<id> so the relay knows who connected
	MaxAttempts  int           // dial attempts per connect/reconnect cycle
	RetryDelay   time.Duration // fixed delay between attempts
	WriteTimeout time.Duration

	// OnDown, if set, fires once when automatic reconnection is exhausted
	// after a server-initiated disconnect. Errors before the first successful
	// handshake are reported by Connect instead.
	OnDown func(err error)
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is the shared relay connection. One underlying websocket at a time;
// Connect tears down any previous connection before dialing.
type Client struct {
	opts Options

	mu      sync.Mutex // guards conn, gen, closing
	conn    *websocket.Conn
	gen     int // connection generation; stale read loops see a mismatch and exit
	closing bool

	hmu      sync.Mutex
	handlers map[string]Handler

	trace *eventTrace
}

// New creates an unconnected Client. Zero option fields get defaults:
// 5 attempts, 2s delay, 10s write timeout.
func New(opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Client{
		opts:     opts,
		handlers: make(map[string]Handler),
		trace:    newEventTrace(64),
	}
}

// Connect establishes the relay connection, replacing any existing one.
// It dials up to MaxAttempts times with a fixed delay and returns the last
// dial error if all attempts fail. On success the read loop is running and
// registered handlers start receiving events.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closing = false
	if c.conn != nil {
		// Reconnect-from-scratch: supersede the old connection before
		// closing it. The generation bump is what tells the old read loop it
		// was replaced, so it exits silently instead of starting its own
		// reconnect cycle against the dial below.
		c.gen++
		c.conn.Close()
		c.conn = nil
	}
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closing || c.gen != gen {
		// Lost to a concurrent Close or a later Connect while dialing.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.gen++
	gen = c.gen
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	log.Printf("TRANSPORT: connected to %s", c.opts.URL)
	return nil
}

// SetURL replaces the relay URL used by subsequent dials. The active
// connection is untouched; call Connect to move over.
func (c *Client) SetURL(u string) {
	c.mu.Lock()
	c.opts.URL = u
	c.mu.Unlock()
}

// dial attempts the websocket handshake with the bounded fixed-delay retry.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	url := c.opts.URL
	c.mu.Unlock()
	if c.opts.SelfID != "" {
		url += "?user=" + c.opts.SelfID
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Printf("TRANSPORT: dial attempt %d/%d failed: %v", attempt, c.opts.MaxAttempts, err)

		if attempt == c.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.RetryDelay):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
}

// readLoop reads and dispatches frames until the connection dies. A death
// that was not client-initiated triggers one bounded reconnect cycle.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := gen != c.gen
			closing := c.closing
			if !stale && c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			if stale || closing {
				return
			}
			log.Printf("TRANSPORT: connection lost: %v — reconnecting", err)
			c.reconnect(gen)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			log.Printf("TRANSPORT: dropping malformed frame (%d bytes)", len(data))
			continue
		}

		c.trace.record(f.Event, len(f.Data))

		c.hmu.Lock()
		h := c.handlers[f.Event]
		c.hmu.Unlock()
		if h == nil {
			continue
		}
		h(f.Data)
	}
}

// reconnect runs the same bounded dial cycle as Connect after a
// server-initiated disconnect. gen is the generation of the connection that
// died: if a Connect or Close supersedes it while we dial, the fresh
// connection is discarded instead of installed. Exhaustion fires OnDown.
func (c *Client) reconnect(gen int) {
	conn, err := c.dial(context.Background())
	if err != nil {
		log.Printf("TRANSPORT: reconnect exhausted: %v", err)
		if c.opts.OnDown != nil {
			c.opts.OnDown(err)
		}
		return
	}

	c.mu.Lock()
	if c.closing || c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.gen++
	newGen := c.gen
	c.mu.Unlock()

	go c.readLoop(conn, newGen)
	log.Printf("TRANSPORT: reconnected to %s", c.opts.URL)
}

// RegisterHandler installs the single handler for event, replacing any
// previous one.
func (c *Client) RegisterHandler(event string, h Handler) {
	c.hmu.Lock()
	c.handlers[event] = h
	c.hmu.Unlock()
}

// UnregisterHandler removes the handler for event. Safe when none exists.
func (c *Client) UnregisterHandler(event string) {
	c.hmu.Lock()
	delete(c.handlers, event)
	c.hmu.Unlock()
}

// Emit sends one named event to the relay. When not connected it logs a
// warning and drops the event — it never queues and never returns an error
// to the caller.
func (c *Client) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("TRANSPORT: cannot marshal %s payload: %v", event, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		log.Printf("TRANSPORT: not connected — dropping %s", event)
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteJSON(frame{Event: event, Data: data}); err != nil {
		log.Printf("TRANSPORT: write %s failed: %v", event, err)
	}
}

// Connected reports whether an underlying connection currently exists.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Recent returns the most recently dispatched events, oldest first.
func (c *Client) Recent() []TraceEntry {
	return c.trace.snapshot()
}

// Close tears the connection down for good; no reconnect follows.
func (c *Client) Close() {
	c.mu.Lock()
	c.closing = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}
