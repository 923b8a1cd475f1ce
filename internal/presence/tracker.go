// Package presence derives peer online/offline state from relay events.
// Last write wins; no history is retained.
package presence

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/tandemtalk/tandemtalk/internal/proto"
)

// Event notifies subscribers of one status change.
type Event struct {
	UserID string
	Status string
}

// Emitter is the slice of the transport client the tracker needs.
type Emitter interface {
	Emit(event string, payload any)
	RegisterHandler(event string, h func(json.RawMessage))
	UnregisterHandler(event string)
}

// Tracker holds the last-known status per peer id.
type Tracker struct {
	tc Emitter

	mu        sync.Mutex
	status    map[string]string
	listeners []chan Event
}

func NewTracker(tc Emitter) *Tracker {
	t := &Tracker{
		tc:     tc,
		status: make(map[string]string),
	}
	tc.RegisterHandler(proto.EvtUserStatus, t.onUserStatus)
	return t
}

// Announce signals that the local user is online, right after joining a room.
func (t *Tracker) Announce(selfID string) {
	t.tc.Emit(proto.EvtStatusChange, proto.Presence{
		UserID: selfID,
		Status: proto.StatusOnline,
	})
}

// Status returns the last-known status for a peer. Peers never heard from
// report Offline.
func (t *Tracker) Status(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.status[userID]; ok {
		return s
	}
	return proto.StatusOffline
}

// Subscribe returns a channel receiving status changes. Slow subscribers
// miss events rather than block the dispatch path.
func (t *Tracker) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Tracker) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Close unhooks the tracker from the transport.
func (t *Tracker) Close() {
	t.tc.UnregisterHandler(proto.EvtUserStatus)
	t.mu.Lock()
	for _, ch := range t.listeners {
		close(ch)
	}
	t.listeners = nil
	t.mu.Unlock()
}

func (t *Tracker) onUserStatus(data json.RawMessage) {
	var p proto.Presence
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		log.Printf("PRESENCE: dropping malformed user-status payload")
		return
	}

	t.mu.Lock()
	t.status[p.UserID] = p.Status
	for _, ch := range t.listeners {
		select {
		case ch <- Event{UserID: p.UserID, Status: p.Status}:
		default:
		}
	}
	t.mu.Unlock()
}
