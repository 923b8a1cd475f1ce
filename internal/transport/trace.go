package transport

import (
	"sync"
	"time"
)

// TraceEntry records one dispatched inbound event.
type TraceEntry struct {
	Event string
	Size  int // payload bytes
	At    time.Time
}

// eventTrace is a fixed-capacity ring of the most recent inbound events,
// kept for diagnostics. When full, record overwrites the oldest entry.
type eventTrace struct {
	mu    sync.Mutex
	buf   []TraceEntry
	head  int
	count int
}

func newEventTrace(capacity int) *eventTrace {
	return &eventTrace{buf: make([]TraceEntry, capacity)}
}

func (t *eventTrace) record(event string, size int) {
	t.mu.Lock()
	idx := (t.head + t.count) % len(t.buf)
	t.buf[idx] = TraceEntry{Event: event, Size: size, At: time.Now()}
	if t.count == len(t.buf) {
		t.head = (t.head + 1) % len(t.buf)
	} else {
		t.count++
	}
	t.mu.Unlock()
}

// snapshot copies the entries in order, oldest first.
func (t *eventTrace) snapshot() []TraceEntry {
	t.mu.Lock()
	out := make([]TraceEntry, t.count)
	for i := 0; i < t.count; i++ {
		out[i] = t.buf[(t.head+i)%len(t.buf)]
	}
	t.mu.Unlock()
	return out
}
