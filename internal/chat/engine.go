// Package chat owns the ordered message log for one open conversation. It
// merges optimistic local sends, server-replayed history and live receipts
// into a single deduplicated, read-tracked log. ClientID is the sole dedup
// key: a message may arrive any number of times over any path and lands in
// the log exactly once.
package chat

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tandemtalk/tandemtalk/internal/proto"
)

var (
	// ErrEmptyMessage rejects a send with neither text nor attachments.
	ErrEmptyMessage = errors.New("chat: message has no text and no attachments")
	// ErrNoPartner rejects a send when no conversation partner is selected.
	ErrNoPartner = errors.New("chat: no conversation partner")
)

// DefaultTypingWindow is the pause after the last input that produces the
// single "stopped typing" signal.
const DefaultTypingWindow = 2000 * time.Millisecond

// Emitter is the slice of the transport client the engine needs.
type Emitter interface {
	Emit(event string, payload any)
	RegisterHandler(event string, h func(json.RawMessage))
	UnregisterHandler(event string)
}

// Engine synchronizes one conversation between selfID and partnerID.
type Engine struct {
	tc        Emitter
	selfID    string
	partnerID string
	room      string
	newID     func() string

	typingWindow time.Duration

	mu          sync.Mutex
	log         []proto.Message
	seen        map[string]struct{} // clientIDs present in log
	typing      bool
	typingGen   int // bumped per armed timer; a fired-but-stale timer must not emit
	typingTimer *time.Timer
	peerTyping  bool
	listeners   []chan proto.Message
}

// NewEngine creates an engine for the (selfID, partnerID) conversation.
// newID generates message clientIDs; pass uuid.NewString in production.
func NewEngine(tc Emitter, selfID, partnerID string, newID func() string) *Engine {
	return &Engine{
		tc:           tc,
		selfID:       selfID,
		partnerID:    partnerID,
		room:         proto.RoomKey(selfID, partnerID),
		newID:        newID,
		typingWindow: DefaultTypingWindow,
		seen:         make(map[string]struct{}),
	}
}

// SetTypingWindow overrides the typing debounce window. Must be called
// before the first InputActivity.
func (e *Engine) SetTypingWindow(d time.Duration) { e.typingWindow = d }

// Room returns the deterministic room key for this conversation.
func (e *Engine) Room() string { return e.room }

// Open joins the room, asks the relay to mark the partner's prior messages
// read, and hooks the four inbound event streams.
func (e *Engine) Open() {
	e.tc.RegisterHandler(proto.EvtReceiveMessage, e.onReceive)
	e.tc.RegisterHandler(proto.EvtLoadHistory, e.onHistory)
	e.tc.RegisterHandler(proto.EvtReadStatusUpdate, e.onReadStatus)
	e.tc.RegisterHandler(proto.EvtTypingUpdate, e.onTypingUpdate)

	e.tc.Emit(proto.EvtJoinRoom, proto.Pair{SenderID: e.selfID, ReceiverID: e.partnerID})
	e.tc.Emit(proto.EvtMarkRead, proto.Pair{SenderID: e.selfID, ReceiverID: e.partnerID})
	log.Printf("CHAT [%s]: conversation opened", e.room)
}

// Close unhooks the engine from the transport and stops the typing timer.
func (e *Engine) Close() {
	e.tc.UnregisterHandler(proto.EvtReceiveMessage)
	e.tc.UnregisterHandler(proto.EvtLoadHistory)
	e.tc.UnregisterHandler(proto.EvtReadStatusUpdate)
	e.tc.UnregisterHandler(proto.EvtTypingUpdate)

	e.mu.Lock()
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
	e.typing = false
	for _, ch := range e.listeners {
		close(ch)
	}
	e.listeners = nil
	e.mu.Unlock()
	log.Printf("CHAT [%s]: conversation closed", e.room)
}

// Send validates, appends optimistically and emits one message. Attachments
// are raw image bytes; they travel base64-encoded.
func (e *Engine) Send(text string, attachments [][]byte) (proto.Message, error) {
	if e.partnerID == "" {
		return proto.Message{}, ErrNoPartner
	}
	if text == "" && len(attachments) == 0 {
		return proto.Message{}, ErrEmptyMessage
	}

	images := make([]string, 0, len(attachments))
	for _, a := range attachments {
		images = append(images, base64.StdEncoding.EncodeToString(a))
	}

	msg := proto.Message{
		SenderID:   e.selfID,
		ReceiverID: e.partnerID,
		Text:       text,
		Images:     images,
		Timestamp:  proto.NowISO(),
		ClientID:   e.newID(),
		Read:       false,
	}

	// Optimistic append before the network effect: the echo and any history
	// replay of this message are deduplicated by clientId.
	e.appendIfNew(msg)
	e.tc.Emit(proto.EvtSendMessage, proto.RoomMessage{Message: msg, Room: e.room})
	return msg, nil
}

// InputActivity implements the typing protocol: the first input in a burst
// emits isTyping=true and arms the timer; further input only resets the
// timer; expiry emits isTyping=false exactly once per pause.
func (e *Engine) InputActivity() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.typing {
		e.typing = true
		e.emitTyping(true)
	}
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	// Stop does not cover a timer that has already fired and is waiting on
	// e.mu; the generation check disarms that one too.
	e.typingGen++
	gen := e.typingGen
	e.typingTimer = time.AfterFunc(e.typingWindow, func() {
		e.mu.Lock()
		if gen != e.typingGen || !e.typing {
			e.mu.Unlock()
			return
		}
		e.typing = false
		e.emitTyping(false)
		e.mu.Unlock()
	})
}

// emitTyping must be called with e.mu held (Emit itself never calls back).
func (e *Engine) emitTyping(isTyping bool) {
	e.tc.Emit(proto.EvtTypingStatus, proto.Typing{
		SenderID:   e.selfID,
		ReceiverID: e.partnerID,
		IsTyping:   isTyping,
		Room:       e.room,
	})
}

// Messages returns a copy of the conversation log in order.
func (e *Engine) Messages() []proto.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]proto.Message, len(e.log))
	copy(out, e.log)
	return out
}

// PeerTyping reports whether the partner is currently typing.
func (e *Engine) PeerTyping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerTyping
}

// Subscribe returns a channel receiving each newly appended message.
func (e *Engine) Subscribe() chan proto.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan proto.Message, 16)
	e.listeners = append(e.listeners, ch)
	return ch
}

func (e *Engine) Unsubscribe(ch chan proto.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, listener := range e.listeners {
		if listener == ch {
			close(listener)
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

// appendIfNew is the single dedup gate: the message joins the log only if
// no existing entry shares its clientId.
func (e *Engine) appendIfNew(msg proto.Message) bool {
	if msg.ClientID == "" {
		log.Printf("CHAT [%s]: dropping message without clientId", e.room)
		return false
	}

	e.mu.Lock()
	if _, dup := e.seen[msg.ClientID]; dup {
		e.mu.Unlock()
		return false
	}
	e.seen[msg.ClientID] = struct{}{}
	e.log = append(e.log, msg)
	for _, ch := range e.listeners {
		select {
		case ch <- msg:
		default:
		}
	}
	e.mu.Unlock()
	return true
}

func (e *Engine) onReceive(data json.RawMessage) {
	var msg proto.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("CHAT [%s]: dropping malformed receive-message payload: %v", e.room, err)
		return
	}
	// Self-echo: the optimistic append already added it.
	if msg.SenderID == e.selfID {
		return
	}
	e.appendIfNew(msg)
}

// onHistory merges replayed history: entries already present by clientId are
// skipped, existing entries are never reordered or replaced.
func (e *Engine) onHistory(data json.RawMessage) {
	var msgs []proto.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		log.Printf("CHAT [%s]: dropping malformed load-history payload: %v", e.room, err)
		return
	}
	added := 0
	for _, msg := range msgs {
		if e.appendIfNew(msg) {
			added++
		}
	}
	log.Printf("CHAT [%s]: history merged — %d new of %d replayed", e.room, added, len(msgs))
}

// onReadStatus applies a pair-scoped read flip. Read is monotonic: once a
// message is read it stays read, so only a false→true carry has effect.
func (e *Engine) onReadStatus(data json.RawMessage) {
	var rs proto.ReadStatus
	if err := json.Unmarshal(data, &rs); err != nil {
		log.Printf("CHAT [%s]: dropping malformed read-status-update payload: %v", e.room, err)
		return
	}
	if !rs.Read {
		return
	}

	e.mu.Lock()
	for i := range e.log {
		if e.log[i].SenderID == rs.SenderID && e.log[i].ReceiverID == rs.ReceiverID {
			e.log[i].Read = true
		}
	}
	e.mu.Unlock()
}

func (e *Engine) onTypingUpdate(data json.RawMessage) {
	var ty proto.Typing
	if err := json.Unmarshal(data, &ty); err != nil {
		log.Printf("CHAT [%s]: dropping malformed typing payload: %v", e.room, err)
		return
	}
	if ty.SenderID != e.partnerID {
		return
	}
	e.mu.Lock()
	e.peerTyping = ty.IsTyping
	e.mu.Unlock()
}
