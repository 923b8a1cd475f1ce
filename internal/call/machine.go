// Package call orchestrates one call's lifecycle over relay signaling. The
// two participants run independent machines correlated only by relay
// messages, so either side may reach Ended unilaterally at any time; every
// inbound event tolerates that.
package call

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/tandemtalk/tandemtalk/internal/proto"
)

// ErrBusy rejects a new outbound call while a session is in progress.
var ErrBusy = errors.New("call: session already in progress")

// Emitter is the slice of the transport client the machine needs.
type Emitter interface {
	Emit(event string, payload any)
	RegisterHandler(event string, h func(json.RawMessage))
	UnregisterHandler(event string)
}

// Negotiator is the slice of the peer connection manager the machine
// drives. The machine owns its lifecycle: setup on acceptance, Release on
// every terminal transition.
type Negotiator interface {
	AcquireLocalMedia() error
	CreateConnection(isInitiator bool, localID, remoteID string) error
	ApplyRemoteOffer(offer, senderID, receiverID string)
	ApplyRemoteAnswer(answer string)
	ApplyRemoteIceCandidate(candidate string)
	Release()
}

// IncomingCall surfaces the accept/ignore choice for one inbound request.
type IncomingCall struct {
	CallerID string
	Accept   func() error
	Ignore   func()
}

// Machine tracks one call session for the local user and routes relay
// signaling into the Negotiator.
type Machine struct {
	tc     Emitter
	neg    Negotiator
	selfID string

	mu   sync.Mutex
	sess *Session // nil while Idle and after Reset

	onIncoming func(IncomingCall)
	onState    func(Session)
}

// NewMachine creates a machine for selfID and hooks the call-related relay
// events. Call Close to unhook.
func NewMachine(tc Emitter, neg Negotiator, selfID string) *Machine {
	m := &Machine{tc: tc, neg: neg, selfID: selfID}
	tc.RegisterHandler(proto.EvtIncomingCall, m.onIncomingCall)
	tc.RegisterHandler(proto.EvtCallAccepted, m.onCallAccepted)
	tc.RegisterHandler(proto.EvtCallRejected, m.onCallRejected)
	tc.RegisterHandler(proto.EvtCallEnd, m.onCallEnd)
	tc.RegisterHandler(proto.EvtSDPOffer, m.onSDPOffer)
	tc.RegisterHandler(proto.EvtSDPAnswer, m.onSDPAnswer)
	tc.RegisterHandler(proto.EvtICECandidate, m.onICECandidate)
	return m
}

// OnIncoming registers the callback fired for each inbound call request.
func (m *Machine) OnIncoming(fn func(IncomingCall)) {
	m.mu.Lock()
	m.onIncoming = fn
	m.mu.Unlock()
}

// OnStateChange registers the callback fired after every transition with a
// copy of the session.
func (m *Machine) OnStateChange(fn func(Session)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// Session returns a copy of the current session; ok is false while Idle.
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{}, false
	}
	return *m.sess, true
}

// RequestCall starts an outbound call to calleeID. Valid only while Idle
// (or after a previous session reached a terminal state).
func (m *Machine) RequestCall(calleeID string) error {
	m.mu.Lock()
	if m.sess != nil && !m.sess.Status.terminal() {
		m.mu.Unlock()
		return ErrBusy
	}
	m.sess = newSession(m.selfID, calleeID, StatusRequesting)
	sess := *m.sess
	m.mu.Unlock()

	m.tc.Emit(proto.EvtCallRequest, proto.CallSignal{
		SenderID:   m.selfID,
		ReceiverID: calleeID,
		Room:       sess.RoomKey,
	})
	log.Printf("CALL [%s]: requested %s → %s", sess.RoomKey, m.selfID, calleeID)
	m.notify(sess)
	return nil
}

// EndCall hangs up the current session from any non-idle state. The
// negotiator is released synchronously before the call-end signal goes out.
func (m *Machine) EndCall() {
	m.end(true)
}

// end moves to Ended, releases the negotiator, and optionally notifies the
// peer. No-op while Idle or already Ended.
func (m *Machine) end(emit bool) {
	m.mu.Lock()
	if m.sess == nil || m.sess.Status == StatusEnded {
		m.mu.Unlock()
		return
	}
	m.sess.Status = StatusEnded
	sess := *m.sess
	m.mu.Unlock()

	m.neg.Release()
	if emit {
		m.tc.Emit(proto.EvtCallEnd, proto.CallSignal{
			SenderID:   m.selfID,
			ReceiverID: sess.Peer(m.selfID),
			Room:       sess.RoomKey,
		})
	}
	log.Printf("CALL [%s]: ended", sess.RoomKey)
	m.notify(sess)
}

// MarkActive records that the media path is up. Valid only from Accepted;
// wire it to the peer connection manager's connected notification.
func (m *Machine) MarkActive() {
	m.mu.Lock()
	if m.sess == nil || m.sess.Status != StatusAccepted {
		m.mu.Unlock()
		return
	}
	m.sess.Status = StatusActive
	sess := *m.sess
	m.mu.Unlock()
	log.Printf("CALL [%s]: active", sess.RoomKey)
	m.notify(sess)
}

// Close unhooks the machine from the transport. An in-progress session is
// ended first.
func (m *Machine) Close() {
	m.end(true)
	m.tc.UnregisterHandler(proto.EvtIncomingCall)
	m.tc.UnregisterHandler(proto.EvtCallAccepted)
	m.tc.UnregisterHandler(proto.EvtCallRejected)
	m.tc.UnregisterHandler(proto.EvtCallEnd)
	m.tc.UnregisterHandler(proto.EvtSDPOffer)
	m.tc.UnregisterHandler(proto.EvtSDPAnswer)
	m.tc.UnregisterHandler(proto.EvtICECandidate)
}

func (m *Machine) notify(sess Session) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(sess)
	}
}

// ── inbound relay events ────────────────────────────────────────────────────

// onIncomingCall surfaces the accept/ignore choice. A request arriving while
// another call is in progress is rejected outright.
func (m *Machine) onIncomingCall(data json.RawMessage) {
	var sig proto.CallSignal
	if err := json.Unmarshal(data, &sig); err != nil || sig.SenderID == "" {
		log.Printf("CALL: dropping malformed incoming-call payload")
		return
	}
	room := proto.RoomKey(sig.SenderID, m.selfID)

	m.mu.Lock()
	busy := m.sess != nil && !m.sess.Status.terminal()
	fn := m.onIncoming
	m.mu.Unlock()

	if busy {
		log.Printf("CALL [%s]: busy — rejecting request from %s", room, sig.SenderID)
		m.emitReject(sig.SenderID, room)
		return
	}
	if fn == nil {
		log.Printf("CALL [%s]: no incoming handler — rejecting request from %s", room, sig.SenderID)
		m.emitReject(sig.SenderID, room)
		return
	}

	fn(IncomingCall{
		CallerID: sig.SenderID,
		Accept:   func() error { return m.acceptIncoming(sig.SenderID) },
		Ignore:   func() { m.ignoreIncoming(sig.SenderID, room) },
	})
}

// acceptIncoming is the callee's acceptance entry: media and the initiator
// connection are set up before the caller is notified. A media failure is
// surfaced to the accept action and leaves the session to be explicitly
// ended — it is not unwound automatically.
func (m *Machine) acceptIncoming(callerID string) error {
	m.mu.Lock()
	if m.sess != nil && !m.sess.Status.terminal() {
		m.mu.Unlock()
		return ErrBusy
	}
	m.sess = newSession(callerID, m.selfID, StatusAccepted)
	sess := *m.sess
	m.mu.Unlock()
	m.notify(sess)

	if err := m.neg.AcquireLocalMedia(); err != nil {
		log.Printf("CALL [%s]: media acquisition failed: %v", sess.RoomKey, err)
		return err
	}
	if err := m.neg.CreateConnection(true, m.selfID, callerID); err != nil {
		log.Printf("CALL [%s]: connection setup failed: %v", sess.RoomKey, err)
		return err
	}

	m.tc.Emit(proto.EvtCallAccept, proto.CallSignal{
		SenderID:   m.selfID,
		ReceiverID: callerID,
		Room:       sess.RoomKey,
	})
	log.Printf("CALL [%s]: accepted call from %s", sess.RoomKey, callerID)
	return nil
}

func (m *Machine) ignoreIncoming(callerID, room string) {
	m.emitReject(callerID, room)
	log.Printf("CALL [%s]: ignored call from %s", room, callerID)
}

func (m *Machine) emitReject(callerID, room string) {
	m.tc.Emit(proto.EvtCallReject, proto.CallSignal{
		SenderID:   m.selfID,
		ReceiverID: callerID,
		Room:       room,
	})
}

// onCallAccepted is the caller's side of acceptance: the callee already set
// up its media and initiator connection, so this side acquires media and
// creates the non-initiator connection that will answer the offer.
func (m *Machine) onCallAccepted(data json.RawMessage) {
	var sig proto.CallSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		log.Printf("CALL: dropping malformed call-accepted payload")
		return
	}

	m.mu.Lock()
	if m.sess == nil || m.sess.Status != StatusRequesting {
		m.mu.Unlock()
		log.Printf("CALL: ignoring call-accepted outside Requesting")
		return
	}
	m.sess.Status = StatusAccepted
	sess := *m.sess
	m.mu.Unlock()
	m.notify(sess)

	if err := m.neg.AcquireLocalMedia(); err != nil {
		// Fatal to the attempt, but not unwound here — the session stays
		// Accepted until explicitly ended.
		log.Printf("CALL [%s]: media acquisition failed: %v", sess.RoomKey, err)
		return
	}
	if err := m.neg.CreateConnection(false, m.selfID, sess.Peer(m.selfID)); err != nil {
		log.Printf("CALL [%s]: connection setup failed: %v", sess.RoomKey, err)
		return
	}
	log.Printf("CALL [%s]: peer accepted — awaiting offer", sess.RoomKey)
}

func (m *Machine) onCallRejected(data json.RawMessage) {
	var sig proto.CallSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		log.Printf("CALL: dropping malformed call-rejected payload")
		return
	}

	m.mu.Lock()
	if m.sess == nil || m.sess.Status != StatusRequesting {
		m.mu.Unlock()
		log.Printf("CALL: ignoring call-rejected outside Requesting")
		return
	}
	m.sess.Status = StatusRejected
	sess := *m.sess
	m.mu.Unlock()

	log.Printf("CALL [%s]: rejected by %s", sess.RoomKey, sess.CalleeID)
	m.notify(sess)
}

func (m *Machine) onCallEnd(json.RawMessage) {
	m.end(false)
}

func (m *Machine) onSDPOffer(data json.RawMessage) {
	var sdp proto.SDP
	if err := json.Unmarshal(data, &sdp); err != nil {
		log.Printf("CALL: dropping malformed sdp-offer payload")
		return
	}
	m.neg.ApplyRemoteOffer(sdp.Offer, sdp.SenderID, sdp.ReceiverID)
}

func (m *Machine) onSDPAnswer(data json.RawMessage) {
	var sdp proto.SDP
	if err := json.Unmarshal(data, &sdp); err != nil {
		log.Printf("CALL: dropping malformed sdp-answer payload")
		return
	}
	m.neg.ApplyRemoteAnswer(sdp.Answer)
}

func (m *Machine) onICECandidate(data json.RawMessage) {
	var ice proto.ICE
	if err := json.Unmarshal(data, &ice); err != nil {
		log.Printf("CALL: dropping malformed ice-candidate payload")
		return
	}
	m.neg.ApplyRemoteIceCandidate(ice.Candidate)
}
