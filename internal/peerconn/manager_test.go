package peerconn

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/tandemtalk/tandemtalk/internal/proto"
)

// loopSignaler forwards signaling straight into the peer Manager, playing
// the role of the relay plus the remote transport.
type loopSignaler struct {
	mu         sync.Mutex
	peer       *Manager
	offers     int
	answers    int
	candidates int
	offerTo    string
	answerTo   string
}

func (s *loopSignaler) setPeer(m *Manager) {
	s.mu.Lock()
	s.peer = m
	s.mu.Unlock()
}

func (s *loopSignaler) Emit(event string, payload any) {
	s.mu.Lock()
	peer := s.peer
	switch event {
	case proto.EvtSDPOffer:
		s.offers++
		s.offerTo = payload.(proto.SDP).ReceiverID
	case proto.EvtSDPAnswer:
		s.answers++
		s.answerTo = payload.(proto.SDP).ReceiverID
	case proto.EvtICECandidate:
		s.candidates++
	}
	s.mu.Unlock()

	if peer == nil {
		return
	}
	// Deliver asynchronously — Emit runs on pion callback goroutines.
	switch event {
	case proto.EvtSDPOffer:
		p := payload.(proto.SDP)
		go peer.ApplyRemoteOffer(p.Offer, p.SenderID, p.ReceiverID)
	case proto.EvtSDPAnswer:
		p := payload.(proto.SDP)
		go peer.ApplyRemoteAnswer(p.Answer)
	case proto.EvtICECandidate:
		p := payload.(proto.ICE)
		go peer.ApplyRemoteIceCandidate(p.Candidate)
	}
}

func waitState(t *testing.T, ch <-chan webrtc.PeerConnectionState, want webrtc.PeerConnectionState) {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
			if s == webrtc.PeerConnectionStateFailed {
				t.Fatalf("connection failed while waiting for %s", want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for connection state %s", want)
		}
	}
}

func TestOfferAnswerExchangeConnects(t *testing.T) {
	sigA := &loopSignaler{}
	sigB := &loopSignaler{}
	hostOnly := Options{ICEServers: []string{}}

	a := New(sigA, hostOnly) // caller side
	b := New(sigB, hostOnly) // accepting side, sends the offer
	defer a.Release()
	defer b.Release()
	sigA.setPeer(b)
	sigB.setPeer(a)

	aStates := make(chan webrtc.PeerConnectionState, 16)
	bStates := make(chan webrtc.PeerConnectionState, 16)
	a.OnConnectionState(func(s webrtc.PeerConnectionState) { aStates <- s })
	b.OnConnectionState(func(s webrtc.PeerConnectionState) { bStates <- s })

	// The non-initiator must exist before the offer arrives.
	if err := a.CreateConnection(false, "alice", "bob"); err != nil {
		t.Fatalf("caller CreateConnection: %v", err)
	}
	if err := b.CreateConnection(true, "bob", "alice"); err != nil {
		t.Fatalf("initiator CreateConnection: %v", err)
	}

	waitState(t, aStates, webrtc.PeerConnectionStateConnected)
	waitState(t, bStates, webrtc.PeerConnectionStateConnected)

	sigB.mu.Lock()
	offers, offerTo := sigB.offers, sigB.offerTo
	sigB.mu.Unlock()
	if offers != 1 || offerTo != "alice" {
		t.Fatalf("expected exactly one offer to alice, got %d to %q", offers, offerTo)
	}

	sigA.mu.Lock()
	answers, answerTo := sigA.answers, sigA.answerTo
	sigA.mu.Unlock()
	if answers != 1 || answerTo != "bob" {
		t.Fatalf("expected exactly one answer to bob, got %d to %q", answers, answerTo)
	}
}

func TestApplyBeforeConnectionIsNoop(t *testing.T) {
	m := New(&loopSignaler{}, Options{ICEServers: []string{}})
	// None of these may panic or error out loud.
	m.ApplyRemoteOffer(`{"type":"offer","sdp":""}`, "bob", "alice")
	m.ApplyRemoteAnswer(`{"type":"answer","sdp":""}`)
	m.ApplyRemoteIceCandidate(`{"candidate":"candidate:0 1 UDP 1 127.0.0.1 9 typ host"}`)
}

func TestEarlyCandidatesBufferedAndFlushed(t *testing.T) {
	sigA := &loopSignaler{}
	sigB := &loopSignaler{}
	hostOnly := Options{ICEServers: []string{}}

	a := New(sigA, hostOnly)
	b := New(sigB, hostOnly)
	defer a.Release()
	defer b.Release()
	sigB.setPeer(a)

	// Candidates arrive at the caller before its connection exists.
	a.ApplyRemoteIceCandidate(`{"candidate":"candidate:1 1 UDP 2122252543 127.0.0.1 50000 typ host"}`)
	a.mu.Lock()
	buffered := len(a.pending)
	a.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("expected 1 buffered candidate, got %d", buffered)
	}

	aStates := make(chan webrtc.PeerConnectionState, 16)
	a.OnConnectionState(func(s webrtc.PeerConnectionState) { aStates <- s })

	if err := a.CreateConnection(false, "alice", "bob"); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	// sigA has no peer: a's own candidates go nowhere, but b's reach a.
	if err := b.CreateConnection(true, "bob", "alice"); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	// Once the offer lands, the buffered candidate must be flushed.
	deadline := time.Now().Add(5 * time.Second)
	for {
		a.mu.Lock()
		flushed := a.remoteDescSet && len(a.pending) == 0
		a.mu.Unlock()
		if flushed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("buffered candidate never flushed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEarlyCandidateBufferIsBounded(t *testing.T) {
	m := New(&loopSignaler{}, Options{ICEServers: []string{}})

	// A peer that signals candidates without ever sending a description
	// must not grow the buffer without bound.
	for i := 0; i < maxPendingCandidates+10; i++ {
		m.ApplyRemoteIceCandidate(`{"candidate":"candidate:1 1 UDP 2122252543 127.0.0.1 50000 typ host"}`)
	}

	m.mu.Lock()
	buffered := len(m.pending)
	m.mu.Unlock()
	if buffered != maxPendingCandidates {
		t.Fatalf("expected buffer capped at %d, got %d", maxPendingCandidates, buffered)
	}
}

func TestReleaseIsIdempotentAndSafeBeforeSetup(t *testing.T) {
	m := New(&loopSignaler{}, Options{ICEServers: []string{}})

	m.Release() // before any setup
	m.Release()

	if err := m.CreateConnection(false, "alice", "bob"); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	m.Release()
	m.Release()

	if m.LocalStream() != nil || m.RemoteStream() != nil {
		t.Fatal("stream references not cleared by Release")
	}
}

func TestCreateConnectionRejectsSecond(t *testing.T) {
	m := New(&loopSignaler{}, Options{ICEServers: []string{}})
	defer m.Release()

	if err := m.CreateConnection(false, "alice", "bob"); err != nil {
		t.Fatalf("first CreateConnection: %v", err)
	}
	if err := m.CreateConnection(false, "alice", "bob"); err == nil {
		t.Fatal("second CreateConnection should fail while one exists")
	}
}

func TestReleaseThenRecreate(t *testing.T) {
	m := New(&loopSignaler{}, Options{ICEServers: []string{}})

	if err := m.CreateConnection(false, "alice", "bob"); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	m.Release()
	if err := m.CreateConnection(false, "alice", "bob"); err != nil {
		t.Fatalf("CreateConnection after Release: %v", err)
	}
	m.Release()
}

func TestMalformedSignalingDropped(t *testing.T) {
	m := New(&loopSignaler{}, Options{ICEServers: []string{}})
	defer m.Release()

	if err := m.CreateConnection(false, "alice", "bob"); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	m.ApplyRemoteOffer(`{broken`, "bob", "alice")
	m.ApplyRemoteAnswer(`not json`)
	m.ApplyRemoteIceCandidate(`{`)

	// The connection object must survive malformed payloads.
	m.mu.Lock()
	alive := m.pc != nil
	m.mu.Unlock()
	if !alive {
		t.Fatal("connection torn down by malformed signaling")
	}
}

func TestCandidateWireFormatRoundTrips(t *testing.T) {
	init := webrtc.ICECandidateInit{Candidate: "candidate:1 1 UDP 2122252543 192.0.2.1 50000 typ host"}
	data, err := json.Marshal(init)
	if err != nil {
		t.Fatal(err)
	}
	var back webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Candidate != init.Candidate {
		t.Fatalf("candidate mangled: %q", back.Candidate)
	}
}
