// Package peerconn mediates exactly one WebRTC negotiation between two
// parties. It owns local media capture, the PeerConnection, and the
// translation between local negotiation actions and relay signaling events.
// Coupling to the transport layer is via the Signaler interface only.
package peerconn

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/tandemtalk/tandemtalk/internal/proto"
)

// ErrMediaAcquisition wraps any local capture failure. Fatal to the call
// attempt in progress; never retried automatically.
var ErrMediaAcquisition = errors.New("peerconn: media acquisition failed")

// DefaultICEServers are the public STUN endpoints used for NAT traversal.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// pliInterval is how often a keyframe is requested from the remote sender.
const pliInterval = 3 * time.Second

// maxPendingCandidates bounds the early-candidate buffer. A genuine
// negotiation produces a handful; anything past the cap is noise from a
// peer that never sent a description.
const maxPendingCandidates = 32

// Signaler is the slice of the transport client this package needs.
type Signaler interface {
	Emit(event string, payload any)
}

// RemoteStream aggregates the remote tracks of one connection. Tracks are
// added incrementally as they arrive, never replaced.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// Tracks returns the tracks received so far.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Options configures a Manager. A nil ICEServers slice selects
// DefaultICEServers; an empty non-nil slice disables STUN entirely
// (host candidates only).
type Options struct {
	ICEServers []string
}

// Manager holds zero-or-one local stream, zero-or-one remote stream and
// zero-or-one PeerConnection. All Apply* operations degrade to logged
// no-ops when no connection exists — signaling can arrive before local
// setup finishes.
type Manager struct {
	sig  Signaler
	opts Options

	mu            sync.Mutex
	pc            *webrtc.PeerConnection
	localStream   mediadevices.MediaStream
	codecSelector *mediadevices.CodecSelector
	remote        *RemoteStream
	pending       []webrtc.ICECandidateInit // candidates that arrived before the remote description
	remoteDescSet bool
	room          string
	localID       string
	remoteID      string

	onRemoteStream func(*RemoteStream)
	onConnState    func(webrtc.PeerConnectionState)
}

// New creates a Manager with no media and no connection.
func New(sig Signaler, opts Options) *Manager {
	if opts.ICEServers == nil {
		opts.ICEServers = DefaultICEServers
	}
	return &Manager{sig: sig, opts: opts}
}

// OnRemoteStream registers the callback fired each time the aggregate
// remote stream gains a track.
func (m *Manager) OnRemoteStream(fn func(*RemoteStream)) {
	m.mu.Lock()
	m.onRemoteStream = fn
	m.mu.Unlock()
}

// OnConnectionState registers the callback fired on connection-state changes.
func (m *Manager) OnConnectionState(fn func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	m.onConnState = fn
	m.mu.Unlock()
}

// AcquireLocalMedia captures camera and microphone. Failure is fatal to the
// call attempt; the caller decides whether to end the session.
func (m *Manager) AcquireLocalMedia() error {
	stream, selector, err := acquireLocalTracks()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.localStream = stream
	m.codecSelector = selector
	m.mu.Unlock()
	log.Printf("PEERCONN: local media captured — %d tracks", len(stream.GetTracks()))
	return nil
}

// CreateConnection builds the PeerConnection for the (localID, remoteID)
// pair. Local tracks, if already acquired, are attached before any
// negotiation message is produced; without local media the connection is
// receive-only. When isInitiator is true an offer requesting audio and
// video is generated and sent immediately.
func (m *Manager) CreateConnection(isInitiator bool, localID, remoteID string) error {
	m.mu.Lock()
	if m.pc != nil {
		m.mu.Unlock()
		return fmt.Errorf("peerconn: connection already exists")
	}
	selector := m.codecSelector
	localStream := m.localStream
	m.mu.Unlock()

	room := proto.RoomKey(localID, remoteID)

	mediaEngine := &webrtc.MediaEngine{}
	if selector != nil {
		selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(m.opts.ICEServers))
	for _, u := range m.opts.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	remote := &RemoteStream{}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("PEERCONN [%s]: connection state %s", room, s)
		m.mu.Lock()
		fn := m.onConnState
		m.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})
	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		log.Printf("PEERCONN [%s]: signaling state %s", room, s)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Printf("PEERCONN [%s]: ICE state %s", room, s)
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		init := c.ToJSON()
		data, err := json.Marshal(init)
		if err != nil {
			log.Printf("PEERCONN [%s]: marshal candidate: %v", room, err)
			return
		}
		m.sig.Emit(proto.EvtICECandidate, proto.ICE{
			SenderID:   localID,
			ReceiverID: remoteID,
			Room:       room,
			Candidate:  string(data),
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("PEERCONN [%s]: remote track %s (%s)", room, track.ID(), track.Kind())
		remote.add(track)

		m.mu.Lock()
		fn := m.onRemoteStream
		m.mu.Unlock()
		if fn != nil {
			fn(remote)
		}

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go m.keyframeLoop(pc, uint32(track.SSRC()), room)
		}
		go drainTrack(track, room)
	})

	if localStream != nil {
		for _, track := range localStream.GetTracks() {
			if _, err := pc.AddTrack(track); err != nil {
				log.Printf("PEERCONN [%s]: AddTrack error: %v", room, err)
			}
		}
	} else {
		addRecvOnlyTransceivers(room, pc)
	}

	m.mu.Lock()
	m.pc = pc
	m.remote = remote
	m.room = room
	m.localID = localID
	m.remoteID = remoteID
	m.remoteDescSet = false
	m.mu.Unlock()

	if isInitiator {
		return m.sendOffer(pc, localID, remoteID, room)
	}
	return nil
}

// sendOffer generates the offer, applies it locally and emits sdp-offer.
func (m *Manager) sendOffer(pc *webrtc.PeerConnection, localID, remoteID, room string) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	data, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}
	m.sig.Emit(proto.EvtSDPOffer, proto.SDP{
		SenderID:   localID,
		ReceiverID: remoteID,
		Room:       room,
		Offer:      string(data),
	})
	log.Printf("PEERCONN [%s]: offer sent to %s", room, remoteID)
	return nil
}

// ApplyRemoteOffer installs the peer's offer, generates an answer and sends
// it back to the offer's sender. Logged no-op when no connection exists.
func (m *Manager) ApplyRemoteOffer(offerJSON, senderID, receiverID string) {
	m.mu.Lock()
	pc := m.pc
	room := m.room
	m.mu.Unlock()
	if pc == nil {
		log.Printf("PEERCONN: offer from %s arrived before connection setup — ignored", senderID)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(offerJSON), &offer); err != nil {
		log.Printf("PEERCONN [%s]: malformed offer: %v", room, err)
		return
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		log.Printf("PEERCONN [%s]: set remote offer: %v", room, err)
		return
	}
	m.flushPendingCandidates(pc, room)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("PEERCONN [%s]: create answer: %v", room, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Printf("PEERCONN [%s]: set local answer: %v", room, err)
		return
	}

	data, err := json.Marshal(answer)
	if err != nil {
		log.Printf("PEERCONN [%s]: marshal answer: %v", room, err)
		return
	}
	// The answer goes back to whoever sent the offer.
	m.sig.Emit(proto.EvtSDPAnswer, proto.SDP{
		SenderID:   receiverID,
		ReceiverID: senderID,
		Room:       room,
		Answer:     string(data),
	})
	log.Printf("PEERCONN [%s]: answer sent to %s", room, senderID)
}

// ApplyRemoteAnswer installs the peer's answer. Logged no-op without a
// connection.
func (m *Manager) ApplyRemoteAnswer(answerJSON string) {
	m.mu.Lock()
	pc := m.pc
	room := m.room
	m.mu.Unlock()
	if pc == nil {
		log.Printf("PEERCONN: answer arrived before connection setup — ignored")
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(answerJSON), &answer); err != nil {
		log.Printf("PEERCONN [%s]: malformed answer: %v", room, err)
		return
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		log.Printf("PEERCONN [%s]: set remote answer: %v", room, err)
		return
	}
	m.flushPendingCandidates(pc, room)
}

// ApplyRemoteIceCandidate adds a remote candidate. Candidates racing ahead
// of the offer/answer are buffered and flushed once the remote description
// is installed instead of being dropped.
func (m *Manager) ApplyRemoteIceCandidate(candidateJSON string) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidateJSON), &init); err != nil {
		log.Printf("PEERCONN: malformed ICE candidate: %v", err)
		return
	}

	m.mu.Lock()
	pc := m.pc
	room := m.room
	if pc == nil || !m.remoteDescSet {
		if len(m.pending) >= maxPendingCandidates {
			m.mu.Unlock()
			log.Printf("PEERCONN: early ICE candidate buffer full — dropped")
			return
		}
		m.pending = append(m.pending, init)
		n := len(m.pending)
		m.mu.Unlock()
		log.Printf("PEERCONN: buffered early ICE candidate (%d pending)", n)
		return
	}
	m.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		log.Printf("PEERCONN [%s]: add candidate: %v", room, err)
	}
}

// flushPendingCandidates installs candidates that arrived before the remote
// description existed.
func (m *Manager) flushPendingCandidates(pc *webrtc.PeerConnection, room string) {
	m.mu.Lock()
	m.remoteDescSet = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			log.Printf("PEERCONN [%s]: flush candidate: %v", room, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("PEERCONN [%s]: flushed %d buffered candidates", room, len(pending))
	}
}

// LocalStream returns the captured local stream, or nil.
func (m *Manager) LocalStream() mediadevices.MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localStream
}

// RemoteStream returns the aggregate remote stream, or nil.
func (m *Manager) RemoteStream() *RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Release stops local capture, closes the connection and clears both stream
// references. Safe to call multiple times and from any state.
func (m *Manager) Release() {
	m.mu.Lock()
	pc := m.pc
	localStream := m.localStream
	room := m.room
	m.pc = nil
	m.localStream = nil
	m.codecSelector = nil
	m.remote = nil
	m.pending = nil
	m.remoteDescSet = false
	m.mu.Unlock()

	if localStream != nil {
		for _, track := range localStream.GetTracks() {
			track.Close()
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Printf("PEERCONN [%s]: close: %v", room, err)
		}
		log.Printf("PEERCONN [%s]: released", room)
	}
}

// keyframeLoop periodically asks the remote sender for a keyframe so video
// recovers quickly after packet loss.
func (m *Manager) keyframeLoop(pc *webrtc.PeerConnection, ssrc uint32, room string) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		gone := m.pc != pc
		m.mu.Unlock()
		if gone {
			return
		}
		err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
		if err != nil {
			return
		}
	}
}

// addRecvOnlyTransceivers adds recvonly video and audio transceivers so
// CreateOffer/CreateAnswer always produces valid m-lines even without
// local media.
func addRecvOnlyTransceivers(room string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("PEERCONN [%s]: AddTransceiver(video) error: %v", room, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("PEERCONN [%s]: AddTransceiver(audio) error: %v", room, err)
	}
}
