
package proto

import (
	"strings"
	"time"
)

// Relay event names. The relay forwards these between the two clients in a
// room without interpreting them.
const (
	// chat
	EvtJoinRoom         = "join-room"
	EvtSendMessage      = "send-message"
	EvtReceiveMessage   = "receive-message"
	EvtLoadHistory      = "load-history"
	EvtMarkRead         = "mark-read"
	EvtReadStatusUpdate = "read-status-update"
	EvtTypingStatus     = "typing-status"
	EvtTypingUpdate     = "typing-status-update"

	// presence
	EvtStatusChange = "user-status-change"
	EvtUserStatus   = "user-status"

	// calls
	EvtCallRequest  = "call-request"
	EvtIncomingCall = "incoming-call"
	EvtCallAccept   = "call-accept"
	EvtCallAccepted = "call-accepted"
	EvtCallReject   = "call-reject"
	EvtCallRejected = "call-rejected"
	EvtCallEnd      = "call-end"
	EvtSDPOffer     = "sdp-offer"
	EvtSDPAnswer    = "sdp-answer"
	EvtICECandidate = "ice-candidate"
)

const (
	StatusOnline  = "Online"
	StatusOffline = "Offline"
)

// roomKeySep joins the two sorted participant ids into a room key.
const roomKeySep = "__"

// RoomKey derives the deterministic room identifier for a two-party
// conversation. Commutative: RoomKey(a, b) == RoomKey(b, a).
func RoomKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + roomKeySep + b
}

// Message is one chat message. ClientID is generated by the sender at
// creation time and is the sole deduplication key across optimistic send,
// echo and history replay.
type Message struct {
	SenderID   string   `json:"senderId"`
	ReceiverID string   `json:"receiverId"`
	Text       string   `json:"text,omitempty"`
	Images     []string `json:"images,omitempty"` // base64 payloads
	Timestamp  string   `json:"timestamp"`        // ISO-8601
	ClientID   string   `json:"clientId"`
	Read       bool     `json:"read"`
}

// RoomMessage tags a Message with its room for send-message.
type RoomMessage struct {
	Message
	Room string `json:"room"`
}

// Pair identifies a (sender, receiver) direction for join-room and mark-read.
type Pair struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// ReadStatus flips the read flag for every message of the carried pair.
type ReadStatus struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Read       bool   `json:"read"`
}

// Typing is the typing-status / typing-status-update payload.
type Typing struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
	Room       string `json:"room"`
}

// Presence is the user-status-change / user-status payload.
type Presence struct {
	UserID string `json:"userId"`
	Status string `json:"status"` // Online|Offline
}

// CallSignal carries call lifecycle events (request, accept, reject, end).
type CallSignal struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Room       string `json:"room,omitempty"`
}

// SDP carries an offer or answer between the two parties.
type SDP struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Room       string `json:"room"`
	Offer      string `json:"offer,omitempty"`
	Answer     string `json:"answer,omitempty"`
}

// ICE carries one gathered NAT-traversal candidate.
type ICE struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Room       string `json:"room"`
	Candidate  string `json:"candidate"`
}

// NowISO returns the current time formatted the way message timestamps are
// exchanged on the wire.
func NowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func NowMillis() int64 { return time.Now().UnixMilli() }
