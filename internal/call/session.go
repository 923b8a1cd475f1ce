package call

import "github.com/tandemtalk/tandemtalk/internal/proto"

// Status is the lifecycle state of one call session.
type Status string

const (
	StatusIdle       Status = "Idle"
	StatusRequesting Status = "Requesting"
	StatusAccepted   Status = "Accepted"
	StatusRejected   Status = "Rejected"
	StatusActive     Status = "Active"
	StatusEnded      Status = "Ended"
)

// terminal reports whether no further transitions are possible.
func (s Status) terminal() bool {
	return s == StatusRejected || s == StatusEnded
}

// Session is one call between two parties. At most one session exists per
// room at a time.
type Session struct {
	CallerID string
	CalleeID string
	Status   Status
	RoomKey  string
}

func newSession(callerID, calleeID string, status Status) *Session {
	return &Session{
		CallerID: callerID,
		CalleeID: calleeID,
		Status:   status,
		RoomKey:  proto.RoomKey(callerID, calleeID),
	}
}

// Peer returns the other participant from selfID's point of view.
func (s *Session) Peer(selfID string) string {
	if s.CallerID == selfID {
		return s.CalleeID
	}
	return s.CallerID
}
