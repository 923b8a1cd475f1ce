package peerconn

import (
	"errors"
	"io"
	"log"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// rtpStats accumulates per-track packet counts and sequence gaps.
type rtpStats struct {
	packets uint64
	bytes   uint64
	gaps    uint64
	lastSeq uint16
	started bool
}

func (s *rtpStats) observe(p *rtp.Packet) {
	s.packets++
	s.bytes += uint64(len(p.Payload))
	if s.started {
		// uint16 arithmetic handles sequence wraparound; a backwards jump
		// means reordering, not loss.
		if diff := p.SequenceNumber - s.lastSeq; diff > 1 && diff < 0x8000 {
			s.gaps += uint64(diff - 1)
		}
	}
	s.lastSeq = p.SequenceNumber
	s.started = true
}

// drainTrack keeps the RTP read side of a remote track flowing. Without a
// reader the interceptor chain stalls and stops producing receiver reports.
func drainTrack(track *webrtc.TrackRemote, room string) {
	var stats rtpStats
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("PEERCONN [%s]: track %s read ended: %v", room, track.ID(), err)
			}
			if stats.packets > 0 {
				log.Printf("PEERCONN [%s]: track %s — %d packets, %d bytes, ~%d gaps",
					room, track.ID(), stats.packets, stats.bytes, stats.gaps)
			}
			return
		}
		stats.observe(pkt)
	}
}
