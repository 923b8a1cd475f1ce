package app

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/tandemtalk/tandemtalk/internal/call"
	"github.com/tandemtalk/tandemtalk/internal/chat"
	"github.com/tandemtalk/tandemtalk/internal/config"
	"github.com/tandemtalk/tandemtalk/internal/peerconn"
	"github.com/tandemtalk/tandemtalk/internal/presence"
	"github.com/tandemtalk/tandemtalk/internal/storage"
	"github.com/tandemtalk/tandemtalk/internal/transport"
)

type Options struct {
	Dir     string // client directory; data dir and downloads live under it
	CfgPath string
	Cfg     config.Config
}

// Run wires the full client together and blocks until ctx is cancelled, the
// user quits, or the relay connection is lost for good.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	selfID := cfg.Identity.SelfID
	partnerID := cfg.Identity.PartnerID

	// ── Local database (download ledger)
	db, err := storage.Open(filepath.Join(opt.Dir, cfg.Paths.DataDir))
	if err != nil {
		return err
	}
	defer db.Close()

	// ── Relay connection
	down := make(chan error, 1)
	tc := transport.New(transport.Options{
		URL:         cfg.Relay.URL,
		SelfID:      selfID,
		MaxAttempts: cfg.Relay.MaxAttempts,
		RetryDelay:  time.Duration(cfg.Relay.RetryDelaySec) * time.Second,
		OnDown: func(err error) {
			select {
			case down <- err:
			default:
			}
		},
	})
	if err := tc.Connect(ctx); err != nil {
		return err
	}
	defer tc.Close()

	// ── Presence
	pres := presence.NewTracker(tc)
	defer pres.Close()

	// ── Calls: peer connection manager driven by the session machine
	pcm := peerconn.New(tc, peerconn.Options{ICEServers: cfg.Call.STUNServers})
	machine := call.NewMachine(tc, pcm, selfID)
	defer machine.Close()

	pcm.OnRemoteStream(func(rs *peerconn.RemoteStream) {
		log.Printf("CALL: remote media — %d track(s)", len(rs.Tracks()))
	})
	pcm.OnConnectionState(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			machine.MarkActive()
		case webrtc.PeerConnectionStateFailed:
			log.Printf("CALL: media path failed — hanging up")
			machine.EndCall()
		}
	})

	// ── Chat
	engine := chat.NewEngine(tc, selfID, partnerID, uuid.NewString)
	engine.SetTypingWindow(time.Duration(cfg.Chat.TypingWindowMs) * time.Millisecond)
	engine.Open()
	defer engine.Close()
	// Announce only once the room is joined, so the partner sees the
	// online flip with history already in flight.
	pres.Announce(selfID)

	// ── Live config: follow relay URL edits without a restart
	stopWatch, err := config.Watch(opt.CfgPath, func(next config.Config) {
		if next.Relay.URL != cfg.Relay.URL {
			log.Printf("CONFIG: relay moved to %s — reconnecting", next.Relay.URL)
			tc.SetURL(next.Relay.URL)
			if err := tc.Connect(ctx); err != nil {
				log.Printf("TRANSPORT: connect to new relay failed: %v", err)
				return
			}
			cfg.Relay.URL = next.Relay.URL
			engine.Open()
			pres.Announce(selfID)
		}
	})
	if err != nil {
		log.Printf("CONFIG: live reload disabled: %v", err)
	} else {
		defer stopWatch()
	}

	r := newREPL(replDeps{
		tc:        tc,
		pres:      pres,
		engine:    engine,
		machine:   machine,
		db:        db,
		dir:       opt.Dir,
		selfID:    selfID,
		partnerID: partnerID,
	})
	return r.run(ctx, down)
}
