//go:build !linux

package peerconn

import (
	"fmt"

	"github.com/pion/mediadevices"
)

// acquireLocalTracks fails on non-Linux platforms. Camera/mic capture via
// pion/mediadevices requires platform-specific drivers (V4L2/malgo on
// Linux); elsewhere CreateConnection falls back to a receive-only
// connection.
func acquireLocalTracks() (mediadevices.MediaStream, *mediadevices.CodecSelector, error) {
	return nil, nil, fmt.Errorf("%w: no capture drivers on this platform", ErrMediaAcquisition)
}
