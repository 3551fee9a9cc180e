// Package config holds the small set of tunables that can vary
// externally: pipeline depth, read/connect timeouts, the port advertised
// to the tracker, and the fixed block size.
package config

import "time"

const (
	// BlockSize is the standard request/piece block size (spec 4.7 Block).
	BlockSize = 16 * 1024

	// MaxFrameLength caps a single peer-wire frame (spec 7 Protocol errors).
	MaxFrameLength = 1 << 20 // 1 MiB

	// DefaultPipelineDepth is W from spec 4.7.
	DefaultPipelineDepth = 5

	// DefaultPort is advertised to the tracker in the announce request.
	DefaultPort uint16 = 6881
)

// Timeouts bundles every externally-configurable deadline in the core.
type Timeouts struct {
	Connect   time.Duration
	Handshake time.Duration
	Bitfield  time.Duration
	PeerRead  time.Duration
	Tracker   time.Duration
}

// DefaultTimeouts are conservative deadlines for a single-peer session
// (3s handshake, 5s bitfield, 30s piece read).
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:   3 * time.Second,
		Handshake: 3 * time.Second,
		Bitfield:  5 * time.Second,
		PeerRead:  30 * time.Second,
		Tracker:   10 * time.Second,
	}
}

// Config is the full set of knobs a downloader run is parameterised by.
type Config struct {
	PipelineDepth int
	Port          uint16
	Timeouts      Timeouts
}

func Default() Config {
	return Config{
		PipelineDepth: DefaultPipelineDepth,
		Port:          DefaultPort,
		Timeouts:      DefaultTimeouts(),
	}
}
