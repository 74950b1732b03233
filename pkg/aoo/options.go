package aoo

import "time"

// ResampleMethod selects the resampler's interpolation kernel (spec.md §6).
type ResampleMethod int

const (
	ResampleNearest ResampleMethod = iota
	ResampleLinear
	ResampleCubic
)

// SourceOptions holds a Source's tunables. Field names and defaults mirror
// the configuration table in spec.md §6.
type SourceOptions struct {
	BufferSize         time.Duration // resend buffer retention target; default 25ms worth of blocks held live
	PacketSize         int           // max UDP payload; default 512
	PingInterval       time.Duration // default 1s
	ResendInterval     time.Duration // default 10ms
	ResendBufferSize   time.Duration // history depth; default 1s
	ResendLimit        int           // default 16
	Redundancy         int           // default 1
	DLLBandwidth       float64       // default 0.012
	StreamTimeInterval time.Duration // default 1s
	BinaryFormat       bool          // default true
	DynamicResampling  bool          // default false
	ResampleMethod     ResampleMethod
}

// DefaultSourceOptions returns the spec.md §6 defaults.
func DefaultSourceOptions() SourceOptions {
	return SourceOptions{
		BufferSize:         25 * time.Millisecond,
		PacketSize:         512,
		PingInterval:       time.Second,
		ResendInterval:     10 * time.Millisecond,
		ResendBufferSize:   time.Second,
		ResendLimit:        16,
		Redundancy:         1,
		DLLBandwidth:       0.012,
		StreamTimeInterval: time.Second,
		BinaryFormat:       true,
		DynamicResampling:  false,
		ResampleMethod:     ResampleCubic,
	}
}

// SinkOptions holds a Sink's tunables.
type SinkOptions struct {
	BufferSize        time.Duration // sink latency target; default 50ms
	ResendInterval    time.Duration // default 10ms
	ResendLimit       int           // default 16
	MaxFramesPerReq   int           // default 16
	DynamicResampling bool
	ResampleMethod    ResampleMethod
	SourceTimeout     time.Duration // default 10s
	InviteInterval    time.Duration // default 1s (reinvite cadence)
	InviteTimeout     time.Duration // default 1s (give up after)
	BinaryFormat      bool
}

// DefaultSinkOptions returns the spec.md §6 defaults.
func DefaultSinkOptions() SinkOptions {
	return SinkOptions{
		BufferSize:      50 * time.Millisecond,
		ResendInterval:  10 * time.Millisecond,
		ResendLimit:     16,
		MaxFramesPerReq: 16,
		ResampleMethod:  ResampleCubic,
		SourceTimeout:   10 * time.Second,
		InviteInterval:  1 * time.Second,
		InviteTimeout:   1 * time.Second,
		BinaryFormat:    true,
	}
}
