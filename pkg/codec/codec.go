// Package codec defines AOO's Codec vtable (spec.md §4.8) and a
// process-global registry of named codec constructors, plus the three
// reference codecs (PCM, Null, Opus) spec.md §1 names as the out-of-scope
// external collaborators behind that interface.
package codec

import (
	"fmt"
	"sync"
)

// Format is the codec-specific, serializable description of a stream's
// encoding (sample rate, channel count, bitrate, whatever the codec
// needs). Source/Sink carry it opaquely; only the codec interprets it.
type Format struct {
	Name       string
	SampleRate int
	Channels   int
	BlockSize  int // samples per block, pre-encode

	// Extra is codec-specific tuning (e.g. Opus bitrate/complexity). No
	// registered codec's Serialize writes it, so it is absent from a
	// Format rebuilt by Deserialize.
	Extra map[string]int
}

// Clone returns a deep copy so callers can hand out Format values without
// aliasing Extra.
func (f Format) Clone() Format {
	c := f
	if f.Extra != nil {
		c.Extra = make(map[string]int, len(f.Extra))
		for k, v := range f.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// Control ids a subset of codec control()'s getter/setter namespace;
// codecs are free to support only the ones meaningful to them and return
// ErrNotImplemented for the rest.
type Control int

const (
	CtlBitrate Control = iota
	CtlComplexity
	CtlPacketLossPercent
	CtlDTX
	CtlInBandFEC
)

// Codec is the vtable spec.md §4.8 and §9 describe: a set of function
// pointers, not a class hierarchy, with concrete implementations
// registered by name in a process-global table (spec.md §9 "Global
// state"). New() on a registered Codec returns a fresh Instance; the
// registry itself is never mutated after startup.
type Codec interface {
	Name() string
	New() Instance
}

// Instance is one live encoder/decoder pair bound to a Format. A Source
// owns exactly one Instance (its encoder); a Sink owns one Instance per
// SourceDesc (its decoder). Both directions live on the same Instance
// because most codecs (PCM, Opus) share setup state between them.
type Instance interface {
	// Setup validates and adopts format, allocating whatever internal
	// state the codec needs. Returns ErrBadFormat if the codec rejects it.
	Setup(format Format) error

	// Encode turns one block_size-sample frame (interleaved by Channels)
	// into compressed bytes.
	Encode(samples []float32) ([]byte, error)

	// Decode turns compressed bytes back into block_size*Channels
	// samples. A nil payload requests packet-loss concealment.
	Decode(payload []byte, out []float32) (int, error)

	// Control sets or (when value is nil) gets a codec property.
	Control(ctl Control, value *int) (int, error)

	// Serialize/Deserialize convert a Format to/from the compact byte
	// representation carried in /start messages. Only the fields a codec
	// writes survive the trip: opus keeps SampleRate, Channels and
	// BlockSize; pcm16 keeps SampleRate and Channels; null keeps only its
	// Name. Extra is never carried.
	Serialize(format Format) ([]byte, error)
	Deserialize(data []byte) (Format, error)

	// Latency reports the codec's algorithmic delay in samples.
	Latency() int

	// Reset clears codec-internal state (e.g. Opus's encoder history)
	// without a full Setup, used on stream restart.
	Reset()
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Codec{}
)

// Register adds a codec to the process-global registry. Intended to be
// called from an init() in each codec's file, before any Source, Sink, or
// Server is constructed (spec.md §9: "initialized once ... never mutated
// afterward").
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Name()] = c
}

// Lookup returns the registered codec named name, if any.
func Lookup(name string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[name]
	return c, ok
}

// Names returns every registered codec name, for diagnostics.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	return out
}

// ErrNotImplemented is returned by Control for unsupported properties.
var ErrNotImplemented = fmt.Errorf("codec: control not implemented")
