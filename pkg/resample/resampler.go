// Package resample implements the circular-buffer, dynamic-ratio
// resampler Source and Sink use to convert between the host's audio
// callback rate and a stream's (possibly drifting) nominal rate (spec.md
// §2 "Resampler"). The "read a tunable set by another thread via atomics"
// shape mirrors the teacher's client/internal/adapt package, here applied
// to a resample ratio instead of an Opus bitrate.
package resample

import (
	"math"
)

// Method selects the interpolation kernel (spec.md §6 resample_method).
type Method int

const (
	Nearest Method = iota
	Linear
	Cubic
)

// minRingSize bounds how small the backing ring may shrink to, so a
// reasonable interpolation window is always available.
const minRingSize = 8

// Resampler is a single-channel circular buffer that accepts samples at
// one rate and yields them at another, with the ratio adjustable between
// calls (dynamic_resampling, spec.md §6). Not safe for concurrent use.
type Resampler struct {
	method Method

	ring     []float32
	writePos int   // next index into ring to write
	readPos  float64 // fractional read cursor
	filled   int   // number of valid samples currently buffered

	ratio float64 // output_rate / input_rate; >1 means upsampling
}

// New creates a Resampler with backing capacity for capacitySamples
// samples (must comfortably exceed one block at the higher of the two
// rates) and an initial ratio of outRate/inRate.
func New(method Method, capacitySamples int, inRate, outRate float64) *Resampler {
	if capacitySamples < minRingSize {
		capacitySamples = minRingSize
	}
	r := &Resampler{
		method: method,
		ring:   make([]float32, capacitySamples),
	}
	r.SetRatio(inRate, outRate)
	return r
}

// SetRatio updates the conversion ratio in flight, e.g. as the TimeDLL's
// sample-rate estimate or the source's reported rate changes.
func (r *Resampler) SetRatio(inRate, outRate float64) {
	if inRate <= 0 {
		inRate = outRate
	}
	r.ratio = outRate / inRate
}

// Write pushes input samples into the ring, overwriting the oldest data
// if the buffer is already full (the caller is responsible for keeping up
// via JitterBuffer depth; silent overwrite here just bounds latency).
func (r *Resampler) Write(samples []float32) {
	for _, s := range samples {
		r.ring[r.writePos] = s
		r.writePos = (r.writePos + 1) % len(r.ring)
		if r.filled < len(r.ring) {
			r.filled++
		} else {
			// Buffer was already full: the read cursor effectively falls
			// one sample further behind the write cursor.
			r.readPos -= 1
			if r.readPos < 0 {
				r.readPos = 0
			}
		}
	}
}

// Available estimates how many output samples can currently be produced
// without underflowing, given the configured ratio.
func (r *Resampler) Available() int {
	usable := float64(r.filled) - r.interpolationMargin()
	if usable <= 0 {
		return 0
	}
	return int(usable * r.ratio)
}

func (r *Resampler) interpolationMargin() float64 {
	switch r.method {
	case Cubic:
		return 2
	case Linear:
		return 1
	default:
		return 0
	}
}

// Read produces len(out) resampled output samples. Returns the number of
// samples actually produced; the rest of out is zeroed (silence) if the
// ring underflows, matching spec.md §4.3's "If the resampler underflows,
// emit State(buffering) once and sum silence."
func (r *Resampler) Read(out []float32) int {
	step := 1.0 / r.ratio
	produced := 0

	for i := range out {
		if !r.haveSampleAt(r.readPos) {
			out[i] = 0
			continue
		}
		out[i] = r.interpolate(r.readPos)
		r.readPos += step
		r.advanceWindow()
		produced++
	}
	return produced
}

// haveSampleAt reports whether the ring currently has enough data to
// interpolate at fractional read position pos.
func (r *Resampler) haveSampleAt(pos float64) bool {
	needed := int(math.Ceil(pos)) + int(r.interpolationMargin())
	return needed < r.filled
}

// advanceWindow consumes whole samples from the front of the logical
// window once readPos has moved past them, keeping filled/readPos in a
// consistent small range instead of growing without bound.
func (r *Resampler) advanceWindow() {
	for r.readPos >= 1 && r.filled > 0 {
		r.readPos -= 1
		r.filled--
	}
}

// ringIndex maps a logical offset from the oldest valid sample to a
// physical ring index.
func (r *Resampler) ringIndex(offset int) int {
	start := (r.writePos - r.filled + len(r.ring)) % len(r.ring)
	return (start + offset) % len(r.ring)
}

func (r *Resampler) sampleAt(offset int) float32 {
	if offset < 0 {
		offset = 0
	}
	if offset >= r.filled {
		offset = r.filled - 1
	}
	if offset < 0 {
		return 0
	}
	return r.ring[r.ringIndex(offset)]
}

func (r *Resampler) interpolate(pos float64) float32 {
	i0 := int(math.Floor(pos))
	frac := float32(pos - float64(i0))

	switch r.method {
	case Nearest:
		if frac < 0.5 {
			return r.sampleAt(i0)
		}
		return r.sampleAt(i0 + 1)
	case Linear:
		a := r.sampleAt(i0)
		b := r.sampleAt(i0 + 1)
		return a + (b-a)*frac
	default: // Cubic (Catmull-Rom)
		p0 := r.sampleAt(i0 - 1)
		p1 := r.sampleAt(i0)
		p2 := r.sampleAt(i0 + 1)
		p3 := r.sampleAt(i0 + 2)
		return catmullRom(p0, p1, p2, p3, frac)
	}
}

func catmullRom(p0, p1, p2, p3, t float32) float32 {
	a0 := -0.5*p0 + 1.5*p1 - 1.5*p2 + 0.5*p3
	a1 := p0 - 2.5*p1 + 2*p2 - 0.5*p3
	a2 := -0.5*p0 + 0.5*p2
	a3 := p1
	return ((a0*t+a1)*t+a2)*t + a3
}

// Reset clears all buffered state (used on stream restart).
func (r *Resampler) Reset() {
	r.writePos = 0
	r.readPos = 0
	r.filled = 0
}
