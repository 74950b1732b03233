// Package dll implements the second-order time-delay-locked loop that
// tracks the real-time audio clock's effective sample rate (spec.md §2
// "TimeDLL"). The control-loop shape (two running state variables updated
// every tick from a single error term) mirrors the periodic
// measure-then-adjust loops in the teacher's client/internal/adapt
// package, generalized from a single EWMA gain to a proper second-order
// loop filter per the original AOO implementation
// (_examples/original_source/lib/src/aoo.cpp's dll_.setup).
package dll

import "math"

// TimeDLL estimates the sample rate a real-time audio callback is
// actually running at, from the NTP timestamps the host hands to Source
// or Sink on every tick. Not safe for concurrent use; called only from
// the audio thread (spec.md §5).
type TimeDLL struct {
	nominalRate float64 // sample rate the host claims to run at
	blockSize   float64

	bandwidth float64 // loop filter bandwidth, spec.md §6 dll_bandwidth

	b, c float64 // second-order loop filter coefficients, derived from bandwidth

	started  bool
	lastTime float64 // seconds, from the first NtpTime seen

	elapsed    float64 // integrated error: the loop's period-drift term, added to periodTime every tick
	periodTime float64 // current estimate of one block's duration, seconds
}

// New creates a TimeDLL for a stream nominally running at sampleRate with
// blockSize samples per tick, smoothed with the given loop bandwidth
// (spec.md §6 default 0.012).
func New(sampleRate float64, blockSize int, bandwidth float64) *TimeDLL {
	d := &TimeDLL{
		nominalRate: sampleRate,
		blockSize:   float64(blockSize),
		bandwidth:   bandwidth,
	}
	d.setCoefficients(bandwidth)
	d.periodTime = d.blockSize / d.nominalRate
	return d
}

// setCoefficients derives the classic second-order loop filter gains from
// a bandwidth in cycles/sample, following the standard critically-damped
// DLL design (as used by the original AOO/SuperCollider time_dll).
func (d *TimeDLL) setCoefficients(bandwidth float64) {
	const omega = math.Pi * 2 * 0.5 // normalized reference, matches original's constant
	b := omega * bandwidth * math.Sqrt2
	c := omega * bandwidth * omega * bandwidth
	d.b = b
	d.c = c
}

// SetBandwidth changes the loop's smoothing bandwidth at runtime (control
// id dll_bandwidth, spec.md §6).
func (d *TimeDLL) SetBandwidth(bandwidth float64) {
	d.bandwidth = bandwidth
	d.setCoefficients(bandwidth)
}

// Reset clears the loop's running state; the next Update reseeds it.
func (d *TimeDLL) Reset() {
	d.started = false
	d.elapsed = 0
	d.periodTime = d.blockSize / d.nominalRate
}

// timeSeconds converts an NTP-style 32.32 fixed point timestamp to
// floating point seconds.
func timeSeconds(t uint64) float64 {
	return float64(t>>32) + float64(t&0xffffffff)/4294967296.0
}

// Update feeds one tick's timestamp to the loop and returns the current
// estimated sample rate. The first call seeds the loop and returns the
// nominal rate unchanged (spec.md §4.2 step 1: "Update TimeDLL with
// ntp_time").
func (d *TimeDLL) Update(ntpTime uint64) float64 {
	now := timeSeconds(ntpTime)
	if !d.started {
		d.started = true
		d.lastTime = now
		return d.EstimatedRate()
	}

	measuredPeriod := now - d.lastTime
	d.lastTime = now

	if measuredPeriod <= 0 {
		// Non-monotonic or duplicate timestamp; ignore this tick rather
		// than let it destabilize the loop.
		return d.EstimatedRate()
	}

	// Classic DLL update: error is the gap between what we predicted and
	// what actually elapsed; b/c terms integrate it into period and
	// period-velocity estimates.
	errTerm := measuredPeriod - d.periodTime
	d.periodTime += d.b*errTerm + d.elapsed
	d.elapsed += d.c * errTerm

	return d.EstimatedRate()
}

// EstimatedRate returns the most recent sample-rate estimate without
// advancing the loop.
func (d *TimeDLL) EstimatedRate() float64 {
	if d.periodTime <= 0 {
		return d.nominalRate
	}
	return d.blockSize / d.periodTime
}

// XRun reports whether the elapsed wall time for a tick (seconds) exceeds
// the nominal block period by more than tolerance (a fraction, e.g. 0.25
// for 25%), per spec.md §4.2 step 1's xrun detection rule.
func XRun(elapsedSeconds float64, blockSize int, sampleRate float64, tolerance float64) bool {
	nominal := float64(blockSize) / sampleRate
	return elapsedSeconds > nominal*(1+tolerance)
}
