package dll

import "testing"

func ntpFromSeconds(seconds float64) uint64 {
	secs := uint64(seconds)
	frac := uint64((seconds - float64(secs)) * 4294967296.0)
	return secs<<32 | frac
}

func TestNewEstimatesNominalRate(t *testing.T) {
	d := New(48000, 960, 0.012)
	if got := d.EstimatedRate(); got != 48000 {
		t.Fatalf("expected fresh loop to report nominal rate, got %v", got)
	}
}

func TestFirstUpdateSeedsWithoutChangingEstimate(t *testing.T) {
	d := New(48000, 960, 0.012)
	got := d.Update(ntpFromSeconds(100))
	if got != 48000 {
		t.Fatalf("first update should return nominal rate unchanged, got %v", got)
	}
}

func TestUpdateTracksSteadyPeriod(t *testing.T) {
	d := New(48000, 960, 0.012)
	period := 960.0 / 48000.0
	t0 := 1000.0
	d.Update(ntpFromSeconds(t0))
	var rate float64
	for i := 1; i <= 50; i++ {
		rate = d.Update(ntpFromSeconds(t0 + float64(i)*period))
	}
	diff := rate - 48000
	if diff < 0 {
		diff = -diff
	}
	if diff > 50 {
		t.Fatalf("expected estimate to converge near 48000, got %v", rate)
	}
}

func TestUpdateIgnoresNonMonotonicTimestamp(t *testing.T) {
	d := New(48000, 960, 0.012)
	d.Update(ntpFromSeconds(100))
	before := d.EstimatedRate()
	got := d.Update(ntpFromSeconds(99))
	if got != before {
		t.Fatalf("expected non-monotonic tick to be ignored, estimate changed from %v to %v", before, got)
	}
}

func TestResetReseedsLoop(t *testing.T) {
	d := New(48000, 960, 0.012)
	d.Update(ntpFromSeconds(100))
	d.Update(ntpFromSeconds(100.5))
	d.Reset()
	if got := d.EstimatedRate(); got != 48000 {
		t.Fatalf("expected reset to restore nominal rate, got %v", got)
	}
}

func TestXRun(t *testing.T) {
	nominal := 960.0 / 48000.0
	if XRun(nominal, 960, 48000, 0.25) {
		t.Fatal("exact nominal period should not be an xrun")
	}
	if !XRun(nominal*2, 960, 48000, 0.25) {
		t.Fatal("doubled period should be reported as an xrun")
	}
}
