package acklist

import (
	"testing"
	"time"

	"github.com/aoo-audio/aoo/pkg/aoo"
)

func TestCheckAllowsFirstRequestImmediately(t *testing.T) {
	l := New(3, 10*time.Millisecond)
	now := time.Now()
	if !l.Check(1, now) {
		t.Fatal("expected first check for a fresh sequence to allow a request")
	}
	if l.Len() != 1 {
		t.Fatalf("expected one outstanding entry, got %d", l.Len())
	}
}

func TestCheckEnforcesInterval(t *testing.T) {
	l := New(3, 10*time.Millisecond)
	now := time.Now()
	if !l.Check(1, now) {
		t.Fatal("expected first check to succeed")
	}
	if l.Check(1, now.Add(5*time.Millisecond)) {
		t.Fatal("expected check within interval to be suppressed")
	}
	if !l.Check(1, now.Add(11*time.Millisecond)) {
		t.Fatal("expected check after interval to succeed")
	}
}

func TestCheckEnforcesLimit(t *testing.T) {
	l := New(2, 0)
	now := time.Now()
	if !l.Check(1, now) {
		t.Fatal("attempt 1 should succeed")
	}
	if !l.Check(1, now.Add(time.Millisecond)) {
		t.Fatal("attempt 2 should succeed")
	}
	if l.Check(1, now.Add(2*time.Millisecond)) {
		t.Fatal("attempt 3 should be refused, limit exhausted")
	}
	if !l.Exhausted(1) {
		t.Fatal("expected sequence to be reported exhausted")
	}
}

func TestRemoveDropsEntry(t *testing.T) {
	l := New(3, 0)
	l.Check(1, time.Now())
	l.Remove(1)
	if l.Len() != 0 {
		t.Fatalf("expected entry to be removed, len=%d", l.Len())
	}
}

func TestRemoveBeforeSweepsOlderEntries(t *testing.T) {
	l := New(3, 0)
	now := time.Now()
	l.Check(aoo.Sequence(1), now)
	l.Check(aoo.Sequence(2), now)
	l.Check(aoo.Sequence(5), now)
	l.RemoveBefore(aoo.Sequence(5))
	if l.Len() != 1 {
		t.Fatalf("expected only sequence 5 to remain, len=%d", l.Len())
	}
	if _, ok := l.entries[aoo.Sequence(5)]; !ok {
		t.Fatal("expected sequence 5 to survive the sweep")
	}
}
