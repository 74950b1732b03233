// Package acklist implements the sink's per-source AckList (spec.md §2,
// §4.5): a sparse map of outstanding retransmission requests, rate- and
// count-limited.
//
// Grounded on the teacher's server/client.go NACK bookkeeping
// (maxNACKSeqs, per-sender retransmit bookkeeping) generalized into the
// spec's seq -> AckEntry map with explicit resend_limit/resend_interval
// policy (spec.md §3's AckEntry invariant).
package acklist

import (
	"time"

	"github.com/aoo-audio/aoo/pkg/aoo"
)

// Entry tracks one outstanding retransmission request.
type Entry struct {
	Sequence         aoo.Sequence
	RetransmitCount  int
	LastAttempt      time.Time
}

// List is a sparse seq -> Entry map with the resend_limit/resend_interval
// policy baked into Check. Not safe for concurrent use; owned by the
// sink's per-source receive path (spec.md §5).
type List struct {
	entries map[aoo.Sequence]*Entry
	limit   int
	interval time.Duration
}

// New creates an AckList enforcing limit attempts per sequence, at most
// one every interval (spec.md §6 resend_limit/resend_interval defaults:
// 16, 10ms).
func New(limit int, interval time.Duration) *List {
	return &List{
		entries:  make(map[aoo.Sequence]*Entry),
		limit:    limit,
		interval: interval,
	}
}

// GetOrInsert returns the entry for seq, creating a fresh zero-attempt one
// if it doesn't exist yet.
func (l *List) GetOrInsert(seq aoo.Sequence) *Entry {
	e, ok := l.entries[seq]
	if !ok {
		e = &Entry{Sequence: seq}
		l.entries[seq] = e
	}
	return e
}

// Check reports whether a retransmission request should be (re)sent for
// seq right now, and if so records the attempt. It returns false once the
// entry has already hit resend_limit attempts, or if interval hasn't
// elapsed since the last attempt (spec.md §3 AckEntry invariant: "never
// request more than resend_limit times; never more often than
// resend_interval").
func (l *List) Check(seq aoo.Sequence, now time.Time) bool {
	e := l.GetOrInsert(seq)
	if e.RetransmitCount >= l.limit {
		return false
	}
	if !e.LastAttempt.IsZero() && now.Sub(e.LastAttempt) < l.interval {
		return false
	}
	e.RetransmitCount++
	e.LastAttempt = now
	return true
}

// Remove drops the entry for seq (called once the block completes).
func (l *List) Remove(seq aoo.Sequence) {
	delete(l.entries, seq)
}

// RemoveBefore sweeps every entry older (by sequence) than seq, called as
// the playhead advances so satisfied or abandoned requests don't linger.
func (l *List) RemoveBefore(seq aoo.Sequence) {
	for s := range l.entries {
		if s < seq {
			delete(l.entries, s)
		}
	}
}

// Len reports how many sequences currently have an outstanding entry.
// Used to test spec.md §8's "Ack quiescence" invariant.
func (l *List) Len() int {
	return len(l.entries)
}

// Exhausted reports whether seq's entry has used up its resend_limit
// attempts (the sink gives up and lets the gap persist as loss).
func (l *List) Exhausted(seq aoo.Sequence) bool {
	e, ok := l.entries[seq]
	return ok && e.RetransmitCount >= l.limit
}
