// Package history implements the source's HistoryBuffer (spec.md §2, §4.2
// "Retransmission protocol"): a fixed-capacity ring of recently sent
// blocks, indexed by sequence number, replayed on request.
//
// Grounded directly on the teacher's server/client.go dgramCache — a
// `[dgramCacheSize]cachedDatagram` array indexed by `seq % N` — generalized
// from one UDP datagram per slot to one aoo.Block per slot, and from a
// per-peer cache to the source's single shared send history (spec.md §3:
// "Source exclusively owns ... history").
package history

import "github.com/aoo-audio/aoo/pkg/aoo"

// entry is one history slot.
type entry struct {
	seq aoo.Sequence
	blk *aoo.Block
	set bool
}

// Buffer is the source's sliding window of recently sent blocks.
// Not safe for concurrent use without external synchronization; per
// spec.md §5 it is only ever touched from the network-send thread.
type Buffer struct {
	slots []entry
}

// New creates a history buffer with room for capacity blocks. Capacity is
// chosen by the caller from resend_buffer_size / block duration (spec.md
// §6 default: 1s of history).
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{slots: make([]entry, capacity)}
}

// Push stores blk, evicting whatever previously occupied its slot.
func (b *Buffer) Push(blk *aoo.Block) {
	idx := int(uint32(blk.Sequence)) % len(b.slots)
	b.slots[idx] = entry{seq: blk.Sequence, blk: blk, set: true}
}

// Get returns the block for seq if it is still in the window, i.e. it
// hasn't been overwritten by a later push at the same slot (spec.md §8
// invariant "History coverage": "older sequences are not served").
func (b *Buffer) Get(seq aoo.Sequence) (*aoo.Block, bool) {
	idx := int(uint32(seq)) % len(b.slots)
	e := b.slots[idx]
	if e.set && e.seq == seq {
		return e.blk, true
	}
	return nil, false
}

// Capacity returns the configured slot count.
func (b *Buffer) Capacity() int { return len(b.slots) }

// Clear empties the buffer (used on stream restart so a stale block from
// the previous stream can never satisfy a retransmit request under an
// aliased sequence number).
func (b *Buffer) Clear() {
	for i := range b.slots {
		b.slots[i] = entry{}
	}
}
