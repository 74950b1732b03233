// Package jitterbuffer implements the sink's per-source JitterBuffer
// (spec.md §2, §4.4): a sparse, sequence-indexed window of partially
// received Blocks, supporting insertion, completion detection, gap
// enumeration, and age-based eviction.
//
// Grounded directly on the teacher's client/internal/jitter package
// (Buffer/stream/ring+nextPlay), generalized from opaque Opus payloads to
// partially-received aoo.Block values carrying a frame bitmap, and from
// "one slot per missing-or-present frame" to the richer gap-enumeration
// spec.md §4.3 step 6 requires ("walk the gap set").
package jitterbuffer

import (
	"time"

	"github.com/aoo-audio/aoo/pkg/aoo"
)

// slot is one entry in the buffer.
type slot struct {
	blk      *aoo.Block
	received time.Time // used for age-based eviction
	set      bool
}

// Buffer is a sequence-indexed ordered container of Blocks whose capacity
// equals the configured sink latency in blocks (spec.md §4.4).
// Not safe for concurrent use; owned by a single SourceDesc, touched only
// from the network-receive goroutine that feeds it and the audio thread
// that drains it via a snapshot (spec.md §5).
type Buffer struct {
	slots    []slot
	capacity int

	// front is the oldest sequence number the buffer currently considers
	// "next expected" — i.e. the playhead (spec.md §4.3 step 5).
	front    aoo.Sequence
	hasFront bool
}

// New creates a jitter buffer that holds up to capacity blocks.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		slots:    make([]slot, capacity),
		capacity: capacity,
	}
}

func (b *Buffer) index(seq aoo.Sequence) int {
	return int(uint32(seq)) % b.capacity
}

// SetDepth resizes the buffer's capacity in blocks. Existing contents are
// dropped (a depth change happens rarely enough — format change, adaptive
// retune — that preserving in-flight blocks is not worth the complexity).
func (b *Buffer) SetDepth(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	b.slots = make([]slot, capacity)
	b.capacity = capacity
	b.hasFront = false
}

// Empty reports whether the buffer currently holds no blocks.
func (b *Buffer) Empty() bool {
	return !b.hasFront
}

// Front returns the oldest tracked sequence number.
func (b *Buffer) Front() (aoo.Sequence, bool) {
	return b.front, b.hasFront
}

// Find returns the block for seq if it is being tracked.
func (b *Buffer) Find(seq aoo.Sequence) (*aoo.Block, bool) {
	if !b.hasFront {
		return nil, false
	}
	s := b.slots[b.index(seq)]
	if s.set && s.blk.Sequence == seq {
		return s.blk, true
	}
	return nil, false
}

// InsertResult tells the caller what Insert did, so Sink can drive its
// event emission (BlockReordered, BlockDropped, BlockXRun) per spec.md
// §4.3.
type InsertResult int

const (
	// Inserted: the block is new and within the window.
	Inserted InsertResult = iota
	// TooOld: seq is behind the current front and was discarded
	// (spec.md §4.3 step 2).
	TooOld
	// Evicted: the buffer was full and the new block is newer than
	// everything held, so the oldest block was dropped to make room
	// (spec.md §4.3 step 3, §4.4's eviction policy).
	Evicted
	// Rejected: the insert was refused without touching the buffer.
	// Insert does not currently return it: a block older than the front is
	// reported as TooOld whether or not the buffer is full.
	Rejected
)

// Insert adds or returns the existing block for seq, creating the
// incomplete block described by sampleRate/channel/totalSize/numFrames/
// frameSize if it is not already tracked. The first-ever call seeds
// Front() to seq.
func (b *Buffer) Insert(seq aoo.Sequence, sampleRate float64, channel, totalSize, numFrames, frameSize int32) (*aoo.Block, InsertResult) {
	if !b.hasFront {
		b.front = seq
		b.hasFront = true
	}

	if existing, ok := b.Find(seq); ok {
		return existing, Inserted
	}

	dist := int32(seq - b.front)
	if dist < 0 {
		return nil, TooOld
	}

	result := Inserted
	if dist >= int32(b.capacity) {
		// New block doesn't fit in the window. Evict the current front to
		// make room and slide the window forward to cover seq, per
		// spec.md §4.4's "if full and the new sequence is newer than all
		// held, the oldest is evicted".
		b.slots[b.index(b.front)] = slot{}
		b.front = seq - aoo.Sequence(b.capacity) + 1
		result = Evicted
	}

	blk := aoo.NewIncompleteBlock(seq, sampleRate, channel, totalSize, numFrames, frameSize)
	b.slots[b.index(seq)] = slot{blk: blk, received: time.Now(), set: true}
	return blk, result
}

// Remove drops the slot for seq, if present.
func (b *Buffer) Remove(seq aoo.Sequence) {
	idx := b.index(seq)
	if b.slots[idx].set && b.slots[idx].blk.Sequence == seq {
		b.slots[idx] = slot{}
	}
}

// PopFront removes and returns the block at Front(), if one is tracked
// there, and advances Front() by one regardless (the playhead always
// advances — a hole at front becomes a gap to request, not a stall).
func (b *Buffer) PopFront() (*aoo.Block, bool) {
	if !b.hasFront {
		return nil, false
	}
	idx := b.index(b.front)
	s := b.slots[idx]
	b.slots[idx] = slot{}
	b.front++
	if s.set && s.blk.Sequence != b.front-1 {
		return nil, false
	}
	if !s.set {
		return nil, false
	}
	return s.blk, true
}

// DrainComplete pops every consecutive complete block starting at Front(),
// stopping at the first gap or incomplete block (spec.md §4.3 step 5:
// "Advance the playhead while consecutive blocks are complete"). It
// returns the ready blocks in order and leaves Front() at the first
// non-ready sequence.
func (b *Buffer) DrainComplete() []*aoo.Block {
	var out []*aoo.Block
	for b.hasFront {
		idx := b.index(b.front)
		s := b.slots[idx]
		if !s.set || s.blk.Sequence != b.front || !s.blk.Complete() {
			break
		}
		out = append(out, s.blk)
		b.slots[idx] = slot{}
		b.front++
	}
	return out
}

// Newest returns the highest sequence number currently tracked, if any.
func (b *Buffer) Newest() (aoo.Sequence, bool) {
	if !b.hasFront {
		return 0, false
	}
	newest := b.front
	found := false
	for i := 0; i < b.capacity; i++ {
		seq := b.front + aoo.Sequence(i)
		s := b.slots[b.index(seq)]
		if s.set && s.blk.Sequence == seq {
			newest = seq
			found = true
		}
	}
	if !found {
		return b.front, false
	}
	return newest, true
}

// Gap describes one missing-or-incomplete block worth requesting a
// retransmission for.
type Gap struct {
	Sequence    aoo.Sequence
	MissingFrom int32  // -1 if the whole block is missing (not yet inserted)
	Bitset      uint16 // up to 16 missing-frame bits starting at MissingFrom
}

// Gaps walks [Front(), newest) and returns one Gap per block that is
// either entirely missing or incomplete, per spec.md §4.3 step 6. Blocks
// at or past newest are not yet "due" and are not reported.
func (b *Buffer) Gaps(newest aoo.Sequence) []Gap {
	if !b.hasFront {
		return nil
	}
	var gaps []Gap
	for seq := b.front; seq < newest; seq++ {
		s := b.slots[b.index(seq)]
		switch {
		case !s.set || s.blk.Sequence != seq:
			gaps = append(gaps, Gap{Sequence: seq, MissingFrom: -1})
		case !s.blk.Complete():
			gaps = append(gaps, Gap{
				Sequence:    seq,
				MissingFrom: 0,
				Bitset:      s.blk.MissingBitset(0),
			})
		}
	}
	return gaps
}

// EvictOlderThan drops the run of blocks at Front() whose receipt time is
// older than maxAge, advancing Front() past each one (age-based eviction,
// spec.md §2). It stops at the first slot that is empty or fresh, so stale
// blocks behind such a slot are left in place. Called periodically by the
// sink's tick.
func (b *Buffer) EvictOlderThan(maxAge time.Duration) {
	if !b.hasFront {
		return
	}
	now := time.Now()
	for i := 0; i < b.capacity; i++ {
		idx := b.index(b.front)
		s := b.slots[idx]
		if s.set && now.Sub(s.received) > maxAge {
			b.slots[idx] = slot{}
			b.front++
			continue
		}
		break
	}
}

// Reset clears all buffered state and forgets Front(), as required on a
// gap larger than capacity (spec.md §4.3 "Gap concealment policy") or a
// stream restart.
func (b *Buffer) Reset() {
	for i := range b.slots {
		b.slots[i] = slot{}
	}
	b.hasFront = false
}

// ResetTo clears the buffer and reseeds Front() to seq, per the gap
// concealment policy's "reset next_expected to the newest sequence".
func (b *Buffer) ResetTo(seq aoo.Sequence) {
	b.Reset()
	b.front = seq
	b.hasFront = true
}
