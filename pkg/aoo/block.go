package aoo

// MaxFramesPerBlock bounds a block to 64 frames so its received-frame set
// fits in a single uint64 bitmap (spec.md §3 invariant).
const MaxFramesPerBlock = 64

// Block is one unit of encoded audio, identified by Sequence within a
// stream, plus the bitmap of which frames have arrived. It is the unit the
// HistoryBuffer stores and the JitterBuffer assembles.
type Block struct {
	Sequence   Sequence
	SampleRate float64
	Channel    int32
	TotalSize  int32
	NumFrames  int32
	FrameSize  int32 // size of all frames except possibly the last
	Payload    []byte

	// received is a bitmap with one bit per frame index; bit i is cleared
	// once frame i has been written. A freshly allocated incomplete block
	// has all NumFrames low bits set.
	received uint64
}

// NewIncompleteBlock allocates a Block with payload space for totalSize
// bytes and every frame marked missing.
func NewIncompleteBlock(seq Sequence, sampleRate float64, channel, totalSize, numFrames, frameSize int32) *Block {
	b := &Block{
		Sequence:   seq,
		SampleRate: sampleRate,
		Channel:    channel,
		TotalSize:  totalSize,
		NumFrames:  numFrames,
		FrameSize:  frameSize,
		Payload:    make([]byte, totalSize),
	}
	if numFrames >= 64 {
		b.received = ^uint64(0)
	} else {
		b.received = (uint64(1) << uint(numFrames)) - 1
	}
	return b
}

// NewCompleteBlock wraps an already-whole payload (used on the source side,
// where a block is always fully encoded before it is split into frames).
func NewCompleteBlock(seq Sequence, sampleRate float64, channel int32, payload []byte, numFrames, frameSize int32) *Block {
	return &Block{
		Sequence:   seq,
		SampleRate: sampleRate,
		Channel:    channel,
		TotalSize:  int32(len(payload)),
		NumFrames:  numFrames,
		FrameSize:  frameSize,
		Payload:    payload,
	}
}

// Complete reports whether every frame has been received.
func (b *Block) Complete() bool {
	return b.received == 0
}

// HasFrame reports whether frame index i has already been written.
func (b *Block) HasFrame(i int32) bool {
	if i < 0 || i >= b.NumFrames {
		return false
	}
	return b.received&(uint64(1)<<uint(i)) == 0
}

// frameBounds returns the byte range within Payload for frame index i.
func (b *Block) frameBounds(i int32) (start, end int32) {
	start = i * b.FrameSize
	end = start + b.FrameSize
	if i == b.NumFrames-1 || end > b.TotalSize {
		end = b.TotalSize
	}
	return start, end
}

// PutFrame writes frame index i's data into the block and clears its
// missing bit. Returns false if the frame was already set or the index or
// length is invalid.
func (b *Block) PutFrame(i int32, data []byte) bool {
	if b.HasFrame(i) {
		return false
	}
	if i < 0 || i >= b.NumFrames {
		return false
	}
	start, end := b.frameBounds(i)
	if int32(len(data)) != end-start {
		return false
	}
	copy(b.Payload[start:end], data)
	b.received &^= uint64(1) << uint(i)
	return true
}

// Frame returns frame index i's bytes from an already-complete payload
// (used on the send side, where PutFrame is never called).
func (b *Block) Frame(i int32) []byte {
	start, end := b.frameBounds(i)
	return b.Payload[start:end]
}

// MissingFrames returns the indices of frames not yet received, in order.
func (b *Block) MissingFrames() []int32 {
	var out []int32
	for i := int32(0); i < b.NumFrames; i++ {
		if !b.HasFrame(i) {
			out = append(out, i)
		}
	}
	return out
}

// MissingBitset returns up to 16 missing-frame bits starting at frameOffset,
// in the layout the retransmission protocol's data-request bitset uses
// (spec.md §4.2): bit j set means frame frameOffset+j is missing.
func (b *Block) MissingBitset(frameOffset int32) uint16 {
	var bits uint16
	for j := int32(0); j < 16; j++ {
		idx := frameOffset + j
		if idx >= b.NumFrames {
			break
		}
		if !b.HasFrame(idx) {
			bits |= 1 << uint(j)
		}
	}
	return bits
}

// StreamMessage is an out-of-band message interleaved into the audio
// stream, timestamped so it can be delivered alongside the sample it
// brackets (spec.md §3, §4.3 "Ordering guarantees").
type StreamMessage struct {
	Time    NtpTime
	Channel int32
	Type    int32
	Payload []byte
}

// NtpTime is a 64-bit NTP-style timestamp (32.32 fixed point seconds since
// the NTP epoch), matching the host audio clock's time tags.
type NtpTime uint64

// NtpNow is not provided: the audio thread never calls a clock directly
// (spec.md §1 — the host process's clock source is an external
// collaborator). Callers pass the NtpTime given to them by the host.
