// Package framing implements PacketBuffer/Framing (spec.md §2, §4.2 step
// (c)): splitting one encoded block into UDP-sized frames carrying the
// (sequence, frame-index, nframes) triple, in both OSC and compact binary
// form, and the inverse reassembly the sink's jitter buffer relies on.
//
// Grounded on the teacher's server/client.go datagram header encoding
// (fixed-width binary.BigEndian header fields ahead of a payload slice),
// extended here to AOO's block/frame split rather than a single whole
// datagram per message.
package framing

import "github.com/aoo-audio/aoo/pkg/aoo"

// NumFrames returns how many frames a payload of totalSize bytes splits
// into at maxPayload bytes per frame (maxPayload = packet_size - header,
// spec.md §4.2 step (c)), and the per-frame size to use for all but the
// last frame.
func NumFrames(totalSize, maxPayload int) (numFrames int, frameSize int32) {
	if maxPayload <= 0 || totalSize <= maxPayload {
		if totalSize == 0 {
			return 1, 0 // a zero-length block (e.g. Null codec) is still one frame
		}
		return 1, int32(totalSize)
	}
	n := (totalSize + maxPayload - 1) / maxPayload
	if n > aoo.MaxFramesPerBlock {
		// Caller configured too large a block for too small a packet;
		// clamp rather than violate the 64-frame bitmap invariant. The
		// resulting last frame absorbs the overflow.
		n = aoo.MaxFramesPerBlock
	}
	return n, int32(maxPayload)
}

// NewBlock builds a complete, already-encoded Block ready for Split, sizing
// its frame layout from payload's length and the packet budget.
func NewBlock(seq aoo.Sequence, sampleRate float64, channel int32, payload []byte, maxPayload int) *aoo.Block {
	numFrames, frameSize := NumFrames(len(payload), maxPayload)
	return aoo.NewCompleteBlock(seq, sampleRate, channel, payload, int32(numFrames), frameSize)
}

// Split returns blk's payload sliced into its NumFrames frames, in order,
// ready to hand one at a time to the OSC or binary wire encoder. It relies
// on blk.NumFrames/FrameSize already being set correctly (by NewBlock or
// NewCompleteBlock), matching spec.md §3's invariant "sum(frame sizes) ==
// total_size".
func Split(blk *aoo.Block) [][]byte {
	frames := make([][]byte, blk.NumFrames)
	for i := int32(0); i < blk.NumFrames; i++ {
		frames[i] = blk.Frame(i)
	}
	return frames
}

// FrameSizeFromCount reconstructs the per-frame size Split used, given only
// the receiver-visible totalSize and numFrames (the wire data message
// carries no explicit frame-size field). Every frame but the last has this
// size, matching aoo.NewIncompleteBlock's expectations.
func FrameSizeFromCount(totalSize int, numFrames int32) int32 {
	if numFrames <= 1 {
		return int32(totalSize)
	}
	return int32((totalSize + int(numFrames) - 1) / int(numFrames))
}

// Join reassembles a received frame into dst, which must already be an
// incomplete block tracking the same sequence (typically returned by
// jitterbuffer.Buffer.Insert). It reports whether the write landed a new
// frame and whether the block is now complete.
func Join(dst *aoo.Block, frameIndex int32, payload []byte) (wrote, complete bool) {
	wrote = dst.PutFrame(frameIndex, payload)
	return wrote, dst.Complete()
}
