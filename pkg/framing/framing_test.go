package framing

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"

	"github.com/aoo-audio/aoo/pkg/aoo"
)

func TestNumFramesSinglePacket(t *testing.T) {
	n, size := NumFrames(100, 200)
	if n != 1 || size != 100 {
		t.Fatalf("expected one frame of 100 bytes, got n=%d size=%d", n, size)
	}
}

func TestNumFramesZeroLengthPayload(t *testing.T) {
	n, size := NumFrames(0, 200)
	if n != 1 || size != 0 {
		t.Fatalf("expected one zero-size frame for an empty payload, got n=%d size=%d", n, size)
	}
}

func TestNumFramesSplitsAcrossMultiplePackets(t *testing.T) {
	n, size := NumFrames(500, 200)
	if n != 3 {
		t.Fatalf("expected 3 frames, got %d", n)
	}
	if size != 200 {
		t.Fatalf("expected 200-byte frames except the last, got %d", size)
	}
}

func TestNumFramesClampsToMax(t *testing.T) {
	n, _ := NumFrames(10000, 1)
	if n != aoo.MaxFramesPerBlock {
		t.Fatalf("expected clamp to %d frames, got %d", aoo.MaxFramesPerBlock, n)
	}
}

func TestSplitAndJoinRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 503)
	blk := NewBlock(aoo.Sequence(7), 48000, 0, payload, 200)

	frames := Split(blk)
	if len(frames) != int(blk.NumFrames) {
		t.Fatalf("expected %d frames, got %d", blk.NumFrames, len(frames))
	}

	dst := aoo.NewIncompleteBlock(blk.Sequence, blk.SampleRate, blk.Channel, blk.TotalSize, blk.NumFrames, blk.FrameSize)
	for i, f := range frames {
		wrote, complete := Join(dst, int32(i), f)
		if !wrote {
			t.Fatalf("expected frame %d to be written", i)
		}
		if complete != (i == len(frames)-1) {
			t.Fatalf("frame %d: unexpected completeness %v", i, complete)
		}
	}
	if !dst.Complete() {
		t.Fatal("expected block to be complete after joining every frame")
	}
	if !bytes.Equal(dst.Payload, payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestFrameSizeFromCountMatchesSplit(t *testing.T) {
	totalSize, maxPayload := 503, 200
	numFrames, frameSize := NumFrames(totalSize, maxPayload)
	got := FrameSizeFromCount(totalSize, int32(numFrames))
	if got != frameSize {
		t.Fatalf("expected reconstructed frame size %d to match %d", got, frameSize)
	}
}

func TestFrameSizeFromCountSingleFrame(t *testing.T) {
	if got := FrameSizeFromCount(42, 1); got != 42 {
		t.Fatalf("expected single-frame size to equal total size, got %d", got)
	}
}

// TestSplitJoinRoundTripProperty checks Split/Join's round-trip invariant
// (spec.md §3: "sum(frame sizes) == total_size") against randomly
// generated payloads and packet budgets, the same rapid.Check style the
// pack's FX.25 bit-stuffer test uses for its own split/reassemble pair.
func TestSplitJoinRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 4000).Draw(t, "payload")
		maxPayload := rapid.IntRange(1, 1500).Draw(t, "maxPayload")

		blk := NewBlock(aoo.Sequence(1), 48000, 0, payload, maxPayload)
		frames := Split(blk)
		if len(frames) != int(blk.NumFrames) {
			t.Fatalf("split produced %d frames, block says %d", len(frames), blk.NumFrames)
		}

		dst := aoo.NewIncompleteBlock(blk.Sequence, blk.SampleRate, blk.Channel, blk.TotalSize, blk.NumFrames, blk.FrameSize)
		for i, f := range frames {
			if _, _ = Join(dst, int32(i), f); !dst.HasFrame(int32(i)) {
				t.Fatalf("frame %d not recorded as received after Join", i)
			}
		}
		if !dst.Complete() {
			t.Fatal("block incomplete after joining every produced frame")
		}
		if !bytes.Equal(dst.Payload, payload) {
			t.Fatal("reassembled payload diverged from the original")
		}
	})
}
