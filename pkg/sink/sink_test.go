package sink

import (
	"net/netip"
	"testing"
	"time"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/pkg/codec"
	"github.com/aoo-audio/aoo/pkg/osc"
	"github.com/aoo-audio/aoo/pkg/wire"
)

const (
	testSrcID  aoo.Id = 1
	testSinkID aoo.Id = 2
)

var testSrcAddr = netip.MustParseAddrPort("127.0.0.1:9001")

func pcm16FormatBytes(t *testing.T) []byte {
	t.Helper()
	c, ok := codec.Lookup("pcm16")
	if !ok {
		t.Fatal("pcm16 codec not registered")
	}
	data, err := c.New().Serialize(codec.Format{Name: "pcm16", SampleRate: 48000, Channels: 1})
	if err != nil {
		t.Fatalf("serialize pcm16 format: %v", err)
	}
	return data
}

func newStartedSink(t *testing.T, blockSize int) (*Sink, *aoo.EventQueue) {
	t.Helper()
	return newStartedSinkWithOptions(t, blockSize, aoo.DefaultSinkOptions())
}

func newStartedSinkWithOptions(t *testing.T, blockSize int, opts aoo.SinkOptions) (*Sink, *aoo.EventQueue) {
	t.Helper()
	events := aoo.NewEventQueue(64)
	sk := New(testSinkID, opts, codec.Lookup, events)
	sk.Setup(1, 48000, blockSize)

	m := osc.Message{
		Address: osc.FormatSinkAddress(int32(testSinkID), "/start"),
		Args:    []any{int32(testSrcID), int32(1), []byte(nil), pcm16FormatBytes(t)},
	}
	data, err := osc.Marshal(m)
	if err != nil {
		t.Fatalf("marshal /start: %v", err)
	}
	if err := sk.HandleMessage(data, testSrcAddr); err != nil {
		t.Fatalf("handle /start: %v", err)
	}
	return sk, events
}

func pcmDataFrame(streamID aoo.Id, seq aoo.Sequence, sample float32) wire.DataMessage {
	payload := make([]byte, 2)
	v := int16(sample * 32767)
	payload[0] = byte(v)
	payload[1] = byte(v >> 8)
	return wire.DataMessage{
		SrcID:      int32(testSrcID),
		SinkID:     int32(testSinkID),
		StreamID:   int32(streamID),
		Sequence:   int32(seq),
		SampleRate: 48000,
		Channel:    0,
		TotalSize:  2,
		NumFrames:  1,
		FrameIndex: 0,
		Payload:    payload,
	}
}

// incompleteFirstFrame builds a two-frame block at seq and delivers only
// frame 0, so the block is tracked but never completes (and so never
// drains on its own via advancePlayhead), leaving it in the buffer for
// eviction tests.
func incompleteFirstFrame(streamID aoo.Id, seq aoo.Sequence) wire.DataMessage {
	return wire.DataMessage{
		SrcID:      int32(testSrcID),
		SinkID:     int32(testSinkID),
		StreamID:   int32(streamID),
		Sequence:   int32(seq),
		SampleRate: 48000,
		Channel:    0,
		TotalSize:  4,
		NumFrames:  2,
		FrameIndex: 0,
		Payload:    []byte{0, 0},
	}
}

func sendBinary(t *testing.T, sk *Sink, dm wire.DataMessage) {
	t.Helper()
	if err := sk.HandleMessage(wire.EncodeData(dm, 0), testSrcAddr); err != nil {
		t.Fatalf("handle /data: %v", err)
	}
}

func drainDecoded(t *testing.T, sk *Sink, n int) []float32 {
	t.Helper()
	var out []float32
	for i := 0; i < n; i++ {
		buf := make([]float32, 1)
		if sk.Process([][]float32{buf}, 0) != nil {
			t.Fatalf("process: unexpected error")
		}
		out = append(out, buf[0])
	}
	return out
}

func TestHandleStartAdoptsPCM16Format(t *testing.T) {
	sk, events := newStartedSink(t, 1)
	sd := sk.findSourceByAddr(testSrcAddr)
	if sd == nil {
		t.Fatal("expected a source descriptor after /start")
	}
	if sd.format.Name != "pcm16" {
		t.Fatalf("expected pcm16 format to be adopted, got %q", sd.format.Name)
	}
	seen := map[aoo.EventType]bool{}
	for _, ev := range events.Drain() {
		seen[ev.Type] = true
	}
	if !seen[aoo.EventSourceAdd] || !seen[aoo.EventStreamStart] {
		t.Fatal("expected SourceAdd and StreamStart events after /start")
	}
}

// TestReorderWithinJitterWindowDecodesInOrder mirrors spec.md §8's
// reorder scenario: sequences 0,1,3,2,4 arrive out of order and must be
// decoded as 0,1,2,3,4 with exactly one BlockReordered event.
func TestReorderWithinJitterWindowDecodesInOrder(t *testing.T) {
	opts := aoo.DefaultSinkOptions()
	opts.BufferSize = 200 * time.Millisecond // wide enough to hold sequences 0-3 before 2 arrives
	sk, events := newStartedSinkWithOptions(t, 1, opts)
	events.Drain()

	values := []float32{0, 0.1, 0.2, 0.3, 0.4}
	order := []int{0, 1, 3, 2, 4}
	for _, i := range order {
		sendBinary(t, sk, pcmDataFrame(1, aoo.Sequence(i), values[i]))
	}

	out := drainDecoded(t, sk, len(values))
	for i, v := range values {
		diff := out[i] - v
		if diff < 0 {
			diff = -diff
		}
		if diff > 1e-3 {
			t.Fatalf("sample %d: expected decode order to yield ~%v, got %v (full output %v)", i, v, out[i], out)
		}
	}

	reordered := 0
	for _, ev := range events.Drain() {
		if ev.Type == aoo.EventBlockReordered {
			reordered++
		}
	}
	if reordered != 1 {
		t.Fatalf("expected exactly one BlockReordered event, got %d", reordered)
	}
}

func TestLostSequenceEmitsBlockLost(t *testing.T) {
	sk, events := newStartedSink(t, 1)
	events.Drain()

	sendBinary(t, sk, pcmDataFrame(1, 0, 0))
	drainDecoded(t, sk, 1)
	sendBinary(t, sk, pcmDataFrame(1, 1, 0.1))
	drainDecoded(t, sk, 1)
	// Sequence 0 again, now behind nextExpect: should count as lost, not
	// be re-decoded.
	sendBinary(t, sk, pcmDataFrame(1, 0, 0))

	lost := 0
	for _, ev := range events.Drain() {
		if ev.Type == aoo.EventBlockLost {
			lost++
		}
	}
	if lost != 1 {
		t.Fatalf("expected one BlockLost event for the stale resend, got %d", lost)
	}
}

func TestRequestGapsEmitsBlockResentOnSuccessfulSend(t *testing.T) {
	sk, _ := newStartedSink(t, 1)
	sd := sk.findSourceByAddr(testSrcAddr)

	// Insert's first-ever call seeds front at whatever sequence arrives
	// first, so sequence 0 must be delivered and drained to establish a
	// baseline before a later sequence can leave a genuine gap behind it.
	sendBinary(t, sk, pcmDataFrame(1, 0, 0))
	drainDecoded(t, sk, 1)

	// Sequence 1 missing, sequence 2 present: Gaps(2) reports one gap at 1.
	sendBinary(t, sk, pcmDataFrame(1, 2, 0.2))

	var sent int
	err := sk.Send(func(data []byte, addr netip.AddrPort) error {
		sent++
		return nil
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent == 0 {
		t.Fatal("expected requestGaps to send at least one retransmission request")
	}
	if sd.resent == 0 {
		t.Fatal("expected resent counter to be incremented")
	}

	resentEvents := 0
	for _, ev := range sk.events.Drain() {
		if ev.Type == aoo.EventBlockResent {
			resentEvents++
		}
	}
	if resentEvents == 0 {
		t.Fatal("expected at least one BlockResent event to be pushed alongside the resent counter")
	}
}

func TestSendEvictsStaleJitterBufferEntries(t *testing.T) {
	sk, _ := newStartedSink(t, 1)
	sd := sk.findSourceByAddr(testSrcAddr)
	sk.opts.SourceTimeout = time.Millisecond

	sendBinary(t, sk, incompleteFirstFrame(1, 0))
	sd.mu.Lock()
	front, ok := sd.jb.Front()
	sd.mu.Unlock()
	if !ok || front != 0 {
		t.Fatalf("expected the incomplete block at sequence 0 to be tracked, front=%d ok=%v", front, ok)
	}

	time.Sleep(5 * time.Millisecond)
	if err := sk.Send(func([]byte, netip.AddrPort) error { return nil }); err != nil {
		t.Fatalf("send: %v", err)
	}

	sd.mu.Lock()
	defer sd.mu.Unlock()
	if _, found := sd.jb.Find(0); found {
		t.Fatal("expected EvictOlderThan to clear the stale incomplete block once source_timeout elapsed")
	}
	if front, _ := sd.jb.Front(); front != 1 {
		t.Fatalf("expected the buffer's front to advance past the evicted block, got %d", front)
	}
}

// TestGapConcealmentPrefillsSilenceOnEviction exercises the jitter
// buffer's Evicted path directly: a gap larger than the buffer's capacity
// must reset next_expected to the newest sequence and queue silence so
// playback doesn't stall (spec.md §4.3 "Gap concealment policy").
func TestGapConcealmentPrefillsSilenceOnEviction(t *testing.T) {
	sk, _ := newStartedSink(t, 1)
	sd := sk.findSourceByAddr(testSrcAddr)

	// Prime the buffer so front is established at a known sequence before
	// jumping far ahead; Insert's very first call always seeds front at
	// whatever sequence arrives, so a jump on an empty buffer never evicts.
	sendBinary(t, sk, pcmDataFrame(1, 0, 0))
	drainDecoded(t, sk, 1)

	sd.mu.Lock()
	front, _ := sd.jb.Front()
	sd.mu.Unlock()
	capacity := sinkCapacityBlocks(sk.opts)
	// A sequence far beyond the buffer's capacity forces jitterbuffer.Evicted.
	// Deliver it as an incomplete (partial) block so it stays pinned at
	// next_expected instead of completing and draining past it immediately.
	farSeq := front + aoo.Sequence(capacity*4)
	sendBinary(t, sk, incompleteFirstFrame(1, farSeq))

	sd.mu.Lock()
	next := sd.nextExpect
	queued := len(sd.audioQueue)
	acksLen := sd.acks.Len()
	sd.mu.Unlock()

	if next != farSeq {
		t.Fatalf("expected next_expected to reset to the newest sequence %d, got %d", farSeq, next)
	}
	if queued == 0 {
		t.Fatal("expected the audio queue to be pre-filled with silence after a gap-concealment eviction")
	}
	if acksLen != 0 {
		t.Fatalf("expected no stale ack entries to survive an eviction, got %d", acksLen)
	}
}

func TestUninviteSourceDropsDescriptor(t *testing.T) {
	sk, _ := newStartedSink(t, 1)
	sk.UninviteSource(aoo.Endpoint{Addr: testSrcAddr, Id: testSrcID})
	if sd := sk.findSourceByAddr(testSrcAddr); sd != nil {
		t.Fatal("expected UninviteSource to remove the source descriptor")
	}
}

func TestInviteSourceTimesOutWithoutResponse(t *testing.T) {
	events := aoo.NewEventQueue(16)
	sk := New(testSinkID, aoo.DefaultSinkOptions(), codec.Lookup, events)
	sk.opts.InviteTimeout = time.Millisecond
	sk.opts.InviteInterval = time.Hour
	sk.Setup(1, 48000, 64)

	ep := aoo.Endpoint{Addr: testSrcAddr, Id: testSrcID}
	sk.InviteSource(ep)
	sd := sk.sourceFor(ep)
	sd.mu.Lock()
	sd.inviteFirstAt = time.Now().Add(-time.Second)
	sd.mu.Unlock()

	if err := sk.Send(func([]byte, netip.AddrPort) error { return nil }); err != nil {
		t.Fatalf("send: %v", err)
	}

	timedOut := false
	for _, ev := range events.Drain() {
		if ev.Type == aoo.EventInviteTimeout {
			timedOut = true
		}
	}
	if !timedOut {
		t.Fatal("expected an InviteTimeout event once invite_timeout elapsed")
	}
}
