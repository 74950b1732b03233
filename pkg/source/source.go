// Package source implements the streaming engine's sender half (spec.md
// §4.2): one encoder, N sink descriptors, an audio-thread-to-network-thread
// handoff queue, a history buffer for retransmission, and the outbound
// scheduler.
//
// Grounded on the teacher's client/audio.go AudioEngine: mutex-protected
// configuration plus atomic running/state flags, a bounded channel carrying
// encoded frames from the capture goroutine to the network goroutine
// (CaptureOut), and the drop-on-full discipline for channels the real-time
// side must never block on.
package source

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/pkg/codec"
	"github.com/aoo-audio/aoo/pkg/dll"
	"github.com/aoo-audio/aoo/pkg/framing"
	"github.com/aoo-audio/aoo/pkg/history"
	"github.com/aoo-audio/aoo/pkg/osc"
	"github.com/aoo-audio/aoo/pkg/resample"
	"github.com/aoo-audio/aoo/pkg/wire"
)

// streamState is the low-level phase of the source's stream state machine
// (spec.md §4.2: idle -> start -> run -> stop -> idle).
type streamState int32

const (
	stateIdle streamState = iota
	stateStart
	stateRun
	stateStop
)

// streamMeta is the tagged object an atomic.Pointer swap replaces as a
// single unit, standing in for spec.md §5's packed state+pointer word: Go
// has no free low bits on a pointer, so the state rides alongside the
// pointer instead of inside it.
type streamMeta struct {
	state      streamState
	streamID   aoo.Id
	metadata   []byte
	sampleOff  int64
	formatID   int32
}

// audioBlock is one encoder-ready chunk handed from the audio thread to the
// network thread via the audio queue (spec.md §5: "single-producer (audio)
// / single-consumer (network-send)").
type audioBlock struct {
	samples    []float32
	sampleRate float64
	newStream  *streamMeta // non-nil exactly on the first block of a stream
}

// SinkDesc is a sink known to this source (spec.md §3).
type SinkDesc struct {
	Endpoint aoo.Endpoint

	streamID   atomic.Int32 // aoo.Id; kIdInvalid until the sink has been (re)started
	channel    atomic.Int32
	needsStart atomic.Bool

	mu           sync.Mutex
	inviteToken  int32
	requests     []dataRequest // pending retransmission requests from this sink
}

// IsActive reports whether this sink has an in-flight stream id assigned.
func (s *SinkDesc) IsActive() bool {
	return aoo.Id(s.streamID.Load()) != aoo.IdInvalid
}

type dataRequest struct {
	streamID    aoo.Id
	sequence    aoo.Sequence
	frameOffset int32
	bitset      uint16
}

// SendFunc transmits one already-framed datagram to addr. It is supplied by
// the host's network thread and must not block indefinitely (spec.md §5:
// only network threads may block in socket calls).
type SendFunc func(data []byte, addr netip.AddrPort) error

// Source is the sender half of one audio stream, fanning out to any number
// of sinks (spec.md §4.2).
type Source struct {
	id aoo.Id

	mu         sync.Mutex // guards everything below except the atomics/queues
	channels   int
	sampleRate float64
	blockSize  int
	opts       aoo.SourceOptions
	format     codec.Format
	formatID   int32
	enc        codec.Instance

	sinks   map[string]*SinkDesc
	sinkMu  sync.RWMutex

	dll    *dll.TimeDLL
	rs     *resample.Resampler
	hist   *history.Buffer

	stream   atomic.Pointer[streamMeta]
	sequence atomic.Int32 // next sequence number to assign within the current stream

	audioQueue chan audioBlock
	events     *aoo.EventQueue

	pendingMessages []aoo.StreamMessage
	msgMu           sync.Mutex

	lastPing time.Time
}

// New creates a Source identified by id, using opts (see
// aoo.DefaultSourceOptions) and events for outbound notifications.
func New(id aoo.Id, opts aoo.SourceOptions, events *aoo.EventQueue) *Source {
	s := &Source{
		id:         id,
		opts:       opts,
		sinks:      make(map[string]*SinkDesc),
		audioQueue: make(chan audioBlock, 64),
		events:     events,
	}
	s.stream.Store(&streamMeta{state: stateIdle, streamID: aoo.IdInvalid})
	s.sequence.Store(0)
	return s
}

// Setup configures (or reconfigures) the source's audio format and resets
// its pipelines. Idempotent (spec.md §4.2).
func (s *Source) Setup(channels int, sampleRate float64, blockSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = channels
	s.sampleRate = sampleRate
	s.blockSize = blockSize
	s.dll = dll.New(sampleRate, blockSize, s.opts.DLLBandwidth)
	s.rs = resample.New(resample.Method(s.opts.ResampleMethod), blockSize*8, sampleRate, sampleRate)
	s.hist = history.New(historyCapacity(s.opts))
}

func historyCapacity(opts aoo.SourceOptions) int {
	n := int(opts.ResendBufferSize.Seconds() * 50) // ~50 blocks/sec at typical 20ms blocks
	if n < 1 {
		n = 1
	}
	return n
}

// SetFormat validates and installs a new codec format. On success the next
// stream carries a freshly allocated format id (spec.md §4.2).
func (s *Source) SetFormat(c codec.Codec, format codec.Format) error {
	inst := c.New()
	if err := inst.Setup(format); err != nil {
		return aoo.Wrap(aoo.KindBadFormat, err, "source: set_format")
	}
	s.mu.Lock()
	s.format = format
	s.formatID++
	s.enc = inst
	fid := s.formatID
	s.mu.Unlock()
	s.events.Push(aoo.Event{Type: aoo.EventSourceFormat, Id: s.id, Count: int(fid)})
	return nil
}

func sinkKey(ep aoo.Endpoint) string {
	return fmt.Sprintf("%s#%d", ep.Addr, ep.Id)
}

// AddSink registers ep as a destination for this source's stream. If
// active, the sink is marked as needing a /start message on the next send.
func (s *Source) AddSink(ep aoo.Endpoint, active bool) *SinkDesc {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	key := sinkKey(ep)
	if existing, ok := s.sinks[key]; ok {
		return existing
	}
	sd := &SinkDesc{Endpoint: ep}
	sd.streamID.Store(int32(aoo.IdInvalid))
	if active {
		sd.needsStart.Store(true)
	}
	s.sinks[key] = sd
	return sd
}

// RemoveSink drops ep; any pending retransmissions for it are implicitly
// cancelled (spec.md §5).
func (s *Source) RemoveSink(ep aoo.Endpoint) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	delete(s.sinks, sinkKey(ep))
}

// RemoveAll drops every known sink.
func (s *Source) RemoveAll() {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sinks = make(map[string]*SinkDesc)
}

func (s *Source) snapshotSinks() []*SinkDesc {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	out := make([]*SinkDesc, 0, len(s.sinks))
	for _, sd := range s.sinks {
		out = append(out, sd)
	}
	return out
}

// StartStream schedules a transition to a fresh stream (spec.md §4.2). The
// actual stream id and /start dispatch happen on the first subsequent
// Process/Send pair so every sink observes the same transition point.
func (s *Source) StartStream(metadata []byte) {
	next := &streamMeta{
		state:    stateStart,
		streamID: aoo.Id(s.sequence.Load()) + 1, // monotonic, distinct from any prior stream id
		metadata: metadata,
	}
	s.stream.Store(next)
}

// StopStream schedules an end-of-stream terminator. After the terminator is
// sent, the source returns to idle and declines further data requests for
// that stream (spec.md §4.2, §5 "cooperative" stop).
func (s *Source) StopStream() {
	cur := s.stream.Load()
	stopped := &streamMeta{state: stateStop, streamID: cur.streamID}
	s.stream.CompareAndSwap(cur, stopped)
}

// AddStreamMessage enqueues a timed message to be interleaved into the
// encoded stream at its NTP timestamp (spec.md §4.2).
func (s *Source) AddStreamMessage(msg aoo.StreamMessage) {
	s.msgMu.Lock()
	s.pendingMessages = append(s.pendingMessages, msg)
	s.msgMu.Unlock()
}

// Process runs one audio-thread tick: feed the DLL, detect xruns, advance
// the resampler, and push a ready block onto the audio queue. input is
// channels-major, blockSize samples per channel. It never blocks (spec.md
// §4.2, §5).
func (s *Source) Process(input [][]float32, ntpTime aoo.NtpTime) error {
	s.mu.Lock()
	bs := s.blockSize
	sr := s.sampleRate
	d := s.dll
	rs := s.rs
	s.mu.Unlock()
	if d == nil || rs == nil {
		return aoo.NewError(aoo.KindBadArgument, "source: Process called before Setup")
	}

	start := time.Now()
	estRate := d.Update(uint64(ntpTime))
	if dll.XRun(time.Since(start).Seconds(), bs, sr, 0.25) {
		s.events.Push(aoo.Event{Type: aoo.EventBlockXRun, Id: s.id})
	}

	var newStream *streamMeta
	cur := s.stream.Load()
	if cur.state == stateStart {
		running := &streamMeta{state: stateRun, streamID: cur.streamID, metadata: cur.metadata, formatID: s.formatID}
		if s.stream.CompareAndSwap(cur, running) {
			newStream = running
		}
	}

	// Deinterleave already-separated channel slices into the resampler,
	// mono-summed: codecs in this module are single-channel at the wire
	// level, matching the teacher's mono AudioEngine pipeline.
	mixed := make([]float32, bs)
	for _, ch := range input {
		for i, v := range ch {
			if i < bs {
				mixed[i] += v
			}
		}
	}
	rs.SetRatio(estRate, sr)
	rs.Write(mixed)

	if rs.Available() >= bs {
		out := make([]float32, bs)
		rs.Read(out)
		select {
		case s.audioQueue <- audioBlock{samples: out, sampleRate: estRate, newStream: newStream}:
		default:
			s.events.Push(aoo.Event{Type: aoo.EventBlockXRun, Id: s.id})
		}
	}
	return nil
}

// Send drains the outbound scheduler: dispatches pending /start messages,
// encodes and frames any buffered audio, replays history for data requests,
// and sends periodic pings (spec.md §4.2's network-thread algorithm).
func (s *Source) Send(send SendFunc) error {
	sinks := s.snapshotSinks()

	for _, sd := range sinks {
		if sd.needsStart.CompareAndSwap(true, false) {
			if err := s.sendStart(sd, send); err != nil {
				s.events.Push(aoo.Event{Type: aoo.EventError, Id: s.id, Err: err})
			}
		}
	}

drain:
	for {
		select {
		case blk := <-s.audioQueue:
			if blk.newStream != nil {
				for _, sd := range sinks {
					sd.streamID.Store(int32(blk.newStream.streamID))
					if err := s.sendStart(sd, send); err != nil {
						s.events.Push(aoo.Event{Type: aoo.EventError, Id: s.id, Err: err})
					}
				}
			}
			if err := s.encodeAndSend(blk, sinks, send); err != nil {
				s.events.Push(aoo.Event{Type: aoo.EventError, Id: s.id, Err: err})
			}
		default:
			break drain
		}
	}

	for _, sd := range sinks {
		s.serviceRequests(sd, send)
	}

	if time.Since(s.lastPing) >= s.opts.PingInterval {
		s.lastPing = time.Now()
		for _, sd := range sinks {
			s.sendPing(sd, send)
		}
	}

	if cur := s.stream.Load(); cur.state == stateStop {
		for _, sd := range sinks {
			s.sendStop(sd, send)
		}
		s.stream.CompareAndSwap(cur, &streamMeta{state: stateIdle, streamID: aoo.IdInvalid})
	}
	return nil
}

func (s *Source) sendStart(sd *SinkDesc, send SendFunc) error {
	cur := s.stream.Load()
	s.mu.Lock()
	enc, format := s.enc, s.format
	s.mu.Unlock()
	var fmtBytes []byte
	if enc != nil {
		fmtBytes, _ = enc.Serialize(format)
	}
	m := osc.Message{
		// The sink establishes its decoder from a serialized Codec format
		// (spec.md §4.3 "/start message establishes format via
		// Codec::deserialize"); stream metadata rides alongside it.
		Address: osc.FormatSinkAddress(sd.Endpoint.Id, "/start"),
		Args:    []any{int32(s.id), int32(cur.streamID), cur.metadata, fmtBytes},
	}
	return s.sendOSC(sd, m, send)
}

func (s *Source) sendStop(sd *SinkDesc, send SendFunc) error {
	m := osc.Message{
		Address: osc.FormatSinkAddress(sd.Endpoint.Id, "/stop"),
		Args:    []any{int32(s.id), sd.streamID.Load()},
	}
	return s.sendOSC(sd, m, send)
}

func (s *Source) sendPing(sd *SinkDesc, send SendFunc) error {
	m := osc.Message{
		Address: osc.FormatSinkAddress(sd.Endpoint.Id, "/ping"),
		Args:    []any{int32(s.id)},
	}
	return s.sendOSC(sd, m, send)
}

func (s *Source) sendOSC(sd *SinkDesc, m osc.Message, send SendFunc) error {
	data, err := osc.Marshal(m)
	if err != nil {
		return err
	}
	return send(data, sd.Endpoint.Addr)
}

// encodeAndSend encodes one audio block, splits it into frames, records it
// in history, and fans the frames out to every active sink, honoring
// redundancy (spec.md §4.2 step (c)).
func (s *Source) encodeAndSend(blk audioBlock, sinks []*SinkDesc, send SendFunc) error {
	s.mu.Lock()
	enc := s.enc
	maxPayload := s.opts.PacketSize - wire.RelayHeaderSize(netip.AddrPort{}) // conservative header budget
	s.mu.Unlock()
	if enc == nil {
		return nil // no format set yet; drop silently like a skipped encode (spec.md §4.2 failure semantics)
	}

	payload, err := enc.Encode(blk.samples)
	if err != nil {
		s.events.Push(aoo.Event{Type: aoo.EventBlockXRun, Id: s.id})
		return nil // encode failures are logged and skipped; sequence still advances
	}

	cur := s.stream.Load()
	if aoo.Sequence(s.sequence.Load()) >= aoo.SequenceWrapGuard {
		// Once the counter reaches SequenceWrapGuard, force a new stream
		// rather than let it overflow int32 (see
		// aoo.SequenceWrapGuard's doc comment and DESIGN.md).
		next := &streamMeta{state: stateRun, streamID: cur.streamID + 1, metadata: cur.metadata, formatID: s.formatID}
		if s.stream.CompareAndSwap(cur, next) {
			cur = next
			s.sequence.Store(0)
			for _, sd := range sinks {
				sd.streamID.Store(int32(cur.streamID))
				if err := s.sendStart(sd, send); err != nil {
					s.events.Push(aoo.Event{Type: aoo.EventError, Id: s.id, Err: err})
				}
			}
		}
	}

	seq := aoo.Sequence(s.sequence.Add(1) - 1)
	b := framing.NewBlock(seq, blk.sampleRate, 0, payload, maxPayload)
	s.mu.Lock()
	if s.hist != nil {
		s.hist.Push(b)
	}
	s.mu.Unlock()

	frames := framing.Split(b)
	for _, sd := range sinks {
		if !sd.IsActive() {
			continue
		}
		for rep := 0; rep < maxInt(1, s.opts.Redundancy); rep++ {
			for i, payload := range frames {
				if err := s.sendFrame(sd, cur.streamID, b, int32(i), payload, send); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Source) sendFrame(sd *SinkDesc, streamID aoo.Id, b *aoo.Block, frameIndex int32, payload []byte, send SendFunc) error {
	dm := wire.DataMessage{
		SrcID:      int32(s.id),
		SinkID:     sd.Endpoint.Id,
		StreamID:   int32(streamID),
		Sequence:   int32(b.Sequence),
		SampleRate: b.SampleRate,
		Channel:    sd.channel.Load(),
		TotalSize:  b.TotalSize,
		NumFrames:  b.NumFrames,
		FrameIndex: frameIndex,
		Payload:    payload,
	}
	if s.opts.BinaryFormat || sd.Endpoint.Binary {
		return send(wire.EncodeData(dm, 0), sd.Endpoint.Addr)
	}
	data, err := osc.Marshal(dm.ToOSC(true))
	if err != nil {
		return err
	}
	return send(data, sd.Endpoint.Addr)
}

// serviceRequests replays history frames for sd's pending data requests
// (spec.md §4.2's retransmission protocol).
func (s *Source) serviceRequests(sd *SinkDesc, send SendFunc) {
	sd.mu.Lock()
	reqs := sd.requests
	sd.requests = nil
	sd.mu.Unlock()

	cur := s.stream.Load()
	for _, r := range reqs {
		if r.streamID != cur.streamID {
			s.sendDecline(sd, r, send)
			continue
		}
		s.mu.Lock()
		var blk *aoo.Block
		var ok bool
		if s.hist != nil {
			blk, ok = s.hist.Get(r.sequence)
		}
		s.mu.Unlock()
		if !ok {
			continue // not in history: drop silently, ack list ages out
		}
		indices := framesToResend(r, blk.NumFrames)
		for _, idx := range indices {
			_ = s.sendFrame(sd, cur.streamID, blk, idx, blk.Frame(idx), send)
		}
	}
}

func framesToResend(r dataRequest, numFrames int32) []int32 {
	if r.frameOffset < 0 && r.bitset == 0 {
		out := make([]int32, numFrames)
		for i := range out {
			out[i] = int32(i)
		}
		return out
	}
	var out []int32
	for j := int32(0); j < 16; j++ {
		idx := r.frameOffset + j
		if idx >= numFrames {
			break
		}
		if r.bitset&(1<<uint(j)) != 0 {
			out = append(out, idx)
		}
	}
	return out
}

func (s *Source) sendDecline(sd *SinkDesc, r dataRequest, send SendFunc) {
	m := osc.Message{
		Address: osc.FormatSinkAddress(sd.Endpoint.Id, "/decline"),
		Args:    []any{int32(s.id), int32(r.streamID), int32(r.sequence)},
	}
	_ = s.sendOSC(sd, m, send)
}

// HandleMessage parses one incoming datagram and dispatches it (spec.md
// §4.2). from identifies the sink that sent it.
func (s *Source) HandleMessage(data []byte, from netip.AddrPort) error {
	if wire.IsBinary(data) {
		return aoo.NewError(aoo.KindBadFormat, "source: unexpected binary message")
	}
	m, err := osc.Unmarshal(data)
	if err != nil {
		return aoo.Wrap(aoo.KindBadFormat, err, "source: handle_message")
	}
	typ, id, rest, err := osc.ParsePattern(m.Address)
	if err != nil || typ != osc.TypeSource || aoo.Id(id) != s.id {
		return aoo.NewError(aoo.KindUnhandledRequest, "source: not addressed to this source")
	}

	switch rest {
	case "/data":
		return s.handleDataRequest(m, from)
	case "/ping":
		return s.handlePing(from)
	default:
		return nil
	}
}

func (s *Source) handleDataRequest(m osc.Message, from netip.AddrPort) error {
	if len(m.Args) < 4 {
		return aoo.NewError(aoo.KindBadFormat, "source: malformed data request")
	}
	streamID, err := m.Int32(0)
	if err != nil {
		return err
	}
	seq, err := m.Int32(1)
	if err != nil {
		return err
	}
	frameOffset, err := m.Int32(2)
	if err != nil {
		return err
	}
	var bitset int32
	if bitset, err = m.Int32(3); err != nil {
		return err
	}

	sd := s.findSinkByAddr(from)
	if sd == nil {
		return nil
	}
	sd.mu.Lock()
	sd.requests = append(sd.requests, dataRequest{
		streamID:    aoo.Id(streamID),
		sequence:    aoo.Sequence(seq),
		frameOffset: frameOffset,
		bitset:      uint16(bitset),
	})
	sd.mu.Unlock()
	return nil
}

func (s *Source) handlePing(from netip.AddrPort) error {
	sd := s.findSinkByAddr(from)
	if sd != nil {
		s.events.Push(aoo.Event{Type: aoo.EventPing, Id: s.id})
	}
	return nil
}

func (s *Source) findSinkByAddr(addr netip.AddrPort) *SinkDesc {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	for _, sd := range s.sinks {
		if sd.Endpoint.Addr == addr {
			return sd
		}
	}
	return nil
}

// HandleInvite processes a sink's invitation accept/decline.
func (s *Source) HandleInvite(ep aoo.Endpoint, token int32, accept bool) {
	sd := s.AddSink(ep, accept)
	sd.mu.Lock()
	sd.inviteToken = token
	sd.mu.Unlock()
	if accept {
		sd.needsStart.Store(true)
	}
}

// HandleUninvite removes ep as a stream destination.
func (s *Source) HandleUninvite(ep aoo.Endpoint) {
	s.RemoveSink(ep)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
