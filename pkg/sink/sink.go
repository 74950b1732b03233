// Package sink implements the streaming engine's receiver half (spec.md
// §4.3): M source descriptors, each with its own decoder, jitter buffer,
// resampler and ack list, plus the audio output mixer.
//
// Grounded on the teacher's client/audio.go playbackLoop: a per-sender
// decoder map pruned on a cadence, a jitter buffer drained once per tick,
// and additive mixing into a shared output buffer with clamping — here
// generalized from Opus-only playback to the spec's arbitrary codec and
// per-source gap/retransmission bookkeeping.
package sink

import (
	"net/netip"
	"sync"
	"time"

	"github.com/aoo-audio/aoo/pkg/acklist"
	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/pkg/codec"
	"github.com/aoo-audio/aoo/pkg/framing"
	"github.com/aoo-audio/aoo/pkg/jitterbuffer"
	"github.com/aoo-audio/aoo/pkg/osc"
	"github.com/aoo-audio/aoo/pkg/resample"
	"github.com/aoo-audio/aoo/pkg/wire"
)

// sourceState is the per-source phase of spec.md §4.3's state machine.
type sourceState int

const (
	stateIdle sourceState = iota
	stateInvite
	stateActive
	stateStopping
)

// decodedBlock is one decoded, ready-to-resample chunk handed from the
// network-receive path to the audio thread's per-source queue (spec.md §5:
// "single-producer (network-receive/decoder) / single-consumer (audio)").
type decodedBlock struct {
	samples    []float32
	sampleRate float64
	channel    int32
}

// SourceDesc tracks one remote source this sink is receiving from (spec.md
// §3).
type SourceDesc struct {
	Endpoint aoo.Endpoint

	mu         sync.Mutex
	state      sourceState
	streamID   aoo.Id
	format     codec.Format
	dec        codec.Instance
	jb         *jitterbuffer.Buffer
	acks       *acklist.List
	rs         *resample.Resampler
	channelOut int32 // output channel offset, updated from each decoded block
	nextExpect aoo.Sequence
	lastData   time.Time

	inviteToken   int32
	inviteSentAt  time.Time
	inviteFirstAt time.Time

	lost, reordered, resent, dropped, xrun int

	audioQueue chan decodedBlock
}

// Sink receives one or more remote audio streams and mixes them into a
// shared output buffer (spec.md §4.3).
type Sink struct {
	id aoo.Id

	mu         sync.RWMutex
	channels   int
	sampleRate float64
	blockSize  int
	opts       aoo.SinkOptions
	codecFor   func(name string) (codec.Codec, bool)

	sources map[string]*SourceDesc

	events *aoo.EventQueue
}

// New creates a Sink identified by id. codecFor resolves a codec by the
// name carried in a /start message's serialized format (normally
// codec.Lookup).
func New(id aoo.Id, opts aoo.SinkOptions, codecFor func(string) (codec.Codec, bool), events *aoo.EventQueue) *Sink {
	return &Sink{
		id:       id,
		opts:     opts,
		codecFor: codecFor,
		sources:  make(map[string]*SourceDesc),
		events:   events,
	}
}

// Setup configures the sink's output format (spec.md §4.3).
func (sk *Sink) Setup(channels int, sampleRate float64, blockSize int) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	sk.channels = channels
	sk.sampleRate = sampleRate
	sk.blockSize = blockSize
}

func sourceKey(ep aoo.Endpoint) string {
	return ep.String()
}

func (sk *Sink) sourceFor(ep aoo.Endpoint) *SourceDesc {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	key := sourceKey(ep)
	sd, ok := sk.sources[key]
	if !ok {
		sd = &SourceDesc{
			Endpoint:   ep,
			state:      stateIdle,
			streamID:   aoo.IdInvalid,
			audioQueue: make(chan decodedBlock, 64),
		}
		sk.sources[key] = sd
	}
	return sd
}

// InviteSource begins (re)inviting a source to stream to this sink,
// retrying every InviteInterval until InviteTimeout (spec.md §4.3).
func (sk *Sink) InviteSource(ep aoo.Endpoint) {
	sd := sk.sourceFor(ep)
	sd.mu.Lock()
	sd.state = stateInvite
	sd.inviteFirstAt = time.Now()
	sd.inviteToken++
	sd.mu.Unlock()
}

// UninviteSource withdraws an invitation or tears down an active stream.
func (sk *Sink) UninviteSource(ep aoo.Endpoint) {
	sk.mu.Lock()
	delete(sk.sources, sourceKey(ep))
	sk.mu.Unlock()
}

// UninviteAll drops every known source.
func (sk *Sink) UninviteAll() {
	sk.mu.Lock()
	sk.sources = make(map[string]*SourceDesc)
	sk.mu.Unlock()
}

func (sk *Sink) snapshotSources() []*SourceDesc {
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	out := make([]*SourceDesc, 0, len(sk.sources))
	for _, sd := range sk.sources {
		out = append(out, sd)
	}
	return out
}

// Send retries invitations and services each source's pending gap/resend
// requests (spec.md §4.3 invitation retry, §4.4 jitter buffer gap walk).
func (sk *Sink) Send(send func(data []byte, addr netip.AddrPort) error) error {
	now := time.Now()
	for _, sd := range sk.snapshotSources() {
		sd.mu.Lock()
		switch sd.state {
		case stateInvite:
			if now.Sub(sd.inviteFirstAt) > sk.opts.InviteTimeout {
				sd.state = stateIdle
				sd.mu.Unlock()
				sk.events.Push(aoo.Event{Type: aoo.EventInviteTimeout, Endpoint: sd.Endpoint})
				continue
			}
			if now.Sub(sd.inviteSentAt) >= sk.opts.InviteInterval {
				sd.inviteSentAt = now
				token := sd.inviteToken
				sd.mu.Unlock()
				sk.sendInvite(sd, token, send)
				continue
			}
			sd.mu.Unlock()
		case stateActive:
			if sd.jb != nil {
				sd.jb.EvictOlderThan(sk.opts.SourceTimeout)
			}
			sk.requestGaps(sd, send)
			sd.mu.Unlock()
		default:
			sd.mu.Unlock()
		}
	}
	return nil
}

func (sk *Sink) sendInvite(sd *SourceDesc, token int32, send func([]byte, netip.AddrPort) error) {
	m := osc.Message{
		Address: osc.FormatSourceAddress(sd.Endpoint.Id, "/invite"),
		Args:    []any{int32(sk.id), token},
	}
	data, err := osc.Marshal(m)
	if err != nil {
		return
	}
	_ = send(data, sd.Endpoint.Addr)
}

// requestGaps walks sd's jitter buffer for missing/incomplete blocks and
// sends a bounded set of data requests, honoring resend_limit/interval and
// max_frames_per_request (spec.md §4.3 step 6).
func (sk *Sink) requestGaps(sd *SourceDesc, send func([]byte, netip.AddrPort) error) {
	if sd.jb == nil {
		return
	}
	newest, ok := sd.jb.Newest()
	if !ok {
		return
	}
	now := time.Now()
	gaps := sd.jb.Gaps(newest)
	for _, g := range gaps {
		if !sd.acks.Check(g.Sequence, now) {
			continue
		}
		m := osc.Message{
			Address: osc.FormatSourceAddress(sd.Endpoint.Id, "/data"),
			Args:    []any{int32(sd.streamID), int32(g.Sequence), g.MissingFrom, int32(g.Bitset)},
		}
		data, err := osc.Marshal(m)
		if err != nil {
			continue
		}
		if send(data, sd.Endpoint.Addr) == nil {
			sd.resent++
			sk.events.Push(aoo.Event{Type: aoo.EventBlockResent, Endpoint: sd.Endpoint, Sequence: g.Sequence})
		}
	}
}

// HandleMessage parses and dispatches one incoming datagram (spec.md
// §4.3).
func (sk *Sink) HandleMessage(data []byte, from netip.AddrPort) error {
	if wire.IsBinary(data) {
		dm, _, err := wire.DecodeData(data)
		if err != nil {
			return aoo.Wrap(aoo.KindBadFormat, err, "sink: handle_message")
		}
		return sk.handleData(dm, from)
	}

	m, err := osc.Unmarshal(data)
	if err != nil {
		return aoo.Wrap(aoo.KindBadFormat, err, "sink: handle_message")
	}
	typ, id, rest, err := osc.ParsePattern(m.Address)
	if err != nil || typ != osc.TypeSink || aoo.Id(id) != sk.id {
		return aoo.NewError(aoo.KindUnhandledRequest, "sink: not addressed to this sink")
	}

	switch rest {
	case "/start":
		return sk.handleStart(m, from)
	case "/stop":
		return sk.handleStop(m, from)
	case "/data":
		dm, err := wire.DataFromOSC(m)
		if err != nil {
			return err
		}
		return sk.handleData(dm, from)
	case "/ping":
		sk.events.Push(aoo.Event{Type: aoo.EventPing, Endpoint: aoo.Endpoint{Addr: from}})
		return nil
	case "/decline":
		return nil
	default:
		return nil
	}
}

func (sk *Sink) findSourceByAddr(from netip.AddrPort) *SourceDesc {
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	for _, sd := range sk.sources {
		if sd.Endpoint.Addr == from {
			return sd
		}
	}
	return nil
}

func (sk *Sink) handleStart(m osc.Message, from netip.AddrPort) error {
	if len(m.Args) < 4 {
		return aoo.NewError(aoo.KindBadFormat, "sink: malformed /start")
	}
	srcID, err := m.Int32(0)
	if err != nil {
		return err
	}
	streamID, err := m.Int32(1)
	if err != nil {
		return err
	}
	fmtBytes, err := m.Blob(3)
	if err != nil {
		return err
	}

	ep := aoo.Endpoint{Addr: from, Id: srcID}
	sd := sk.sourceFor(ep)

	// Decode the format to learn which registered codec accepts it, and
	// adopt the resulting decoder instance.
	inst, decoded, instErr := sk.decodeFormat(fmtBytes)
	if instErr != nil {
		return instErr
	}

	sd.mu.Lock()
	sd.state = stateActive
	sd.streamID = aoo.Id(streamID)
	sd.format = decoded
	sd.dec = inst
	sd.jb = jitterbuffer.New(sinkCapacityBlocks(sk.opts))
	sd.acks = acklist.New(sk.opts.ResendLimit, sk.opts.ResendInterval)
	sd.rs = resample.New(resample.Method(sk.opts.ResampleMethod), sk.blockSize*8, float64(decoded.SampleRate), sk.sampleRate)
	sd.nextExpect = 0
	sd.lastData = time.Now()
	sd.mu.Unlock()

	sk.events.Push(aoo.Event{Type: aoo.EventSourceAdd, Endpoint: ep})
	sk.events.Push(aoo.Event{Type: aoo.EventStreamStart, Endpoint: ep})
	return nil
}

func sinkCapacityBlocks(opts aoo.SinkOptions) int {
	n := int(opts.BufferSize.Seconds() * 50)
	if n < 1 {
		n = 1
	}
	return n
}

func (sk *Sink) decodeFormat(fmtBytes []byte) (codec.Instance, codec.Format, error) {
	// The wire format embeds no codec name, so the registered codecs are
	// tried in codecRegistryNames order until one accepts the bytes. Each
	// Deserialize checks only the length (opus needs 12 bytes, pcm16 8,
	// null accepts anything), which is why the order runs from the longest
	// layout to null.
	for _, name := range codecRegistryNames(sk.codecFor) {
		c, ok := sk.codecFor(name)
		if !ok {
			continue
		}
		inst := c.New()
		f, err := inst.Deserialize(fmtBytes)
		if err == nil {
			return inst, f, nil
		}
	}
	return nil, codec.Format{}, aoo.NewError(aoo.KindBadFormat, "sink: no codec accepted the stream format")
}

// codecRegistryNames is overridden in tests; by default it returns the
// fixed defaultCodecNames list rather than querying codec.Names, so the
// order decodeFormat tries codecs in does not depend on the registry.
var codecRegistryNames = func(codecFor func(string) (codec.Codec, bool)) []string {
	return defaultCodecNames
}

// defaultCodecNames lists the codecs this module registers, tried in a
// fixed, deterministic order.
var defaultCodecNames = []string{"opus", "pcm16", "null"}

func (sk *Sink) handleStop(m osc.Message, from netip.AddrPort) error {
	if len(m.Args) < 1 {
		return nil
	}
	srcID, err := m.Int32(0)
	if err != nil {
		return err
	}
	ep := aoo.Endpoint{Addr: from, Id: srcID}
	sd := sk.findSourceByAddr(from)
	if sd == nil {
		return nil
	}
	sd.mu.Lock()
	sd.state = stateStopping
	sd.mu.Unlock()
	sk.events.Push(aoo.Event{Type: aoo.EventStreamStop, Endpoint: ep})
	return nil
}

// handleData implements spec.md §4.3's receive-path steps 1-6 for a single
// incoming data frame.
func (sk *Sink) handleData(dm wire.DataMessage, from netip.AddrPort) error {
	ep := aoo.Endpoint{Addr: from, Id: dm.SrcID}
	sd := sk.findSourceByAddr(from)
	if sd == nil {
		return nil // data from an uninvited/unknown source is simply ignored
	}

	sd.mu.Lock()
	defer sd.mu.Unlock()

	if aoo.Id(dm.StreamID) != sd.streamID {
		if aoo.Id(dm.StreamID) > sd.streamID {
			// A newer stream has begun without an observed /start (e.g. it
			// was lost); adopt it so playback can resume.
			sd.streamID = aoo.Id(dm.StreamID)
			sd.nextExpect = 0
			if sd.jb != nil {
				sd.jb.Reset()
			}
		} else {
			return nil // stale stream id: discard
		}
	}

	seq := aoo.Sequence(dm.Sequence)
	if sd.jb != nil && sd.jb.Empty() {
		sd.nextExpect = seq
	}
	if seq < sd.nextExpect {
		if !sd.acks.Exhausted(seq) {
			sd.lost++
			sk.events.Push(aoo.Event{Type: aoo.EventBlockLost, Endpoint: ep, Sequence: seq})
		}
		return nil
	}

	frameSize := framing.FrameSizeFromCount(int(dm.TotalSize), dm.NumFrames)
	blk, result := sd.jb.Insert(seq, dm.SampleRate, dm.Channel, dm.TotalSize, dm.NumFrames, frameSize)
	switch result {
	case jitterbuffer.Evicted:
		// Gap concealment policy (spec.md §4.3): the gap exceeded the
		// jitter buffer's capacity, so clear it, reseed next_expected at
		// the newest sequence, and pre-fill the audio queue with silence
		// up to the latency target rather than let playback stall.
		sd.dropped++
		sk.events.Push(aoo.Event{Type: aoo.EventBlockDropped, Endpoint: ep, Sequence: seq})
		sd.jb.ResetTo(seq)
		blk, _ = sd.jb.Insert(seq, dm.SampleRate, dm.Channel, dm.TotalSize, dm.NumFrames, frameSize)
		sd.nextExpect = seq
		sd.acks.RemoveBefore(sd.nextExpect)
		sk.prefillSilence(sd)
	case jitterbuffer.Rejected:
		return nil
	}

	wrote, complete := framing.Join(blk, dm.FrameIndex, dm.Payload)
	if wrote && seq != sd.nextExpect {
		sd.reordered++
		sk.events.Push(aoo.Event{Type: aoo.EventBlockReordered, Endpoint: ep, Sequence: seq})
	}
	if complete {
		sd.acks.Remove(seq)
	}

	sd.lastData = time.Now()
	sk.advancePlayhead(sd, ep)
	return nil
}

// advancePlayhead drains every consecutive complete block from sd's jitter
// buffer, decodes it, and pushes the result onto the per-source audio
// queue (spec.md §4.3 step 5).
func (sk *Sink) advancePlayhead(sd *SourceDesc, ep aoo.Endpoint) {
	for _, blk := range sd.jb.DrainComplete() {
		sd.nextExpect = blk.Sequence + 1
		sd.acks.RemoveBefore(sd.nextExpect)

		samples := make([]float32, sk.blockSize)
		n, err := sd.dec.Decode(blk.Payload, samples)
		if err != nil {
			sd.xrun++
			sk.events.Push(aoo.Event{Type: aoo.EventBlockXRun, Endpoint: ep})
			continue
		}
		select {
		case sd.audioQueue <- decodedBlock{samples: samples[:n], sampleRate: blk.SampleRate, channel: blk.Channel}:
		default:
			sd.xrun++
		}
	}
}

// prefillSilence pushes enough zero-filled blocks onto sd's audio queue to
// cover the latency target (the same block count the jitter buffer is sized
// to, see sinkCapacityBlocks), so a concealed gap drops out of the stream
// rather than starving the mixer outright (spec.md §4.3 "Gap concealment
// policy"). Silence is queued at the sink's own sample rate so the
// resampler passes it through unchanged.
func (sk *Sink) prefillSilence(sd *SourceDesc) {
	sk.mu.RLock()
	bs, rate := sk.blockSize, sk.sampleRate
	sk.mu.RUnlock()

	silence := make([]float32, bs)
	for i := 0; i < sinkCapacityBlocks(sk.opts); i++ {
		select {
		case sd.audioQueue <- decodedBlock{samples: silence, sampleRate: rate, channel: sd.channelOut}:
		default:
			return
		}
	}
}

// Process runs one audio-thread tick: for each active source, decode
// queued blocks into its resampler, pull blockSize samples, and sum them
// into the single output channel the source's last block named (spec.md
// §4.3 "Audio output path").
func (sk *Sink) Process(output [][]float32, ntpTime aoo.NtpTime) error {
	sk.mu.RLock()
	bs := sk.blockSize
	sk.mu.RUnlock()

	for _, ch := range output {
		for i := range ch {
			ch[i] = 0
		}
	}

	for _, sd := range sk.snapshotSources() {
		sd.mu.Lock()
		rs := sd.rs
		if rs == nil {
			sd.mu.Unlock()
			continue
		}
	drain:
		for {
			select {
			case blk := <-sd.audioQueue:
				rs.SetRatio(blk.sampleRate, sk.sampleRate)
				rs.Write(blk.samples)
				sd.channelOut = blk.channel
			default:
				break drain
			}
		}

		out := make([]float32, bs)
		produced := rs.Read(out)
		if produced < bs {
			sk.events.Push(aoo.Event{Type: aoo.EventSourceState, Endpoint: sd.Endpoint, State: aoo.StateBuffering})
		}
		channel := int(sd.channelOut)
		sd.mu.Unlock()

		if channel >= 0 && channel < len(output) {
			for i, v := range out {
				if i < len(output[channel]) {
					output[channel][i] += v
				}
			}
		}
	}
	return nil
}
