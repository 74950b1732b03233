package main

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/pkg/codec"
	"github.com/aoo-audio/aoo/pkg/osc"
	"github.com/aoo-audio/aoo/pkg/sink"
	"github.com/aoo-audio/aoo/pkg/source"
	"github.com/aoo-audio/aoo/pkg/wire"
)

const (
	sampleRate = 48000
	channels   = 1
	blockSize  = 960 // 20ms @ 48kHz, matching the teacher's AudioEngine.FrameSize
)

// audioEngine drives a duplex PortAudio stream, feeding captured frames to
// a Source and pulling decoded frames out of a Sink, the same Start/Stop
// and capture/playback-goroutine shape as the teacher's client/audio.go
// AudioEngine, generalized from a hardwired Opus codec to whatever codec
// the source/sink were configured with.
type audioEngine struct {
	logger *log.Logger

	src *source.Source
	snk *sink.Sink

	udp *udpTransport

	stream *portaudio.Stream
	inBuf  []float32
	outBuf []float32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	inputDevID  int
	outputDevID int
}

func newAudioEngine(logger *log.Logger, src *source.Source, snk *sink.Sink, udp *udpTransport, inputDevID, outputDevID int) *audioEngine {
	return &audioEngine{
		logger:      logger,
		src:         src,
		snk:         snk,
		udp:         udp,
		inputDevID:  inputDevID,
		outputDevID: outputDevID,
	}
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Start opens the capture/playback stream and starts the processing
// goroutines plus the network send/receive loops.
func (ae *audioEngine) Start() error {
	devices, err := portaudio.Devices()
	if err != nil {
		return aoo.Wrap(aoo.KindSocket, err, "audio: list devices")
	}
	inputDev, err := resolveDevice(devices, ae.inputDevID, portaudio.DefaultInputDevice)
	if err != nil {
		return aoo.Wrap(aoo.KindSocket, err, "audio: resolve input device")
	}
	outputDev, err := resolveDevice(devices, ae.outputDevID, portaudio.DefaultOutputDevice)
	if err != nil {
		return aoo.Wrap(aoo.KindSocket, err, "audio: resolve output device")
	}

	ae.inBuf = make([]float32, blockSize)
	ae.outBuf = make([]float32, blockSize)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: blockSize,
	}
	stream, err := portaudio.OpenStream(params, ae.inBuf, ae.outBuf)
	if err != nil {
		return aoo.Wrap(aoo.KindSocket, err, "audio: open stream")
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return aoo.Wrap(aoo.KindSocket, err, "audio: start stream")
	}

	ae.stream = stream
	ae.stopCh = make(chan struct{})
	ae.running.Store(true)

	ae.wg.Add(3)
	go func() { defer ae.wg.Done(); ae.audioLoop() }()
	go func() { defer ae.wg.Done(); ae.sendLoop() }()
	go func() { defer ae.wg.Done(); ae.udp.recvLoop(ae.stopCh, ae.handleIncoming) }()

	ae.logger.Info("audio started", "input", inputDev.Name, "output", outputDev.Name, "sample_rate", sampleRate, "block_size", blockSize)
	return nil
}

// Stop halts capture/playback and waits for the goroutines to exit before
// freeing the native stream (same ordering the teacher's AudioEngine.Stop
// requires: stop unblocks the blocking Read/Write, then wait, then Close).
func (ae *audioEngine) Stop() {
	if !ae.running.CompareAndSwap(true, false) {
		return
	}
	close(ae.stopCh)
	if ae.stream != nil {
		ae.stream.Stop()
	}
	ae.wg.Wait()
	if ae.stream != nil {
		ae.stream.Close()
	}
}

// nowNtp converts the host clock to the 32.32 fixed-point NTP timestamp
// Source.Process/Sink.Process expect as their drift-tracking clock input.
// The audio thread never owns a clock source of its own (spec.md §1); here
// the host process's wall clock stands in, the same way a real DAW or
// media framework would hand its own transport time to Process.
func nowNtp() aoo.NtpTime {
	const ntpEpochOffset = 2208988800 // seconds between 1900-01-01 and 1970-01-01
	now := time.Now()
	secs := uint64(now.Unix()+ntpEpochOffset) << 32
	frac := uint64(float64(now.Nanosecond()) / 1e9 * (1 << 32))
	return aoo.NtpTime(secs | frac)
}

func (ae *audioEngine) audioLoop() {
	for ae.running.Load() {
		if err := ae.stream.Read(); err != nil {
			if ae.running.Load() {
				ae.logger.Error("audio: capture read", "err", err)
			}
			return
		}

		ts := nowNtp()
		if err := ae.src.Process([][]float32{ae.inBuf}, ts); err != nil {
			ae.logger.Debug("audio: source process", "err", err)
		}

		for i := range ae.outBuf {
			ae.outBuf[i] = 0
		}
		if err := ae.snk.Process([][]float32{ae.outBuf}, ts); err != nil {
			ae.logger.Debug("audio: sink process", "err", err)
		}

		if err := ae.stream.Write(); err != nil {
			if ae.running.Load() {
				ae.logger.Error("audio: playback write", "err", err)
			}
			return
		}
	}
}

// sendLoop flushes the source/sink outbound schedulers (pings, /start,
// retransmission replies) on a fixed cadence, independent of the audio
// callback rate, the same split the teacher keeps between its audio
// goroutines and the network transport goroutine.
func (ae *audioEngine) sendLoop() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ae.stopCh:
			return
		case <-ticker.C:
			if err := ae.src.Send(ae.udp.send); err != nil {
				ae.logger.Debug("audio: source send", "err", err)
			}
			if err := ae.snk.Send(ae.udp.send); err != nil {
				ae.logger.Debug("audio: sink send", "err", err)
			}
		}
	}
}

func (ae *audioEngine) handleIncoming(data []byte, from netip.AddrPort) {
	if len(data) == 0 {
		return
	}
	// Binary datagrams are always compact /data frames addressed to a
	// sink (spec.md §4.8's binary format is sink-bound only); everything
	// else is OSC, dispatched by the address type its pattern names.
	if wire.IsBinary(data) {
		if err := ae.snk.HandleMessage(data, from); err != nil {
			ae.logger.Debug("audio: sink handle_message", "err", err, "from", from)
		}
		return
	}
	m, err := osc.Unmarshal(data)
	if err != nil {
		return
	}
	typ, _, _, err := osc.ParsePattern(m.Address)
	if err != nil {
		return
	}
	switch typ {
	case osc.TypeSink:
		if err := ae.snk.HandleMessage(data, from); err != nil {
			ae.logger.Debug("audio: sink handle_message", "err", err, "from", from)
		}
	case osc.TypeSource:
		if err := ae.src.HandleMessage(data, from); err != nil {
			ae.logger.Debug("audio: source handle_message", "err", err, "from", from)
		}
	}
}

// addFormat builds the codec.Format a Source.SetFormat/sink decode call
// expects, given a codec name and extra tuning knobs.
func addFormat(name string, extra map[string]int) (codec.Codec, codec.Format, error) {
	c, ok := codec.Lookup(name)
	if !ok {
		return nil, codec.Format{}, aoo.NewError(aoo.KindBadArgument, "unknown codec %q", name)
	}
	return c, codec.Format{Name: name, SampleRate: sampleRate, Channels: channels, BlockSize: blockSize, Extra: extra}, nil
}
