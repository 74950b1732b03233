// Command aoo-hostdemo exercises a Source/Sink pair end to end inside a
// single process: microphone input is encoded by a Source, decoded by a
// Sink wired to it directly (no network hop), and played back. It stands
// in for the kind of plugin host (Pd, Max, SuperCollider) spec.md §1 names
// as out of scope, the way the teacher's client/audio.go testMode loopback
// exercises the encode/decode path without a live peer.
package main

import (
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
	"github.com/spf13/pflag"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/pkg/codec"
	"github.com/aoo-audio/aoo/pkg/sink"
	"github.com/aoo-audio/aoo/pkg/source"
)

const (
	sampleRate = 48000
	channels   = 1
	blockSize  = 960
)

// loopbackAddr is the nominal endpoint both ends address each other by;
// since the datagrams never touch a socket, only the Id matters for
// matching a sink descriptor to a source descriptor.
var loopbackAddr = netip.MustParseAddrPort("127.0.0.1:0")

func main() {
	var (
		codecName    = pflag.String("codec", "opus", "Audio codec: opus, pcm16, or null.")
		inputDevice  = pflag.Int("input-device", -1, "Input device index, or -1 for the system default.")
		outputDevice = pflag.Int("output-device", -1, "Output device index, or -1 for the system default.")
		logLevel     = pflag.StringP("log-level", "v", "info", "Log level: debug, info, warn, error.")
		help         = pflag.BoolP("help", "h", false, "Display help text.")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: aoo-hostdemo [flags]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	logger := log.New(os.Stderr)
	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}

	if err := portaudio.Initialize(); err != nil {
		logger.Fatal("portaudio init", "err", err)
	}
	defer portaudio.Terminate()

	events := aoo.NewEventQueue(256)
	const srcID, sinkID aoo.Id = 0, 1

	src := source.New(srcID, aoo.DefaultSourceOptions(), events)
	src.Setup(channels, sampleRate, blockSize)

	snk := sink.New(sinkID, aoo.DefaultSinkOptions(), codec.Lookup, events)
	snk.Setup(channels, sampleRate, blockSize)

	c, ok := codec.Lookup(*codecName)
	if !ok {
		logger.Fatal("unknown codec", "codec", *codecName)
	}
	format := codec.Format{Name: *codecName, SampleRate: sampleRate, Channels: channels, BlockSize: blockSize}
	if err := src.SetFormat(c, format); err != nil {
		logger.Fatal("source set_format", "err", err)
	}

	srcEndpoint := aoo.Endpoint{Addr: loopbackAddr, Id: srcID}
	sinkEndpoint := aoo.Endpoint{Addr: loopbackAddr, Id: sinkID}
	src.AddSink(sinkEndpoint, true)
	snk.InviteSource(srcEndpoint)

	// loopback hands every datagram the source addresses to "the sink"
	// straight to the sink's HandleMessage, and vice versa, standing in
	// for the UDP round trip cmd/aoo-client performs for real.
	loopback := func(data []byte, _ netip.AddrPort) error {
		return snk.HandleMessage(data, loopbackAddr)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		logger.Fatal("list devices", "err", err)
	}
	inputDev, err := resolveDevice(devices, *inputDevice, portaudio.DefaultInputDevice)
	if err != nil {
		logger.Fatal("resolve input device", "err", err)
	}
	outputDev, err := resolveDevice(devices, *outputDevice, portaudio.DefaultOutputDevice)
	if err != nil {
		logger.Fatal("resolve output device", "err", err)
	}

	inBuf := make([]float32, blockSize)
	outBuf := make([]float32, blockSize)
	params := portaudio.StreamParameters{
		Input:           portaudio.StreamDeviceParameters{Device: inputDev, Channels: channels, Latency: inputDev.DefaultLowInputLatency},
		Output:          portaudio.StreamDeviceParameters{Device: outputDev, Channels: channels, Latency: outputDev.DefaultLowOutputLatency},
		SampleRate:      sampleRate,
		FramesPerBuffer: blockSize,
	}
	stream, err := portaudio.OpenStream(params, inBuf, outBuf)
	if err != nil {
		logger.Fatal("open stream", "err", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		logger.Fatal("start stream", "err", err)
	}
	defer stream.Stop()

	src.StartStream(nil)
	logger.Info("hostdemo running", "codec", *codecName, "input", inputDev.Name, "output", outputDev.Name)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := stream.Read(); err != nil {
				logger.Error("capture read", "err", err)
				return
			}

			ts := aoo.NtpTime(0) // loopback needs no real drift tracking
			_ = src.Process([][]float32{inBuf}, ts)
			_ = src.Send(loopback)

			for i := range outBuf {
				outBuf[i] = 0
			}
			_ = snk.Process([][]float32{outBuf}, ts)
			_ = snk.Send(loopback)

			if err := stream.Write(); err != nil {
				logger.Error("playback write", "err", err)
				return
			}
		}
	}()

	<-sig
	close(done)
	src.StopStream()
	logger.Info("hostdemo stopped")
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}
