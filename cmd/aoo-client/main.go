// Command aoo-client is a minimal two-way voice peer: it logs into a
// signalling server, joins a group, and streams microphone audio to (and
// plays received audio from) every other active member, standing in for
// the Pd/Max/SC external hosts spec.md §1 names as out of scope.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/pkg/codec"
	"github.com/aoo-audio/aoo/pkg/sink"
	"github.com/aoo-audio/aoo/pkg/source"
)

func main() {
	var (
		serverAddr    = pflag.StringP("server", "s", "127.0.0.1:9010", "Signalling server address.")
		listenAddr    = pflag.StringP("listen", "l", ":0", "Local UDP address for the audio transport.")
		groupName     = pflag.StringP("group", "g", "lobby", "Group to join.")
		groupPassword = pflag.String("group-password", "", "Group password, if any.")
		userName      = pflag.StringP("user", "u", "", "User name. Defaults to the local hostname.")
		userPassword  = pflag.String("user-password", "", "User password, if any.")
		codecName     = pflag.String("codec", "opus", "Audio codec: opus, pcm16, or null.")
		inputDevice   = pflag.Int("input-device", -1, "Input device index, or -1 for the system default.")
		outputDevice  = pflag.Int("output-device", -1, "Output device index, or -1 for the system default.")
		listDevices   = pflag.Bool("list-devices", false, "List audio devices and exit.")
		logLevel      = pflag.StringP("log-level", "v", "info", "Log level: debug, info, warn, error.")
		help          = pflag.BoolP("help", "h", false, "Display help text.")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: aoo-client [flags]\n\n")
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
	} else {
		logger.Warn("unrecognized log level, defaulting to info", "level", *logLevel)
	}

	if err := portaudioInit(); err != nil {
		logger.Fatal("portaudio init", "err", err)
	}
	defer portaudioTerminate()

	if *listDevices {
		printDevices(logger)
		return
	}

	name := *userName
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		} else {
			name = "aoo-client"
		}
	}

	sess, err := dialSession(*serverAddr, logger)
	if err != nil {
		logger.Fatal("dial signalling server", "addr", *serverAddr, "err", err)
	}
	defer sess.Close()

	clientID, err := sess.login("aoo-client/1.0")
	if err != nil {
		logger.Fatal("login", "err", err)
	}
	logger.Info("logged in", "client_id", clientID)

	udp, err := newUDPTransport(*listenAddr, logger)
	if err != nil {
		logger.Fatal("udp transport", "err", err)
	}
	defer udp.Close()

	events := aoo.NewEventQueue(256)
	srcOpts := aoo.DefaultSourceOptions()
	src := source.New(aoo.Id(clientID), srcOpts, events)
	src.Setup(channels, sampleRate, blockSize)

	sinkOpts := aoo.DefaultSinkOptions()
	snk := sink.New(aoo.Id(clientID), sinkOpts, codec.Lookup, events)
	snk.Setup(channels, sampleRate, blockSize)

	c, format, err := addFormat(*codecName, nil)
	if err != nil {
		logger.Fatal("codec setup", "codec", *codecName, "err", err)
	}
	if err := src.SetFormat(c, format); err != nil {
		logger.Fatal("source set_format", "err", err)
	}

	engine := newAudioEngine(logger, src, snk, udp, *inputDevice, *outputDevice)

	sess.mu.Lock()
	sess.onPeerAdd = func(p peer) {
		if !p.addr.IsValid() {
			logger.Warn("peer has no known address, cannot stream to it", "name", p.name)
			return
		}
		ep := aoo.Endpoint{Addr: p.addr, Id: p.userID, Relay: p.relay}
		src.AddSink(ep, true)
		snk.InviteSource(ep)
		logger.Info("streaming to peer", "name", p.name, "addr", p.addr)
	}
	sess.onPeerDel = func(p peer) {
		if p.addr.IsValid() {
			ep := aoo.Endpoint{Addr: p.addr, Id: p.userID}
			src.RemoveSink(ep)
			snk.UninviteSource(ep)
		}
		logger.Info("peer gone", "name", p.name, "user_id", p.userID)
	}
	sess.mu.Unlock()

	// joinGroup reads synchronously until it sees its own response,
	// handling any peer_join frames for already-present members along the
	// way; sess.run() only takes over the read side once that's done, so
	// the two never read the connection concurrently.
	groupID, userID, err := sess.joinGroup(*groupName, *groupPassword, name, *userPassword)
	if err != nil {
		logger.Fatal("join group", "group", *groupName, "err", err)
	}
	logger.Info("joined group", "group", *groupName, "group_id", groupID, "user_id", userID)
	go sess.run()

	if err := engine.Start(); err != nil {
		logger.Fatal("start audio", "err", err)
	}
	src.StartStream(nil)

	go logClientEvents(events, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	src.StopStream()
	time.Sleep(50 * time.Millisecond) // let the final /stop frame flush via sendLoop
	engine.Stop()
	_ = sess.leaveGroup()
}

func logClientEvents(events *aoo.EventQueue, logger *log.Logger) {
	for ev := range events.C() {
		if ev.Type == aoo.EventError {
			logger.Error("event", "type", ev.Type, "err_kind", ev.ErrKind, "err", ev.Err)
			continue
		}
		logger.Debug("event", "type", ev.Type, "endpoint", ev.Endpoint)
	}
}
