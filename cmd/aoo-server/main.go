// Command aoo-server runs the signalling server (spec.md §4.7) standalone:
// it accepts TCP client sessions, answers UDP query/ping probes, and logs
// the server's event stream.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/signalserver"
	"github.com/aoo-audio/aoo/signalserver/monitor"
)

func main() {
	var (
		listenAddr      = pflag.StringP("listen", "l", ":9010", "TCP/UDP address to listen on.")
		monitorAddr     = pflag.StringP("monitor", "m", "", "HTTP address for the admin event monitor. Empty disables it.")
		groupAutoCreate = pflag.Bool("group-auto-create", true, "Create a group on first join if it doesn't exist.")
		serverRelay     = pflag.Bool("server-relay", false, "Offer this server's own UDP port as a relay fallback.")
		pingInterval    = pflag.Duration("ping-interval", time.Second, "Interval between client pings.")
		probeInterval   = pflag.Duration("probe-interval", 200*time.Millisecond, "Interval between probes once a client misses a ping.")
		probeCount      = pflag.Int("probe-count", 3, "Missed probes before a client is declared not responding.")
		logLevel        = pflag.StringP("log-level", "v", "info", "Log level: debug, info, warn, error.")
		help            = pflag.BoolP("help", "h", false, "Display help text.")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: aoo-server [flags]\n\n")
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

	opts := signalserver.Options{
		GroupAutoCreate: *groupAutoCreate,
		ServerRelay:     *serverRelay,
		AllowRelay:      *serverRelay,
		PingInterval:    *pingInterval,
		ProbeInterval:   *probeInterval,
		ProbeCount:      *probeCount,
		Logger:          logger,
	}
	srv := signalserver.New(opts, nil)

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Fatal("listen", "addr", *listenAddr, "err", err)
	}
	udpConn, err := net.ListenUDP("udp", mustUDPAddr(*listenAddr, logger))
	if err != nil {
		logger.Fatal("listen udp", "addr", *listenAddr, "err", err)
	}

	logger.Info("signalling server listening", "addr", *listenAddr, "group_auto_create", *groupAutoCreate, "server_relay", *serverRelay)

	go logEvents(srv, logger)

	if *monitorAddr != "" {
		mon := monitor.New(srv, logger)
		go func() {
			if err := mon.ListenAndServe(*monitorAddr); err != nil {
				logger.Error("monitor server stopped", "err", err)
			}
		}()
		logger.Info("admin event monitor listening", "addr", *monitorAddr)
	}

	go func() {
		if err := srv.ServeUDP(udpConn); err != nil {
			logger.Error("udp serve stopped", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		srv.Quit()
	}()

	if err := srv.Serve(ln); err != nil {
		logger.Fatal("serve", "err", err)
	}
}

// logEvents drains the server's event queue and logs each event, standing
// in for a host application that would otherwise render them.
func logEvents(srv *signalserver.Server, logger *log.Logger) {
	for ev := range srv.Events().C() {
		if ev.Type == aoo.EventError {
			logger.Error("server event", "type", ev.Type, "id", ev.Id, "err_kind", ev.ErrKind, "err", ev.Err)
			continue
		}
		logger.Debug("server event", "type", ev.Type, "id", ev.Id)
	}
}

func mustUDPAddr(listenAddr string, logger *log.Logger) *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		logger.Fatal("resolve udp addr", "addr", listenAddr, "err", err)
	}
	return addr
}
