package signalserver

import (
	"net"
	"net/netip"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/pkg/osc"
	"github.com/aoo-audio/aoo/pkg/relay"
	"github.com/aoo-audio/aoo/pkg/wire"
)

// ServeUDP runs the server's UDP surface (spec.md §4.7 "Two messages:
// query ... and ping") until Quit is called. conn is typically bound to
// the same port the TCP listener advertises.
func (s *Server) ServeUDP(conn *net.UDPConn) error {
	s.udpConn = conn
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if ip, ok := netip.AddrFromSlice(addr.IP); ok {
			s.relayAddr = netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port))
		}
	}
	if s.opts.AllowRelay {
		// A dual-stack bind (unspecified or IPv6 address) can reach both
		// address families; an IPv4-only bind cannot, so an IPv6
		// destination would need the mapping rule spec.md §4.6 describes
		// and an IPv4 one never needs it.
		dualStack := !s.relayAddr.Addr().Is4()
		s.relay = relay.New(conn, dualStack, s.logger)
	}
	s.wg.Add(1)
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			s.logger.Debug("signalserver: udp read error", "err", err)
			continue
		}
		s.handleUDP(conn, from, append([]byte(nil), buf[:n]...))
	}
}

func (s *Server) handleUDP(conn *net.UDPConn, from netip.AddrPort, data []byte) {
	if wire.IsBinary(data) {
		s.handleBinaryRelay(data)
		return
	}
	msg, err := osc.Unmarshal(data)
	if err != nil {
		s.logger.Debug("signalserver: malformed UDP OSC, dropped", "from", from, "err", err)
		return
	}
	typ, _, sub, err := osc.ParsePattern(msg.Address)
	if err != nil || typ != osc.TypeServer {
		return
	}

	switch sub {
	case "/query":
		s.handleQuery(conn, from, msg)
	case "/ping":
		// A bare liveness probe; no reply required beyond the UDP
		// equivalent of noteAlive, which only matters once a matching TCP
		// client can be correlated to this address. Left as a no-op probe
		// target: the server is reachable if the client receives nothing
		// back within its own timeout and falls back to relay discovery.
	}
}

// handleBinaryRelay forwards a wrapped datagram to its named destination
// when acting as a relay fallback (spec.md §4.6, §8 scenario 6). Datagrams
// arriving while AllowRelay is false are silently dropped, and no response
// is owed either way. The server advertises its own address as relay_addr
// whenever ServerRelay is set, independently of AllowRelay.
func (s *Server) handleBinaryRelay(data []byte) {
	if s.relay == nil {
		return
	}
	dest, inner, err := wire.DecodeRelay(data)
	if err != nil {
		s.logger.Debug("signalserver: malformed relay datagram, dropped", "err", err)
		return
	}
	if err := s.relay.Forward(s.relayAddr, dest, inner); err != nil {
		s.logger.Debug("signalserver: relay forward failed", "dest", dest, "err", err)
	}
}

// handleQuery replies with the client's own address as this server sees
// it, unmapped (spec.md §4.7 and SPEC_FULL.md supplemented feature 3).
func (s *Server) handleQuery(conn *net.UDPConn, from netip.AddrPort, msg osc.Message) {
	token, _ := msg.Int32(0)
	unmapped := aoo.UnmappedAddr(from)
	reply := osc.Message{
		Address: osc.FormatClientAddress("/query"),
		Args:    []any{token, unmapped.Addr().String(), int32(unmapped.Port())},
	}
	data, err := osc.Marshal(reply)
	if err != nil {
		return
	}
	_, _ = conn.WriteToUDPAddrPort(data, from)
}
