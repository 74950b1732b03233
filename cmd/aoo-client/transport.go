package main

import (
	"net"
	"net/netip"

	"github.com/charmbracelet/log"

	"github.com/aoo-audio/aoo/pkg/aoo"
)

// udpTransport is the single UDP socket shared by the client's Source and
// Sink for all peer-addressed traffic (spec.md §4.2/§4.3's send/receive
// functions are transport-agnostic; this is the concrete net.UDPConn
// binding), grounded on signalserver's own ServeUDP read-loop shape.
type udpTransport struct {
	conn   *net.UDPConn
	logger *log.Logger
}

func newUDPTransport(listenAddr string, logger *log.Logger) (*udpTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, aoo.Wrap(aoo.KindSocket, err, "transport: resolve")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, aoo.Wrap(aoo.KindSocket, err, "transport: listen")
	}
	return &udpTransport{conn: conn, logger: logger}, nil
}

// LocalAddr reports the socket's bound address, used for the /query round
// trip that tells the client its own public address.
func (t *udpTransport) LocalAddr() netip.AddrPort {
	ap, _ := t.conn.LocalAddr().(*net.UDPAddr)
	if ap == nil {
		return netip.AddrPort{}
	}
	a, _ := netip.AddrFromSlice(ap.IP)
	return netip.AddrPortFrom(a.Unmap(), uint16(ap.Port))
}

func (t *udpTransport) send(data []byte, addr netip.AddrPort) error {
	_, err := t.conn.WriteToUDPAddrPort(data, addr)
	return err
}

// recvLoop reads datagrams until stopCh closes, handing each to handle.
func (t *udpTransport) recvLoop(stopCh <-chan struct{}, handle func(data []byte, from netip.AddrPort)) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
				t.logger.Debug("transport: read error", "err", err)
				continue
			}
		}
		handle(append([]byte(nil), buf[:n]...), from)
	}
}

func (t *udpTransport) Close() error { return t.conn.Close() }
