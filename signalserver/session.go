package signalserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/pkg/osc"
)

// maxTCPFrame bounds a single length-prefixed message, guarding against a
// malicious/corrupt size field asking for an unbounded allocation.
const maxTCPFrame = 1 << 20

// readFrame reads one [size:i32 big-endian][osc-message] unit (spec.md §6
// "TCP message framing") and parses its OSC payload.
func readFrame(r io.Reader) (osc.Message, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return osc.Message{}, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size == 0 || size > maxTCPFrame {
		return osc.Message{}, fmt.Errorf("signalserver: invalid frame size %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return osc.Message{}, err
	}
	m, err := osc.Unmarshal(buf)
	if err != nil {
		return osc.Message{}, aoo.Wrap(aoo.KindBadFormat, err, "signalserver: malformed OSC frame")
	}
	return m, nil
}

// writeFrame serializes m and writes it length-prefixed to c's connection,
// serialized against concurrent writers (ping timer, request responses,
// push notifications) by c.writeMu — the same role the teacher's
// client.go ctrlMu plays around sendRaw.
func writeFrame(c *Client, m osc.Message) error {
	data, err := osc.Marshal(m)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(header[:]); err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}

// handleConn runs one client's session loop from accept to disconnect.
func (s *Server) handleConn(conn net.Conn) {
	s.mu.Lock()
	id := s.allocClientID()
	c := newClient(id, conn)
	s.clients[id] = c
	s.mu.Unlock()

	if addr := tcpAddrPort(conn.RemoteAddr()); addr.IsValid() {
		c.mu.Lock()
		c.publicAddrs = append(c.publicAddrs, addr)
		c.mu.Unlock()
	}

	defer s.onClose(c)

	for {
		msg, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("session read error", "client", id, "err", err)
			}
			return
		}
		s.noteAlive(c)

		typ, _, sub, err := osc.ParsePattern(msg.Address)
		if err != nil || typ != osc.TypeServer {
			if !c.loggedIn {
				s.sendErrorRaw(c, "", 0, aoo.KindNotPermitted, "login required")
				return
			}
			s.sendErrorRaw(c, "", 0, aoo.KindUnhandledRequest, fmt.Sprintf("unrecognized address %q", msg.Address))
			continue
		}
		if !c.loggedIn && sub != "/login" {
			s.sendErrorRaw(c, "", 0, aoo.KindNotPermitted, "login required")
			return
		}
		s.dispatch(c, sub, msg)
	}
}

// onClose runs when a session's read loop exits for any reason: it enumerates
// the client's memberships by id to drive group_leave for each (spec.md §9
// "on_close(client) enumerates memberships (by id) to drive on_group_leave"),
// then removes the client itself.
func (s *Server) onClose(c *Client) {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
	s.pingSched.cancel(c.id)
	for _, m := range c.snapshotMemberships() {
		s.leaveGroup(c, m.groupID, m.userID, 0, false)
	}
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.events.Push(aoo.Event{Type: aoo.EventClientDisconnect, Id: c.id})
	c.conn.Close()
}

func tcpAddrPort(addr net.Addr) netip.AddrPort {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ip, ok := netip.AddrFromSlice(tcp.IP)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(tcp.Port))
}
