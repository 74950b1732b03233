package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/pkg/osc"
)

// maxTCPFrame bounds a single signalling frame, matching signalserver's own
// limit so a misbehaving peer can't make either side allocate unbounded
// memory from a forged size prefix.
const maxTCPFrame = 1 << 20

// peer is one other group member this client has learned about via
// peer_join, holding what it needs to address outbound audio.
type peer struct {
	groupID, userID aoo.Id
	name            string
	addr            netip.AddrPort
	relay           netip.AddrPort
}

// session is the TCP half of the client: login, group membership, and the
// peer_join/peer_leave feed, framed exactly like signalserver's own
// [size:i32 big-endian][osc-message] wire shape (spec.md §6).
type session struct {
	conn   net.Conn
	logger *log.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	peers     map[aoo.Id]*peer // keyed by userID
	groupID   aoo.Id
	userID    aoo.Id
	onPeerAdd func(peer)
	onPeerDel func(peer)

	nextToken int32
}

func dialSession(addr string, logger *log.Logger) (*session, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, aoo.Wrap(aoo.KindSocket, err, "signalling: dial")
	}
	return &session{conn: conn, logger: logger, peers: make(map[aoo.Id]*peer)}, nil
}

func (s *session) Close() error { return s.conn.Close() }

func (s *session) token() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextToken++
	return s.nextToken
}

func (s *session) send(address string, args ...any) error {
	data, err := osc.Marshal(osc.Message{Address: address, Args: args})
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(header[:]); err != nil {
		return err
	}
	_, err = s.conn.Write(data)
	return err
}

func (s *session) readFrame() (osc.Message, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(s.conn, sizeBuf[:]); err != nil {
		return osc.Message{}, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size == 0 || size > maxTCPFrame {
		return osc.Message{}, fmt.Errorf("signalling: invalid frame size %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return osc.Message{}, err
	}
	return osc.Unmarshal(buf)
}

// login performs the handshake and returns the assigned client id.
func (s *session) login(versionString string) (aoo.Id, error) {
	tok := s.token()
	if err := s.send(osc.FormatServerAddress("/login"), tok, versionString); err != nil {
		return aoo.IdInvalid, err
	}
	m, err := s.readFrame()
	if err != nil {
		return aoo.IdInvalid, err
	}
	if m.Address != osc.FormatClientAddress("/login") {
		return aoo.IdInvalid, fmt.Errorf("signalling: unexpected response %q to login", m.Address)
	}
	kind, _ := m.Int32(1)
	if aoo.Kind(kind) != aoo.KindUnknown {
		errMsg, _ := m.String(2)
		return aoo.IdInvalid, aoo.NewError(aoo.Kind(kind), "signalling: login rejected: %s", errMsg)
	}
	clientID, err := m.Int32(3)
	return aoo.Id(clientID), err
}

// joinGroup joins (creating, if allowed, server-side) groupName as userName
// and returns the assigned group/user ids.
func (s *session) joinGroup(groupName, groupPassword, userName, userPassword string) (aoo.Id, aoo.Id, error) {
	tok := s.token()
	if err := s.send(osc.FormatServerAddress("/group/join"), tok, groupName, groupPassword, userName, userPassword); err != nil {
		return aoo.IdInvalid, aoo.IdInvalid, err
	}
	for {
		m, err := s.readFrame()
		if err != nil {
			return aoo.IdInvalid, aoo.IdInvalid, err
		}
		if m.Address == osc.FormatClientAddress("/peer/join") {
			s.handlePeerJoin(m)
			continue
		}
		if m.Address != osc.FormatClientAddress("/group/join") {
			continue
		}
		kind, _ := m.Int32(1)
		if aoo.Kind(kind) != aoo.KindUnknown {
			errMsg, _ := m.String(2)
			return aoo.IdInvalid, aoo.IdInvalid, aoo.NewError(aoo.Kind(kind), "signalling: group_join rejected: %s", errMsg)
		}
		groupID, _ := m.Int32(3)
		userID, _ := m.Int32(4)
		s.mu.Lock()
		s.groupID, s.userID = aoo.Id(groupID), aoo.Id(userID)
		s.mu.Unlock()
		return aoo.Id(groupID), aoo.Id(userID), nil
	}
}

func (s *session) leaveGroup() error {
	s.mu.Lock()
	groupID, userID := s.groupID, s.userID
	s.mu.Unlock()
	return s.send(osc.FormatServerAddress("/group/leave"), s.token(), int32(groupID), int32(userID))
}

// run drains the signalling socket until it closes, dispatching peer_join
// and peer_leave notifications to the registered callbacks. Meant to run in
// its own goroutine for the lifetime of the session.
func (s *session) run() {
	for {
		m, err := s.readFrame()
		if err != nil {
			s.logger.Debug("signalling: session closed", "err", err)
			return
		}
		switch m.Address {
		case osc.FormatClientAddress("/peer/join"):
			s.handlePeerJoin(m)
		case osc.FormatClientAddress("/peer/leave"):
			s.handlePeerLeave(m)
		}
	}
}

func (s *session) handlePeerJoin(m osc.Message) {
	if len(m.Args) < 7 {
		return
	}
	groupID, _ := m.Int32(0)
	userID, _ := m.Int32(1)
	name, _ := m.String(2)
	relayStr, _ := m.String(4)
	host, _ := m.String(5)
	port, _ := m.Int32(6)

	p := &peer{groupID: aoo.Id(groupID), userID: aoo.Id(userID), name: name}
	if host != "" {
		if ip, err := netip.ParseAddr(host); err == nil {
			p.addr = netip.AddrPortFrom(ip, uint16(port))
		}
	}
	if relayStr != "" {
		if ap, err := netip.ParseAddrPort(relayStr); err == nil {
			p.relay = ap
		}
	}

	s.mu.Lock()
	s.peers[p.userID] = p
	cb := s.onPeerAdd
	s.mu.Unlock()

	s.logger.Info("peer joined", "name", name, "user_id", userID, "addr", p.addr)
	if cb != nil {
		cb(*p)
	}
}

func (s *session) handlePeerLeave(m osc.Message) {
	if len(m.Args) < 3 {
		return
	}
	userID, _ := m.Int32(1)

	s.mu.Lock()
	p, ok := s.peers[aoo.Id(userID)]
	delete(s.peers, aoo.Id(userID))
	cb := s.onPeerDel
	s.mu.Unlock()

	s.logger.Info("peer left", "user_id", userID)
	if cb != nil && ok {
		cb(*p)
	}
}
