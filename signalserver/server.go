package signalserver

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/pkg/relay"
)

// Options configures a Server, matching the subset of spec.md §6's
// configuration table the signalling server owns.
type Options struct {
	GroupAutoCreate bool // group_auto_create (true)
	ServerRelay     bool // server_relay (false)
	AllowRelay      bool // relay clause for scenario 6: permit the UDP relay surface

	PingInterval  time.Duration // ping_interval (1s), reused for the server's own probe
	ProbeInterval time.Duration
	ProbeCount    int

	Logger *log.Logger
}

// DefaultOptions returns spec.md §6's documented defaults.
func DefaultOptions() Options {
	return Options{
		GroupAutoCreate: true,
		ServerRelay:     false,
		AllowRelay:      false,
		PingInterval:    time.Second,
		ProbeInterval:   200 * time.Millisecond,
		ProbeCount:      3,
	}
}

// Server is the signalling server (spec.md §4.7): it tracks clients,
// groups, and users and drives membership notifications. Grounded on the
// teacher's server/room.go Room: a single RWMutex protects every map,
// writers hold it for the whole mutation, readers (lookups) take RLock.
type Server struct {
	opts   Options
	logger *log.Logger
	events *aoo.EventQueue

	// instanceID identifies this running process, not any protocol entity
	// (spec.md's ids are all small per-connection int32s) — it's what lets
	// an operator tell two server processes' log lines and monitor output
	// apart when several run behind the same load balancer.
	instanceID string

	handler   RequestHandler
	pendingMu sync.Mutex
	pending   map[pendingKey]chan requestCompletion

	mu           sync.RWMutex // single writer lock (spec.md §4.7)
	clients      map[aoo.Id]*Client
	groups       map[aoo.Id]*Group
	groupsByName map[string]aoo.Id
	nextClientID int32
	nextGroupID  int32

	pingSched *pingScheduler

	listener  net.Listener
	udpConn   *net.UDPConn
	relayAddr netip.AddrPort // this server's own UDP address, when acting as relay (ServerRelay)
	relay     *relay.Relay   // non-nil when AllowRelay forwards /aoo/relay datagrams (spec.md §4.6)

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Server ready to Serve. Pass a RequestHandler to intercept
// requests asynchronously (spec.md §4.7); nil means every request is
// handled synchronously with default policy.
func New(opts Options, handler RequestHandler) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = time.Second
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 200 * time.Millisecond
	}
	if opts.ProbeCount <= 0 {
		opts.ProbeCount = 3
	}
	return &Server{
		opts:         opts,
		logger:       opts.Logger,
		instanceID:   uuid.New().String(),
		events:       aoo.NewEventQueue(1024),
		handler:      handler,
		pending:      make(map[pendingKey]chan requestCompletion),
		clients:      make(map[aoo.Id]*Client),
		groups:       make(map[aoo.Id]*Group),
		groupsByName: make(map[string]aoo.Id),
		pingSched:    newPingScheduler(opts.PingInterval, opts.ProbeInterval, opts.ProbeCount),
		quit:         make(chan struct{}),
	}
}

// Events exposes the server's event queue (spec.md §6 "Event surface").
func (s *Server) Events() *aoo.EventQueue { return s.events }

// Serve runs the TCP accept loop on ln until Quit is called. It blocks
// until the loop exits, returning nil on a clean shutdown (spec.md §5
// "quit() ... returns from run() with Ok").
//
// A goroutine-per-connection accept loop is the idiomatic Go rendition of
// spec.md's single poll-set session loop: a per-client socket in a poll
// set and a per-client goroutine in Go both multiplex many client sockets
// onto "the server", differing only in scheduler (OS poll vs. runtime
// scheduler) rather than in session semantics.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	s.logger.Info("signalling server listening", "addr", ln.Addr(), "instance_id", s.instanceID)
	s.wg.Add(1)
	go s.pingSched.run(s.onPingDeadline)

	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck // transient accept errors, spec.md §7
				s.logger.Warn("transient accept error", "err", err)
				continue
			}
			return aoo.Wrap(aoo.KindSocket, err, "signalserver: accept failed")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Quit stops the TCP accept loop and every active session, closing
// sockets, then returns once everything has unwound.
func (s *Server) Quit() {
	s.quitOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		if s.udpConn != nil {
			s.udpConn.Close()
		}
		s.pingSched.stop()

		s.mu.RLock()
		conns := make([]*Client, 0, len(s.clients))
		for _, c := range s.clients {
			conns = append(conns, c)
		}
		s.mu.RUnlock()
		for _, c := range conns {
			c.conn.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) allocClientID() aoo.Id {
	id := aoo.Id(s.nextClientID)
	s.nextClientID++
	return id
}

func (s *Server) allocGroupID() aoo.Id {
	id := aoo.Id(s.nextGroupID)
	s.nextGroupID++
	return id
}

// groupByNameLocked must be called with s.mu held (read or write).
func (s *Server) groupByNameLocked(name string) (*Group, bool) {
	id, ok := s.groupsByName[name]
	if !ok {
		return nil, false
	}
	return s.groups[id], true
}

// createGroupLocked must be called with s.mu held for writing.
func (s *Server) createGroupLocked(name string, password []byte, userAutoCreate bool) *Group {
	g := newGroup(s.allocGroupID(), name, password, userAutoCreate)
	s.groups[g.id] = g
	s.groupsByName[name] = g.id
	s.events.Push(aoo.Event{Type: aoo.EventGroupAdd, Id: g.id})
	return g
}

// removeGroupIfEmptyLocked drops a non-persistent group once its last user
// has left (spec.md §3 "Lifecycle").
func (s *Server) removeGroupIfEmptyLocked(g *Group) {
	if g.persistent || !g.empty() {
		return
	}
	delete(s.groups, g.id)
	delete(s.groupsByName, g.name)
	s.events.Push(aoo.Event{Type: aoo.EventGroupRemove, Id: g.id})
}

// checkPassword reports whether plain matches hashed, treating an empty
// hashed password as "no password required" (group/user creation with a
// blank password).
func checkPassword(hashed []byte, plain string) bool {
	if len(hashed) == 0 {
		return true
	}
	return bcrypt.CompareHashAndPassword(hashed, []byte(plain)) == nil
}

// hashPassword hashes plain for storage, or returns nil for an empty
// password (meaning "none required").
func hashPassword(plain string) ([]byte, error) {
	if plain == "" {
		return nil, nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("signalserver: hash password: %w", err)
	}
	return h, nil
}

// disconnectClient tears a session down: closes the socket, which wakes
// the session's read loop into onClose.
func (s *Server) disconnectClient(c *Client) {
	c.conn.Close()
}

// Stats is a point-in-time snapshot of server occupancy, exposed to an
// admin surface (e.g. signalserver/monitor) without leaking internal types.
type Stats struct {
	InstanceID string
	Clients    int
	Groups     int
	Users      int
}

// Stats reports current client/group/user counts.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{InstanceID: s.instanceID, Clients: len(s.clients), Groups: len(s.groups)}
	for _, g := range s.groups {
		st.Users += len(g.users)
	}
	return st
}

// InstanceID returns this server process's generated identifier.
func (s *Server) InstanceID() string { return s.instanceID }

// ClientPublicAddr returns the first public address the client reported
// (typically its own TCP peer address), or the zero value if none.
func ClientPublicAddr(c *Client) netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.publicAddrs) == 0 {
		return netip.AddrPort{}
	}
	return c.publicAddrs[0]
}
