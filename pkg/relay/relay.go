// Package relay implements datagram relaying for NAT-restricted peers
// (spec.md §4.6): a server or dedicated relay endpoint forwards a wrapped
// datagram to its named destination, rewriting the apparent source address
// for NAT symmetry and mapping IPv4 to IPv6 on dual-stack sockets.
//
// Grounded on the teacher's server/client.go fan-out path (readDatagrams ->
// Room.Broadcast) and its per-destination sendHealth circuit breaker, which
// this package generalizes from "broadcast to every room member" to
// "forward to one named destination, tracking health per destination".
package relay

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Circuit breaker tuning, carried over from the teacher's datagram fan-out
// (server/client.go): after threshold consecutive failures sending to a
// destination, skip it except for a periodic probe.
const (
	breakerThreshold     uint32 = 50
	breakerProbeInterval uint32 = 25
)

// Sender is the minimal transport the relay forwards over; *net.UDPConn
// satisfies it via WriteToUDPAddrPort.
type Sender interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

type health struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *health) shouldSkip() bool {
	if h.failures.Load() < breakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%breakerProbeInterval != 0
}

func (h *health) recordFailure() {
	h.failures.Add(1)
}

func (h *health) recordSuccess() {
	h.failures.Store(0)
	h.skips.Store(0)
}

// Relay forwards datagrams named by a relay header to their destination,
// tracking per-destination send health so one unreachable peer cannot
// monopolize the relay's effort (spec.md §4.6).
type Relay struct {
	sender Sender
	logger *log.Logger

	// dualStack reports whether the relay's own socket can send to both
	// IPv4 and IPv6 destinations, gating the ipv4_mapped rewrite spec.md
	// §4.6 describes.
	dualStack bool

	mu     sync.Mutex
	health map[netip.AddrPort]*health
}

// New creates a Relay that forwards through sender. dualStack should
// reflect whether the underlying socket accepts both address families
// (i.e. is not bound to an IPv4-only or IPv6-only address).
func New(sender Sender, dualStack bool, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	return &Relay{
		sender:    sender,
		logger:    logger,
		dualStack: dualStack,
		health:    make(map[netip.AddrPort]*health),
	}
}

func (r *Relay) healthFor(dest netip.AddrPort) *health {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[dest]
	if !ok {
		h = &health{}
		r.health[dest] = h
	}
	return h
}

// Forward sends inner (an already-framed AOO datagram, OSC or binary) to
// dest, honoring the circuit breaker and the family-mismatch drop rule
// spec.md §4.6 specifies. relayAddr is the relay's own bound address,
// substituted for the true sender so the destination sees the relay as the
// origin (NAT traversal symmetry).
func (r *Relay) Forward(relayAddr, dest netip.AddrPort, inner []byte) error {
	if dest.Addr().Is4() != relayAddr.Addr().Is4() {
		if !r.dualStack {
			return fmt.Errorf("relay: dropping datagram to %s: address family mismatch and relay is not dual-stack", dest)
		}
		dest = mapFamily(dest, relayAddr)
	}

	h := r.healthFor(dest)
	if h.shouldSkip() {
		return fmt.Errorf("relay: circuit open for %s, skipping", dest)
	}

	_, err := r.sender.WriteToUDPAddrPort(inner, dest)
	if err != nil {
		h.recordFailure()
		r.logger.Debug("relay forward failed", "dest", dest, "err", err)
		return err
	}
	h.recordSuccess()
	return nil
}

// mapFamily rewrites dest into the address family of relayAddr, mapping an
// IPv4 destination into the IPv4-in-IPv6 range (or unwrapping the reverse),
// per spec.md §4.6's "IPv4 mapped to IPv6 when the relay is dual-stack".
func mapFamily(dest, relayAddr netip.AddrPort) netip.AddrPort {
	if relayAddr.Addr().Is6() && dest.Addr().Is4() {
		mapped := netip.AddrFrom16(dest.Addr().As16())
		return netip.AddrPortFrom(mapped, dest.Port())
	}
	if relayAddr.Addr().Is4() && dest.Addr().Is4In6() {
		unmapped := dest.Addr().Unmap()
		return netip.AddrPortFrom(unmapped, dest.Port())
	}
	return dest
}

// Reset forgets all tracked per-destination health, e.g. when the relay's
// socket is rebound.
func (r *Relay) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = make(map[netip.AddrPort]*health)
}
