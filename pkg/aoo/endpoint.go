package aoo

import (
	"fmt"
	"net/netip"
)

// Endpoint names one peer's address plus the stream framing and relay
// policy AOO uses to reach it (spec.md §3).
type Endpoint struct {
	Addr   netip.AddrPort
	Id     Id
	Binary bool // use the compact binary data message instead of OSC /data

	// Relay, when valid (IsValid), is the address of a relay AOO should
	// route through when direct traffic to Addr fails or is known to fail
	// (behind a symmetric NAT, for instance).
	Relay netip.AddrPort
}

// HasRelay reports whether a relay address is configured for this peer.
func (e Endpoint) HasRelay() bool {
	return e.Relay.IsValid()
}

// String renders the endpoint for logging.
func (e Endpoint) String() string {
	if e.HasRelay() {
		return fmt.Sprintf("%s#%d(via %s)", e.Addr, e.Id, e.Relay)
	}
	return fmt.Sprintf("%s#%d", e.Addr, e.Id)
}

// Equal reports whether two endpoints name the same peer stream. The relay
// address is not part of peer identity.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Addr == o.Addr && e.Id == o.Id
}

// UnmappedAddr returns addr with any IPv4-in-IPv6 mapping stripped, as
// required when replying to a UDP /query (spec.md §4.7: "the server
// replies to query with the unmapped sender address").
func UnmappedAddr(addr netip.AddrPort) netip.AddrPort {
	a := addr.Addr()
	if a.Is4In6() {
		return netip.AddrPortFrom(a.Unmap(), addr.Port())
	}
	return addr
}
