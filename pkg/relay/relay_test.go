package relay

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu      sync.Mutex
	sent    []netip.AddrPort
	failing map[netip.AddrPort]bool
}

func (s *recordingSender) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[addr] {
		return 0, errors.New("write failed")
	}
	s.sent = append(s.sent, addr)
	return len(b), nil
}

func TestForwardSendsToDestination(t *testing.T) {
	sender := &recordingSender{}
	r := New(sender, true, nil)

	relayAddr := netip.MustParseAddrPort("10.0.0.1:9010")
	dest := netip.MustParseAddrPort("10.0.0.2:9010")
	err := r.Forward(relayAddr, dest, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []netip.AddrPort{dest}, sender.sent)
}

func TestForwardDropsOnFamilyMismatchWithoutDualStack(t *testing.T) {
	sender := &recordingSender{}
	r := New(sender, false, nil)

	relayAddr := netip.MustParseAddrPort("10.0.0.1:9010")
	dest := netip.MustParseAddrPort("[2001:db8::1]:9010")
	err := r.Forward(relayAddr, dest, []byte("hello"))
	require.Error(t, err)
	require.Empty(t, sender.sent)
}

func TestForwardMapsIPv4ToIPv6WhenDualStack(t *testing.T) {
	sender := &recordingSender{}
	r := New(sender, true, nil)

	relayAddr := netip.MustParseAddrPort("[::1]:9010")
	dest := netip.MustParseAddrPort("10.0.0.2:9010")
	err := r.Forward(relayAddr, dest, []byte("hello"))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	require.True(t, sender.sent[0].Addr().Is4In6() || sender.sent[0].Addr().Is6())
}

func TestForwardCircuitBreakerSkipsAfterThreshold(t *testing.T) {
	dest := netip.MustParseAddrPort("10.0.0.2:9010")
	sender := &recordingSender{failing: map[netip.AddrPort]bool{dest: true}}
	r := New(sender, true, nil)
	relayAddr := netip.MustParseAddrPort("10.0.0.1:9010")

	for i := uint32(0); i < breakerThreshold; i++ {
		_ = r.Forward(relayAddr, dest, []byte("x"))
	}

	// Past the threshold, most attempts should short-circuit as "circuit
	// open" rather than reach the sender at all.
	err := r.Forward(relayAddr, dest, []byte("x"))
	require.Error(t, err)
}

func TestResetClearsHealthState(t *testing.T) {
	dest := netip.MustParseAddrPort("10.0.0.2:9010")
	sender := &recordingSender{failing: map[netip.AddrPort]bool{dest: true}}
	r := New(sender, true, nil)
	relayAddr := netip.MustParseAddrPort("10.0.0.1:9010")

	for i := uint32(0); i < breakerThreshold+1; i++ {
		_ = r.Forward(relayAddr, dest, []byte("x"))
	}
	r.Reset()

	// Health forgotten; the very next attempt reaches the sender again
	// instead of being skipped by an open circuit, so with the sender's
	// failure cleared it succeeds.
	sender.mu.Lock()
	sender.failing[dest] = false
	sender.mu.Unlock()
	err := r.Forward(relayAddr, dest, []byte("x"))
	require.NoError(t, err)
}
