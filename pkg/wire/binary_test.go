package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleData() DataMessage {
	return DataMessage{
		SrcID:      3,
		SinkID:     7,
		StreamID:   42,
		Sequence:   100,
		SampleRate: 48000,
		Channel:    2,
		TotalSize:  960,
		NumFrames:  3,
		FrameIndex: 1,
		Payload:    []byte{1, 2, 3, 4, 5},
	}
}

func TestEncodeDecodeDataRoundTrip(t *testing.T) {
	d := sampleData()
	encoded := EncodeData(d, FlagNone)
	require.True(t, IsBinary(encoded))

	got, flags, err := DecodeData(encoded)
	require.NoError(t, err)
	require.Equal(t, FlagNone, flags)
	require.Equal(t, d, got)
}

func TestBinaryOSCDataRoundTrip(t *testing.T) {
	d := sampleData()
	msg := d.ToOSC(true)
	got, err := DataFromOSC(msg)
	require.NoError(t, err)

	// ToOSC/DataFromOSC intentionally drop SinkID (it's in the address, not
	// the args), so compare everything else.
	got.SinkID = d.SinkID
	require.Equal(t, d, got)
}

func TestDecodeDataRejectsShortOrWrongType(t *testing.T) {
	_, _, err := DecodeData([]byte{Magic, byte(TypeRelay), 0, 0})
	require.Error(t, err)

	_, _, err = DecodeData(nil)
	require.Error(t, err)
}

func TestEncodeDecodeRelayRoundTripIPv4(t *testing.T) {
	dest := netip.MustParseAddrPort("203.0.113.5:9010")
	inner := []byte("an inner aoo datagram")

	wrapped := EncodeRelay(dest, inner)
	require.True(t, IsBinary(wrapped))

	gotDest, gotInner, err := DecodeRelay(wrapped)
	require.NoError(t, err)
	require.Equal(t, dest, gotDest)
	require.Equal(t, inner, gotInner)
}

func TestEncodeDecodeRelayRoundTripIPv6(t *testing.T) {
	dest := netip.MustParseAddrPort("[2001:db8::1]:9010")
	inner := []byte{0xAA, 0x00, 0x01, 0x02}

	wrapped := EncodeRelay(dest, inner)
	gotDest, gotInner, err := DecodeRelay(wrapped)
	require.NoError(t, err)
	require.Equal(t, dest, gotDest)
	require.Equal(t, inner, gotInner)
}

func TestDecodeRelayRejectsNonRelayMagic(t *testing.T) {
	data := EncodeData(sampleData(), FlagNone)
	_, _, err := DecodeRelay(data)
	require.Error(t, err)
}

func TestRelayHeaderSizeMatchesFamily(t *testing.T) {
	v4 := netip.MustParseAddrPort("1.2.3.4:5")
	v6 := netip.MustParseAddrPort("[::1]:5")
	require.Equal(t, 4+1+4+2, RelayHeaderSize(v4))
	require.Equal(t, 4+1+16+2, RelayHeaderSize(v6))
}
