package osc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	msg := Message{
		Address: FormatSourceAddress(3, "/data"),
		Args:    []any{int32(1), int32(42), "hello", []byte{1, 2, 3}, 1.5, true, false, nil},
	}
	data, err := Marshal(msg)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, msg.Address, got.Address)
	require.Len(t, got.Args, len(msg.Args))

	i0, err := got.Int32(0)
	require.NoError(t, err)
	require.Equal(t, int32(1), i0)

	s2, err := got.String(2)
	require.NoError(t, err)
	require.Equal(t, "hello", s2)

	b3, err := got.Blob(3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, b3)
}

func TestParsePatternSource(t *testing.T) {
	typ, id, rest, err := ParsePattern("/aoo/src/5/data")
	require.NoError(t, err)
	require.Equal(t, TypeSource, typ)
	require.Equal(t, int32(5), id)
	require.Equal(t, "/data", rest)
}

func TestParsePatternSink(t *testing.T) {
	typ, id, rest, err := ParsePattern("/aoo/sink/12/start")
	require.NoError(t, err)
	require.Equal(t, TypeSink, typ)
	require.Equal(t, int32(12), id)
	require.Equal(t, "/start", rest)
}

func TestParsePatternClientServerPeerRelay(t *testing.T) {
	cases := []struct {
		addr string
		typ  EndpointType
		rest string
	}{
		{"/aoo/client/login", TypeClient, "/login"},
		{"/aoo/server/group/join", TypeServer, "/group/join"},
		{"/aoo/peer/ping", TypePeer, "/ping"},
		{"/aoo/relay", TypeRelay, ""},
	}
	for _, c := range cases {
		typ, id, rest, err := ParsePattern(c.addr)
		require.NoError(t, err)
		require.Equal(t, c.typ, typ)
		require.Equal(t, int32(-1), id)
		require.Equal(t, c.rest, rest)
	}
}

func TestParsePatternRejectsUnknownPrefix(t *testing.T) {
	_, _, _, err := ParsePattern("/not-aoo/foo")
	require.Error(t, err)

	_, _, _, err = ParsePattern("/aoo/bogus")
	require.Error(t, err)
}

func TestParsePatternRejectsBadID(t *testing.T) {
	_, _, _, err := ParsePattern("/aoo/src/notanumber/data")
	require.Error(t, err)
}

func TestFormatAddressHelpers(t *testing.T) {
	require.Equal(t, "/aoo/src/3/data", FormatSourceAddress(3, "/data"))
	require.Equal(t, "/aoo/sink/7/start", FormatSinkAddress(7, "/start"))
	require.Equal(t, "/aoo/peer/ping", FormatPeerAddress("/ping"))
	require.Equal(t, "/aoo/client/login", FormatClientAddress("/login"))
	require.Equal(t, "/aoo/server/login", FormatServerAddress("/login"))
	require.Equal(t, "/aoo/relay", RelayAddress)
}
