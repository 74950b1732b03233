package signalserver

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/pkg/osc"
)

// testConn wraps a client-side TCP connection with frame helpers built on
// the same [size][osc] wire shape readFrame/writeFrame use, so tests drive
// the server exactly the way a real client would.
type testConn struct {
	t    *testing.T
	conn net.Conn
}

func dial(t *testing.T, addr string) *testConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (tc *testConn) send(address string, args ...any) {
	tc.t.Helper()
	data, err := osc.Marshal(osc.Message{Address: address, Args: args})
	require.NoError(tc.t, err)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	_, err = tc.conn.Write(header[:])
	require.NoError(tc.t, err)
	_, err = tc.conn.Write(data)
	require.NoError(tc.t, err)
}

func (tc *testConn) recv() osc.Message {
	tc.t.Helper()
	_ = tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, err := readFrame(tc.conn)
	require.NoError(tc.t, err)
	return m
}

// recvUntil reads frames until one matches pred, skipping others (e.g. ping
// keepalives interleaved with the response a test is waiting for).
func (tc *testConn) recvUntil(pred func(osc.Message) bool) osc.Message {
	tc.t.Helper()
	for i := 0; i < 16; i++ {
		m := tc.recv()
		if pred(m) {
			return m
		}
	}
	tc.t.Fatalf("no matching message received")
	return osc.Message{}
}

func startTestServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	srv := New(opts, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(srv.Quit)
	go srv.Serve(ln)
	return srv, ln.Addr().String()
}

func login(t *testing.T, tc *testConn, token int32) int32 {
	t.Helper()
	tc.send(osc.FormatServerAddress("/login"), token, "test/1.0")
	m := tc.recv()
	require.Equal(t, osc.FormatClientAddress("/login"), m.Address)
	gotToken, err := m.Int32(0)
	require.NoError(t, err)
	require.Equal(t, token, gotToken)
	kind, err := m.Int32(1)
	require.NoError(t, err)
	require.Equal(t, int32(aoo.KindUnknown), kind)
	clientID, err := m.Int32(3)
	require.NoError(t, err)
	return clientID
}

func TestLoginAssignsClientID(t *testing.T) {
	_, addr := startTestServer(t, DefaultOptions())
	tc := dial(t, addr)
	id := login(t, tc, 1)
	require.Equal(t, int32(0), id)
}

func TestGroupJoinCreatesGroupAndRespondsWithIDs(t *testing.T) {
	_, addr := startTestServer(t, DefaultOptions())
	tc := dial(t, addr)
	login(t, tc, 1)

	tc.send(osc.FormatServerAddress("/group/join"), int32(2), "room", "", "alice", "")
	m := tc.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/group/join") })
	kind, err := m.Int32(1)
	require.NoError(t, err)
	require.Equal(t, int32(aoo.KindUnknown), kind)
	groupID, err := m.Int32(3)
	require.NoError(t, err)
	require.Equal(t, int32(0), groupID)
}

func TestGroupJoinNotifiesExistingPeerAndJoinerSymmetrically(t *testing.T) {
	_, addr := startTestServer(t, DefaultOptions())

	alice := dial(t, addr)
	login(t, alice, 1)
	alice.send(osc.FormatServerAddress("/group/join"), int32(2), "room", "", "alice", "")
	alice.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/group/join") })

	bob := dial(t, addr)
	login(t, bob, 1)
	bob.send(osc.FormatServerAddress("/group/join"), int32(2), "room", "", "bob", "")
	bob.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/group/join") })

	// Alice, already in the group, must see a peer_join for bob.
	peerJoin := alice.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/peer/join") })
	name, err := peerJoin.String(2)
	require.NoError(t, err)
	require.Equal(t, "bob", name)

	// Bob, the new joiner, must see a peer_join for alice (already a member).
	peerJoinBack := bob.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/peer/join") })
	nameBack, err := peerJoinBack.String(2)
	require.NoError(t, err)
	require.Equal(t, "alice", nameBack)
}

func TestGroupLeaveNotifiesRemainingPeers(t *testing.T) {
	_, addr := startTestServer(t, DefaultOptions())

	alice := dial(t, addr)
	login(t, alice, 1)
	alice.send(osc.FormatServerAddress("/group/join"), int32(2), "room", "", "alice", "")
	joinResp := alice.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/group/join") })
	groupID, _ := joinResp.Int32(3)
	userID, _ := joinResp.Int32(4)

	bob := dial(t, addr)
	login(t, bob, 1)
	bob.send(osc.FormatServerAddress("/group/join"), int32(2), "room", "", "bob", "")
	bob.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/group/join") })
	alice.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/peer/join") })

	alice.send(osc.FormatServerAddress("/group/leave"), int32(3), groupID, userID)
	leaveResp := alice.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/group/leave") })
	kind, _ := leaveResp.Int32(1)
	require.Equal(t, int32(aoo.KindUnknown), kind)

	peerLeave := bob.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/peer/leave") })
	leftName, _ := peerLeave.String(2)
	require.Equal(t, "alice", leftName)
}

func TestWrongGroupPasswordRejected(t *testing.T) {
	_, addr := startTestServer(t, DefaultOptions())

	alice := dial(t, addr)
	login(t, alice, 1)
	alice.send(osc.FormatServerAddress("/group/join"), int32(2), "secret-room", "hunter2", "alice", "")
	alice.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/group/join") })

	bob := dial(t, addr)
	login(t, bob, 1)
	bob.send(osc.FormatServerAddress("/group/join"), int32(2), "secret-room", "wrong", "bob", "")
	resp := bob.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/group/join") })
	kind, err := resp.Int32(1)
	require.NoError(t, err)
	require.Equal(t, int32(aoo.KindWrongPassword), kind)
}

func TestRequestBeforeLoginIsRejected(t *testing.T) {
	_, addr := startTestServer(t, DefaultOptions())
	tc := dial(t, addr)
	tc.send(osc.FormatServerAddress("/group/join"), int32(1), "room", "", "alice", "")
	m := tc.recv()
	kind, err := m.Int32(1)
	require.NoError(t, err)
	require.Equal(t, int32(aoo.KindNotPermitted), kind)

	// The session closes right after, so a second read hits EOF.
	_, err = readFrame(tc.conn)
	require.Error(t, err)
}

func TestOnCloseLeavesGroupsAndGroupIsRemovedWhenEmpty(t *testing.T) {
	srv, addr := startTestServer(t, DefaultOptions())

	alice := dial(t, addr)
	login(t, alice, 1)
	alice.send(osc.FormatServerAddress("/group/join"), int32(2), "room", "", "alice", "")
	alice.recvUntil(func(m osc.Message) bool { return m.Address == osc.FormatClientAddress("/group/join") })

	require.Equal(t, 1, srv.Stats().Groups)
	alice.conn.Close()

	require.Eventually(t, func() bool {
		return srv.Stats().Groups == 0
	}, time.Second, 10*time.Millisecond)
}
