// Package signalserver implements the signalling server (spec.md §4.7): a
// stateful TCP session manager tracking clients, groups, and users, driving
// peer membership notifications and optional UDP relay.
//
// Grounded on the teacher's server/room.go single-writer-RWMutex registry
// (Room.clients, Room.mu) generalized from one flat client map to the
// group/user hierarchy spec.md §3 describes, and on server/client.go's
// per-connection goroutine and serialized-write pattern.
package signalserver

import (
	"net"
	"net/netip"
	"sync"

	"github.com/aoo-audio/aoo/pkg/aoo"
)

// membership names one (group, user) pair a client belongs to, mirroring
// Client.group_memberships from spec.md §3.
type membership struct {
	groupID aoo.Id
	userID  aoo.Id
}

// Client is a single TCP-connected session (spec.md §3 "Client").
type Client struct {
	id      aoo.Id
	conn    net.Conn
	version string

	writeMu sync.Mutex // serializes frame writes, like the teacher's ctrlMu

	mu          sync.Mutex
	active      bool
	loggedIn    bool
	publicAddrs []netip.AddrPort
	memberships map[membership]struct{}
	ping        pingState
}

// ID returns the client's server-assigned identifier.
func (c *Client) ID() aoo.Id { return c.id }

func newClient(id aoo.Id, conn net.Conn) *Client {
	return &Client{
		id:          id,
		conn:        conn,
		active:      true,
		memberships: make(map[membership]struct{}),
	}
}

func (c *Client) addMembership(groupID, userID aoo.Id) {
	c.mu.Lock()
	c.memberships[membership{groupID, userID}] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeMembership(groupID, userID aoo.Id) {
	c.mu.Lock()
	delete(c.memberships, membership{groupID, userID})
	c.mu.Unlock()
}

// memberOf reports whether the client holds the given (group, user) pair.
func (c *Client) memberOf(groupID, userID aoo.Id) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.memberships[membership{groupID, userID}]
	return ok
}

// snapshotMemberships returns a copy of the client's current memberships,
// used by on_close to drive group_leave for each one without holding the
// client lock while mutating server state (spec.md §9 "Cyclic references").
func (c *Client) snapshotMemberships() []membership {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]membership, 0, len(c.memberships))
	for m := range c.memberships {
		out = append(out, m)
	}
	return out
}

// User is one named identity within a Group (spec.md §3 "User").
type User struct {
	id             aoo.Id
	name           string
	hashedPassword []byte
	groupID        aoo.Id
	clientID       aoo.Id // aoo.IdInvalid when not bound to a live client
	metadata       []byte
	relayAddr      netip.AddrPort

	persistent   bool
	groupCreator bool
	active       bool
}

// Group owns an ordered set of Users (spec.md §3 "Group").
type Group struct {
	id             aoo.Id
	name           string
	hashedPassword []byte
	metadata       []byte
	relayAddr      netip.AddrPort

	persistent     bool
	userAutoCreate bool

	// users is ordered by insertion, matching "users: ordered-by-insertion".
	users      []*User
	usersByID  map[aoo.Id]*User
	nextUserID int32
}

func newGroup(id aoo.Id, name string, hashedPassword []byte, userAutoCreate bool) *Group {
	return &Group{
		id:             id,
		name:           name,
		hashedPassword: hashedPassword,
		userAutoCreate: userAutoCreate,
		usersByID:      make(map[aoo.Id]*User),
	}
}

func (g *Group) userByName(name string) *User {
	for _, u := range g.users {
		if u.name == name {
			return u
		}
	}
	return nil
}

func (g *Group) addUser(u *User) {
	u.id = aoo.Id(g.nextUserID)
	g.nextUserID++
	g.users = append(g.users, u)
	g.usersByID[u.id] = u
}

func (g *Group) removeUser(id aoo.Id) {
	u, ok := g.usersByID[id]
	if !ok {
		return
	}
	delete(g.usersByID, id)
	for i, v := range g.users {
		if v == u {
			g.users = append(g.users[:i], g.users[i+1:]...)
			break
		}
	}
}

// activeUsersExcept returns every active user in the group other than
// except, used to drive peer_join's "each existing active group member"
// fan-out (spec.md §4.7).
func (g *Group) activeUsersExcept(except aoo.Id) []*User {
	out := make([]*User, 0, len(g.users))
	for _, u := range g.users {
		if u.id != except && u.active {
			out = append(out, u)
		}
	}
	return out
}

func (g *Group) empty() bool {
	for _, u := range g.users {
		if u.active || u.persistent {
			return false
		}
	}
	return true
}
