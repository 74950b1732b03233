package signalserver

import (
	"fmt"
	"net/netip"

	"github.com/aoo-audio/aoo/pkg/aoo"
	"github.com/aoo-audio/aoo/pkg/osc"
)

// Request is handed to a RequestHandler before default processing
// (spec.md §4.7 "Request handling").
type Request struct {
	Client  *Client
	Token   int32
	Type    string // "login", "group_join", "group_leave", "group_update", "user_update", "custom"
	Message osc.Message
}

// RequestHandler lets a host intercept requests asynchronously. Intercept
// returns true to suspend the request: the server waits (this session's
// goroutine blocks, no other session is affected) until the host calls
// Server.CompleteRequest, possibly from another goroutine. Returning false
// means "not intercepted"; the server proceeds with its default handling
// immediately.
type RequestHandler interface {
	Intercept(req Request) bool
}

type pendingKey struct {
	clientID aoo.Id
	token    int32
}

// requestCompletion is what CompleteRequest hands back to a suspended
// request. Kind == aoo.KindUnknown means success; Response, when its
// Address is non-empty, replaces the server's default success response.
type requestCompletion struct {
	kind     aoo.Kind
	errMsg   string
	response osc.Message
}

// CompleteRequest resumes a request a RequestHandler chose to intercept
// and defer (spec.md §4.7 "the host calls handle_request(client, token,
// result, response)"). It reports whether a matching suspended request was
// found; a stale or unknown (clientID, token) pair is a no-op.
func (s *Server) CompleteRequest(clientID aoo.Id, token int32, result aoo.Kind, errMsg string, response osc.Message) bool {
	key := pendingKey{clientID, token}
	s.pendingMu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- requestCompletion{kind: result, errMsg: errMsg, response: response}
	return true
}

var subToType = map[string]string{
	"/login":        "login",
	"/group/join":   "group_join",
	"/group/leave":  "group_leave",
	"/group/update": "group_update",
	"/user/update":  "user_update",
}

// dispatch runs the RequestHandler intercept (if any) then falls through to
// default processing, per request (spec.md §4.7). A token of 0 is valid;
// the server never assigns it, it only echoes what the client sent.
func (s *Server) dispatch(c *Client, sub string, msg osc.Message) {
	reqType, known := subToType[sub]
	if !known {
		reqType = "custom"
	}
	token, _ := msg.Int32(0)
	req := Request{Client: c, Token: token, Type: reqType, Message: msg}

	if s.handler != nil {
		key := pendingKey{c.id, token}
		ch := make(chan requestCompletion, 1)
		s.pendingMu.Lock()
		s.pending[key] = ch
		s.pendingMu.Unlock()

		if s.handler.Intercept(req) {
			comp := <-ch
			if comp.kind != aoo.KindUnknown {
				s.sendError(c, sub, token, comp.kind, comp.errMsg)
			} else if comp.response.Address != "" {
				_ = writeFrame(c, comp.response)
			} else {
				s.sendResponse(c, sub, token)
			}
			return
		}
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
	}

	s.defaultHandle(c, reqType, sub, token, msg)
}

func (s *Server) defaultHandle(c *Client, reqType, sub string, token int32, msg osc.Message) {
	switch reqType {
	case "login":
		s.handleLogin(c, token, msg)
	case "group_join":
		s.handleGroupJoin(c, token, msg)
	case "group_leave":
		s.handleGroupLeaveRequest(c, token, msg)
	case "group_update":
		s.handleGroupUpdate(c, token, msg)
	case "user_update":
		s.handleUserUpdate(c, token, msg)
	default:
		s.sendError(c, sub, token, aoo.KindUnhandledRequest, fmt.Sprintf("no handler for %q", sub))
	}
}

// sendResponse writes a success envelope: [token, kind=0, ""] plus any
// type-specific trailing args.
func (s *Server) sendResponse(c *Client, addrSub string, token int32, extra ...any) {
	args := append([]any{token, int32(aoo.KindUnknown), ""}, extra...)
	_ = writeFrame(c, osc.Message{Address: osc.FormatClientAddress(addrSub), Args: args})
}

// sendError writes the same envelope shape with a non-zero kind and
// message, and for the auth/session kinds spec.md §7 names, also emits a
// ClientLogin event so a host observing only events still sees the
// failure.
func (s *Server) sendError(c *Client, addrSub string, token int32, kind aoo.Kind, msg string) {
	_ = writeFrame(c, osc.Message{
		Address: osc.FormatClientAddress(addrSub),
		Args:    []any{token, int32(kind), msg},
	})
	switch kind {
	case aoo.KindWrongPassword, aoo.KindNotPermitted, aoo.KindUnhandledRequest,
		aoo.KindCannotCreateGroup, aoo.KindCannotCreateUser, aoo.KindUserAlreadyExists:
		s.events.Push(aoo.Event{Type: aoo.EventClientLogin, Id: c.id, ErrKind: kind})
	}
}

// sendErrorRaw is used before a client is known to have sent a
// well-formed, dispatchable request (e.g. an unparseable address, or any
// address before login).
func (s *Server) sendErrorRaw(c *Client, addrSub string, token int32, kind aoo.Kind, msg string) {
	s.sendError(c, addrSub, token, kind, msg)
}

func (s *Server) handleLogin(c *Client, token int32, msg osc.Message) {
	version, _ := msg.String(1)
	c.mu.Lock()
	c.loggedIn = true
	c.version = version
	c.mu.Unlock()
	s.noteAlive(c)
	s.events.Push(aoo.Event{Type: aoo.EventClientLogin, Id: c.id})
	s.sendResponse(c, "/login", token, int32(c.id))
}

func (s *Server) handleGroupJoin(c *Client, token int32, msg osc.Message) {
	groupName, err1 := msg.String(1)
	groupPassword, err2 := msg.String(2)
	userName, err3 := msg.String(3)
	userPassword, err4 := msg.String(4)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		s.sendError(c, "/group/join", token, aoo.KindBadArgument, "malformed group_join request")
		return
	}
	var metadata []byte
	if len(msg.Args) > 5 {
		metadata, _ = msg.Blob(5)
	}

	// "Snapshot at dequeue" (SPEC_FULL.md Open Question decision): the
	// auto-create flags in effect right now govern this join, even if a
	// concurrent control call changes them before the response is sent.
	groupAutoCreate := s.opts.GroupAutoCreate

	s.mu.Lock()
	g, existed := s.groupByNameLocked(groupName)
	if !existed {
		if !groupAutoCreate {
			s.mu.Unlock()
			s.sendError(c, "/group/join", token, aoo.KindNotFound, "group does not exist")
			return
		}
		hashed, err := hashPassword(groupPassword)
		if err != nil {
			s.mu.Unlock()
			s.sendError(c, "/group/join", token, aoo.KindCannotCreateGroup, err.Error())
			return
		}
		g = s.createGroupLocked(groupName, hashed, true)
	}
	if !checkPassword(g.hashedPassword, groupPassword) {
		s.mu.Unlock()
		s.sendError(c, "/group/join", token, aoo.KindWrongPassword, "wrong group password")
		return
	}

	u := g.userByName(userName)
	switch {
	case u != nil && u.active:
		s.mu.Unlock()
		s.sendError(c, "/group/join", token, aoo.KindUserAlreadyExists, "user already active")
		return
	case u != nil:
		if !checkPassword(u.hashedPassword, userPassword) {
			s.mu.Unlock()
			s.sendError(c, "/group/join", token, aoo.KindWrongPassword, "wrong user password")
			return
		}
		u.active = true
		u.clientID = c.id
		u.metadata = metadata
		if s.opts.ServerRelay {
			u.relayAddr = s.relayAddr
		}
	case !existed || g.userAutoCreate:
		// A group just created by this join always gets its first user
		// (the creator) regardless of user_auto_create.
		hashed, err := hashPassword(userPassword)
		if err != nil {
			s.mu.Unlock()
			s.sendError(c, "/group/join", token, aoo.KindCannotCreateUser, err.Error())
			return
		}
		u = &User{
			name:           userName,
			hashedPassword: hashed,
			groupID:        g.id,
			clientID:       c.id,
			metadata:       metadata,
			active:         true,
			groupCreator:   !existed,
		}
		if s.opts.ServerRelay {
			u.relayAddr = s.relayAddr
		}
		g.addUser(u)
	default:
		s.mu.Unlock()
		s.sendError(c, "/group/join", token, aoo.KindCannotCreateUser, "user does not exist")
		return
	}

	peers := g.activeUsersExcept(u.id)
	peerInfo := make([]peerDesc, len(peers))
	for i, p := range peers {
		var addr netip.AddrPort
		if pc, ok := s.clients[p.clientID]; ok {
			addr = ClientPublicAddr(pc)
		}
		peerInfo[i] = peerDesc{id: p.id, clientID: p.clientID, name: p.name, metadata: p.metadata, relayAddr: p.relayAddr, addr: addr}
	}
	groupID, userID := g.id, u.id
	joiner := peerDesc{id: u.id, clientID: c.id, name: u.name, metadata: u.metadata, relayAddr: u.relayAddr, addr: ClientPublicAddr(c)}
	s.mu.Unlock()

	c.addMembership(groupID, userID)
	s.events.Push(aoo.Event{Type: aoo.EventGroupJoin, Id: groupID})
	s.sendResponse(c, "/group/join", token, int32(groupID), int32(userID))

	for _, peer := range peerInfo {
		s.sendPeerJoin(peer.clientID, groupID, joiner.id, joiner.name, joiner.metadata, joiner.relayAddr, joiner.addr)
		s.sendPeerJoin(c.id, groupID, peer.id, peer.name, peer.metadata, peer.relayAddr, peer.addr)
	}
}

// peerDesc is an immutable snapshot of a User taken while holding the
// server's write lock, safe to read after unlocking (spec.md §5 "snapshot
// under lock, release before blocking IO", the same shape as the teacher's
// Room.Broadcast target snapshot). addr is the peer's best-known UDP
// rendezvous address (the same one the server replies with for /query),
// carried alongside relayAddr so a joiner can attempt direct traffic before
// falling back to the relay.
type peerDesc struct {
	id        aoo.Id
	clientID  aoo.Id
	name      string
	metadata  []byte
	relayAddr netip.AddrPort
	addr      netip.AddrPort
}

func (s *Server) handleGroupLeaveRequest(c *Client, token int32, msg osc.Message) {
	groupID32, err1 := msg.Int32(1)
	userID32, err2 := msg.Int32(2)
	if err1 != nil || err2 != nil {
		s.sendError(c, "/group/leave", token, aoo.KindBadArgument, "malformed group_leave request")
		return
	}
	groupID, userID := aoo.Id(groupID32), aoo.Id(userID32)
	if !c.memberOf(groupID, userID) {
		s.sendError(c, "/group/leave", token, aoo.KindNotFound, "not a member of that group")
		return
	}
	s.leaveGroup(c, groupID, userID, token, true)
}

// leaveGroup removes (groupID, userID)'s membership and notifies remaining
// active peers, used both by an explicit group_leave request and by
// onClose's per-membership cleanup (respond=false there: the socket may
// already be gone).
func (s *Server) leaveGroup(c *Client, groupID, userID aoo.Id, token int32, respond bool) {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		if respond {
			s.sendError(c, "/group/leave", token, aoo.KindNotFound, "group not found")
		}
		return
	}
	u, ok := g.usersByID[userID]
	if !ok {
		s.mu.Unlock()
		if respond {
			s.sendError(c, "/group/leave", token, aoo.KindNotFound, "user not found")
		}
		return
	}
	u.active = false
	u.clientID = aoo.IdInvalid
	peerClientIDs := clientIDsOf(g.activeUsersExcept(userID))
	name, metadata := u.name, u.metadata
	if !u.persistent {
		g.removeUser(userID)
	}
	s.removeGroupIfEmptyLocked(g)
	s.mu.Unlock()

	c.removeMembership(groupID, userID)
	s.events.Push(aoo.Event{Type: aoo.EventGroupLeave, Id: groupID})
	for _, clientID := range peerClientIDs {
		s.sendPeerLeave(clientID, groupID, userID, name, metadata)
	}
	if respond {
		s.sendResponse(c, "/group/leave", token)
	}
}

func (s *Server) handleGroupUpdate(c *Client, token int32, msg osc.Message) {
	groupID32, err1 := msg.Int32(1)
	metadata, err2 := msg.Blob(2)
	if err1 != nil || err2 != nil {
		s.sendError(c, "/group/update", token, aoo.KindBadArgument, "malformed group_update request")
		return
	}
	groupID := aoo.Id(groupID32)

	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		s.sendError(c, "/group/update", token, aoo.KindNotFound, "group not found")
		return
	}
	g.metadata = metadata
	peerClientIDs := clientIDsOf(g.activeUsersExcept(aoo.IdInvalid))
	s.mu.Unlock()

	s.sendResponse(c, "/group/update", token)
	for _, clientID := range peerClientIDs {
		s.sendGroupChanged(clientID, groupID, metadata)
	}
}

func (s *Server) handleUserUpdate(c *Client, token int32, msg osc.Message) {
	groupID32, err1 := msg.Int32(1)
	userID32, err2 := msg.Int32(2)
	metadata, err3 := msg.Blob(3)
	if err1 != nil || err2 != nil || err3 != nil {
		s.sendError(c, "/user/update", token, aoo.KindBadArgument, "malformed user_update request")
		return
	}
	groupID, userID := aoo.Id(groupID32), aoo.Id(userID32)
	if !c.memberOf(groupID, userID) {
		s.sendError(c, "/user/update", token, aoo.KindNotPermitted, "not that user")
		return
	}

	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		s.sendError(c, "/user/update", token, aoo.KindNotFound, "group not found")
		return
	}
	u, ok := g.usersByID[userID]
	if !ok {
		s.mu.Unlock()
		s.sendError(c, "/user/update", token, aoo.KindNotFound, "user not found")
		return
	}
	u.metadata = metadata
	peerClientIDs := clientIDsOf(g.activeUsersExcept(userID))
	s.mu.Unlock()

	s.sendResponse(c, "/user/update", token)
	for _, clientID := range peerClientIDs {
		s.sendUserChanged(clientID, groupID, userID, metadata)
	}
}

// clientIDsOf snapshots the client id of each user while the caller still
// holds the server's write lock, so the returned slice can be read safely
// after the lock is released.
func clientIDsOf(users []*User) []aoo.Id {
	ids := make([]aoo.Id, len(users))
	for i, u := range users {
		ids[i] = u.clientID
	}
	return ids
}

func (s *Server) sendPeerJoin(clientID, groupID, userID aoo.Id, name string, metadata []byte, relayAddr, addr netip.AddrPort) {
	s.mu.RLock()
	target, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	relay := ""
	if relayAddr.IsValid() {
		relay = relayAddr.String()
	}
	host, port := "", int32(0)
	if addr.IsValid() {
		host, port = addr.Addr().String(), int32(addr.Port())
	}
	_ = writeFrame(target, osc.Message{
		Address: osc.FormatClientAddress("/peer/join"),
		Args:    []any{int32(groupID), int32(userID), name, metadata, relay, host, port},
	})
}

func (s *Server) sendPeerLeave(clientID, groupID, userID aoo.Id, name string, metadata []byte) {
	s.mu.RLock()
	target, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	_ = writeFrame(target, osc.Message{
		Address: osc.FormatClientAddress("/peer/leave"),
		Args:    []any{int32(groupID), int32(userID), name, metadata},
	})
}

func (s *Server) sendGroupChanged(clientID, groupID aoo.Id, metadata []byte) {
	s.mu.RLock()
	target, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	_ = writeFrame(target, osc.Message{
		Address: osc.FormatClientAddress("/group/changed"),
		Args:    []any{int32(groupID), metadata},
	})
}

func (s *Server) sendUserChanged(clientID, groupID, userID aoo.Id, metadata []byte) {
	s.mu.RLock()
	target, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	_ = writeFrame(target, osc.Message{
		Address: osc.FormatClientAddress("/user/changed"),
		Args:    []any{int32(groupID), int32(userID), metadata},
	})
}

// NotifyClient enqueues data for delivery to a single client (spec.md
// §4.7 "notify_client"). Framed and written immediately under the
// client's write lock, which is this implementation's "next server tick".
func (s *Server) NotifyClient(clientID aoo.Id, data []byte) error {
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return aoo.NewError(aoo.KindNotFound, "signalserver: no such client %d", clientID)
	}
	return writeFrame(c, osc.Message{Address: osc.FormatClientAddress("/message"), Args: []any{data}})
}

// NotifyGroup enqueues data for delivery to one user (userID) or every
// active user (aoo.IdAll) in a group (spec.md §4.7 "notify_group").
func (s *Server) NotifyGroup(groupID, userID aoo.Id, data []byte) error {
	s.mu.RLock()
	g, ok := s.groups[groupID]
	var targets []*Client
	if ok {
		for _, u := range g.users {
			if !u.active {
				continue
			}
			if userID != aoo.IdAll && u.id != userID {
				continue
			}
			if c, ok := s.clients[u.clientID]; ok {
				targets = append(targets, c)
			}
		}
	}
	s.mu.RUnlock()
	if !ok {
		return aoo.NewError(aoo.KindNotFound, "signalserver: no such group %d", groupID)
	}
	msg := osc.Message{Address: osc.FormatClientAddress("/message"), Args: []any{data}}
	var firstErr error
	for _, c := range targets {
		if err := writeFrame(c, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
