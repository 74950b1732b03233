package aoo

// EventType discriminates the Event union (spec.md §6 "Event surface").
type EventType int

const (
	EventClientConnect EventType = iota
	EventClientDisconnect
	EventPeerHandshake
	EventPeerJoin
	EventPeerLeave
	EventPeerTimeout
	EventPeerPing
	EventSourceAdd
	EventSourceRemove
	EventSourceFormat
	EventSourceState
	EventStreamStart
	EventStreamStop
	EventStreamMessage
	EventStreamMetadata
	EventBlockLost
	EventBlockReordered
	EventBlockResent
	EventBlockDropped
	EventBlockXRun
	EventPing
	EventPong
	EventInviteTimeout
	EventInviteDecline
	EventError

	// Signalling server events (spec.md §4.7, §8 scenario 5). Not part of
	// spec.md §6's enumerated event surface, which only names the
	// peer-facing subset; these extend the same Event type to the server's
	// own group/user lifecycle so a host can observe it the same way.
	EventClientLogin
	EventClientLogout
	EventGroupAdd
	EventGroupRemove
	EventGroupJoin
	EventGroupLeave
	EventUserUpdate
)

func (t EventType) String() string {
	switch t {
	case EventClientConnect:
		return "client_connect"
	case EventClientDisconnect:
		return "client_disconnect"
	case EventPeerHandshake:
		return "peer_handshake"
	case EventPeerJoin:
		return "peer_join"
	case EventPeerLeave:
		return "peer_leave"
	case EventPeerTimeout:
		return "peer_timeout"
	case EventPeerPing:
		return "peer_ping"
	case EventSourceAdd:
		return "source_add"
	case EventSourceRemove:
		return "source_remove"
	case EventSourceFormat:
		return "source_format"
	case EventSourceState:
		return "source_state"
	case EventStreamStart:
		return "stream_start"
	case EventStreamStop:
		return "stream_stop"
	case EventStreamMessage:
		return "stream_message"
	case EventStreamMetadata:
		return "stream_metadata"
	case EventBlockLost:
		return "block_lost"
	case EventBlockReordered:
		return "block_reordered"
	case EventBlockResent:
		return "block_resent"
	case EventBlockDropped:
		return "block_dropped"
	case EventBlockXRun:
		return "block_xrun"
	case EventPing:
		return "ping"
	case EventPong:
		return "pong"
	case EventInviteTimeout:
		return "invite_timeout"
	case EventInviteDecline:
		return "invite_decline"
	case EventError:
		return "error"
	case EventClientLogin:
		return "client_login"
	case EventClientLogout:
		return "client_logout"
	case EventGroupAdd:
		return "group_add"
	case EventGroupRemove:
		return "group_remove"
	case EventGroupJoin:
		return "group_join"
	case EventGroupLeave:
		return "group_leave"
	case EventUserUpdate:
		return "user_update"
	default:
		return "unknown"
	}
}

// SourceState is carried by EventSourceState.
type SourceState int

const (
	StateStart SourceState = iota
	StateStop
	StateBuffering
	StatePlaying
)

// Event is a single item on the lock-free event queue a Source, Sink, or
// signalling Server publishes for its owner to poll or have delivered via
// callback (spec.md §6). It is a flat struct rather than an interface
// hierarchy so it can be queued without an allocation per field, matching
// the fixed-shape notification struct the teacher's client/notification.go
// uses for its own throttled UI event surface.
type Event struct {
	Type     EventType
	Endpoint Endpoint
	Id       Id // source/sink/stream id relevant to this event, if any

	Sequence Sequence // BlockLost/Reordered/Resent/Dropped
	Count    int      // BlockLost/XRun: how many blocks/samples

	State SourceState // SourceState

	Message StreamMessage // StreamMessage

	ErrKind Kind
	Err     error
}

// EventQueue is a many-producer/single-consumer queue of Events. Producers
// (the audio thread, the network threads) never block; Pop/Drain are meant
// to be called from a single consumer goroutine (the owner's poll loop).
//
// Implemented as a buffered channel: in Go, a buffered channel already is
// the lock-free-enough MPSC primitive spec.md §5 asks for (see DESIGN.md —
// the teacher's own AudioEngine.CaptureOut/PlaybackIn channels are exactly
// this pattern). A full queue drops the event rather than blocking the
// producer, which on the audio thread is a hard requirement (spec.md §5:
// "the audio thread never blocks").
type EventQueue struct {
	ch      chan Event
	dropped chan struct{} // signalled (non-blocking) once on each drop
}

// NewEventQueue creates a queue with room for capacity pending events.
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &EventQueue{
		ch:      make(chan Event, capacity),
		dropped: make(chan struct{}, 1),
	}
}

// Push enqueues ev without blocking. If the queue is full, ev is dropped
// and Push returns false.
func (q *EventQueue) Push(ev Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		select {
		case q.dropped <- struct{}{}:
		default:
		}
		return false
	}
}

// C returns the underlying channel for callers that want to range over
// events as they arrive rather than poll with Pop/Drain.
func (q *EventQueue) C() <-chan Event {
	return q.ch
}

// Pop returns the next event, if any, without blocking.
func (q *EventQueue) Pop() (Event, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	default:
		return Event{}, false
	}
}

// Drain pops every currently queued event.
func (q *EventQueue) Drain() []Event {
	var out []Event
	for {
		ev, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}
