// Package aoo holds the identifiers, wire-agnostic data model, error
// taxonomy, and event surface shared by the source, sink, and signalling
// server packages.
package aoo

// Id identifies a source, sink, or group/user/client on the signalling
// server. It is a signed 32-bit integer so that the two sentinel values
// below can be represented without a separate "valid" flag.
type Id int32

const (
	// IdInvalid marks an unassigned or rejected id.
	IdInvalid Id = -1
	// IdAll addresses every sink/source of a peer in one message (used by
	// /aoo/peer/* messages, which are not addressed to a single stream).
	IdAll Id = -2
)

// Valid reports whether id is a real, assignable identifier.
func (id Id) Valid() bool {
	return id != IdInvalid && id != IdAll
}

// Sequence is a per-stream, monotonically increasing block counter. It
// wraps only when the source forces a new stream (see Source's handling of
// SequenceWrapGuard), never by silent arithmetic overflow.
type Sequence int32

// SequenceWrapGuard is the highest sequence number a stream is allowed to
// reach. The source starts a new stream (new StreamId, same format) the
// block before sequence would overflow int32, matching the original C++
// implementation's salt-rotation-on-overflow behavior (see DESIGN.md).
const SequenceWrapGuard Sequence = 1<<31 - 2
