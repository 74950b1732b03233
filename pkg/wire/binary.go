// Package wire implements AOO's compact binary data-message and relay
// framing (spec.md §4.1), the opt-in alternative to the textual OSC /data
// message used for audio frames. Grounded on the teacher's
// server/client.go datagram header encoding
// (binary.BigEndian.PutUint16(dgram[0:2], ...)) and its fixed-size header
// discipline, extended to the spec's wider header and dual (OSC/binary)
// framing requirement.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"

	"github.com/aoo-audio/aoo/pkg/osc"
)

// Magic is the leading byte that marks a datagram as AOO's compact binary
// format rather than an OSC message (an OSC address always starts with
// '/' == 0x2F, so 0xAA can never collide with a valid OSC datagram).
const Magic = 0xAA

// MsgType is the second header byte (spec.md §4.1: "[type:u8]").
type MsgType uint8

const (
	TypeData MsgType = iota
	TypeRelay
)

// DataFlags bit-flags the third header byte.
type DataFlags uint8

const (
	FlagNone DataFlags = 0
)

// DataMessage is the compact binary /data-equivalent: header fields plus
// one frame's payload (spec.md §4.1).
type DataMessage struct {
	SrcID      int32
	SinkID     int32
	StreamID   int32
	Sequence   int32
	SampleRate float64
	Channel    int32
	TotalSize  int32
	NumFrames  int32
	FrameIndex int32
	Payload    []byte
}

// binaryDataHeaderSize is the fixed-width portion of an encoded
// DataMessage, before Payload.
const binaryDataHeaderSize = 4 + 4 + 4 + 4 + 8 + 4 + 4 + 4 + 4

// EncodeData serializes d into the compact binary frame layout:
// [0xAA][type][cmd][flags] src_id sink_id stream_id sequence sample_rate
// channel total_size nframes frame_index payload.
func EncodeData(d DataMessage, flags DataFlags) []byte {
	buf := make([]byte, 4+binaryDataHeaderSize+len(d.Payload))
	buf[0] = Magic
	buf[1] = byte(TypeData)
	buf[2] = 0 // cmd, reserved for future sub-commands
	buf[3] = byte(flags)

	off := 4
	putI32 := func(v int32) {
		binary.BigEndian.PutUint32(buf[off:], uint32(v))
		off += 4
	}
	putI32(d.SrcID)
	putI32(d.SinkID)
	putI32(d.StreamID)
	putI32(d.Sequence)
	binary.BigEndian.PutUint64(buf[off:], math.Float64bits(d.SampleRate))
	off += 8
	putI32(d.Channel)
	putI32(d.TotalSize)
	putI32(d.NumFrames)
	putI32(d.FrameIndex)

	copy(buf[off:], d.Payload)
	return buf
}

// DecodeData parses a binary frame produced by EncodeData. It returns an
// error if data is too short or does not carry the binary magic/type.
func DecodeData(data []byte) (DataMessage, DataFlags, error) {
	if len(data) < 4+binaryDataHeaderSize {
		return DataMessage{}, 0, fmt.Errorf("wire: binary data message too short (%d bytes)", len(data))
	}
	if data[0] != Magic {
		return DataMessage{}, 0, fmt.Errorf("wire: bad magic byte 0x%02x", data[0])
	}
	if MsgType(data[1]) != TypeData {
		return DataMessage{}, 0, fmt.Errorf("wire: not a data message (type=%d)", data[1])
	}
	flags := DataFlags(data[3])

	off := 4
	getI32 := func() int32 {
		v := int32(binary.BigEndian.Uint32(data[off:]))
		off += 4
		return v
	}
	var d DataMessage
	d.SrcID = getI32()
	d.SinkID = getI32()
	d.StreamID = getI32()
	d.Sequence = getI32()
	d.SampleRate = math.Float64frombits(binary.BigEndian.Uint64(data[off:]))
	off += 8
	d.Channel = getI32()
	d.TotalSize = getI32()
	d.NumFrames = getI32()
	d.FrameIndex = getI32()

	payload := make([]byte, len(data)-off)
	copy(payload, data[off:])
	d.Payload = payload
	return d, flags, nil
}

// ToOSC converts a DataMessage to the equivalent OSC /data message
// targeting the given role ("src" or "sink"), satisfying spec.md §8's
// "Binary <-> OSC data message" round-trip law: parsing either form
// yields the same (stream_id, sequence, frame_index, nframes, payload).
func (d DataMessage) ToOSC(toSink bool) osc.Message {
	var addr string
	if toSink {
		addr = osc.FormatSinkAddress(d.SinkID, "/data")
	} else {
		addr = osc.FormatSourceAddress(d.SrcID, "/data")
	}
	return osc.Message{
		Address: addr,
		Args: []any{
			d.SrcID, d.StreamID, d.Sequence, d.SampleRate,
			d.Channel, d.TotalSize, d.NumFrames, d.FrameIndex, []byte(d.Payload),
		},
	}
}

// DataFromOSC parses the /data argument layout written by ToOSC.
func DataFromOSC(m osc.Message) (DataMessage, error) {
	if len(m.Args) < 9 {
		return DataMessage{}, fmt.Errorf("wire: /data message has %d args, want 9", len(m.Args))
	}
	var d DataMessage
	var err error
	if d.SrcID, err = m.Int32(0); err != nil {
		return DataMessage{}, err
	}
	if d.StreamID, err = m.Int32(1); err != nil {
		return DataMessage{}, err
	}
	if d.Sequence, err = m.Int32(2); err != nil {
		return DataMessage{}, err
	}
	if d.SampleRate, err = m.Float64(3); err != nil {
		return DataMessage{}, err
	}
	if d.Channel, err = m.Int32(4); err != nil {
		return DataMessage{}, err
	}
	if d.TotalSize, err = m.Int32(5); err != nil {
		return DataMessage{}, err
	}
	if d.NumFrames, err = m.Int32(6); err != nil {
		return DataMessage{}, err
	}
	if d.FrameIndex, err = m.Int32(7); err != nil {
		return DataMessage{}, err
	}
	if d.Payload, err = m.Blob(8); err != nil {
		return DataMessage{}, err
	}
	return d, nil
}

// IsBinary reports whether data looks like one of this package's binary
// frames (data or relay) rather than an OSC message.
func IsBinary(data []byte) bool {
	return len(data) >= 1 && data[0] == Magic
}

// relayHeaderFixedSize is the family byte + port field common to both
// address families in a relay header.
const relayHeaderFixedSize = 3 // type+cmd+flags already counted separately; family+port below

// EncodeRelay wraps inner (a full AOO datagram) in the binary relay
// header: [0xAA][Relay][cmd=0][flags=0][family][addr][port][inner...],
// per spec.md §4.1.
func EncodeRelay(dest netip.AddrPort, inner []byte) []byte {
	addr := dest.Addr()
	var addrBytes []byte
	var family byte
	if addr.Is4() || addr.Is4In6() {
		family = 4
		a4 := addr.As4()
		addrBytes = a4[:]
	} else {
		family = 6
		a16 := addr.As16()
		addrBytes = a16[:]
	}

	buf := make([]byte, 4+1+len(addrBytes)+2+len(inner))
	buf[0] = Magic
	buf[1] = byte(TypeRelay)
	buf[2] = 0
	buf[3] = 0
	off := 4
	buf[off] = family
	off++
	copy(buf[off:], addrBytes)
	off += len(addrBytes)
	binary.BigEndian.PutUint16(buf[off:], dest.Port())
	off += 2
	copy(buf[off:], inner)
	return buf
}

// DecodeRelay unwraps a relay datagram, returning the intended destination
// and the inner datagram bytes.
func DecodeRelay(data []byte) (dest netip.AddrPort, inner []byte, err error) {
	if len(data) < 4 {
		return netip.AddrPort{}, nil, fmt.Errorf("wire: relay message too short")
	}
	if data[0] != Magic || MsgType(data[1]) != TypeRelay {
		return netip.AddrPort{}, nil, fmt.Errorf("wire: not a relay message")
	}
	off := 4
	if off >= len(data) {
		return netip.AddrPort{}, nil, fmt.Errorf("wire: relay message missing family byte")
	}
	family := data[off]
	off++

	var addr netip.Addr
	switch family {
	case 4:
		if off+4 > len(data) {
			return netip.AddrPort{}, nil, fmt.Errorf("wire: truncated IPv4 relay address")
		}
		addr = netip.AddrFrom4([4]byte(data[off : off+4]))
		off += 4
	case 6:
		if off+16 > len(data) {
			return netip.AddrPort{}, nil, fmt.Errorf("wire: truncated IPv6 relay address")
		}
		addr = netip.AddrFrom16([16]byte(data[off : off+16]))
		off += 16
	default:
		return netip.AddrPort{}, nil, fmt.Errorf("wire: unknown relay address family %d", family)
	}

	if off+2 > len(data) {
		return netip.AddrPort{}, nil, fmt.Errorf("wire: truncated relay port")
	}
	port := binary.BigEndian.Uint16(data[off:])
	off += 2

	inner = make([]byte, len(data)-off)
	copy(inner, data[off:])
	return netip.AddrPortFrom(addr, port), inner, nil
}

// relayHeaderMinSize returns the minimum number of bytes needed for the
// relay header, given a destination address family, so callers can verify
// an inner payload still leaves room (spec.md §6: "Inner relay payloads
// must leave room for the relay header (>= 24 bytes)").
func relayHeaderMinSize(dest netip.AddrPort) int {
	if dest.Addr().Is4() {
		return 4 + 1 + 4 + 2
	}
	return 4 + 1 + 16 + 2
}

// RelayHeaderSize is exported for callers sizing outgoing buffers.
func RelayHeaderSize(dest netip.AddrPort) int { return relayHeaderMinSize(dest) }

