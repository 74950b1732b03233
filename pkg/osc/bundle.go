package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// bundleTag is OSC's fixed 8-byte bundle marker.
const bundleTag = "#bundle\x00"

// Bundle carries an NTP timestamp at the outer level plus one or more
// element messages, as spec.md §4.1 requires ("a bundle with NTP
// timestamp at the outer bundle only").
type Bundle struct {
	Time     uint64 // NTP-style 64-bit timestamp
	Messages []Message
}

// MarshalBundle encodes b into its OSC binary representation.
func MarshalBundle(b Bundle) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(bundleTag)
	var tbuf [8]byte
	binary.BigEndian.PutUint64(tbuf[:], b.Time)
	buf.Write(tbuf[:])

	for _, m := range b.Messages {
		enc, err := Marshal(m)
		if err != nil {
			return nil, err
		}
		var sz [4]byte
		binary.BigEndian.PutUint32(sz[:], uint32(len(enc)))
		buf.Write(sz[:])
		buf.Write(enc)
	}
	return buf.Bytes(), nil
}

// UnmarshalBundle decodes an OSC bundle from data.
func UnmarshalBundle(data []byte) (Bundle, error) {
	if len(data) < 16 || string(data[0:8]) != bundleTag {
		return Bundle{}, fmt.Errorf("osc: not a bundle")
	}
	b := Bundle{Time: binary.BigEndian.Uint64(data[8:16])}
	off := 16
	for off < len(data) {
		if off+4 > len(data) {
			return Bundle{}, fmt.Errorf("osc: truncated bundle element size")
		}
		sz := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if sz < 0 || off+sz > len(data) {
			return Bundle{}, fmt.Errorf("osc: truncated bundle element")
		}
		m, err := Unmarshal(data[off : off+sz])
		if err != nil {
			return Bundle{}, err
		}
		b.Messages = append(b.Messages, m)
		off += sz
	}
	return b, nil
}

// IsBundle reports whether data looks like an OSC bundle rather than a
// plain message (AOO's single-message-per-datagram rule still requires
// the receiver to recognise a bundle on the wire, spec.md §4.1).
func IsBundle(data []byte) bool {
	return len(data) >= 8 && string(data[0:8]) == bundleTag
}
