// Package osc implements the OSC 1.0 message/bundle wire format spec.md
// §4.1 carries all AOO control and data traffic over, plus the /aoo
// address-pattern grammar's parser.
//
// No OSC library appears anywhere in the reference corpus; OSC's binary
// layout (4-byte-aligned strings and blobs, a typetag string) is exactly
// the kind of compact hand-rolled wire struct the corpus builds for its
// own protocols (server/internal/protocol/message.go, client/transport.go's
// ControlMsg) — so this is built the same way, on stdlib encoding/binary
// and bytes (see DESIGN.md).
package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Message is a single OSC message: an address pattern plus a typed
// argument list.
type Message struct {
	Address string
	Args    []any // string, int32, int64, float32, float64, []byte
}

// pad4 returns n rounded up to the next multiple of 4.
func pad4(n int) int {
	return (n + 3) &^ 3
}

func writeOSCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

func readOSCString(data []byte, off int) (string, int, error) {
	end := bytes.IndexByte(data[off:], 0)
	if end < 0 {
		return "", 0, fmt.Errorf("osc: unterminated string at offset %d", off)
	}
	s := string(data[off : off+end])
	next := off + pad4(end+1)
	if next > len(data) {
		return "", 0, fmt.Errorf("osc: truncated string padding at offset %d", off)
	}
	return s, next, nil
}

// Marshal encodes m into its OSC 1.0 binary representation.
func Marshal(m Message) ([]byte, error) {
	var buf bytes.Buffer
	writeOSCString(&buf, m.Address)

	typetags := []byte{','}
	var argBuf bytes.Buffer
	for _, a := range m.Args {
		switch v := a.(type) {
		case int32:
			typetags = append(typetags, 'i')
			var tmp [4]byte
			binary.BigEndian.PutUint32(tmp[:], uint32(v))
			argBuf.Write(tmp[:])
		case int:
			typetags = append(typetags, 'i')
			var tmp [4]byte
			binary.BigEndian.PutUint32(tmp[:], uint32(int32(v)))
			argBuf.Write(tmp[:])
		case int64:
			typetags = append(typetags, 'h')
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], uint64(v))
			argBuf.Write(tmp[:])
		case float32:
			typetags = append(typetags, 'f')
			var tmp [4]byte
			binary.BigEndian.PutUint32(tmp[:], math.Float32bits(v))
			argBuf.Write(tmp[:])
		case float64:
			typetags = append(typetags, 'd')
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
			argBuf.Write(tmp[:])
		case string:
			typetags = append(typetags, 's')
			writeOSCString(&argBuf, v)
		case []byte:
			typetags = append(typetags, 'b')
			var tmp [4]byte
			binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
			argBuf.Write(tmp[:])
			argBuf.Write(v)
			for argBuf.Len()%4 != 0 {
				argBuf.WriteByte(0)
			}
		case nil:
			typetags = append(typetags, 'N')
		case bool:
			if v {
				typetags = append(typetags, 'T')
			} else {
				typetags = append(typetags, 'F')
			}
		default:
			return nil, fmt.Errorf("osc: unsupported argument type %T", a)
		}
	}

	writeOSCString(&buf, string(typetags))
	buf.Write(argBuf.Bytes())
	return buf.Bytes(), nil
}

// Unmarshal decodes an OSC 1.0 message from data.
func Unmarshal(data []byte) (Message, error) {
	addr, off, err := readOSCString(data, 0)
	if err != nil {
		return Message{}, err
	}
	if off >= len(data) || data[off] != ',' {
		// No typetag string: a valid (if unusual) zero-argument message.
		return Message{Address: addr}, nil
	}
	typetags, off, err := readOSCString(data, off)
	if err != nil {
		return Message{}, err
	}

	m := Message{Address: addr}
	for _, tag := range []byte(typetags)[1:] {
		switch tag {
		case 'i':
			if off+4 > len(data) {
				return Message{}, fmt.Errorf("osc: truncated int32 arg")
			}
			m.Args = append(m.Args, int32(binary.BigEndian.Uint32(data[off:off+4])))
			off += 4
		case 'h':
			if off+8 > len(data) {
				return Message{}, fmt.Errorf("osc: truncated int64 arg")
			}
			m.Args = append(m.Args, int64(binary.BigEndian.Uint64(data[off:off+8])))
			off += 8
		case 'f':
			if off+4 > len(data) {
				return Message{}, fmt.Errorf("osc: truncated float32 arg")
			}
			m.Args = append(m.Args, math.Float32frombits(binary.BigEndian.Uint32(data[off:off+4])))
			off += 4
		case 'd':
			if off+8 > len(data) {
				return Message{}, fmt.Errorf("osc: truncated float64 arg")
			}
			m.Args = append(m.Args, math.Float64frombits(binary.BigEndian.Uint64(data[off:off+8])))
			off += 8
		case 's':
			var s string
			s, off, err = readOSCString(data, off)
			if err != nil {
				return Message{}, err
			}
			m.Args = append(m.Args, s)
		case 'b':
			if off+4 > len(data) {
				return Message{}, fmt.Errorf("osc: truncated blob length")
			}
			n := int(binary.BigEndian.Uint32(data[off : off+4]))
			off += 4
			if n < 0 || off+n > len(data) {
				return Message{}, fmt.Errorf("osc: truncated blob data")
			}
			blob := make([]byte, n)
			copy(blob, data[off:off+n])
			off = pad4(off + n)
			m.Args = append(m.Args, blob)
		case 'N':
			m.Args = append(m.Args, nil)
		case 'T':
			m.Args = append(m.Args, true)
		case 'F':
			m.Args = append(m.Args, false)
		default:
			return Message{}, fmt.Errorf("osc: unsupported typetag %q", tag)
		}
	}
	return m, nil
}

// Arg returns the i'th argument, or an error if out of range.
func (m Message) Arg(i int) (any, error) {
	if i < 0 || i >= len(m.Args) {
		return nil, fmt.Errorf("osc: argument index %d out of range (have %d)", i, len(m.Args))
	}
	return m.Args[i], nil
}

// Int32 returns the i'th argument as an int32.
func (m Message) Int32(i int) (int32, error) {
	a, err := m.Arg(i)
	if err != nil {
		return 0, err
	}
	v, ok := a.(int32)
	if !ok {
		return 0, fmt.Errorf("osc: argument %d is %T, not int32", i, a)
	}
	return v, nil
}

// String returns the i'th argument as a string.
func (m Message) String(i int) (string, error) {
	a, err := m.Arg(i)
	if err != nil {
		return "", err
	}
	v, ok := a.(string)
	if !ok {
		return "", fmt.Errorf("osc: argument %d is %T, not string", i, a)
	}
	return v, nil
}

// Blob returns the i'th argument as a []byte.
func (m Message) Blob(i int) ([]byte, error) {
	a, err := m.Arg(i)
	if err != nil {
		return nil, err
	}
	v, ok := a.([]byte)
	if !ok {
		return nil, fmt.Errorf("osc: argument %d is %T, not blob", i, a)
	}
	return v, nil
}

// Float64 returns the i'th argument as a float64.
func (m Message) Float64(i int) (float64, error) {
	a, err := m.Arg(i)
	if err != nil {
		return 0, err
	}
	v, ok := a.(float64)
	if !ok {
		return 0, fmt.Errorf("osc: argument %d is %T, not float64", i, a)
	}
	return v, nil
}
