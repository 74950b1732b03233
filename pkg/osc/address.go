package osc

import (
	"fmt"
	"strconv"
	"strings"
)

// EndpointType discriminates which /aoo/<role>/... branch an address
// pattern belongs to (spec.md §4.1's address grammar).
type EndpointType int

const (
	TypeUnknown EndpointType = iota
	TypeSource
	TypeSink
	TypePeer
	TypeClient
	TypeServer
	TypeRelay
)

func (t EndpointType) String() string {
	switch t {
	case TypeSource:
		return "source"
	case TypeSink:
		return "sink"
	case TypePeer:
		return "peer"
	case TypeClient:
		return "client"
	case TypeServer:
		return "server"
	case TypeRelay:
		return "relay"
	default:
		return "unknown"
	}
}

const addressPrefix = "/aoo"

// ParsePattern implements spec.md §4.1's parse_pattern: it classifies an
// OSC address, extracts the embedded id (for /src and /sink patterns; -1
// for address families that don't carry one), and returns the remaining
// sub-pattern (e.g. "/data") as rest.
func ParsePattern(addr string) (typ EndpointType, id int32, rest string, err error) {
	if !strings.HasPrefix(addr, addressPrefix) {
		return TypeUnknown, -1, "", fmt.Errorf("osc: address %q missing /aoo prefix", addr)
	}
	rest = addr[len(addressPrefix):]

	switch {
	case strings.HasPrefix(rest, "/src/"):
		return parseWithID(rest, "/src/", TypeSource)
	case strings.HasPrefix(rest, "/sink/"):
		return parseWithID(rest, "/sink/", TypeSink)
	case strings.HasPrefix(rest, "/peer"):
		return TypePeer, -1, strings.TrimPrefix(rest, "/peer"), nil
	case strings.HasPrefix(rest, "/client"):
		return TypeClient, -1, strings.TrimPrefix(rest, "/client"), nil
	case strings.HasPrefix(rest, "/server"):
		return TypeServer, -1, strings.TrimPrefix(rest, "/server"), nil
	case strings.HasPrefix(rest, "/relay"):
		return TypeRelay, -1, strings.TrimPrefix(rest, "/relay"), nil
	default:
		return TypeUnknown, -1, "", fmt.Errorf("osc: unrecognized address %q", addr)
	}
}

func parseWithID(rest, prefix string, typ EndpointType) (EndpointType, int32, string, error) {
	tail := rest[len(prefix):]
	slash := strings.IndexByte(tail, '/')
	idStr := tail
	sub := ""
	if slash >= 0 {
		idStr = tail[:slash]
		sub = tail[slash:]
	}
	n, err := strconv.ParseInt(idStr, 10, 32)
	if err != nil {
		return TypeUnknown, -1, "", fmt.Errorf("osc: bad id in address %q: %w", rest, err)
	}
	return typ, int32(n), sub, nil
}

// FormatSourceAddress builds "/aoo/src/<id><sub>", e.g.
// FormatSourceAddress(3, "/data") == "/aoo/src/3/data".
func FormatSourceAddress(id int32, sub string) string {
	return fmt.Sprintf("%s/src/%d%s", addressPrefix, id, sub)
}

// FormatSinkAddress builds "/aoo/sink/<id><sub>".
func FormatSinkAddress(id int32, sub string) string {
	return fmt.Sprintf("%s/sink/%d%s", addressPrefix, id, sub)
}

// FormatPeerAddress builds "/aoo/peer<sub>".
func FormatPeerAddress(sub string) string {
	return addressPrefix + "/peer" + sub
}

// FormatClientAddress builds "/aoo/client<sub>".
func FormatClientAddress(sub string) string {
	return addressPrefix + "/client" + sub
}

// FormatServerAddress builds "/aoo/server<sub>".
func FormatServerAddress(sub string) string {
	return addressPrefix + "/server" + sub
}

// RelayAddress is the literal "/aoo/relay" pattern.
const RelayAddress = addressPrefix + "/relay"
