// Package message implements the twelve wire-message shapes of the DHT's
// KRPC-derived protocol: the four Mainline BitTorrent verbs (ping,
// find_node, get_peers, announce_peer) plus the NEWCONN/tunnel extension,
// all carried as bencoded dictionaries.
package message

import (
	"encoding/binary"
	"net"

	"github.com/dhtkit/dhtkit/pkg/kadid"
)

const (
	// CompactNodeSize is the wire length of one compact contact: a 20-byte
	// id, a 4-byte IPv4 address, and a 2-byte big-endian port.
	CompactNodeSize = kadid.Size + 4 + 2
	// CompactPeerSize is the wire length of one compact peer: a 4-byte
	// IPv4 address and a 2-byte big-endian port, with no id.
	CompactPeerSize = 4 + 2
)

// EncodeCompactNode encodes id/ip/port as a 26-byte compact contact. It
// returns nil if ip has no IPv4 representation, matching the protocol's
// IPv4-only compact form.
func EncodeCompactNode(id kadid.ID, ip net.IP, port int) []byte {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}

	buf := make([]byte, CompactNodeSize)
	copy(buf[:kadid.Size], id[:])
	copy(buf[kadid.Size:kadid.Size+4], ip4)
	binary.BigEndian.PutUint16(buf[kadid.Size+4:], uint16(port))
	return buf
}

// DecodeCompactNode parses a single 26-byte compact contact.
func DecodeCompactNode(data []byte) (kadid.ID, net.IP, int, bool) {
	if len(data) != CompactNodeSize {
		return kadid.ID{}, nil, 0, false
	}

	id := kadid.FromBytes(data[:kadid.Size])
	ip := net.IPv4(data[kadid.Size], data[kadid.Size+1], data[kadid.Size+2], data[kadid.Size+3])
	port := binary.BigEndian.Uint16(data[kadid.Size+4:])
	return id, ip, int(port), true
}

// ContactRef is a decoded compact contact: an id paired with an endpoint.
type ContactRef struct {
	ID   kadid.ID
	IP   net.IP
	Port int
}

// DecodeCompactNodeList splits a concatenated compact-node blob into
// individual contacts, discarding a trailing partial record if the length
// is not a multiple of CompactNodeSize.
func DecodeCompactNodeList(data []byte) []ContactRef {
	count := len(data) / CompactNodeSize
	out := make([]ContactRef, 0, count)

	for i := 0; i < count; i++ {
		offset := i * CompactNodeSize
		id, ip, port, ok := DecodeCompactNode(data[offset : offset+CompactNodeSize])
		if !ok {
			continue
		}
		out = append(out, ContactRef{ID: id, IP: ip, Port: port})
	}
	return out
}

// EncodeCompactNodeList concatenates the compact encoding of each contact,
// in order, skipping any entry that has no IPv4 address.
func EncodeCompactNodeList(refs []ContactRef) []byte {
	buf := make([]byte, 0, len(refs)*CompactNodeSize)
	for _, r := range refs {
		enc := EncodeCompactNode(r.ID, r.IP, r.Port)
		if enc == nil {
			continue
		}
		buf = append(buf, enc...)
	}
	return buf
}

// EncodeCompactPeer encodes an endpoint as a 6-byte compact peer (no id).
func EncodeCompactPeer(ip net.IP, port int) []byte {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}

	buf := make([]byte, CompactPeerSize)
	copy(buf[:4], ip4)
	binary.BigEndian.PutUint16(buf[4:], uint16(port))
	return buf
}

// DecodeCompactPeer parses a single 6-byte compact peer.
func DecodeCompactPeer(data []byte) (net.IP, int, bool) {
	if len(data) != CompactPeerSize {
		return nil, 0, false
	}

	ip := net.IPv4(data[0], data[1], data[2], data[3])
	port := binary.BigEndian.Uint16(data[4:])
	return ip, int(port), true
}
