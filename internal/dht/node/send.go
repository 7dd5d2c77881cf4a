package node

import (
	"net"

	"github.com/dhtkit/dhtkit/pkg/bencode"
)

// outboundScratchSize bounds a single encoded datagram to the wire's
// 10 KiB maximum.
const outboundScratchSize = 10 * 1024

// enqueueOutbound encodes v and places it on the outbound queue for addr.
// A full queue or an oversized encoding drops the datagram and counts it,
// rather than blocking the tick.
func (n *Node) enqueueOutbound(v bencode.Value, addr *net.UDPAddr, stats *Stats) {
	var scratch [outboundScratchSize]byte
	nBytes, err := bencode.EncodeInto(scratch[:], v)
	if err != nil {
		stats.Dropped++
		return
	}

	data := make([]byte, nBytes)
	copy(data, scratch[:nBytes])

	select {
	case n.Outbound <- Datagram{Data: data, Addr: addr}:
		stats.Sent++
	default:
		stats.Dropped++
	}
}

// Send transmits v to addr outside the per-Iteration rate budget, for
// subsystems (the tunnel) that share this node's socket but own their own
// pacing, per spec.md §4.9's multiplexed-socket design. It reports whether
// the datagram was accepted onto the outbound queue.
func (n *Node) Send(v bencode.Value, addr *net.UDPAddr) bool {
	data, err := bencode.Marshal(v)
	if err != nil {
		return false
	}

	select {
	case n.Outbound <- Datagram{Data: data, Addr: addr}:
		return true
	default:
		return false
	}
}
