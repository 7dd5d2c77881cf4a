package node

import (
	"net"

	"github.com/dhtkit/dhtkit/internal/dht/callback"
	"github.com/dhtkit/dhtkit/internal/dht/flags"
	"github.com/dhtkit/dhtkit/internal/dht/message"
	"github.com/dhtkit/dhtkit/internal/dht/routing"
)

// TunnelHandler receives the three-party hole-punch messages that the node
// core decodes but does not itself act on, per spec.md §9's note that the
// BROADCAST_CONN/ASK_CONN/REPLY_CONN triad is application-level state
// properly owned outside the node core.
type TunnelHandler interface {
	HandleReplyNewConn(msg message.Message, from *net.UDPAddr)
	HandleBroadcastConn(msg message.Message, from *net.UDPAddr)
	HandleAskConn(msg message.Message, from *net.UDPAddr)
	HandleReplyConn(msg message.Message, from *net.UDPAddr)
}

// RegisterSink adds s to the set of callback subscribers.
func (n *Node) RegisterSink(s callback.Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, s)
}

// SetTunnelHandler installs the single tunnel-message recipient.
func (n *Node) SetTunnelHandler(h TunnelHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tunnel = h
}

func (n *Node) notifyNode(c *routing.Contact, f flags.Flags) {
	for _, s := range n.sinks {
		s.OnNode(c, f)
	}
}
