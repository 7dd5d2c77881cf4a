package node

import (
	"net"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/flags"
	"github.com/dhtkit/dhtkit/internal/dht/message"
	"github.com/dhtkit/dhtkit/internal/dht/routing"
	"github.com/dhtkit/dhtkit/pkg/bencode"
)

// recvPkt implements spec.md §4.7's receive path: decode, classify,
// extract, build a Contact, dispatch.
func (n *Node) recvPkt(data []byte, from *net.UDPAddr, now time.Time, stats *Stats) {
	if n.Blocklist != nil && n.Blocklist.Contains(from) {
		stats.Dropped++
		return
	}

	v, err := bencode.Unmarshal(data)
	if err != nil {
		stats.Dropped++
		return
	}

	msg := message.Wrap(v, from)
	shape := message.Classify(v)
	if shape == message.ShapeUnknown {
		stats.Dropped++
		return
	}
	if shape == message.ShapeError {
		n.handleError(msg, stats)
		return
	}

	id, ok := msg.SenderID()
	if !ok {
		stats.Dropped++
		return
	}
	contact := routing.NewContact(id, from, 0)

	switch shape {
	case message.ShapePing:
		n.handlePing(msg, contact, now, stats)
	case message.ShapeFindNode:
		n.handleFindNode(msg, contact, now, stats)
	case message.ShapeGetHash:
		n.handleGetHash(msg, contact, now, stats)
	case message.ShapeAnnouncePeer:
		n.handleAnnouncePeer(msg, contact, now, stats)
	case message.ShapeNewConn:
		n.handleNewConn(msg, contact, now, stats)
	case message.ShapeBroadcastConn:
		n.Table.AddPeer(contact, 0, now)
		if n.tunnel != nil {
			n.tunnel.HandleBroadcastConn(msg, from)
		}
	case message.ShapeAskConn:
		n.Table.AddPeer(contact, 0, now)
		if n.tunnel != nil {
			n.tunnel.HandleAskConn(msg, from)
		}
	case message.ShapeReplyConn:
		n.Table.AddPeer(contact, 0, now)
		if n.tunnel != nil {
			n.tunnel.HandleReplyConn(msg, from)
		}
	case message.ShapeReplyNewConn:
		n.Table.AddPeer(contact, 0, now)
		if n.tunnel != nil {
			n.tunnel.HandleReplyNewConn(msg, from)
		}
	default:
		// Pong, ReplyNode, ReplyHash, ReplyNear, ReplyPost are all
		// responses: correlate by transaction id, since classifyResponse
		// cannot distinguish PONG from REPLY_POST by fields alone.
		n.handleResponse(msg, contact, shape, now, stats)
	}
}

func (n *Node) handleError(msg message.Message, stats *Stats) {
	txID, ok := msg.TransactionID()
	if !ok {
		stats.Dropped++
		return
	}
	delete(n.pending, txID)
}

func (n *Node) handlePing(msg message.Message, contact *routing.Contact, now time.Time, stats *Stats) {
	n.Table.AddPeer(contact, 0, now)
	n.notifyNode(contact, 0)

	txID, ok := msg.TransactionID()
	if !ok {
		stats.Dropped++
		return
	}
	n.enqueueOutbound(message.PingResponse(txID, n.LocalID), contact.Addr, stats)
}

func (n *Node) handleFindNode(msg message.Message, contact *routing.Contact, now time.Time, stats *Stats) {
	n.Table.AddPeer(contact, 0, now)
	n.notifyNode(contact, 0)

	txID, ok := msg.TransactionID()
	target, okTarget := msg.Target()
	if !ok || !okTarget {
		stats.Dropped++
		return
	}
	n.remoteQueue = append(n.remoteQueue, remoteQuery{
		Kind:          message.QueryFindNode,
		TransactionID: txID,
		From:          contact.Addr,
		Target:        target,
		Received:      now,
	})
}

func (n *Node) handleGetHash(msg message.Message, contact *routing.Contact, now time.Time, stats *Stats) {
	n.Table.AddPeer(contact, 0, now)
	n.notifyNode(contact, 0)

	txID, ok := msg.TransactionID()
	infoHash, okHash := msg.InfoHash()
	if !ok || !okHash {
		stats.Dropped++
		return
	}
	n.remoteQueue = append(n.remoteQueue, remoteQuery{
		Kind:          message.QueryGetPeers,
		TransactionID: txID,
		From:          contact.Addr,
		Target:        infoHash,
		Received:      now,
	})
}

func (n *Node) handleAnnouncePeer(msg message.Message, contact *routing.Contact, now time.Time, stats *Stats) {
	n.Table.AddPeer(contact, 0, now)
	n.notifyNode(contact, 0)

	txID, ok := msg.TransactionID()
	if !ok {
		stats.Dropped++
		return
	}
	infoHash, okHash := msg.InfoHash()
	token, okToken := msg.Token()
	if !okHash || !okToken || !n.Tokens.Validate(contact.Addr.IP, token) {
		n.enqueueOutbound(message.ErrorMessage(txID, message.ErrorProtocol, "invalid token"), contact.Addr, stats)
		return
	}

	announceAddr := contact.Addr
	if port, okPort := msg.Port(); okPort {
		announceAddr = &net.UDPAddr{IP: contact.Addr.IP, Port: port}
	}
	n.Announce.StorePeer(infoHash, announceAddr)
	n.enqueueOutbound(message.AnnouncePeerResponse(txID, n.LocalID), contact.Addr, stats)
}

func (n *Node) handleNewConn(msg message.Message, contact *routing.Contact, now time.Time, stats *Stats) {
	n.Table.AddPeer(contact, 0, now)
	n.notifyNode(contact, 0)

	txID, ok := msg.TransactionID()
	if !ok {
		stats.Dropped++
		return
	}
	pid := message.EncodeCompactNode(contact.ID, contact.Addr.IP, contact.Addr.Port)
	n.enqueueOutbound(message.NewConnResponse(txID, n.LocalID, pid), contact.Addr, stats)
}

// processOneRemoteQuery implements spec.md §4.7's remote-query budget: at
// most one is handled per tick, discarded outright if stale.
func (n *Node) processOneRemoteQuery(now time.Time, stats *Stats) {
	if len(n.remoteQueue) == 0 {
		return
	}

	rq := n.remoteQueue[0]
	n.remoteQueue = n.remoteQueue[1:]

	if now.Sub(rq.Received) > remoteQueryTTL {
		stats.Dropped++
		return
	}

	stats.RemoteQueriesHandled++
	switch rq.Kind {
	case message.QueryFindNode:
		n.replyFindNode(rq, stats)
	case message.QueryGetPeers:
		n.replyGetPeers(rq, stats)
	}
}

func (n *Node) replyFindNode(rq remoteQuery, stats *Stats) {
	nearest := n.Table.NearestNodes(rq.Target, n.Table.K(), nil)
	nodes := message.EncodeCompactNodeList(toRefs(nearest))
	n.enqueueOutbound(message.FindNodeResponse(rq.TransactionID, n.LocalID, nodes), rq.From, stats)
}

func (n *Node) replyGetPeers(rq remoteQuery, stats *Stats) {
	token := n.Tokens.Generate(rq.From.IP)

	if values := n.Announce.GetPeers(rq.Target); len(values) > 0 {
		n.enqueueOutbound(message.GetPeersResponseValues(rq.TransactionID, n.LocalID, token, values), rq.From, stats)
		return
	}

	nearest := n.Table.NearestNodes(rq.Target, n.Table.K(), nil)
	nodes := message.EncodeCompactNodeList(toRefs(nearest))
	n.enqueueOutbound(message.GetPeersResponseNodes(rq.TransactionID, n.LocalID, token, nodes), rq.From, stats)
}

func toRefs(contacts []*routing.Contact) []message.ContactRef {
	refs := make([]message.ContactRef, 0, len(contacts))
	for _, c := range contacts {
		if c.Addr == nil {
			continue
		}
		refs = append(refs, message.ContactRef{ID: c.ID, IP: c.Addr.IP, Port: c.Addr.Port})
	}
	return refs
}

// handleResponse correlates a reply against its outstanding request by
// transaction id and sender endpoint, per the design note in spec.md §9:
// replies with no matching outstanding request for the same endpoint and
// kind are rejected, while distinct outstanding requests may complete out
// of order.
func (n *Node) handleResponse(msg message.Message, contact *routing.Contact, shape message.Shape, now time.Time, stats *Stats) {
	txID, ok := msg.TransactionID()
	if !ok {
		stats.Dropped++
		return
	}

	pending, ok := n.pending[txID]
	if !ok || pending.Addr != contact.Addr.String() {
		stats.Dropped++
		return
	}
	var kindOK bool
	switch pending.Kind {
	case message.QueryPing, message.QueryAnnouncePeer:
		kindOK = shape == message.ShapePong
	case message.QueryFindNode:
		kindOK = shape == message.ShapeReplyNode
	case message.QueryGetPeers:
		kindOK = shape == message.ShapeReplyHash || shape == message.ShapeReplyNear || shape == message.ShapeReplyNode
	}
	if !kindOK {
		stats.Dropped++
		return
	}
	delete(n.pending, txID)

	var derived flags.Flags
	switch pending.Kind {
	case message.QueryPing:
		v, okV := msg.V.GetString("v")
		derived = n.derivedVersionFlags(v, okV)
	case message.QueryFindNode, message.QueryGetPeers:
		derived = flags.RecvNodes
	}
	n.Table.AddPeer(contact, derived, now)
	n.notifyNode(contact, derived)

	switch pending.Kind {
	case message.QueryFindNode:
		n.handleReplyNode(msg, contact, pending, now)
	case message.QueryGetPeers:
		n.handleReplyPeers(msg, contact, pending, shape, now)
	}
}

func (n *Node) handleReplyNode(msg message.Message, contact *routing.Contact, pending pendingRequest, now time.Time) {
	if pending.HasQueryTarget {
		if aq, ok := n.queries[pending.QueryTarget]; ok {
			aq.Query.AddPeer(contact.ID, contact.Addr, now)
		}
	}
	n.admitAdvertisedNodes(msg)
}

func (n *Node) handleReplyPeers(msg message.Message, contact *routing.Contact, pending pendingRequest, shape message.Shape, now time.Time) {
	var aq *activeQuery
	if pending.HasQueryTarget {
		aq = n.queries[pending.QueryTarget]
		if aq != nil {
			aq.Query.AddPeer(contact.ID, contact.Addr, now)
		}
	}

	if token, ok := msg.Token(); ok && aq != nil {
		aq.Tokens[contact.Addr.String()] = token
	}

	if shape == message.ShapeReplyHash {
		if values, ok := msg.Values(); ok && aq != nil {
			for _, v := range values {
				if ip, port, ok := message.DecodeCompactPeer(v); ok {
					aq.Peers = append(aq.Peers, &net.UDPAddr{IP: ip, Port: port})
				}
			}
		}
		return
	}

	n.admitAdvertisedNodes(msg)
}

// admitAdvertisedNodes implements step 6 of spec.md §4.7's receive path:
// every neighbour a REPLY_NODE/REPLY_NEAR carries is offered to every
// active query's addPotentialPeer, and admitted contacts join the
// potential-peer ping queue.
func (n *Node) admitAdvertisedNodes(msg message.Message) {
	raw, ok := msg.Nodes()
	if !ok {
		return
	}

	for _, ref := range message.DecodeCompactNodeList(raw) {
		if ref.ID == n.LocalID {
			continue
		}

		admitted := false
		for _, aq := range n.queries {
			if aq.Query.AddPotentialPeer(ref.ID, &net.UDPAddr{IP: ref.IP, Port: ref.Port}) {
				admitted = true
			}
		}

		if admitted && !n.potentialSet[ref.ID] {
			n.potentialSet[ref.ID] = true
			n.potential = append(n.potential, potentialPeer{ID: ref.ID, Addr: &net.UDPAddr{IP: ref.IP, Port: ref.Port}})
		}
	}
}
