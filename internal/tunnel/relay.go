package tunnel

import (
	"net"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/callback"
	"github.com/dhtkit/dhtkit/internal/dht/message"
	"github.com/dhtkit/dhtkit/internal/dht/routing"
	"github.com/dhtkit/dhtkit/pkg/kadid"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ConnectViaIntermediary implements the A side of spec.md §9's three-party
// hole-punch: A asks intermediary to forward an ASK_CONN to target, naming
// A's own observed address. ObservedAddr must have been learned already
// (via a prior direct NEWCONN exchange); a nil observed address aborts the
// request rather than advertising a useless contact.
func (t *Tunnel) ConnectViaIntermediary(target kadid.ID, intermediary *routing.Contact, now time.Time) (string, bool) {
	if t.observedAddr == nil {
		return "", false
	}

	pid := message.EncodeCompactNode(t.localID, t.observedAddr.IP, t.observedAddr.Port)
	if pid == nil {
		return "", false
	}

	txID := t.txCounter.Next()
	pb := &pendingBroadcast{
		RequestID:    uuid.NewString(),
		Target:       target,
		Intermediary: intermediary,
		TxID:         txID,
		SentAt:       now,
	}
	t.pendingBroadcasts[txID] = pb

	t.n.Send(message.BroadcastConnQuery(txID, t.localID, target, pid), intermediary.Addr)
	return pb.RequestID, true
}

// HandleBroadcastConn implements the M side: forward the request to the
// named target as an ASK_CONN, if this node knows its address.
func (t *Tunnel) HandleBroadcastConn(msg message.Message, from *net.UDPAddr) {
	if t.table == nil {
		return
	}

	requester, ok := msg.SenderID()
	if !ok {
		return
	}
	target, ok := msg.IntermediaryID() // "nid": the peer the requester wants reached
	if !ok {
		return
	}
	pid, ok := msg.PeerID()
	if !ok {
		return
	}
	origTxID, ok := msg.TransactionID()
	if !ok {
		return
	}

	contact, ok := t.table.Get(target)
	if !ok {
		t.logger.WithFields(logrus.Fields{
			"requester": requester.String(),
			"target":    target.String(),
		}).Debug("tunnel: broadcast_conn target unknown, dropping")
		return
	}

	askTxID := t.txCounter.Next()
	t.pendingRelays[askTxID] = &pendingRelay{
		OrigTxID:  origTxID,
		OrigAddr:  from,
		Requester: requester,
		SentAt:    time.Now(),
	}

	t.n.Send(message.AskConnQuery(askTxID, t.localID, requester, pid), contact.Addr)
}

// HandleAskConn implements the P side: reply directly to the forwarding
// intermediary with P's own observed contact.
func (t *Tunnel) HandleAskConn(msg message.Message, from *net.UDPAddr) {
	requester, ok := msg.IntermediaryID() // "nid": who originally asked
	if !ok {
		return
	}
	txID, ok := msg.TransactionID()
	if !ok {
		return
	}

	addr := t.observedAddr
	if addr == nil {
		return
	}
	pid := message.EncodeCompactNode(t.localID, addr.IP, addr.Port)
	if pid == nil {
		return
	}

	t.n.Send(message.ReplyConnResponse(txID, t.localID, requester, pid), from)
}

// HandleReplyConn handles both roles a REPLY_CONN can address: M relaying
// P's reply back to the original requester A, or A receiving the final
// confirmation of its own three-party request.
func (t *Tunnel) HandleReplyConn(msg message.Message, from *net.UDPAddr) {
	txID, ok := msg.TransactionID()
	if !ok {
		return
	}

	if relay, ok := t.pendingRelays[txID]; ok {
		t.relayReplyConn(msg, relay)
		delete(t.pendingRelays, txID)
		return
	}

	if pb, ok := t.pendingBroadcasts[txID]; ok {
		t.completeBroadcast(msg, pb)
		delete(t.pendingBroadcasts, txID)
		return
	}
}

func (t *Tunnel) relayReplyConn(msg message.Message, relay *pendingRelay) {
	if time.Since(relay.SentAt) > relayExpiration {
		return
	}

	peerID, ok := msg.SenderID() // P's own id
	if !ok {
		return
	}
	pid, ok := msg.PeerID() // P's own observed contact
	if !ok {
		return
	}

	t.n.Send(message.ReplyConnResponse(relay.OrigTxID, t.localID, peerID, pid), relay.OrigAddr)
}

func (t *Tunnel) completeBroadcast(msg message.Message, pb *pendingBroadcast) {
	peerID, ok := msg.IntermediaryID() // "nid": the peer M reports as reached
	if !ok {
		return
	}
	if peerID != pb.Target {
		return
	}

	pid, ok := msg.PeerID()
	var addr *net.UDPAddr
	if ok {
		if _, ip, port, ok := message.DecodeCompactNode(pid); ok {
			addr = &net.UDPAddr{IP: ip, Port: port}
		}
	}

	t.logger.WithFields(logrus.Fields{
		"request_id": pb.RequestID,
		"target":     pb.Target.String(),
		"addr":       addrString(addr),
	}).Info("tunnel: three-party connect succeeded")

	for _, s := range t.sinks {
		s.OnPeer(pb.Target, callback.StatusPeerOnline)
	}
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
