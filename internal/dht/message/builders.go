package message

import (
	"github.com/dhtkit/dhtkit/pkg/bencode"
	"github.com/dhtkit/dhtkit/pkg/kadid"
)

func idStr(id kadid.ID) bencode.Value { return bencode.Bin(id[:]) }

func envelope(kind Kind, transactionID string, payloadKey string, payload bencode.Value, query Query) bencode.Value {
	entries := []bencode.DictEntry{bencode.D(payloadKey, payload)}
	if kind == KindQuery {
		entries = append(entries, bencode.D("q", bencode.Str(string(query))))
	}
	entries = append(entries,
		bencode.D("t", bencode.Str(transactionID)),
		bencode.D("y", bencode.Str(string(kind))),
	)
	return bencode.NewDict(entries...)
}

// PingQuery builds a PING message.
func PingQuery(transactionID string, senderID kadid.ID) bencode.Value {
	args := bencode.NewDict(bencode.D("id", idStr(senderID)))
	return envelope(KindQuery, transactionID, "a", args, QueryPing)
}

// PingResponse builds a PONG message.
func PingResponse(transactionID string, senderID kadid.ID) bencode.Value {
	reply := bencode.NewDict(bencode.D("id", idStr(senderID)))
	return envelope(KindResponse, transactionID, "r", reply, "")
}

// FindNodeQuery builds a FIND_NODE message.
func FindNodeQuery(transactionID string, senderID, target kadid.ID) bencode.Value {
	args := bencode.NewDict(
		bencode.D("id", idStr(senderID)),
		bencode.D("target", idStr(target)),
	)
	return envelope(KindQuery, transactionID, "a", args, QueryFindNode)
}

// FindNodeResponse builds a REPLY_NODE message carrying a compact node list.
func FindNodeResponse(transactionID string, senderID kadid.ID, nodes []byte) bencode.Value {
	reply := bencode.NewDict(
		bencode.D("id", idStr(senderID)),
		bencode.D("nodes", bencode.Bin(nodes)),
	)
	return envelope(KindResponse, transactionID, "r", reply, "")
}

// GetPeersQuery builds a GET_HASH message.
func GetPeersQuery(transactionID string, senderID, infoHash kadid.ID) bencode.Value {
	args := bencode.NewDict(
		bencode.D("id", idStr(senderID)),
		bencode.D("info_hash", idStr(infoHash)),
	)
	return envelope(KindQuery, transactionID, "a", args, QueryGetPeers)
}

// GetPeersResponseValues builds a REPLY_HASH message carrying stored peers.
func GetPeersResponseValues(transactionID string, senderID kadid.ID, token string, values [][]byte) bencode.Value {
	items := make([]bencode.Value, 0, len(values))
	for _, v := range values {
		items = append(items, bencode.Bin(v))
	}
	reply := bencode.NewDict(
		bencode.D("id", idStr(senderID)),
		bencode.D("token", bencode.Str(token)),
		bencode.D("values", bencode.NewList(items...)),
	)
	return envelope(KindResponse, transactionID, "r", reply, "")
}

// GetPeersResponseNodes builds a REPLY_NEAR message carrying nearest nodes
// in lieu of stored peers.
func GetPeersResponseNodes(transactionID string, senderID kadid.ID, token string, nodes []byte) bencode.Value {
	reply := bencode.NewDict(
		bencode.D("id", idStr(senderID)),
		bencode.D("nodes", bencode.Bin(nodes)),
		bencode.D("token", bencode.Str(token)),
	)
	return envelope(KindResponse, transactionID, "r", reply, "")
}

// AnnouncePeerQuery builds a POST_HASH message.
func AnnouncePeerQuery(transactionID string, senderID, infoHash kadid.ID, port int, token string) bencode.Value {
	args := bencode.NewDict(
		bencode.D("id", idStr(senderID)),
		bencode.D("info_hash", idStr(infoHash)),
		bencode.D("port", bencode.Int64(int64(port))),
		bencode.D("token", bencode.Str(token)),
	)
	return envelope(KindQuery, transactionID, "a", args, QueryAnnouncePeer)
}

// AnnouncePeerResponse builds a REPLY_POST message.
func AnnouncePeerResponse(transactionID string, senderID kadid.ID) bencode.Value {
	reply := bencode.NewDict(bencode.D("id", idStr(senderID)))
	return envelope(KindResponse, transactionID, "r", reply, "")
}

// NewConnQuery builds a NEWCONN message soliciting the receiver to report
// the sender's observed address.
func NewConnQuery(transactionID string, senderID kadid.ID) bencode.Value {
	args := bencode.NewDict(bencode.D("id", idStr(senderID)))
	return envelope(KindQuery, transactionID, "a", args, QueryNewConn)
}

// NewConnResponse builds a REPLY_NEWCONN message, pid being the compact
// contact of the original sender as observed by the receiver.
func NewConnResponse(transactionID string, senderID kadid.ID, pid []byte) bencode.Value {
	reply := bencode.NewDict(
		bencode.D("id", idStr(senderID)),
		bencode.D("newconn", bencode.Str("hello")),
		bencode.D("pid", bencode.Bin(pid)),
	)
	return envelope(KindResponse, transactionID, "r", reply, "")
}

// BroadcastConnQuery builds a BROADCAST_CONN message: A asks the receiving
// intermediary M to relay a connect request toward target (nid), carrying
// pid (A's own compact contact as A believes it to be).
func BroadcastConnQuery(transactionID string, senderID, nid kadid.ID, pid []byte) bencode.Value {
	args := bencode.NewDict(
		bencode.D("id", idStr(senderID)),
		bencode.D("nid", idStr(nid)),
		bencode.D("pid", bencode.Bin(pid)),
	)
	return envelope(KindQuery, transactionID, "a", args, QueryBroadcastConn)
}

// AskConnQuery builds an ASK_CONN message: M forwards A's request to peer
// P, naming A as nid and carrying A's observed contact as pid.
func AskConnQuery(transactionID string, senderID, nid kadid.ID, pid []byte) bencode.Value {
	args := bencode.NewDict(
		bencode.D("id", idStr(senderID)),
		bencode.D("nid", idStr(nid)),
		bencode.D("pid", bencode.Bin(pid)),
	)
	return envelope(KindQuery, transactionID, "a", args, QueryAskConn)
}

// ReplyConnResponse builds a REPLY_CONN message. It carries one hop's own
// compact contact as pid and the hop's counterparty id as nid: P uses it to
// reply to M (nid=A, pid=P's contact), and M reuses the same shape to relay
// P's answer back to A under A's original transaction id (nid=P, pid=P's
// contact, id=M).
func ReplyConnResponse(transactionID string, senderID, nid kadid.ID, pid []byte) bencode.Value {
	reply := bencode.NewDict(
		bencode.D("id", idStr(senderID)),
		bencode.D("nid", idStr(nid)),
		bencode.D("pid", bencode.Bin(pid)),
	)
	return envelope(KindResponse, transactionID, "r", reply, "")
}

// ErrorMessage builds a KRPC error message: [code, description].
func ErrorMessage(transactionID string, code int, description string) bencode.Value {
	payload := bencode.NewList(bencode.Int64(int64(code)), bencode.Str(description))
	return envelope(KindError, transactionID, "e", payload, "")
}

const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)
