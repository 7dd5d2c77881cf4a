// Package node implements the DHT's single-threaded core: the tick-driven
// receive/dispatch/send loop of spec.md §4.7, grounded on the teacher's
// dht.go/krpc.go but reworked away from their goroutine-per-concern model
// into one Iteration call the transport adapter drives on a fixed cadence.
package node

import (
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/announce"
	"github.com/dhtkit/dhtkit/internal/dht/callback"
	"github.com/dhtkit/dhtkit/internal/dht/flags"
	"github.com/dhtkit/dhtkit/internal/dht/lookup"
	"github.com/dhtkit/dhtkit/internal/dht/message"
	"github.com/dhtkit/dhtkit/internal/dht/peerstore"
	"github.com/dhtkit/dhtkit/internal/dht/routing"
	"github.com/dhtkit/dhtkit/pkg/bencode"
	"github.com/dhtkit/dhtkit/pkg/kadid"
)

// remoteQueryTTL bounds how long a queued RemoteQuery may wait before
// being discarded unanswered, per spec.md §4.7.
const remoteQueryTTL = 10 * time.Second

// pendingRequest is one outstanding request, keyed by transaction id.
// Correlation of a reply compares the literal endpoint string recorded at
// send time, so distinct outstanding requests may complete in any order.
type pendingRequest struct {
	Kind           message.Query
	Addr           string
	QueryTarget    kadid.ID
	HasQueryTarget bool
	Sent           time.Time
}

// remoteQuery is a deferred incoming query awaiting processing on a later
// tick, per spec.md §4.7's "at most one RemoteQuery per tick" budget.
type remoteQuery struct {
	Kind          message.Query
	TransactionID string
	From          *net.UDPAddr
	Target        kadid.ID
	Received      time.Time
}

// potentialPeer is a contact discovered via some reply, awaiting its first
// ping under the outbound ping budget.
type potentialPeer struct {
	ID   kadid.ID
	Addr *net.UDPAddr
}

// activeQuery pairs a lookup.Query with the node-level bookkeeping a
// domain-agnostic Query has no business owning: whether it is a node
// lookup or a peer lookup, the tokens peers handed back for a future
// announce, and peer addresses surfaced by GET_HASH replies.
type activeQuery struct {
	Query  *lookup.Query
	Kind   message.Query // QueryFindNode or QueryGetPeers
	Tokens map[string]string
	Peers  []*net.UDPAddr
}

// Node is the local DHT participant: routing table, peer store, bounded
// inbound/outbound datagram queues, active queries, and the rate-limited
// per-tick scheduler that drives them all.
type Node struct {
	mu sync.Mutex

	LocalID kadid.ID
	Version string

	Table     *routing.Table
	Store     *peerstore.Store
	Blocklist *routing.Blocklist
	Logger    *slog.Logger

	Inbound  chan Datagram
	Outbound chan Datagram

	Rate RateClass

	queries      map[kadid.ID]*activeQuery
	queryOrder   []kadid.ID
	roundRobin   int
	remoteQueue  []remoteQuery
	potential    []potentialPeer
	potentialSet map[kadid.ID]bool

	sinks  []callback.Sink
	tunnel TunnelHandler

	txCounter message.TransactionCounter
	pending   map[string]pendingRequest

	Announce *announce.Store
	Tokens   *announce.TokenManager
}

// New builds a Node. inboundCap/outboundCap size the bounded FIFOs between
// this core and the transport adapter.
func New(localID kadid.ID, version string, table *routing.Table, store *peerstore.Store, bl *routing.Blocklist, rate RateClass, logger *slog.Logger, inboundCap, outboundCap int) *Node {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Node{
		LocalID:      localID,
		Version:      version,
		Table:        table,
		Store:        store,
		Blocklist:    bl,
		Logger:       logger,
		Rate:         rate,
		Inbound:      make(chan Datagram, inboundCap),
		Outbound:     make(chan Datagram, outboundCap),
		queries:      make(map[kadid.ID]*activeQuery),
		potentialSet: make(map[kadid.ID]bool),
		pending:      make(map[string]pendingRequest),
		Announce:     announce.NewStore(),
		Tokens:       announce.NewTokenManager(),
	}
}

// StartQuery begins (or returns the existing) lookup for target. kind
// selects whether replies are treated as FIND_NODE or GET_HASH traffic.
func (n *Node) StartQuery(target kadid.ID, kind message.Query, f flags.Flags, now time.Time) *lookup.Query {
	n.mu.Lock()
	defer n.mu.Unlock()

	if aq, ok := n.queries[target]; ok {
		return aq.Query
	}

	seeds := n.Table.NearestNodes(target, n.Table.K(), nil)
	q := lookup.New(target, n.Table.K(), f, seeds, now)
	n.queries[target] = &activeQuery{Query: q, Kind: kind, Tokens: make(map[string]string)}
	n.queryOrder = append(n.queryOrder, target)
	return q
}

// QueryStatus returns the terminal-or-running state of an active query.
func (n *Node) QueryStatus(target kadid.ID) (lookup.State, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	aq, ok := n.queries[target]
	if !ok {
		return 0, false
	}
	return aq.Query.State(), true
}

// Query returns the underlying lookup.Query driving target, for callers
// (tests, the manager's status reconciliation) that need direct access
// rather than the narrowed QueryStatus/QueryPeers views.
func (n *Node) Query(target kadid.ID) (*lookup.Query, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	aq, ok := n.queries[target]
	if !ok {
		return nil, false
	}
	return aq.Query, true
}

// QueryPeers returns the peer addresses a GET_HASH-kind query has
// discovered so far.
func (n *Node) QueryPeers(target kadid.ID) []*net.UDPAddr {
	n.mu.Lock()
	defer n.mu.Unlock()

	aq, ok := n.queries[target]
	if !ok {
		return nil
	}
	out := make([]*net.UDPAddr, len(aq.Peers))
	copy(out, aq.Peers)
	return out
}

// StopQuery discards a query's bookkeeping (the manager retires queries it
// no longer needs to re-issue).
func (n *Node) StopQuery(target kadid.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.queries[target]; !ok {
		return
	}
	delete(n.queries, target)
	for i, t := range n.queryOrder {
		if t == target {
			n.queryOrder = append(n.queryOrder[:i], n.queryOrder[i+1:]...)
			break
		}
	}
}

// AnnouncePeers sends ANNOUNCE_PEER to every contact of a GET_HASH-kind
// query that returned a token, for the given port.
func (n *Node) AnnouncePeers(target kadid.ID, port int, now time.Time, stats *Stats) {
	n.mu.Lock()
	aq, ok := n.queries[target]
	if !ok {
		n.mu.Unlock()
		return
	}
	entries := aq.Query.Closest()
	tokens := aq.Tokens
	n.mu.Unlock()

	for _, e := range entries {
		token, ok := tokens[e.Contact.Addr.String()]
		if !ok {
			continue
		}
		txID := n.txCounter.Next()
		payload := message.AnnouncePeerQuery(txID, n.LocalID, target, port, token)
		n.enqueueOutbound(payload, e.Contact.Addr, stats)
		n.recordPending(txID, message.QueryAnnouncePeer, e.Contact.Addr, kadid.ID{}, false, now)
	}
}

// Iteration advances the node core by one tick: it processes at most one
// remote query deferred on an earlier tick, drains inbound datagrams, and
// emits up to the rate class's outbound budget.
func (n *Node) Iteration(now time.Time) Stats {
	var stats Stats

	n.mu.Lock()
	defer n.mu.Unlock()

	n.processOneRemoteQuery(now, &stats)
	n.drainInbound(now, &stats)
	n.emitBudget(now, &stats)

	return stats
}

func (n *Node) drainInbound(now time.Time, stats *Stats) {
	for {
		select {
		case dg := <-n.Inbound:
			stats.Received++
			n.recvPkt(dg.Data, dg.Addr, now, stats)
		default:
			return
		}
	}
}

func (n *Node) emitBudget(now time.Time, stats *Stats) {
	budget := n.Rate.MaxMsgs()
	pingBudget := budget * 9 / 10
	sent := n.emitPotentialPings(pingBudget, now, stats)
	n.emitQueryRoundRobin(budget-sent, now, stats)
}

func (n *Node) emitPotentialPings(budget int, now time.Time, stats *Stats) int {
	sent := 0
	for sent < budget && len(n.potential) > 0 {
		p := n.potential[0]
		n.potential = n.potential[1:]
		delete(n.potentialSet, p.ID)

		txID := n.txCounter.Next()
		n.enqueueOutbound(message.PingQuery(txID, n.LocalID), p.Addr, stats)
		n.recordPending(txID, message.QueryPing, p.Addr, kadid.ID{}, false, now)
		sent++
	}
	return sent
}

func (n *Node) emitQueryRoundRobin(budget int, now time.Time, stats *Stats) {
	if budget <= 0 || len(n.queryOrder) == 0 {
		return
	}

	attempts := 0
	sent := 0
	for sent < budget && attempts < len(n.queryOrder) {
		idx := n.roundRobin % len(n.queryOrder)
		n.roundRobin++
		attempts++

		target := n.queryOrder[idx]
		aq, ok := n.queries[target]
		if !ok {
			continue
		}

		contact, advertised, ok := aq.Query.NextQuery(now)
		if !ok {
			continue
		}

		txID := n.txCounter.Next()
		var payload bencode.Value
		switch aq.Kind {
		case message.QueryFindNode:
			payload = message.FindNodeQuery(txID, n.LocalID, advertised)
		case message.QueryGetPeers:
			payload = message.GetPeersQuery(txID, n.LocalID, advertised)
		default:
			continue
		}

		n.enqueueOutbound(payload, contact.Addr, stats)
		n.recordPending(txID, aq.Kind, contact.Addr, target, true, now)
		sent++
	}
}

func (n *Node) recordPending(txID string, kind message.Query, addr *net.UDPAddr, queryTarget kadid.ID, hasQueryTarget bool, now time.Time) {
	n.pending[txID] = pendingRequest{
		Kind:           kind,
		Addr:           addr.String(),
		QueryTarget:    queryTarget,
		HasQueryTarget: hasQueryTarget,
		Sent:           now,
	}
}

// derivedVersionFlags compares the "v" token of a PONG against the local
// version string, per spec.md §4.7's flag-derivation rule.
func (n *Node) derivedVersionFlags(v string, ok bool) flags.Flags {
	f := flags.RecvPong
	if ok && n.Version != "" && strings.HasPrefix(v, n.Version) {
		f |= flags.DHTEngine
		if v == n.Version {
			f |= flags.ApplVersion
		}
	}
	return f
}
