// Package tunnel implements the reachability-verification and three-party
// hole-punch subsystem of spec.md §4.9: a second, node-like component that
// shares the node core's wire codec and socket but owns its own request
// list and a reduced lifecycle (OFF → STARTUP → NEWCONN ↔ FAILED),
// grounded on the bootstrap/reachability pattern of
// opd-ai-toxcore's dht/bootstrap.go.
package tunnel

import (
	"net"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/callback"
	"github.com/dhtkit/dhtkit/internal/dht/message"
	"github.com/dhtkit/dhtkit/internal/dht/node"
	"github.com/dhtkit/dhtkit/internal/dht/routing"
	"github.com/dhtkit/dhtkit/pkg/kadid"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is one node of the tunnel's reduced lifecycle.
type State int

const (
	StateOff State = iota
	StateStartup
	StateNewConn
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateStartup:
		return "STARTUP"
	case StateNewConn:
		return "NEWCONN"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

const (
	startupDelay    = 2 * time.Second
	retryInterval   = 5 * time.Second
	maxAttempts     = 3
	relayExpiration = 15 * time.Second
)

// pendingConnect is one outstanding direct NEWCONN reachability check.
type pendingConnect struct {
	RequestID string
	Contact   *routing.Contact
	TxID      string
	SentAt    time.Time
	Attempts  int
}

// pendingBroadcast is A's bookkeeping for a three-party connect request it
// initiated via an intermediary.
type pendingBroadcast struct {
	RequestID    string
	Target       kadid.ID
	Intermediary *routing.Contact
	TxID         string
	SentAt       time.Time
}

// pendingRelay is M's bookkeeping for an ASK_CONN it forwarded to P on
// behalf of some requester A, so the eventual REPLY_CONN from P can be
// relayed back to A under A's original transaction id.
type pendingRelay struct {
	OrigTxID  string
	OrigAddr  *net.UDPAddr
	Requester kadid.ID
	SentAt    time.Time
}

// Tunnel drives reachability checks and three-party connect relays for one
// local node, sharing its socket via node.Node.Send and its TunnelHandler
// hook.
type Tunnel struct {
	localID kadid.ID
	table   *routing.Table
	n       *node.Node
	logger  *logrus.Logger

	state     State
	enteredAt time.Time

	observedAddr *net.UDPAddr

	txCounter message.TransactionCounter

	pendingConnects   map[string]*pendingConnect // keyed by TxID
	connectByTarget   map[kadid.ID]*pendingConnect
	pendingBroadcasts map[string]*pendingBroadcast // keyed by TxID
	pendingRelays     map[string]*pendingRelay     // keyed by the relay's own TxID

	sinks []callback.Sink
}

// New builds a Tunnel in the OFF state, sharing n's socket and routing
// table.
func New(localID kadid.ID, table *routing.Table, n *node.Node, logger *logrus.Logger) *Tunnel {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.ErrorLevel)
	}
	return &Tunnel{
		localID:           localID,
		table:             table,
		n:                 n,
		logger:            logger,
		state:             StateOff,
		pendingConnects:   make(map[string]*pendingConnect),
		connectByTarget:   make(map[kadid.ID]*pendingConnect),
		pendingBroadcasts: make(map[string]*pendingBroadcast),
		pendingRelays:     make(map[string]*pendingRelay),
	}
}

// RegisterSink subscribes s to reachability notifications.
func (t *Tunnel) RegisterSink(s callback.Sink) {
	t.sinks = append(t.sinks, s)
}

// State returns the tunnel's current lifecycle state.
func (t *Tunnel) State() State { return t.state }

// Start transitions OFF → STARTUP. A call while already running is a no-op.
func (t *Tunnel) Start(now time.Time) {
	if t.state != StateOff {
		return
	}
	t.transition(StateStartup, now)
}

// Stop clears every pending request and returns to OFF.
func (t *Tunnel) Stop(now time.Time) {
	t.pendingConnects = make(map[string]*pendingConnect)
	t.connectByTarget = make(map[kadid.ID]*pendingConnect)
	t.pendingBroadcasts = make(map[string]*pendingBroadcast)
	t.pendingRelays = make(map[string]*pendingRelay)
	t.transition(StateOff, now)
}

func (t *Tunnel) transition(next State, now time.Time) {
	if next == t.state {
		return
	}
	t.logger.WithFields(logrus.Fields{
		"from": t.state.String(),
		"to":   next.String(),
	}).Info("tunnel: state transition")
	t.state = next
	t.enteredAt = now
}

// ObservedAddr returns the externally-visible address last reported back to
// this node by a peer's REPLY_NEWCONN, if any.
func (t *Tunnel) ObservedAddr() *net.UDPAddr { return t.observedAddr }

// ConnectNode registers (or returns the id of an existing) reachability
// check against contact. While the tunnel is in NEWCONN state the request
// is sent immediately; otherwise it is sent by the first Tick after the
// tunnel enters NEWCONN. A tunnel in OFF is started automatically.
func (t *Tunnel) ConnectNode(contact *routing.Contact, now time.Time) string {
	if existing, ok := t.connectByTarget[contact.ID]; ok {
		return existing.RequestID
	}

	if t.state == StateOff {
		t.Start(now)
	}

	pc := &pendingConnect{
		RequestID: uuid.NewString(),
		Contact:   contact,
	}
	t.connectByTarget[contact.ID] = pc

	if t.state == StateNewConn {
		t.sendNewConn(pc, now)
	}
	return pc.RequestID
}

// Tick advances the tunnel's lifecycle and retries any due requests.
func (t *Tunnel) Tick(now time.Time) {
	switch t.state {
	case StateOff:
		return
	case StateStartup:
		if now.Sub(t.enteredAt) < startupDelay {
			return
		}
		t.transition(StateNewConn, now)
	case StateNewConn:
		t.tickNewConn(now)
	case StateFailed:
		t.Stop(now)
		t.Start(now)
	}
}

func (t *Tunnel) tickNewConn(now time.Time) {
	var exhausted []*pendingConnect
	for _, pc := range t.connectByTarget {
		if pc.Attempts >= maxAttempts {
			exhausted = append(exhausted, pc)
			continue
		}
		if pc.TxID != "" && now.Sub(pc.SentAt) < retryInterval {
			continue
		}
		t.sendNewConn(pc, now)
	}

	for _, pc := range exhausted {
		t.giveUp(pc)
	}

	// No reachability checks made any progress and nothing is left in
	// flight: the NAT traversal attempt as a whole has failed.
	if len(exhausted) > 0 && len(t.connectByTarget) == 0 {
		t.transition(StateFailed, now)
	}
}

func (t *Tunnel) giveUp(pc *pendingConnect) {
	delete(t.pendingConnects, pc.TxID)
	delete(t.connectByTarget, pc.Contact.ID)

	t.logger.WithFields(logrus.Fields{
		"request_id": pc.RequestID,
		"peer":       pc.Contact.ID.String(),
		"attempts":   pc.Attempts,
	}).Warn("tunnel: reachability check exhausted retries")

	for _, s := range t.sinks {
		s.OnPeer(pc.Contact.ID, callback.StatusQueryFailure)
	}
}

func (t *Tunnel) sendNewConn(pc *pendingConnect, now time.Time) {
	if pc.TxID != "" {
		delete(t.pendingConnects, pc.TxID)
	}

	txID := t.txCounter.Next()
	pc.TxID = txID
	pc.SentAt = now
	pc.Attempts++
	t.pendingConnects[txID] = pc

	t.n.Send(message.NewConnQuery(txID, t.localID), pc.Contact.Addr)
}

// HandleReplyNewConn correlates an incoming REPLY_NEWCONN against this
// tunnel's outstanding direct checks, records the externally-observed
// address it carries, and fires a PEER_ONLINE callback on match.
func (t *Tunnel) HandleReplyNewConn(msg message.Message, from *net.UDPAddr) {
	txID, ok := msg.TransactionID()
	if !ok {
		return
	}

	pid, ok := msg.PeerID()
	if ok {
		if _, ip, port, ok := message.DecodeCompactNode(pid); ok {
			t.observedAddr = &net.UDPAddr{IP: ip, Port: port}
		}
	}

	pc, ok := t.pendingConnects[txID]
	if !ok {
		return
	}
	delete(t.pendingConnects, txID)
	delete(t.connectByTarget, pc.Contact.ID)

	t.logger.WithFields(logrus.Fields{
		"request_id": pc.RequestID,
		"peer":       pc.Contact.ID.String(),
		"addr":       from.String(),
	}).Info("tunnel: peer confirmed reachable")

	for _, s := range t.sinks {
		s.OnPeer(pc.Contact.ID, callback.StatusPeerOnline)
	}
}
