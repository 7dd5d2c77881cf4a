// Package manager implements the DHT's lifecycle state machine (spec.md
// §4.8): it owns the user-visible lookup map, drives the node core through
// startup/self-find/refresh, and bridges per-query status transitions to
// the application's callback.Sink, grounded on the teacher's DHT lifecycle
// (bootstrapLoop/refreshLoop/pingLoop in dht.go) but reworked into the
// explicit OFF/STARTUP/FIND_SELF/ACTIVE/REFRESH/QUIET/FAILED machine.
package manager

import (
	"log/slog"
	"net"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/callback"
	"github.com/dhtkit/dhtkit/internal/dht/flags"
	"github.com/dhtkit/dhtkit/internal/dht/lookup"
	"github.com/dhtkit/dhtkit/internal/dht/message"
	"github.com/dhtkit/dhtkit/internal/dht/node"
	"github.com/dhtkit/dhtkit/internal/dhtconfig"
	"github.com/dhtkit/dhtkit/pkg/kadid"
	"github.com/dhtkit/dhtkit/pkg/syncmap"
)

// State is one node of the manager's lifecycle state machine.
type State int

const (
	StateOff State = iota
	StateStartup
	StateFindSelf
	StateRefresh
	StateActive
	StateQuiet
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateStartup:
		return "STARTUP"
	case StateFindSelf:
		return "FIND_SELF"
	case StateRefresh:
		return "REFRESH"
	case StateActive:
		return "ACTIVE"
	case StateQuiet:
		return "QUIET"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// QueryStatus is a ManagerQuery's user-visible progress, spec.md §3.
type QueryStatus int

const (
	StatusReady QueryStatus = iota
	StatusQuerying
	StatusFailure
	StatusFoundClosest
	StatusPeerUnreachable
	StatusSuccess
)

// ManagerQuery is one user-requested lookup record, keyed by target.
type ManagerQuery struct {
	Target           kadid.ID
	Status           QueryStatus
	Flags            flags.Flags
	LastReportedAddr *net.UDPAddr

	lastCallback     callback.Status
	haveLastCallback bool
}

// findSelfQuickSize gates the FIND_SELF → REFRESH transition's primary
// branch; findSelfAgeGate and findSelfSizeGate gate its secondary branch
// (age>60 && size>=20), spec.md §4.8.
const (
	findSelfQuickSize = 100
	findSelfAgeGate   = 60 * time.Second
	findSelfSizeGate  = 20
)

// Manager drives one Node's lifecycle and owns the set of user-requested
// lookups.
type Manager struct {
	node   *node.Node
	selfID kadid.ID
	logger *slog.Logger
	sinks  []callback.Sink

	state     State
	enteredAt time.Time

	queries *syncmap.Map[kadid.ID, *ManagerQuery]
}

// New builds a Manager in the OFF state.
func New(n *node.Node, selfID kadid.ID, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		node:    n,
		selfID:  selfID,
		logger:  logger,
		queries: syncmap.New[kadid.ID, *ManagerQuery](),
		state:   StateOff,
	}
}

// RegisterSink subscribes s to OnNode (forwarded to the node core) and
// OnPeer/OnValue (fired directly by this manager's status reconciliation).
func (m *Manager) RegisterSink(s callback.Sink) {
	m.sinks = append(m.sinks, s)
	m.node.RegisterSink(s)
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State { return m.state }

// StartDHT transitions OFF → STARTUP. A call while already running is a
// no-op, matching spec.md §5's "a second startDht is legal" idempotence
// (startDht is idempotent only from OFF; this call simply ignores it
// otherwise since the machine is already progressing toward ACTIVE).
func (m *Manager) StartDHT(now time.Time) {
	if m.state != StateOff {
		return
	}
	m.transition(StateStartup, now)
}

// StopDHT clears every query back to READY, empties the routing table, and
// returns to OFF (spec.md §5's cancellation contract). A second StartDHT
// afterward is legal.
func (m *Manager) StopDHT(now time.Time) {
	m.queries.Range(func(id kadid.ID, q *ManagerQuery) bool {
		q.Status = StatusReady
		q.haveLastCallback = false
		m.node.StopQuery(id)
		return true
	})
	m.node.Table.Clear()
	m.transition(StateOff, now)
}

func (m *Manager) transition(next State, now time.Time) {
	if next == m.state {
		return
	}
	m.logger.Info("manager: state transition", "from", m.state, "to", next)
	m.state = next
	m.enteredAt = now
}

// AddFindNode idempotently registers a user-requested lookup.
func (m *Manager) AddFindNode(target kadid.ID, f flags.Flags) {
	if _, exists := m.queries.Get(target); exists {
		return
	}
	m.queries.Put(target, &ManagerQuery{Target: target, Status: StatusReady, Flags: f})
}

// RemoveFindNode retires a lookup and stops its underlying node query.
func (m *Manager) RemoveFindNode(target kadid.ID) {
	m.node.StopQuery(target)
	m.queries.Delete(target)
}

// Tick advances the lifecycle machine by one step and reconciles every
// active query's status against the node core, per spec.md §4.8. Callers
// drive this once per second.
func (m *Manager) Tick(now time.Time) {
	switch m.state {
	case StateOff:
		return
	case StateStartup:
		m.tickStartup(now)
	case StateFindSelf:
		m.tickFindSelf(now)
	case StateRefresh:
		m.tickRefresh(now)
	case StateActive, StateQuiet:
		m.tickActive(now)
	case StateFailed:
		m.tickFailed(now)
	}
}

func (m *Manager) tickStartup(now time.Time) {
	if now.Sub(m.enteredAt) < dhtconfig.Load().MaxStartupTime {
		return
	}
	m.transition(StateFindSelf, now)
	m.AddFindNode(m.selfID, flags.Idle|flags.Disguise)
}

func (m *Manager) tickFindSelf(now time.Time) {
	m.startQueuedQueries(now)
	m.reconcile(now)

	size := m.node.Table.CalcSpaceSize()
	age := now.Sub(m.enteredAt)

	if size >= findSelfQuickSize || (age > findSelfAgeGate && size >= findSelfSizeGate) {
		m.enterRefresh(now)
		return
	}
	if age > findSelfAgeGate && size < findSelfSizeGate {
		m.transition(StateFailed, now)
	}
}

// enterRefresh performs REFRESH's one-time work (start queued queries,
// reconcile, persist the bootstrap store) at the moment the machine enters
// the state, per the diagram in spec.md §4.8: the work is attached to
// REFRESH itself, and the following tick unconditionally advances to
// ACTIVE.
func (m *Manager) enterRefresh(now time.Time) {
	m.transition(StateRefresh, now)
	m.startQueuedQueries(now)
	m.reconcile(now)
	if m.node.Store != nil {
		if err := m.node.Store.Save(); err != nil {
			m.logger.Warn("manager: failed to save peerstore during refresh", "error", err)
		}
	}
}

func (m *Manager) tickRefresh(now time.Time) {
	m.transition(StateActive, now)
}

func (m *Manager) tickActive(now time.Time) {
	m.startQueuedQueries(now)
	m.reconcile(now)

	if now.Sub(m.enteredAt) > dhtconfig.Load().MaxRefreshTime {
		m.enterRefresh(now)
		return
	}

	size := m.node.Table.CalcSpaceSize()
	age := now.Sub(m.enteredAt)
	if age > findSelfAgeGate && size < findSelfSizeGate {
		m.transition(StateFailed, now)
	}
}

func (m *Manager) tickFailed(now time.Time) {
	m.StopDHT(now)
	m.StartDHT(now)
}

// startQueuedQueries transitions every READY lookup to QUERYING and starts
// its underlying node query, spec.md §4.8's "on each REFRESH tick" rule
// applied to every running-state tick so lookups added mid-ACTIVE are not
// stranded until the next REFRESH phase.
func (m *Manager) startQueuedQueries(now time.Time) {
	var ready []kadid.ID
	m.queries.Range(func(id kadid.ID, q *ManagerQuery) bool {
		if q.Status == StatusReady {
			ready = append(ready, id)
		}
		return true
	})

	for _, id := range ready {
		q, ok := m.queries.Get(id)
		if !ok {
			continue
		}
		kind := message.QueryFindNode
		m.node.StartQuery(id, kind, q.Flags|flags.Disguise, now)
		q.Status = StatusQuerying
		// Entering a fresh query cycle: the idempotence window for
		// callback dedup (spec.md §8 scenario 6) resets here, so a
		// repeated terminal status from this new cycle fires again.
		q.haveLastCallback = false
	}
}

// reconcile snapshots every QUERYING lookup's underlying node-query state
// and maps terminal states to callbacks, firing only on change relative to
// the last reported status for that target (spec.md §8 scenario 6).
func (m *Manager) reconcile(now time.Time) {
	var targets []kadid.ID
	m.queries.Range(func(id kadid.ID, q *ManagerQuery) bool {
		if q.Status == StatusQuerying {
			targets = append(targets, id)
		}
		return true
	})

	for _, id := range targets {
		q, ok := m.queries.Get(id)
		if !ok {
			continue
		}

		state, ok := m.node.QueryStatus(id)
		if !ok {
			continue
		}

		switch state {
		case lookup.StateQuerying:
			continue
		case lookup.StateFailure:
			m.settle(q, StatusFailure, callback.StatusQueryFailure)
		case lookup.StateFoundClosest:
			m.settle(q, StatusFoundClosest, callback.StatusPeerOffline)
		case lookup.StatePeerUnreachable:
			m.settle(q, StatusPeerUnreachable, callback.StatusPeerUnreachable)
		case lookup.StateSuccess:
			if peers := m.node.QueryPeers(id); len(peers) > 0 {
				q.LastReportedAddr = peers[0]
			}
			m.settle(q, StatusSuccess, callback.StatusPeerOnline)
		}
	}
}

// settle applies a terminal status to q, retires the underlying query
// unless IDLE, and fires the callback only if it differs from the last one
// reported for this target.
func (m *Manager) settle(q *ManagerQuery, status QueryStatus, cb callback.Status) {
	q.Status = status

	if !q.haveLastCallback || q.lastCallback != cb {
		q.haveLastCallback = true
		q.lastCallback = cb
		for _, s := range m.sinks {
			s.OnPeer(q.Target, cb)
		}
	}

	if q.Flags.Has(flags.Idle) {
		// Leave the underlying lookup.Query resident: its own idle-retry
		// backoff (lookup.Query.NextQuery) governs when it polls again, so
		// the next READY->QUERYING cycle must resume the same query rather
		// than rebuild one from scratch.
		q.Status = StatusReady
		return
	}

	m.node.StopQuery(q.Target)
	m.queries.Delete(q.Target)
}
