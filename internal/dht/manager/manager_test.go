package manager

import (
	"net"
	"testing"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/callback"
	"github.com/dhtkit/dhtkit/internal/dht/flags"
	"github.com/dhtkit/dhtkit/internal/dht/node"
	"github.com/dhtkit/dhtkit/internal/dht/routing"
	"github.com/dhtkit/dhtkit/internal/dhtconfig"
	"github.com/dhtkit/dhtkit/pkg/kadid"
)

func newTestManager(t *testing.T) (*Manager, kadid.ID) {
	t.Helper()
	return newTestManagerK(t, 10)
}

func newTestManagerK(t *testing.T, k int) (*Manager, kadid.ID) {
	t.Helper()
	dhtconfig.Init()

	selfID := kadid.New()
	table := routing.New(selfID, k, 15*time.Minute)
	bl := routing.NewBlocklist()
	n := node.New(selfID, "dhtkit-01", table, nil, bl, node.RateMed, nil, 64, 64)
	m := New(n, selfID, nil)
	return m, selfID
}

func idAt(b byte) kadid.ID {
	var id kadid.ID
	id[0] = b
	return id
}

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestStartDHT_TransitionsToStartup(t *testing.T) {
	m, _ := newTestManager(t)
	now := time.Now()

	if m.State() != StateOff {
		t.Fatalf("initial state = %v, want OFF", m.State())
	}
	m.StartDHT(now)
	if m.State() != StateStartup {
		t.Fatalf("state after StartDHT = %v, want STARTUP", m.State())
	}

	// A second StartDHT is a no-op: state does not reset.
	m.StartDHT(now.Add(time.Second))
	if m.State() != StateStartup {
		t.Fatalf("second StartDHT changed state to %v", m.State())
	}
}

func TestTickStartup_TransitionsAfterMaxStartupTime(t *testing.T) {
	m, selfID := newTestManager(t)
	now := time.Now()
	m.StartDHT(now)

	m.Tick(now.Add(time.Second))
	if m.State() != StateStartup {
		t.Fatalf("state = %v, want still STARTUP before MaxStartupTime", m.State())
	}

	after := now.Add(dhtconfig.Load().MaxStartupTime + time.Second)
	m.Tick(after)
	if m.State() != StateFindSelf {
		t.Fatalf("state = %v, want FIND_SELF", m.State())
	}

	q, ok := m.queries.Get(selfID)
	if !ok {
		t.Fatal("self-lookup was not registered on entering FIND_SELF")
	}
	if !q.Flags.Has(flags.Idle) || !q.Flags.Has(flags.Disguise) {
		t.Errorf("self-lookup flags = %v, want IDLE|DISGUISE", q.Flags)
	}
}

func TestFindSelfToRefresh_WhenSpaceSizeReachesThreshold(t *testing.T) {
	m, _ := newTestManager(t)
	now := time.Now()
	m.StartDHT(now)
	m.Tick(now.Add(dhtconfig.Load().MaxStartupTime + time.Second))
	if m.State() != StateFindSelf {
		t.Fatalf("state = %v, want FIND_SELF", m.State())
	}

	for i := 0; i < 100; i++ {
		id := idAt(byte(i + 1))
		c := routing.NewContact(id, udpAddr(2000+i), 0)
		m.node.Table.AddPeer(c, 0, now)
	}

	m.Tick(now.Add(dhtconfig.Load().MaxStartupTime + 2*time.Second))
	if m.State() != StateRefresh {
		t.Fatalf("state = %v, want REFRESH once space size >= 100", m.State())
	}

	// REFRESH unconditionally advances to ACTIVE on the next tick.
	m.Tick(now.Add(dhtconfig.Load().MaxStartupTime + 3*time.Second))
	if m.State() != StateActive {
		t.Fatalf("state = %v, want ACTIVE after REFRESH's one tick", m.State())
	}
}

func TestAddFindNode_Idempotent(t *testing.T) {
	m, _ := newTestManager(t)
	target := idAt(0x42)

	m.AddFindNode(target, 0)
	q1, _ := m.queries.Get(target)
	q1.Status = StatusQuerying // mutate to detect whether a second Add overwrites

	m.AddFindNode(target, flags.Idle)
	q2, _ := m.queries.Get(target)
	if q2.Status != StatusQuerying {
		t.Fatalf("second AddFindNode overwrote existing record: status = %v", q2.Status)
	}

	m.RemoveFindNode(target)
	if _, ok := m.queries.Get(target); ok {
		t.Fatal("RemoveFindNode did not erase the record")
	}
}

type recordingSink struct {
	peerEvents []callback.Status
}

func (r *recordingSink) OnNode(*routing.Contact, flags.Flags) {}
func (r *recordingSink) OnPeer(_ kadid.ID, status callback.Status) {
	r.peerEvents = append(r.peerEvents, status)
}
func (r *recordingSink) OnValue(kadid.ID, string, string) {}

func TestCallbackIdempotence_FiresOnceThenAgainAfterRequery(t *testing.T) {
	// K=1 so a single matching reply fills the query's closest bag and
	// evaluateTermination can reach SUCCESS without seeding nine filler
	// contacts just to satisfy fullness.
	m, _ := newTestManagerK(t, 1)
	sink := &recordingSink{}
	m.RegisterSink(sink)

	now := time.Now()
	target := idAt(0x7)
	m.AddFindNode(target, flags.Idle)

	m.startQueuedQueries(now)
	q, ok := m.queries.Get(target)
	if !ok {
		t.Fatal("query not registered")
	}
	if q.Status != StatusQuerying {
		t.Fatalf("status = %v, want QUERYING", q.Status)
	}

	lq, ok := m.node.Query(target)
	if !ok {
		t.Fatal("underlying lookup.Query not found")
	}
	settleTime := now.Add(10 * time.Second)
	lq.AddPeer(target, udpAddr(3000), settleTime)
	// First NextQuery sends to the just-added entry (its LastSend is still
	// zero); the second, with nothing left due, runs evaluateTermination.
	lq.NextQuery(settleTime)
	lq.NextQuery(settleTime.Add(time.Second))

	m.reconcile(settleTime.Add(time.Second))
	m.reconcile(settleTime.Add(2 * time.Second))
	if len(sink.peerEvents) != 1 {
		t.Fatalf("peerEvents = %v, want exactly one SUCCESS", sink.peerEvents)
	}
	if sink.peerEvents[0] != callback.StatusPeerOnline {
		t.Fatalf("event = %v, want PEER_ONLINE", sink.peerEvents[0])
	}

	// IDLE query returns to READY; the underlying lookup.Query must be the
	// same resident object (settle no longer calls StopQuery for IDLE
	// queries) so its idle-retry backoff keeps governing re-polling instead
	// of restarting from a blank query.
	m.startQueuedQueries(settleTime.Add(3 * time.Second))
	lq2, ok := m.node.Query(target)
	if !ok {
		t.Fatal("underlying lookup.Query not found on second cycle")
	}
	if lq2 != lq {
		t.Fatal("IDLE requery rebuilt the underlying lookup.Query instead of reusing the resident one")
	}

	settleTime2 := settleTime.Add(20 * time.Second)
	m.reconcile(settleTime2)

	if len(sink.peerEvents) != 2 {
		t.Fatalf("peerEvents = %v, want two SUCCESS events after requery", sink.peerEvents)
	}
}
