package lookup

import (
	"net"
	"testing"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/flags"
	"github.com/dhtkit/dhtkit/internal/dht/routing"
	"github.com/dhtkit/dhtkit/pkg/kadid"
)

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func idWithFirstByte(b byte) kadid.ID {
	var id kadid.ID
	id[0] = b
	return id
}

// TestQueryTermination_FoundClosest mirrors spec.md §8 scenario 3: three
// synthetic contacts all reply with no closer peers than themselves, and
// since none carries the exact target id, the query settles on
// FOUND_CLOSEST rather than SUCCESS.
func TestQueryTermination_FoundClosest(t *testing.T) {
	target := idWithFirstByte(0x81)
	now := time.Now()

	seeds := []*routing.Contact{
		routing.NewContact(idWithFirstByte(0x80), udpAddr(1), 0),
		routing.NewContact(idWithFirstByte(0x82), udpAddr(2), 0),
		routing.NewContact(idWithFirstByte(0x83), udpAddr(3), 0),
	}
	q := New(target, 3, 0, seeds, now)

	for i := 0; i < 3; i++ {
		c, adv, ok := q.NextQuery(now)
		if !ok {
			t.Fatalf("send %d: NextQuery returned ok=false", i)
		}
		if adv != target {
			t.Fatalf("send %d: advertised = %x, want real target (no disguise)", i, adv)
		}
		// Each contact replies about only itself: no closer peers.
		q.AddPeer(c.ID, c.Addr, now)
	}

	// No further sends are due; evaluate termination.
	past := now.Add(5 * time.Second)
	_, _, ok := q.NextQuery(past)
	if ok {
		t.Fatal("NextQuery returned ok=true after all three contacts replied")
	}
	if q.State() != StateFoundClosest {
		t.Fatalf("state = %v, want FOUND_CLOSEST", q.State())
	}
}

func TestQueryTermination_Success(t *testing.T) {
	target := idWithFirstByte(0x81)
	now := time.Now()

	seeds := []*routing.Contact{
		routing.NewContact(target, udpAddr(1), 0),
	}
	q := New(target, 1, 0, seeds, now)

	c, _, ok := q.NextQuery(now)
	if !ok {
		t.Fatal("NextQuery returned ok=false")
	}
	q.AddPeer(c.ID, c.Addr, now)

	_, _, ok = q.NextQuery(now.Add(5 * time.Second))
	if ok {
		t.Fatal("NextQuery returned ok=true after the target itself replied")
	}
	if q.State() != StateSuccess {
		t.Fatalf("state = %v, want SUCCESS", q.State())
	}
}

func TestQueryTermination_PeerUnreachable(t *testing.T) {
	target := idWithFirstByte(0x81)
	now := time.Now()

	seeds := []*routing.Contact{
		routing.NewContact(idWithFirstByte(0x80), udpAddr(1), 0),
	}
	q := New(target, 2, 0, seeds, now)

	c, _, ok := q.NextQuery(now)
	if !ok {
		t.Fatal("NextQuery returned ok=false")
	}
	q.AddPeer(c.ID, c.Addr, now)
	// The reply reports the exact target as a neighbour, but it is never
	// itself queried successfully into closest.
	q.AddPotentialPeer(target, udpAddr(99))

	_, _, ok = q.NextQuery(now.Add(5 * time.Second))
	if ok {
		t.Fatal("NextQuery returned ok=true unexpectedly")
	}
	if q.State() != StatePeerUnreachable {
		t.Fatalf("state = %v, want PEER_UNREACHABLE", q.State())
	}
}

func TestQueryTermination_FailureWhenEmpty(t *testing.T) {
	target := idWithFirstByte(0x81)
	now := time.Now()

	q := New(target, 3, 0, nil, now)

	_, _, ok := q.NextQuery(now.Add(DefaultMaxQueryAge + time.Second))
	if ok {
		t.Fatal("NextQuery returned ok=true for an empty query")
	}
	if q.State() != StateFailure {
		t.Fatalf("state = %v, want FAILURE", q.State())
	}
}

func TestQueryTermination_UnderAgeStaysQuerying(t *testing.T) {
	target := idWithFirstByte(0x81)
	now := time.Now()

	seeds := []*routing.Contact{
		routing.NewContact(idWithFirstByte(0x80), udpAddr(1), 0),
	}
	q := New(target, 2, 0, seeds, now)

	c, _, ok := q.NextQuery(now)
	if !ok {
		t.Fatal("NextQuery returned ok=false")
	}
	q.AddPeer(c.ID, c.Addr, now)

	// Full would never hold here (K=2, one entry), so re-evaluate before
	// MIN_QUERY_AGE elapses and confirm no premature termination.
	_, _, ok = q.NextQuery(now.Add(time.Millisecond))
	if ok {
		t.Fatal("NextQuery returned ok=true with nothing due")
	}
	if q.State() != StateQuerying {
		t.Fatalf("state = %v, want QUERYING (still under MIN_QUERY_AGE)", q.State())
	}
}

// TestDisguise_StaysInHalfSpace mirrors spec.md §8 scenario 4.
func TestDisguise_StaysInHalfSpace(t *testing.T) {
	target := kadid.New()
	peer := kadid.New()
	now := time.Now()

	seeds := []*routing.Contact{routing.NewContact(peer, udpAddr(1), 0)}
	boundary := kadid.BucketIndex(target, peer)

	for i := 0; i < 1000; i++ {
		q := New(target, 1, flags.Disguise, seeds, now)
		_, advertised, ok := q.NextQuery(now)
		if !ok {
			t.Fatalf("trial %d: NextQuery returned ok=false", i)
		}
		if got := kadid.BucketIndex(target, advertised); got > boundary {
			t.Fatalf("trial %d: BucketIndex(target, advertised) = %d, want <= %d", i, got, boundary)
		}
	}
}

func TestNextQuery_NoDisguiseAdvertisesRealTarget(t *testing.T) {
	target := idWithFirstByte(0x01)
	now := time.Now()

	seeds := []*routing.Contact{routing.NewContact(idWithFirstByte(0x02), udpAddr(1), 0)}
	q := New(target, 1, 0, seeds, now)

	_, advertised, ok := q.NextQuery(now)
	if !ok {
		t.Fatal("NextQuery returned ok=false")
	}
	if advertised != target {
		t.Fatalf("advertised = %x, want real target %x", advertised, target)
	}
}

func TestAddPeer_MergesAndDedupes(t *testing.T) {
	target := idWithFirstByte(0x81)
	now := time.Now()

	q := New(target, 5, 0, nil, now)
	id := idWithFirstByte(0x01)

	q.AddPeer(id, udpAddr(1), now)
	q.AddPeer(id, udpAddr(2), now.Add(time.Second))

	if len(q.Closest()) != 1 {
		t.Fatalf("len(Closest()) = %d, want 1 (no duplicate entries)", len(q.Closest()))
	}
	if q.Closest()[0].Contact.Addr.Port != 2 {
		t.Fatalf("Addr.Port = %d, want 2 (updated on repeat)", q.Closest()[0].Contact.Addr.Port)
	}
}

func TestAddPeer_EvictsFarthestWhenOverCapacity(t *testing.T) {
	target := idWithFirstByte(0x00)
	now := time.Now()

	q := New(target, 2, 0, nil, now)
	near := kadid.ID{0x01}
	mid := kadid.ID{0x02}
	far := kadid.ID{0xFF}

	q.AddPeer(far, udpAddr(1), now)
	q.AddPeer(near, udpAddr(2), now)
	q.AddPeer(mid, udpAddr(3), now)

	if len(q.Closest()) != 2 {
		t.Fatalf("len(Closest()) = %d, want 2", len(q.Closest()))
	}
	for _, e := range q.Closest() {
		if e.Contact.ID == far {
			t.Fatal("farthest entry was not evicted")
		}
	}
}

func TestAddPeer_PrunesUnresponsiveEntries(t *testing.T) {
	target := idWithFirstByte(0x81)
	now := time.Now()

	q := New(target, 5, 0, nil, now)
	q.ExpectedReplyWindow = time.Millisecond

	stale := idWithFirstByte(0x01)
	q.closest = append(q.closest, &Entry{Contact: routing.NewContact(stale, udpAddr(1), 0), LastSend: now})

	fresh := idWithFirstByte(0x02)
	q.AddPeer(fresh, udpAddr(2), now.Add(10*time.Millisecond))

	for _, e := range q.Closest() {
		if e.Contact.ID == stale {
			t.Fatal("unresponsive entry was not pruned")
		}
	}
}

func TestAddPotentialPeer_RejectsDuplicatesAndExisting(t *testing.T) {
	target := idWithFirstByte(0x81)
	now := time.Now()

	q := New(target, 5, 0, nil, now)
	resident := idWithFirstByte(0x01)
	q.AddPeer(resident, udpAddr(1), now)

	if q.AddPotentialPeer(resident, udpAddr(1)) {
		t.Fatal("AddPotentialPeer admitted an id already in closest")
	}

	newcomer := idWithFirstByte(0x02)
	if !q.AddPotentialPeer(newcomer, udpAddr(2)) {
		t.Fatal("AddPotentialPeer rejected a fresh id with room available")
	}
	if q.AddPotentialPeer(newcomer, udpAddr(2)) {
		t.Fatal("AddPotentialPeer admitted the same id twice")
	}
}

func TestAddPotentialPeer_BoundedAtK(t *testing.T) {
	target := idWithFirstByte(0x00)
	now := time.Now()

	q := New(target, 1, 0, nil, now)
	near := kadid.ID{0x01}
	far := kadid.ID{0xFF}

	if !q.AddPotentialPeer(far, udpAddr(1)) {
		t.Fatal("AddPotentialPeer rejected the first (only) candidate")
	}
	if !q.AddPotentialPeer(near, udpAddr(2)) {
		t.Fatal("AddPotentialPeer rejected a strictly closer candidate")
	}
	if len(q.potentialClosest) != 1 || q.potentialClosest[0].Contact.ID != near {
		t.Fatalf("potentialClosest = %v, want only the closer (near) entry", q.potentialClosest)
	}
}

func TestResult_DefaultExactMatchOnly(t *testing.T) {
	target := idWithFirstByte(0x81)
	now := time.Now()

	q := New(target, 5, 0, nil, now)
	q.AddPeer(idWithFirstByte(0x01), udpAddr(1), now)
	q.AddPeer(target, udpAddr(2), now)

	got := q.Result(0)
	if len(got) != 1 || got[0].Contact.ID != target {
		t.Fatalf("Result(0) = %v, want exactly the target entry", got)
	}
}

func TestResult_WithLimit(t *testing.T) {
	target := idWithFirstByte(0x00)
	now := time.Now()

	q := New(target, 5, 0, nil, now)
	q.AddPeer(kadid.ID{0x01}, udpAddr(1), now)
	q.AddPeer(kadid.ID{0x02}, udpAddr(2), now)
	q.AddPeer(kadid.ID{0xFF}, udpAddr(3), now)

	got := q.Result(2)
	if len(got) != 2 {
		t.Fatalf("Result(2) returned %d entries, want 2", len(got))
	}
	if got[0].Contact.ID != (kadid.ID{0x01}) {
		t.Fatalf("Result(2)[0] = %x, want the closest entry", got[0].Contact.ID)
	}
}

func TestMatchResult_FindsAcrossBothBags(t *testing.T) {
	target := idWithFirstByte(0x81)
	now := time.Now()

	q := New(target, 5, 0, nil, now)
	q.AddPotentialPeer(target, udpAddr(1))

	got := q.MatchResult()
	if len(got) != 1 || got[0].Contact.ID != target {
		t.Fatalf("MatchResult() = %v, want the target entry from potentialClosest", got)
	}
}

func TestIdleQuery_RetriesAfterBackoff(t *testing.T) {
	target := idWithFirstByte(0x81)
	now := time.Now()

	seeds := []*routing.Contact{routing.NewContact(idWithFirstByte(0x80), udpAddr(1), 0)}
	q := New(target, 1, flags.Idle, seeds, now)
	q.IdleRetryBase = time.Second

	c, _, ok := q.NextQuery(now)
	if !ok {
		t.Fatal("first NextQuery returned ok=false")
	}
	q.AddPeer(c.ID, c.Addr, now)
	q.state = StateFoundClosest // a prior tick already settled this idle query

	if _, _, ok := q.NextQuery(now.Add(500 * time.Millisecond)); ok {
		t.Fatal("NextQuery fired before the retry period elapsed")
	}
	if _, _, ok := q.NextQuery(now.Add(2 * time.Second)); !ok {
		t.Fatal("idle query did not retry after its back-off period elapsed")
	}
}
