package routing

import (
	"net"
	"testing"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/flags"
	"github.com/dhtkit/dhtkit/pkg/kadid"
)

func idWithFirstByte(b byte) kadid.ID {
	var id kadid.ID
	id[0] = b
	return id
}

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// TestBucketInsertion mirrors spec.md §8 scenario 2: local id = all-zeros,
// insert 0x80-prefixed id (bucket 159) then 0x40-prefixed id (bucket 158).
func TestBucketInsertion(t *testing.T) {
	var local kadid.ID
	table := New(local, DefaultK, time.Hour)

	a := idWithFirstByte(0x80)
	b := idWithFirstByte(0x40)

	now := time.Now()
	if !table.AddPeer(NewContact(a, udpAddr(1), 0), flags.RecvPong, now) {
		t.Fatal("AddPeer(a) = false, want true")
	}
	if !table.AddPeer(NewContact(b, udpAddr(2), 0), flags.RecvPong, now) {
		t.Fatal("AddPeer(b) = false, want true")
	}

	nonEmpty := 0
	for _, bk := range table.buckets {
		if len(bk.contacts) > 0 {
			nonEmpty++
		}
	}
	if nonEmpty != 2 {
		t.Fatalf("non-empty buckets = %d, want 2", nonEmpty)
	}

	target := idWithFirstByte(0x81)
	nearest := table.NearestNodes(target, 2, nil)
	if len(nearest) != 2 {
		t.Fatalf("NearestNodes returned %d contacts, want 2", len(nearest))
	}
	if nearest[0].ID != a {
		t.Fatalf("nearest[0] = %x, want %x (the 0x80 contact)", nearest[0].ID, a)
	}
}

func TestAddPeer_MergesFlagsOnRepeat(t *testing.T) {
	var local kadid.ID
	table := New(local, DefaultK, time.Hour)

	id := idWithFirstByte(0x01)
	c := NewContact(id, udpAddr(1), 0)

	now := time.Now()
	table.AddPeer(c, flags.RecvPong, now)
	table.AddPeer(NewContact(id, udpAddr(1), 0), flags.RecvNodes, now)

	got, ok := table.Get(id)
	if !ok {
		t.Fatal("contact not resident after second AddPeer")
	}
	if !got.Flags.Has(flags.RecvPong) || !got.Flags.Has(flags.RecvNodes) {
		t.Fatalf("flags = %b, want both RecvPong and RecvNodes set", got.Flags)
	}
	if table.CalcSpaceSize() != 1 {
		t.Fatalf("space size = %d, want 1 (no duplicate entries)", table.CalcSpaceSize())
	}
}

func TestAddPeer_FullBucketDiscardsLowerFlags(t *testing.T) {
	var local kadid.ID
	table := New(local, 2, time.Hour)

	// Two contacts sharing a bucket (distinct low bytes, same high bit).
	a := kadid.ID{0x80, 0x01}
	b := kadid.ID{0x80, 0x02}
	c := kadid.ID{0x80, 0x03}

	now := time.Now()
	if !table.AddPeer(NewContact(a, udpAddr(1), 0), flags.RecvPong|flags.RecvNodes, now) {
		t.Fatal("AddPeer(a) = false")
	}
	if !table.AddPeer(NewContact(b, udpAddr(2), 0), flags.RecvPong|flags.RecvNodes, now) {
		t.Fatal("AddPeer(b) = false")
	}

	// Bucket full and both entries are fresh and outscore the newcomer
	// (RecvPong|RecvNodes against RecvPong alone): the weaker newcomer must
	// be discarded, not evict anyone.
	if table.AddPeer(NewContact(c, udpAddr(3), 0), flags.RecvPong, now) {
		t.Fatal("AddPeer(c) = true, want discard (weaker than both residents)")
	}
	if table.CalcSpaceSize() != 2 {
		t.Fatalf("space size = %d, want 2 (c was not admitted)", table.CalcSpaceSize())
	}
}

func TestAddPeer_EvictsStaleHead(t *testing.T) {
	var local kadid.ID
	table := New(local, 1, time.Millisecond)

	a := idWithFirstByte(0x80)
	b := kadid.ID{0x80, 0x01}

	now := time.Now()
	table.AddPeer(NewContact(a, udpAddr(1), 0), 0, now)

	if !table.AddPeer(NewContact(b, udpAddr(2), 0), 0, now.Add(2*time.Millisecond)) {
		t.Fatal("AddPeer(b) = false, want eviction of stale head")
	}
	if _, ok := table.Get(a); ok {
		t.Fatal("stale contact a is still resident")
	}
	if _, ok := table.Get(b); !ok {
		t.Fatal("fresh contact b was not admitted")
	}
}

func TestOutOfDatePeer_DoesNotRepeatBeforeRefresh(t *testing.T) {
	var local kadid.ID
	table := New(local, DefaultK, time.Hour)

	id := idWithFirstByte(0x80)
	now := time.Now()
	table.AddPeer(NewContact(id, udpAddr(1), 0), 0, now)

	c, ok := table.OutOfDatePeer(0, now)
	if !ok || c.ID != id {
		t.Fatalf("OutOfDatePeer = %v, %v; want the only contact", c, ok)
	}

	if _, ok := table.OutOfDatePeer(0, now); ok {
		t.Fatal("OutOfDatePeer returned the same contact twice before refresh period elapsed")
	}
}

func TestCalcSpaceSizeAndClear(t *testing.T) {
	var local kadid.ID
	table := New(local, DefaultK, time.Hour)

	now := time.Now()
	table.AddPeer(NewContact(idWithFirstByte(0x80), udpAddr(1), 0), 0, now)
	table.AddPeer(NewContact(idWithFirstByte(0x40), udpAddr(2), 0), 0, now)

	if table.CalcSpaceSize() != 2 {
		t.Fatalf("space size = %d, want 2", table.CalcSpaceSize())
	}

	table.Clear()
	if table.CalcSpaceSize() != 0 {
		t.Fatalf("space size after Clear = %d, want 0", table.CalcSpaceSize())
	}
}

func TestAddPeer_RejectsSelf(t *testing.T) {
	var local kadid.ID
	table := New(local, DefaultK, time.Hour)

	if table.AddPeer(NewContact(local, udpAddr(1), 0), 0, time.Now()) {
		t.Fatal("AddPeer accepted the local id")
	}
}

func TestBlocklist(t *testing.T) {
	bl := NewBlocklist()
	addr := udpAddr(4567)

	if bl.Contains(addr) {
		t.Fatal("fresh blocklist already contains addr")
	}
	bl.Add(addr)
	if !bl.Contains(addr) {
		t.Fatal("Add did not block addr")
	}
	if bl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", bl.Len())
	}
	bl.Remove(addr)
	if bl.Contains(addr) {
		t.Fatal("Remove did not unblock addr")
	}
}
