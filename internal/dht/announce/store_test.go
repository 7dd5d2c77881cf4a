package announce

import (
	"net"
	"testing"
	"time"

	"github.com/dhtkit/dhtkit/pkg/kadid"
)

func addrAt(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestStore_StoreAndGetPeers(t *testing.T) {
	s := NewStore()
	infoHash := kadid.New()

	s.StorePeer(infoHash, addrAt(6881))
	s.StorePeer(infoHash, addrAt(6882))

	peers := s.GetPeers(infoHash)
	if len(peers) != 2 {
		t.Fatalf("GetPeers returned %d entries, want 2", len(peers))
	}
	for _, p := range peers {
		if len(p) != 6 {
			t.Fatalf("peer entry length = %d, want 6", len(p))
		}
	}
}

func TestStore_GetPeersUnknownHash(t *testing.T) {
	s := NewStore()
	if peers := s.GetPeers(kadid.New()); peers != nil {
		t.Fatalf("GetPeers for an unknown info-hash returned %d entries, want nil", len(peers))
	}
}

func TestStore_TickExpiresStalePeers(t *testing.T) {
	s := NewStore()
	infoHash := kadid.New()
	s.StorePeer(infoHash, addrAt(6881))

	s.Tick(time.Now().Add(peerExpiration + cleanupPeriod + time.Second))

	if peers := s.GetPeers(infoHash); peers != nil {
		t.Fatalf("expected expired peer to be pruned, got %d entries", len(peers))
	}
}

func TestStore_TickNoopBeforeCleanupPeriod(t *testing.T) {
	s := NewStore()
	s.Tick(time.Now())
	firstCleanup := s.lastCleanup

	s.Tick(time.Now().Add(time.Second))
	if !s.lastCleanup.Equal(firstCleanup) {
		t.Fatal("a second Tick before cleanupPeriod elapsed ran cleanup again")
	}
}

func TestTokenManager_ValidatesWhatItGenerates(t *testing.T) {
	tm := NewTokenManager()
	ip := net.IPv4(127, 0, 0, 1)

	token := tm.Generate(ip)
	if !tm.Validate(ip, token) {
		t.Fatal("a freshly generated token did not validate")
	}
}

func TestTokenManager_RejectsWrongIP(t *testing.T) {
	tm := NewTokenManager()
	token := tm.Generate(net.IPv4(127, 0, 0, 1))
	if tm.Validate(net.IPv4(127, 0, 0, 2), token) {
		t.Fatal("a token generated for one IP validated for another")
	}
}

func TestTokenManager_GraceAcrossOneRotation(t *testing.T) {
	tm := NewTokenManager()
	ip := net.IPv4(127, 0, 0, 1)

	token := tm.Generate(ip)
	tm.Tick(time.Now().Add(rotationPeriod + time.Second))

	if !tm.Validate(ip, token) {
		t.Fatal("a token issued just before rotation should still validate against the previous secret")
	}

	tm.Tick(time.Now().Add(2 * (rotationPeriod + time.Second)))
	if tm.Validate(ip, token) {
		t.Fatal("a token should stop validating after its secret generation has rotated out")
	}
}
