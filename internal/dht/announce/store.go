// Package announce implements the value-storage and capability-token
// concerns spec.md's non-goals carve out a narrow allowance for: a bounded,
// best-effort in-memory map of announced peers per info-hash, and the
// rotating-secret token scheme that gates who may populate it. Grounded on
// prxssh-rabbit/internal/dht/storage.go (the peer map) and
// prxssh-rabbit/internal/dht/token.go (the rotating secret), reworked from
// their own-goroutine cleanup/rotation loops into Tick(time.Time) methods
// driven by the transport adapter's existing maintenance cadence.
package announce

import (
	"net"
	"sync"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/message"
	"github.com/dhtkit/dhtkit/pkg/kadid"
)

const (
	maxTorrents    = 10000
	maxPeersPerKey = 2000
	peerExpiration = 2 * time.Hour
	cleanupPeriod  = 10 * time.Minute
)

type peerEntry struct {
	addr     [6]byte
	lastSeen time.Time
}

type bucket struct {
	peers    map[[6]byte]*peerEntry
	lastUsed time.Time
}

// Store is a bounded, best-effort map of announced peers keyed by
// info-hash. When maxTorrents keys are held, storing a new key silently
// evicts the least-recently-used key; a new peer for a key that already
// holds maxPeersPerKey peers is silently refused, per spec.md's explicit
// allowance that persistent content storage is out of scope.
type Store struct {
	mu          sync.RWMutex
	data        map[kadid.ID]*bucket
	lastCleanup time.Time
}

// NewStore returns an empty announce store.
func NewStore() *Store {
	return &Store{data: make(map[kadid.ID]*bucket)}
}

// StorePeer records addr as reachable for infoHash.
func (s *Store) StorePeer(infoHash kadid.ID, addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.data[infoHash]
	if !ok {
		if len(s.data) >= maxTorrents {
			s.evictOldestBucket()
		}
		b = &bucket{peers: make(map[[6]byte]*peerEntry)}
		s.data[infoHash] = b
	}
	b.lastUsed = time.Now()

	var key [6]byte
	copy(key[:], message.EncodeCompactPeer(addr.IP, addr.Port))

	if len(b.peers) >= maxPeersPerKey {
		if _, exists := b.peers[key]; !exists {
			return
		}
	}
	b.peers[key] = &peerEntry{addr: key, lastSeen: time.Now()}
}

// GetPeers returns the compact (6-byte) peer entries stored for infoHash.
func (s *Store) GetPeers(infoHash kadid.ID) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.data[infoHash]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(b.peers))
	for _, e := range b.peers {
		entry := e.addr
		out = append(out, entry[:])
	}
	return out
}

// Tick expires stale peers and prunes emptied buckets, at most once per
// cleanupPeriod.
func (s *Store) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastCleanup) < cleanupPeriod {
		return
	}
	s.lastCleanup = now

	for infoHash, b := range s.data {
		for key, e := range b.peers {
			if now.Sub(e.lastSeen) > peerExpiration {
				delete(b.peers, key)
			}
		}
		if len(b.peers) == 0 {
			delete(s.data, infoHash)
		}
	}
}

func (s *Store) evictOldestBucket() {
	var oldest kadid.ID
	var oldestTime time.Time
	first := true
	for id, b := range s.data {
		if first || b.lastUsed.Before(oldestTime) {
			oldest, oldestTime, first = id, b.lastUsed, false
		}
	}
	delete(s.data, oldest)
}
