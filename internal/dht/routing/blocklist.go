package routing

import (
	"net"
	"sync"
)

// Blocklist is an endpoint-keyed deny list, consulted by the node core's
// receive path before any bencode parsing so traffic from a blocked
// endpoint is dropped outright. Grounded on bdnode.h's
// isMemberOfBlackList/addBlackList pair, generalized from a list scan to a
// map for O(1) lookups since the node core checks it on every datagram.
type Blocklist struct {
	mu      sync.RWMutex
	blocked map[string]bool
}

// NewBlocklist returns an empty blocklist.
func NewBlocklist() *Blocklist {
	return &Blocklist{blocked: make(map[string]bool)}
}

// Add denies traffic from addr.
func (bl *Blocklist) Add(addr *net.UDPAddr) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	bl.blocked[addr.String()] = true
}

// Remove un-denies addr, a no-op if it was not blocked.
func (bl *Blocklist) Remove(addr *net.UDPAddr) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	delete(bl.blocked, addr.String())
}

// Contains reports whether addr is currently blocked.
func (bl *Blocklist) Contains(addr *net.UDPAddr) bool {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return bl.blocked[addr.String()]
}

// Len returns the number of blocked endpoints.
func (bl *Blocklist) Len() int {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return len(bl.blocked)
}
