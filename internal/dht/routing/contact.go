// Package routing implements the 160-bucket routing table: the owner of
// the local node's view of the id space, flag-weighted bucket eviction,
// nearest-neighbour ranking, and network-size estimation.
package routing

import (
	"net"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/flags"
	"github.com/dhtkit/dhtkit/pkg/kadid"
)

// Contact is one routing-table entry: a remote node's identity, last known
// endpoint, and the accumulated evidence about it.
type Contact struct {
	ID         kadid.ID
	Addr       *net.UDPAddr
	Flags      flags.Flags
	LastSeen   time.Time
	LastProbed time.Time
}

// NewContact builds a freshly-learned contact with LastSeen set to now.
func NewContact(id kadid.ID, addr *net.UDPAddr, f flags.Flags) *Contact {
	return &Contact{ID: id, Addr: addr, Flags: f, LastSeen: time.Now()}
}
