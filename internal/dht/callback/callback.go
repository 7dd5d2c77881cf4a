// Package callback defines the host application's notification contract
// (spec.md §6): the three entry points a sink implements to learn about
// newly-seen peers, lookup status changes, and (reserved) value events.
package callback

import (
	"github.com/dhtkit/dhtkit/internal/dht/flags"
	"github.com/dhtkit/dhtkit/internal/dht/routing"
	"github.com/dhtkit/dhtkit/pkg/kadid"
)

// Status names one of the four codes the manager surfaces to the
// application (spec.md §7's propagation policy).
type Status string

const (
	StatusQueryFailure    Status = "QUERY_FAILURE"
	StatusPeerOffline     Status = "PEER_OFFLINE"
	StatusPeerUnreachable Status = "PEER_UNREACHABLE"
	StatusPeerOnline      Status = "PEER_ONLINE"
)

// Sink is the application's callback contract. Implementations must not
// block: spec.md §5 requires callbacks to run under the node mutex.
type Sink interface {
	// OnNode fires for every peer the routing table learns about.
	OnNode(c *routing.Contact, f flags.Flags)
	// OnPeer fires on a manager lookup status change.
	OnPeer(target kadid.ID, status Status)
	// OnValue is reserved for a future value-announcement path; currently
	// unused, kept for wire/interface compatibility.
	OnValue(target kadid.ID, key string, status string)
}
