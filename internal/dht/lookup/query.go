// Package lookup implements the single-threaded, per-tick query state
// machine of spec.md §4.6: one step of one active search is advanced per
// call to NextQuery, driven by the node core's tick loop rather than by
// a pool of concurrent lookup goroutines.
package lookup

import (
	"net"
	"sort"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/flags"
	"github.com/dhtkit/dhtkit/internal/dht/routing"
	"github.com/dhtkit/dhtkit/pkg/kadid"
)

// State is the lifecycle state of one Query.
type State int

const (
	StateQuerying State = iota
	StateSuccess
	StateFailure
	StateFoundClosest
	StatePeerUnreachable
)

func (s State) String() string {
	switch s {
	case StateQuerying:
		return "QUERYING"
	case StateSuccess:
		return "SUCCESS"
	case StateFailure:
		return "FAILURE"
	case StateFoundClosest:
		return "FOUND_CLOSEST"
	case StatePeerUnreachable:
		return "PEER_UNREACHABLE"
	default:
		return "UNKNOWN"
	}
}

// Timing constants from spec.md §4.6, overridable per-Query for tests.
const (
	DefaultMinQueryAge         = 3 * time.Second
	DefaultMaxQueryAge         = 2 * time.Minute
	DefaultExpectedReplyWindow = 15 * time.Second
	DefaultIdleRetryBase       = 300 * time.Second
)

// Entry is one contact tracked by a Query, independent of the routing
// table's own bookkeeping for the same id.
type Entry struct {
	Contact  *routing.Contact
	LastSend time.Time
	LastRecv time.Time
	Replied  bool
}

// Query tracks one active or idle search for Target.
type Query struct {
	Target kadid.ID
	Flags  flags.Flags
	K      int

	MinQueryAge         time.Duration
	MaxQueryAge         time.Duration
	ExpectedReplyWindow time.Duration
	IdleRetryBase       time.Duration

	state     State
	createdAt time.Time

	closest          []*Entry
	potentialClosest []*Entry
}

// New seeds a Query from the local routing table's nearest-k to target.
func New(target kadid.ID, k int, f flags.Flags, seeds []*routing.Contact, now time.Time) *Query {
	q := &Query{
		Target:              target,
		Flags:               f,
		K:                   k,
		MinQueryAge:         DefaultMinQueryAge,
		MaxQueryAge:         DefaultMaxQueryAge,
		ExpectedReplyWindow: DefaultExpectedReplyWindow,
		IdleRetryBase:       DefaultIdleRetryBase,
		state:               StateQuerying,
		createdAt:           now,
	}

	for _, c := range seeds {
		q.closest = append(q.closest, &Entry{Contact: c})
	}
	q.sortClosest()
	return q
}

func (q *Query) State() State { return q.state }

func (q *Query) sortClosest() {
	sort.Slice(q.closest, func(i, j int) bool {
		return kadid.CompareDistance(q.Target, q.closest[i].Contact.ID, q.closest[j].Contact.ID) < 0
	})
}

func (q *Query) sortPotential() {
	sort.Slice(q.potentialClosest, func(i, j int) bool {
		return kadid.CompareDistance(q.Target, q.potentialClosest[i].Contact.ID, q.potentialClosest[j].Contact.ID) < 0
	})
}

func (q *Query) idleRetryPeriod(now time.Time) time.Duration {
	grown := now.Sub(q.createdAt) / 2
	if grown > q.IdleRetryBase {
		return grown
	}
	return q.IdleRetryBase
}

// NextQuery implements spec.md §4.6's nextQuery(). It returns the contact
// to query next and the target id to advertise (the real target, or a
// disguised midpoint when the Disguise flag is set). ok is false when
// nothing should be sent this call, either because the query is idle with
// nothing due for retry, or because it just terminated — check State()
// after a false return to see whether a terminal transition occurred.
func (q *Query) NextQuery(now time.Time) (contact *routing.Contact, advertised kadid.ID, ok bool) {
	if q.state != StateQuerying && !q.Flags.Has(flags.Idle) {
		return nil, kadid.ID{}, false
	}

	retryPeriod := q.idleRetryPeriod(now)
	for _, e := range q.closest {
		due := e.LastSend.IsZero() || (q.Flags.Has(flags.Idle) && now.Sub(e.LastSend) > retryPeriod)
		if !due {
			continue
		}

		e.LastSend = now
		target := q.Target
		if q.Flags.Has(flags.Disguise) {
			target = kadid.RandomMidpoint(q.Target, e.Contact.ID)
		}
		return e.Contact, target, true
	}

	q.evaluateTermination(now)
	return nil, kadid.ID{}, false
}

func (q *Query) evaluateTermination(now time.Time) {
	if q.state != StateQuerying {
		return
	}

	age := now.Sub(q.createdAt)
	if age < q.MinQueryAge {
		return
	}

	full := len(q.closest) >= q.K

	if full && q.allReplied() {
		if q.containsExact(q.closest) {
			q.state = StateSuccess
		} else {
			q.state = StateFoundClosest
		}
		return
	}

	if q.exactTargetPendingInPotential() {
		q.state = StatePeerUnreachable
		return
	}

	if full {
		q.state = StateFoundClosest
		return
	}

	if age > q.MaxQueryAge {
		if len(q.closest) == 0 {
			q.state = StateFailure
			return
		}
		q.state = StateFoundClosest
	}
}

func (q *Query) containsExact(entries []*Entry) bool {
	for _, e := range entries {
		if e.Contact.ID == q.Target {
			return true
		}
	}
	return false
}

func (q *Query) allReplied() bool {
	for _, e := range q.closest {
		if !e.Replied {
			return false
		}
	}
	return true
}

// exactTargetPendingInPotential reports whether the exact target id is the
// closest entry in potentialClosest while absent from closest: the
// PEER_UNREACHABLE condition of spec.md §4.6.
func (q *Query) exactTargetPendingInPotential() bool {
	if len(q.potentialClosest) == 0 {
		return false
	}
	if q.potentialClosest[0].Contact.ID != q.Target {
		return false
	}
	return !q.containsExact(q.closest)
}

// AddPeer records a reply from contact (id, addr), inserting it into
// closest if not already present and marking it as having replied. It
// then prunes entries that have gone unresponsive past
// ExpectedReplyWindow, per spec.md §4.6.
func (q *Query) AddPeer(id kadid.ID, addr *net.UDPAddr, now time.Time) {
	for _, e := range q.closest {
		if e.Contact.ID == id {
			e.LastRecv = now
			e.Replied = true
			if addr != nil {
				e.Contact.Addr = addr
			}
			q.pruneUnresponsive(now)
			return
		}
	}

	e := &Entry{Contact: routing.NewContact(id, addr, flags.RecvNodes), LastRecv: now, Replied: true}
	q.closest = append(q.closest, e)
	q.sortClosest()
	if len(q.closest) > q.K {
		q.closest = q.closest[:q.K]
	}
	q.pruneUnresponsive(now)
}

// pruneUnresponsive drops closest entries whose last send is older than
// ExpectedReplyWindow with no corresponding receive, per spec.md §4.6's
// "drops unresponsive entries ... to keep the window advancing".
func (q *Query) pruneUnresponsive(now time.Time) {
	kept := q.closest[:0]
	for _, e := range q.closest {
		stale := !e.LastSend.IsZero() &&
			now.Sub(e.LastSend) > q.ExpectedReplyWindow &&
			e.LastRecv.Before(e.LastSend)
		if !stale {
			kept = append(kept, e)
		}
	}
	q.closest = kept
}

// AddPotentialPeer offers a neighbour reported by some reply. It is
// admitted to potentialClosest only if not already tracked and close
// enough to sit within the worst K slots; the return value tells the
// caller whether it should now ping the peer.
func (q *Query) AddPotentialPeer(id kadid.ID, addr *net.UDPAddr) bool {
	for _, e := range q.closest {
		if e.Contact.ID == id {
			return false
		}
	}
	for _, e := range q.potentialClosest {
		if e.Contact.ID == id {
			return false
		}
	}

	entry := &Entry{Contact: routing.NewContact(id, addr, 0)}
	q.potentialClosest = append(q.potentialClosest, entry)
	q.sortPotential()

	if len(q.potentialClosest) <= q.K {
		return true
	}

	// Over capacity: keep the closest K, admit entry only if it survives.
	admitted := false
	for _, e := range q.potentialClosest[:q.K] {
		if e == entry {
			admitted = true
			break
		}
	}
	q.potentialClosest = q.potentialClosest[:q.K]
	return admitted
}

// Result yields entries from closest. With limit == 0 (the default), only
// exact matches on Target are returned; otherwise the limit closest
// entries are returned.
func (q *Query) Result(limit int) []*Entry {
	if limit == 0 {
		var out []*Entry
		for _, e := range q.closest {
			if e.Contact.ID == q.Target {
				out = append(out, e)
			}
		}
		return out
	}

	n := limit
	if n > len(q.closest) {
		n = len(q.closest)
	}
	out := make([]*Entry, n)
	copy(out, q.closest[:n])
	return out
}

// MatchResult returns the entries, from either bag, whose id equals
// Target exactly — the manager's view of the resolved endpoint.
func (q *Query) MatchResult() []*Entry {
	var out []*Entry
	for _, e := range q.closest {
		if e.Contact.ID == q.Target {
			out = append(out, e)
		}
	}
	for _, e := range q.potentialClosest {
		if e.Contact.ID == q.Target {
			out = append(out, e)
		}
	}
	return out
}

// Closest exposes the current closest bag for inspection (e.g., by tests
// or the node core's seeding of further queries).
func (q *Query) Closest() []*Entry { return q.closest }
