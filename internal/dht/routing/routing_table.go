package routing

import (
	"math"
	"sync"
	"time"

	"github.com/dhtkit/dhtkit/internal/dht/flags"
	"github.com/dhtkit/dhtkit/pkg/kadid"
	pqueue "github.com/dhtkit/dhtkit/pkg/utils/heap"
)

// SpaceSize is the number of buckets in the id space, one per possible
// bucket index (0 = identical id, 159 = farthest).
const SpaceSize = kadid.Size * 8

// DefaultK is the typical bucket capacity (glossary: "K, typically 10").
const DefaultK = 10

// Table owns one bucket per distance 0..159 from the local id and
// implements spec.md §4.5's add/evict/query operations.
type Table struct {
	localID    kadid.ID
	k          int
	staleAfter time.Duration

	mu      sync.Mutex
	buckets [SpaceSize]*bucket
}

// New builds an empty routing table. staleAfter is BUCKET_STALE_PERIOD:
// the age beyond which a bucket's head entry is evicted outright rather
// than compared by flag score.
func New(localID kadid.ID, k int, staleAfter time.Duration) *Table {
	if k <= 0 {
		k = DefaultK
	}

	t := &Table{localID: localID, k: k, staleAfter: staleAfter}
	for i := range t.buckets {
		t.buckets[i] = newBucket(k)
	}
	return t
}

// K returns the configured per-bucket capacity.
func (t *Table) K() int { return t.k }

func (t *Table) bucketFor(id kadid.ID) *bucket {
	return t.buckets[kadid.BucketIndex(t.localID, id)]
}

// AddPeer implements spec.md §4.5's addPeer: merge and move to the tail if
// the contact already exists, else append-if-room, else evict-the-stale-head, else
// evict-the-lowest-scored-if-the-new-flags-beat-it, else discard. Returns
// whether the contact is resident afterward.
func (t *Table) AddPeer(c *Contact, f flags.Flags, now time.Time) bool {
	id := c.ID
	if id == t.localID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bucketFor(id)

	if i := b.indexOf(id); i >= 0 {
		existing := b.removeAt(i)
		existing.Flags = existing.Flags.Union(f)
		existing.LastSeen = now
		if c.Addr != nil {
			existing.Addr = c.Addr
		}
		b.contacts = append(b.contacts, existing)
		return true
	}

	if !b.full() {
		c.Flags = c.Flags.Union(f)
		b.contacts = append(b.contacts, c)
		return true
	}

	head := b.contacts[0]
	if now.Sub(head.LastSeen) > t.staleAfter {
		b.removeAt(0)
		c.Flags = c.Flags.Union(f)
		b.contacts = append(b.contacts, c)
		return true
	}

	minIdx := b.minFlagIndex()
	candidate := c.Flags.Union(f)
	if !b.contacts[minIdx].Flags.Less(candidate) {
		return false
	}

	b.removeAt(minIdx)
	c.Flags = candidate
	b.contacts = append(b.contacts, c)
	return true
}

// Get returns the resident contact for id, if any.
func (t *Table) Get(id kadid.ID) (*Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bucketFor(id)
	if i := b.indexOf(id); i >= 0 {
		return b.contacts[i], true
	}
	return nil, false
}

// NearestNodes scans every bucket and returns up to k contacts closest to
// target by XOR distance, skipping ids present in exclude.
func (t *Table) NearestNodes(target kadid.ID, k int, exclude map[kadid.ID]bool) []*Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	pq := pqueue.NewPriorityQueue[*Contact](func(a, b *Contact) bool {
		return kadid.CompareDistance(target, a.ID, b.ID) < 0
	})

	for _, b := range t.buckets {
		for _, c := range b.contacts {
			if exclude != nil && exclude[c.ID] {
				continue
			}
			pq.Enqueue(c)
		}
	}

	out := make([]*Contact, 0, k)
	for len(out) < k {
		c, ok := pq.Dequeue()
		if !ok {
			break
		}
		out = append(out, c)
	}
	return out
}

// OutOfDatePeer returns the first contact whose LastProbed exceeds
// refreshPeriod and atomically stamps LastProbed to now, so the same
// entry is not handed out again before a response lands.
func (t *Table) OutOfDatePeer(refreshPeriod time.Duration, now time.Time) (*Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range t.buckets {
		for _, c := range b.contacts {
			if now.Sub(c.LastProbed) > refreshPeriod {
				c.LastProbed = now
				return c, true
			}
		}
	}
	return nil, false
}

// CalcSpaceSize returns the total number of resident contacts.
func (t *Table) CalcSpaceSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, b := range t.buckets {
		n += len(b.contacts)
	}
	return n
}

// CalcNetworkSize estimates the total network size by extrapolating id
// density from each partially-filled bucket, per spec.md §4.5.
func (t *Table) CalcNetworkSize() float64 {
	return t.calcNetworkSize(func(*Contact) bool { return true })
}

// CalcNetworkSizeWithFlag restricts the estimate to contacts matching mask.
func (t *Table) CalcNetworkSizeWithFlag(mask flags.Flags) float64 {
	return t.calcNetworkSize(func(c *Contact) bool { return c.Flags.Has(mask) })
}

func (t *Table) calcNetworkSize(include func(*Contact) bool) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total float64
	var samples int

	for i, b := range t.buckets {
		n := 0
		for _, c := range b.contacts {
			if include(c) {
				n++
			}
		}
		if n == 0 || n >= t.k {
			continue
		}

		exponent := SpaceSize - i
		if exponent > 1023 {
			continue // would overflow float64; bucket too close to the root to be informative anyway
		}

		estimate := float64(n) * math.Pow(2, float64(exponent))
		total += estimate
		samples++
	}

	if samples == 0 {
		return 0
	}
	return total / float64(samples)
}

// Clear empties every bucket.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.buckets {
		t.buckets[i] = newBucket(t.k)
	}
}

// Size returns the total resident contact count (alias of CalcSpaceSize
// used by callers that want the plain count without the estimation name).
func (t *Table) Size() int { return t.CalcSpaceSize() }
