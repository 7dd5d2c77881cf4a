package routing

import "github.com/dhtkit/dhtkit/pkg/kadid"

// bucket holds up to k contacts for one distance class, ordered by
// LastSeen ascending: index 0 is the least-recently-seen entry, the
// eviction candidate of first resort.
//
// bucket is not safe for concurrent use on its own; callers hold the
// owning Table's mutex.
type bucket struct {
	k        int
	contacts []*Contact
}

func newBucket(k int) *bucket {
	return &bucket{k: k, contacts: make([]*Contact, 0, k)}
}

func (b *bucket) indexOf(id kadid.ID) int {
	for i, c := range b.contacts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) full() bool { return len(b.contacts) >= b.k }

// removeAt deletes the entry at i and returns it.
func (b *bucket) removeAt(i int) *Contact {
	c := b.contacts[i]
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	return c
}

// minFlagIndex returns the index of the lowest-scored entry, the eviction
// candidate when a bucket is full but not stale.
func (b *bucket) minFlagIndex() int {
	if len(b.contacts) == 0 {
		return -1
	}

	min := 0
	for i := 1; i < len(b.contacts); i++ {
		if b.contacts[i].Flags.Less(b.contacts[min].Flags) {
			min = i
		}
	}
	return min
}
