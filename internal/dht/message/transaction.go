package message

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"
)

// TransactionCounter hands out transaction tokens as described in spec.md
// §4.7: an atomically incrementing counter formatted as a two-digit
// decimal string, wrapping at 100. Collisions after wraparound are
// tolerated the same way the node already tolerates reordered replies: a
// reply is only honored if it matches an outstanding request to the same
// endpoint, not merely by token equality.
type TransactionCounter struct {
	next atomic.Uint32
}

// Next returns the next transaction token, e.g. "00", "01", ... "99", "00".
func (c *TransactionCounter) Next() string {
	n := c.next.Add(1) - 1
	return fmt.Sprintf("%02d", n%100)
}

// GenerateToken produces an announce/get_peers capability token: two
// concatenated 4-digit random decimal numbers, per spec.md §4.7. It is an
// opaque string the receiver must echo back, not a cryptographic secret.
func GenerateToken() string {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	a := int(buf[0])<<8 | int(buf[1])
	a %= 10000

	if _, err := rand.Read(buf[:]); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	b := int(buf[0])<<8 | int(buf[1])
	b %= 10000

	return fmt.Sprintf("%04d%04d", a, b)
}
