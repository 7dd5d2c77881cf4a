// Package kadid implements the 160-bit identifier algebra used throughout
// the DHT: identity generation, the XOR distance metric, bucket indexing,
// and the disguised-midpoint helper used by the query engine.
package kadid

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"math/bits"
)

// Size is the width of an ID in bytes (160 bits).
const Size = 20

// ID is an opaque 160-bit node identifier. Equality and ordering are
// lexicographic byte order, per the DHT's wire format.
type ID [Size]byte

// Zero is the distinguished, but not reserved, zero-valued ID.
var Zero ID

// New returns a uniformly random ID.
func New() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("kadid: crypto/rand failure: " + err.Error())
	}
	return id
}

// FromBytes builds an ID from a byte slice, left-aligning and zero-padding
// or truncating to Size bytes. This is used to honor the CLI's -u override,
// which accepts up to 20 bytes of an arbitrary string.
func FromBytes(b []byte) ID {
	var id ID
	n := copy(id[:], b)
	_ = n
	return id
}

// String renders the ID as lowercase hex.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Compare returns -1, 0, or 1 per lexicographic byte order, matching
// bytes.Compare.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// Distance returns the XOR metric between a and b.
func Distance(a, b ID) ID {
	var d ID
	for i := 0; i < Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance reports the relative ordering of a and b's distance to
// target: -1 if a is closer, 1 if b is closer, 0 if equidistant.
func CompareDistance(target, a, b ID) int {
	da := Distance(target, a)
	db := Distance(target, b)
	return bytes.Compare(da[:], db[:])
}

// leadingZeroBits returns the number of leading zero bits across id,
// treating it as a big-endian bit string.
func leadingZeroBits(id ID) int {
	for i := 0; i < Size; i++ {
		if id[i] != 0 {
			return i*8 + bits.LeadingZeros8(id[i])
		}
	}
	return Size * 8
}

// BucketIndex returns the bucket distance of remote from local: the
// position of the highest set bit of their XOR metric (0 = identical id,
// 159 = maximally far). Per spec, an exact match collapses to bucket 0.
func BucketIndex(local, remote ID) int {
	d := Distance(local, remote)
	prefix := leadingZeroBits(d)
	if prefix >= Size*8 {
		return 0
	}
	return Size*8 - 1 - prefix
}

// RandomMidpoint returns a uniformly random ID that shares with a every
// leading byte/bit that a shares with b, then diverges randomly from that
// point on. It is used to disguise a lookup: the advertised target reveals
// no more about the real target than the queried peer's own id already
// does.
//
// Property: BucketIndex(a, RandomMidpoint(a, b)) <= BucketIndex(a, b).
func RandomMidpoint(a, b ID) ID {
	shared := leadingZeroBits(Distance(a, b))

	out := New()
	sharedBytes := shared / 8
	copy(out[:sharedBytes], a[:sharedBytes])

	if sharedBytes < Size {
		sharedBits := shared % 8
		if sharedBits > 0 {
			mask := byte(0xFF << (8 - sharedBits))
			out[sharedBytes] = (a[sharedBytes] & mask) | (out[sharedBytes] &^ mask)
		}
	}

	return out
}
