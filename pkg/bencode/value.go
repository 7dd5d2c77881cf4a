// Package bencode implements the bencoded dictionary/list/int/string tree
// used by every DHT wire message (BEP 3's wire format, generalized with an
// ordered dictionary so that message construction controls field order,
// matching spec.md §4.2's insertion-order emission requirement).
package bencode

import "fmt"

// Kind discriminates the four bencode value shapes.
type Kind int

const (
	KindInt Kind = iota
	KindBytes
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "unknown"
	}
}

// DictEntry is one key/value pair of a Dict value. A Value preserves the
// order in which entries were appended (on construction) or parsed (on
// decode); it is not a Go map, specifically so re-encoding reproduces the
// original byte order.
type DictEntry struct {
	Key string
	Val Value
}

// Value is a single node of the bencode value tree.
type Value struct {
	Kind  Kind
	Int   int64
	Bytes []byte
	List  []Value
	Dict  []DictEntry
}

// Int64 builds an integer value.
func Int64(n int64) Value { return Value{Kind: KindInt, Int: n} }

// Str builds a byte-string value from a Go string.
func Str(s string) Value { return Value{Kind: KindBytes, Bytes: []byte(s)} }

// Bin builds a byte-string value from raw bytes.
func Bin(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// NewList builds a list value.
func NewList(items ...Value) Value { return Value{Kind: KindList, List: items} }

// NewDict builds a dictionary value from entries in the given order.
func NewDict(entries ...DictEntry) Value { return Value{Kind: KindDict, Dict: entries} }

// D is a convenience constructor for a DictEntry.
func D(key string, v Value) DictEntry { return DictEntry{Key: key, Val: v} }

// IsDict reports whether v is a dictionary.
func (v Value) IsDict() bool { return v.Kind == KindDict }

// Get returns the value for key in a Dict, and whether it was present.
// The first matching entry wins, matching how bencode dictionaries are
// conventionally read even though nothing here enforces key uniqueness.
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.Dict {
		if e.Key == key {
			return e.Val, true
		}
	}
	return Value{}, false
}

// With returns a copy of the dict value with entry (key, val) appended.
// It does not deduplicate; callers build messages field-by-field in the
// exact order the wire format expects.
func (v Value) With(key string, val Value) Value {
	next := Value{Kind: KindDict, Dict: make([]DictEntry, len(v.Dict), len(v.Dict)+1)}
	copy(next.Dict, v.Dict)
	next.Dict = append(next.Dict, DictEntry{Key: key, Val: val})
	return next
}

// AsString returns the byte-string value as a Go string.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindBytes {
		return "", false
	}
	return string(v.Bytes), true
}

// AsInt returns the integer value.
func (v Value) AsInt() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

// AsList returns the list elements.
func (v Value) AsList() ([]Value, bool) {
	if v.Kind != KindList {
		return nil, false
	}
	return v.List, true
}

// GetString is a convenience wrapper combining Get and AsString.
func (v Value) GetString(key string) (string, bool) {
	field, ok := v.Get(key)
	if !ok {
		return "", false
	}
	return field.AsString()
}

// GetInt is a convenience wrapper combining Get and AsInt.
func (v Value) GetInt(key string) (int64, bool) {
	field, ok := v.Get(key)
	if !ok {
		return 0, false
	}
	return field.AsInt()
}

// GetList is a convenience wrapper combining Get and AsList.
func (v Value) GetList(key string) ([]Value, bool) {
	field, ok := v.Get(key)
	if !ok {
		return nil, false
	}
	return field.AsList()
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("i%de", v.Int)
	case KindBytes:
		return fmt.Sprintf("%d:%s", len(v.Bytes), v.Bytes)
	case KindList:
		return fmt.Sprintf("list[%d]", len(v.List))
	case KindDict:
		return fmt.Sprintf("dict[%d]", len(v.Dict))
	default:
		return "<invalid bencode value>"
	}
}
