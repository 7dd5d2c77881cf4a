package bencode

import (
	"bytes"
	"io"
	"strconv"
)

// Marshal returns the bencoded form of v, allocating as needed.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)

	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeInto encodes v into the caller-supplied buf and returns the number
// of bytes written. It fails with ErrBufferTooSmall rather than growing the
// buffer, for callers (the node core's send path) that work out of a fixed
// scratch buffer per datagram.
func EncodeInto(buf []byte, v Value) (int, error) {
	w := &boundedWriter{buf: buf}
	e := NewEncoder(w)

	if err := e.Encode(v); err != nil {
		return 0, err
	}
	return w.n, nil
}

// boundedWriter writes into a fixed-capacity slice, refusing writes past
// its length rather than reallocating.
type boundedWriter struct {
	buf []byte
	n   int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > len(w.buf) {
		return 0, ErrBufferTooSmall
	}
	copy(w.buf[w.n:], p)
	w.n += len(p)
	return len(p), nil
}

// Encoder writes bencoded Values to an io.Writer.
//
// The zero value of Encoder is not usable; construct with NewEncoder.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the bencoded representation of v to the underlying writer.
// Dictionary keys are emitted in the order stored in v.Dict — callers
// control field order by the order they build the Value, per spec.
func (e *Encoder) Encode(v Value) error {
	switch v.Kind {
	case KindInt:
		return e.encodeInt64(v.Int)
	case KindBytes:
		return e.encodeByteString(v.Bytes)
	case KindList:
		return e.encodeList(v.List)
	case KindDict:
		return e.encodeDict(v.Dict)
	default:
		return ErrUnsupportedType
	}
}

func (e *Encoder) encodeInt64(n int64) error {
	if _, err := e.w.Write([]byte{TokenInteger.Byte()}); err != nil {
		return err
	}

	var buf [32]byte
	b := strconv.AppendInt(buf[:0], n, 10)
	if _, err := e.w.Write(b); err != nil {
		return err
	}

	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}

func (e *Encoder) encodeByteString(s []byte) error {
	var buf [32]byte
	b := strconv.AppendInt(buf[:0], int64(len(s)), 10)
	if _, err := e.w.Write(b); err != nil {
		return err
	}

	if _, err := e.w.Write([]byte{TokenStringSeparator.Byte()}); err != nil {
		return err
	}

	_, err := e.w.Write(s)
	return err
}

func (e *Encoder) encodeList(items []Value) error {
	if _, err := e.w.Write([]byte{TokenList.Byte()}); err != nil {
		return err
	}

	for _, item := range items {
		if err := e.Encode(item); err != nil {
			return err
		}
	}

	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}

// encodeDict writes a dictionary: 'd' <key><value> ... 'e', in entry order.
//
// BEP 3 requires sorted keys for canonical form across independent
// implementations; this library instead preserves caller-supplied order
// (spec §4.2) since messages are built field-by-field with a fixed,
// already-sorted field order by convention (see internal/dht/message).
func (e *Encoder) encodeDict(entries []DictEntry) error {
	if _, err := e.w.Write([]byte{TokenDict.Byte()}); err != nil {
		return err
	}

	for _, entry := range entries {
		if err := e.encodeByteString([]byte(entry.Key)); err != nil {
			return err
		}
		if err := e.Encode(entry.Val); err != nil {
			return err
		}
	}

	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}
