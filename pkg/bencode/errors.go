package bencode

import "errors"

// ErrInvalidBencode is returned for any malformed input: unterminated
// containers, non-ASCII-digit length prefixes, or trailing garbage.
var ErrInvalidBencode = errors.New("bencode: invalid encoding")

// ErrBufferTooSmall is returned by EncodeInto when the destination buffer
// lacks capacity for the full encoding. Callers using a fixed scratch
// buffer (the node core's 10 KiB send buffer) treat this as "fall back to
// an allocating Marshal, or drop the message."
var ErrBufferTooSmall = errors.New("bencode: destination buffer too small")

// ErrUnsupportedType is returned by the encoder when a Value's Kind is not
// one of the bencode types (string, integer, list, dictionary).
var ErrUnsupportedType = errors.New("bencode: unsupported datatype")
