package message

import "errors"

// ErrMissingField is returned when a required field for the message's
// shape is absent, malformed, or of the wrong length. Per spec, the
// receive path treats this as "drop the datagram", never as fatal.
var ErrMissingField = errors.New("message: required field missing or malformed")

// ErrUnknownShape is returned when a decoded dictionary cannot be
// classified into any of the twelve recognized shapes.
var ErrUnknownShape = errors.New("message: unrecognized message shape")
