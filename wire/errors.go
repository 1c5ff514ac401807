package wire

import "errors"

// Sentinel errors for use with errors.Is.
var (
	// ErrUnknownFrame indicates a line whose prefix is not part of the
	// protocol.
	ErrUnknownFrame = errors.New("unknown frame type")

	// ErrMalformedFrame indicates a recognized frame with missing or
	// invalid fields.
	ErrMalformedFrame = errors.New("malformed frame")
)
