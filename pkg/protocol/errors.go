package protocol

import "errors"

// Errors shared by both ends of the control channel. Session-scoped
// failures never take the link down; link-scoped failures never take the
// process down.
var (
	// ErrMalformedFrame marks a frame that is not valid JSON or is
	// missing a required field.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownType marks a frame whose type discriminator is not part
	// of the protocol.
	ErrUnknownType = errors.New("unknown message type")

	// ErrInvalidPayload marks a Data frame whose base64 payload does not
	// decode.
	ErrInvalidPayload = errors.New("invalid payload encoding")

	// ErrLinkClosed is returned by sends on a link that has been torn
	// down.
	ErrLinkClosed = errors.New("link closed")

	// ErrNoSession marks session traffic for an ID the receiver does not
	// know, either never opened or already closed. Its text doubles as
	// the Close reason sent back for such traffic.
	ErrNoSession = errors.New("no-session")

	// ErrProtocolViolation marks a peer that broke frame ordering rules,
	// such as sending anything before Register.
	ErrProtocolViolation = errors.New("protocol violation")
)
