package protocol

import "errors"

var (
	ErrMalformed = errors.New("protocol: malformed envelope")
	ErrNotObject = errors.New("protocol: payload must encode to a JSON object")
	ErrNoPayload = errors.New("protocol: body has no payload")
)
