package node

import "errors"

var (
	ErrClosed    = errors.New("node: output path closed")
	ErrDecode    = errors.New("node: could not decode message")
	ErrEncode    = errors.New("node: could not encode message")
	ErrWrite     = errors.New("node: could not write to output")
	ErrNoHandler = errors.New("node: no handler registered")
)
