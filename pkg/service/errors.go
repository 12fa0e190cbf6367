package service

import "errors"

var (
	ErrClosed          = errors.New("service: closed")
	ErrUnreachable     = errors.New("service: output path unreachable")
	ErrUnexpectedReply = errors.New("service: unexpected reply")
	ErrDuplicateID     = errors.New("service: msg_id already pending")
)
