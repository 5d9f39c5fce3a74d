package frame

import "errors"

var (
	ErrShortRead      = errors.New("short read on frame")
	ErrShortWrite     = errors.New("short write on frame")
	ErrBadHelloType   = errors.New("expected HELLO frame")
	ErrBadHelloLength = errors.New("malformed HELLO payload length")
)
