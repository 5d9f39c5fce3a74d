package vchan

import "errors"

var (
	ErrInvalidBufferSize = errors.New("vchan buffer size must be 0 or a power of two")
	ErrCreateSocket      = errors.New("create vsock socket")
	ErrBind              = errors.New("bind vsock")
	ErrListen            = errors.New("listen on vsock")
	ErrAccept            = errors.New("accept vsock connection")
	ErrConnect           = errors.New("connect to vsock")
	ErrClosed            = errors.New("vchan closed")
)
