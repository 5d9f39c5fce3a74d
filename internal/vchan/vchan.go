// Package vchan defines the inter-domain shared-memory byte channel contract
// the rest of this module consumes, plus two concrete implementations: an
// AF_VSOCK-backed Channel for real guest/host deployment, and an in-memory
// ring pair for tests. spec.md treats the transport itself as an external
// collaborator ("we specify only the operations we invoke"); this package
// supplies the operations and one real backend so the module runs end to
// end without a hypervisor.
package vchan

import (
	"io"

	"github.com/qrexec-go/agent/internal/errx"
)

// DefaultBufferSize is used when a caller asks for buffer size 0.
const DefaultBufferSize = 64 * 1024

// Role distinguishes which side opened the channel.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Channel is the vchan contract: a byte stream with a bounded outbound ring
// whose remaining capacity can be queried, so callers never attempt to
// write a frame larger than the space actually available.
type Channel interface {
	io.Reader
	io.Writer
	io.Closer

	// FreeSpace reports how many bytes can be written without blocking.
	// Implementations that can't know this precisely (e.g. a raw TCP
	// socket) may return a generous constant; callers only use it to
	// split writes, never to skip them.
	FreeSpace() int

	// IsOpen reports whether the channel still has buffered input or is
	// still connected. Used to detect "no buffered input AND not open"
	// for the multiplexer's early-exit check.
	IsOpen() bool

	Role() Role
}

// ValidateBufferSize applies spec.md §4.2's rule: zero selects the
// default, anything else must be a power of two.
func ValidateBufferSize(n int) (int, error) {
	if n == 0 {
		return DefaultBufferSize, nil
	}
	if n < 0 || n&(n-1) != 0 {
		return 0, errx.With(ErrInvalidBufferSize, ": %d", n)
	}
	return n, nil
}

// WriteFrameBody writes data to ch, splitting it so that each underlying
// Write is at most ch's currently reported free space minus headerLen
// (headerLen counts against the first chunk only). This is spec.md §3's
// "never attempt to write a payload frame larger than the current vchan
// free space minus one frame header" invariant, applied at the transport
// layer so every frame type benefits uniformly. When that space is zero or
// less, all remaining data is passed to a single Write, which may block
// until the peer drains the ring.
func WriteFrameBody(ch Channel, headerLen int, data []byte) error {
	for len(data) > 0 {
		free := ch.FreeSpace() - headerLen
		if free <= 0 {
			free = len(data)
		}
		chunk := data
		if len(chunk) > free {
			chunk = chunk[:free]
		}
		n, err := ch.Write(chunk)
		if err != nil {
			return err
		}
		data = data[n:]
		headerLen = 0 // header only counts against the first chunk
	}
	return nil
}
