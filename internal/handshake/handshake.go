// Package handshake implements spec.md §4.1: a single blocking HELLO
// exchange that negotiates the effective protocol version before any other
// frame is allowed on the vchan.
package handshake

import (
	"errors"

	"github.com/qrexec-go/agent/internal/errx"
	"github.com/qrexec-go/agent/internal/frame"
	"github.com/qrexec-go/agent/internal/vchan"
)

// MinimumSupportedVersion is the compile-time floor below which a
// negotiated version is rejected.
const MinimumSupportedVersion = 2

var (
	ErrShortExchange = errors.New("handshake: short read or write")
	ErrWrongType     = errors.New("handshake: expected HELLO frame")
	ErrWrongLength   = errors.New("handshake: malformed HELLO payload")
	ErrVersionTooLow = errors.New("handshake: negotiated version below floor")
)

// Negotiate sends a HELLO carrying localVersion, receives the peer's
// HELLO, and returns min(local, remote). No concurrency is needed before
// negotiation completes, so this uses ch's blocking Read/Write directly
// rather than the multiplexer's goroutine-per-source design.
func Negotiate(ch vchan.Channel, localVersion int) (int, error) {
	if err := frame.WriteFrame(ch, frame.TypeHello, frame.EncodeHello(localVersion)); err != nil {
		return 0, errx.Wrap(ErrShortExchange, err)
	}

	hdr, err := frame.ReadHeader(ch)
	if err != nil {
		return 0, errx.Wrap(ErrShortExchange, err)
	}
	if hdr.Type != frame.TypeHello {
		return 0, errx.With(ErrWrongType, ": got type %d", hdr.Type)
	}
	if hdr.Len != 4 {
		return 0, errx.With(ErrWrongLength, ": got len %d", hdr.Len)
	}

	payload, err := frame.ReadPayload(ch, hdr.Len)
	if err != nil {
		return 0, errx.Wrap(ErrShortExchange, err)
	}
	remoteVersion, err := frame.DecodeHello(payload)
	if err != nil {
		return 0, errx.Wrap(ErrWrongLength, err)
	}

	effective := localVersion
	if remoteVersion < effective {
		effective = remoteVersion
	}
	if effective < MinimumSupportedVersion {
		return 0, errx.With(ErrVersionTooLow, ": negotiated %d, floor %d", effective, MinimumSupportedVersion)
	}
	return effective, nil
}
