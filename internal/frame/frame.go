// Package frame implements the wire codec from SPEC_FULL.md §6: a fixed
// {u32 type, u32 len} header followed by len bytes of payload.
package frame

import (
	"encoding/binary"
	"io"

	"github.com/qrexec-go/agent/internal/errx"
	"github.com/qrexec-go/agent/internal/vchan"
)

// Type identifies a frame's payload kind.
type Type uint32

const (
	TypeHello         Type = 0
	TypeDataStdin     Type = 1
	TypeDataStdout    Type = 2
	TypeDataStderr    Type = 3
	TypeDataExitCode  Type = 4
)

const HeaderLen = 8

// Header is the fixed {type, len} prefix of every frame.
type Header struct {
	Type Type
	Len  uint32
}

// ReadHeader reads one frame header. A short read is always fatal for the
// session, per spec.md §4.1/§7.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, errx.Wrap(ErrShortRead, err)
	}
	return Header{
		Type: Type(binary.BigEndian.Uint32(buf[0:4])),
		Len:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// ReadPayload reads exactly n bytes following a header.
func ReadPayload(r io.Reader, n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errx.Wrap(ErrShortRead, err)
	}
	return buf, nil
}

// WriteFrame writes a complete frame to ch: the header in one write, then
// the payload chunked against the channel's reported free space
// (vchan.WriteFrameBody, which documents its behaviour when no space is
// reported free).
func WriteFrame(ch vchan.Channel, t Type, payload []byte) error {
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := ch.Write(hdr[:]); err != nil {
		return errx.Wrap(ErrShortWrite, err)
	}
	if len(payload) == 0 {
		return nil
	}
	return vchan.WriteFrameBody(ch, 0, payload)
}

// EncodeExitCode packs a 32-bit exit code as DATA_EXIT_CODE's payload.
func EncodeExitCode(code int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(int32(code)))
	return buf
}

// DecodeExitCode is the inverse of EncodeExitCode, sign-extending back to
// a signed code (spec.md §8 scenario 6: JUST_EXEC without ':' reports -1).
func DecodeExitCode(payload []byte) int {
	if len(payload) < 4 {
		return 0
	}
	return int(int32(binary.BigEndian.Uint32(payload)))
}

// EncodeHello packs a HELLO frame's peer_info payload: {u32 version}.
func EncodeHello(version int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(version))
	return buf
}

// DecodeHello unpacks a HELLO payload.
func DecodeHello(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, ErrBadHelloLength
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// StdoutTag picks the outbound frame type for locally-produced output
// given the session's orientation and whether stdio collapse has been
// applied — the "dual meaning of stdin/stdout" and "single-socket framing
// convention" design notes resolved here rather than via a mutated global.
func StdoutTag(serviceOriented, collapsed bool) Type {
	switch {
	case collapsed:
		// After collapse, locally produced output represents the single
		// unified socket and is always framed as the remote's stdin.
		return TypeDataStdin
	case serviceOriented:
		return TypeDataStdin
	default:
		return TypeDataStdout
	}
}
