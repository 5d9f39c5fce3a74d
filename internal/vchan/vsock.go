//go:build linux

package vchan

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/qrexec-go/agent/internal/errx"
)

// vsock CID constants, grounded on the teacher's pkg/vsock/vsock.go.
const (
	CIDAny  = 0xFFFFFFFF
	CIDHost = 2
)

// VsockChannel is a Channel backed by an AF_VSOCK socket, the real
// inter-VM transport vchan stands in for on Linux hosts.
type VsockChannel struct {
	fd        int
	role      Role
	open      bool
	bufSize   int
	peerCID   uint32
	peerPort  uint32
}

// ListenVsock opens a vchan in server role on (cid, port) with the given
// ring size, accepting exactly one peer (one connection = one child, per
// spec.md's non-goals).
func ListenVsock(cid, port uint32, bufSize int) (*VsockChannel, error) {
	size, err := ValidateBufferSize(bufSize)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errx.Wrap(ErrCreateSocket, err)
	}

	addr := &unix.SockaddrVM{CID: cid, Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, errx.Wrap(ErrBind, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, errx.Wrap(ErrListen, err)
	}

	nfd, peer, err := unix.Accept(fd)
	unix.Close(fd)
	if err != nil {
		return nil, errx.Wrap(ErrAccept, err)
	}

	ch := &VsockChannel{fd: nfd, role: RoleServer, open: true, bufSize: size}
	if vm, ok := peer.(*unix.SockaddrVM); ok {
		ch.peerCID, ch.peerPort = vm.CID, vm.Port
	}
	return ch, nil
}

// DialVsock connects to a vchan server at (cid, port).
func DialVsock(cid, port uint32, bufSize int) (*VsockChannel, error) {
	size, err := ValidateBufferSize(bufSize)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errx.Wrap(ErrCreateSocket, err)
	}

	addr := &unix.SockaddrVM{CID: cid, Port: port}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, errx.Wrap(ErrConnect, err)
	}

	return &VsockChannel{fd: fd, role: RoleClient, open: true, bufSize: size, peerCID: cid, peerPort: port}, nil
}

func (c *VsockChannel) Read(b []byte) (int, error) {
	n, err := unix.Read(c.fd, b)
	if n == 0 && err == nil {
		c.open = false
	}
	return n, err
}

func (c *VsockChannel) Write(b []byte) (int, error) {
	return unix.Write(c.fd, b)
}

func (c *VsockChannel) Close() error {
	if !c.open {
		return nil
	}
	c.open = false
	return unix.Close(c.fd)
}

// FreeSpace has no cheap ioctl on AF_VSOCK to report exact ring headroom,
// so conservatively report the configured ring size; WriteFrameBody still
// chunks against it, and the kernel socket buffer provides real
// backpressure on top.
func (c *VsockChannel) FreeSpace() int { return c.bufSize }

func (c *VsockChannel) IsOpen() bool { return c.open }

func (c *VsockChannel) Role() Role { return c.role }

func (c *VsockChannel) String() string {
	return fmt.Sprintf("vsock:%d:%d", c.peerCID, c.peerPort)
}
