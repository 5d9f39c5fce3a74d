// Package session holds the per-connection state shared by the handshake,
// dispatcher, and I/O multiplexer: one value per worker process, torn down
// exactly once.
package session

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/qrexec-go/agent/internal/vchan"
)

// Kind records how a descriptor was acquired, resolved once at acquisition
// time instead of being re-probed with shutdown()/ENOTSOCK at every close.
type Kind int

const (
	KindPipe Kind = iota
	KindSocket
	// KindInherited marks a descriptor numerically aliased to one the
	// parent process owns (fd 0 / fd 1 on just-exec-style paths). It is
	// never closed nor shut down in either direction, so the parent's
	// connection survives session teardown.
	KindInherited
)

// FD wraps one of the three child stdio descriptors. A nil *FD is the
// session's "-1, logically closed" state; no read/write/select is ever
// attempted against it.
type FD struct {
	File      *os.File
	Kind      Kind
	inherited bool
}

// DetectKind classifies f by probing getsockname(2); ENOTSOCK means f is a
// pipe. This is done once, at acquisition, per the tagged-variant redesign
// in SPEC_FULL.md §9 (replacing the teacher's shutdown()/ENOTSOCK probe at
// teardown time).
func DetectKind(f *os.File) (Kind, error) {
	_, err := unix.Getsockname(int(f.Fd()))
	if err == nil {
		return KindSocket, nil
	}
	if err == unix.ENOTSOCK {
		return KindPipe, nil
	}
	return KindPipe, err
}

// NewFD wraps f, auto-detecting its kind unless inherited is set (fd 0/1
// carried over from the parent, whose kind doesn't matter because it is
// never closed).
func NewFD(f *os.File, inherited bool) (*FD, error) {
	if inherited {
		return &FD{File: f, Kind: KindInherited, inherited: true}, nil
	}
	kind, err := DetectKind(f)
	if err != nil {
		return nil, err
	}
	return &FD{File: f, Kind: kind}, nil
}

// Close releases fd following the pipe-vs-socket-vs-inherited rule: a
// socket shared with the parent is half-closed in the given direction, a
// plain pipe is fully closed, and an inherited descriptor is left alone.
func (fd *FD) Close(write bool) error {
	if fd == nil || fd.File == nil {
		return nil
	}
	switch fd.Kind {
	case KindInherited:
		return nil
	case KindSocket:
		how := unix.SHUT_RD
		if write {
			how = unix.SHUT_WR
		}
		if err := unix.Shutdown(int(fd.File.Fd()), how); err != nil {
			return err
		}
		return nil
	default:
		return fd.File.Close()
	}
}

// FullClose closes fd unconditionally unless it is inherited.
func (fd *FD) FullClose() error {
	if fd == nil || fd.File == nil || fd.Kind == KindInherited {
		return nil
	}
	return fd.File.Close()
}

// Orientation resolves the "dual meaning of stdin/stdout" design note:
// rather than mutating a global outbound tag, the frame codec consults
// this field on the session.
type Orientation int

const (
	// OrientExec is the common case: local descriptors really are the
	// child's stdin/stdout/stderr, output goes out tagged DATA_STDOUT.
	OrientExec Orientation = iota
	// OrientService is service-connect mode: the local descriptors are
	// the *other* end of a bridged connection, so locally-produced
	// output is tagged DATA_STDIN from the remote's point of view.
	OrientService
)

// Status is a tri-state exit code: unknown until the process (local child
// or remote peer) has actually reported one.
type Status struct {
	known bool
	code  int
}

func (s Status) Known() bool { return s.known }
func (s Status) Code() int   { return s.code }

func KnownStatus(code int) Status { return Status{known: true, code: code} }

// Tristate models the sanitize-non-printable-bytes configuration flags:
// unset means "use the protocol default", not "false".
type Tristate int

const (
	Unset Tristate = iota
	False
	True
)

// Session is the ephemeral per-connection value described in SPEC_FULL.md
// §3. Exactly one exists per worker process.
type Session struct {
	Vchan   vchan.Channel
	Version int

	ChildPID int

	Stdin  *FD
	Stdout *FD
	Stderr *FD

	Orientation Orientation

	// StdinBuf holds vchan-read bytes not yet accepted by stdin.
	StdinBuf []byte

	LocalStatus  Status
	RemoteStatus Status

	SanitizeStdout Tristate
	SanitizeStderr Tristate

	// ExitSent guards the at-most-once DATA_EXIT_CODE invariant.
	ExitSent bool

	// CollapseApplied is set once the stdio-collapse mid-stream request
	// has been acted on; a later single-socket framing convention kicks
	// in for locally produced output after this point.
	CollapseApplied bool

	// RemoteInputClosed records that the remote sent a zero-length
	// DATA_STDIN frame: it has nothing further to say. A peer with no
	// child of its own (the EXEC_CMDLINE case, from this side's point of
	// view) never sends DATA_EXIT_CODE, so this is the only "remote is
	// done" signal that side ever produces.
	RemoteInputClosed bool
}

// HasLocalChild reports whether this session owns a spawned process.
func (s *Session) HasLocalChild() bool { return s.ChildPID != 0 }

// LocalDone reports whether the local side's contribution to termination
// is satisfied: no child, or its exit status is known.
func (s *Session) LocalDone() bool {
	return !s.HasLocalChild() || s.LocalStatus.Known()
}

// RemoteDone reports whether the remote peer's contribution is over, per
// spec §4.3(b)'s "remote done (no child expected, or remote exit code
// known)". Exactly one side of a connection ever owns a real child: when
// this side does (HasLocalChild), the remote has none and will never send
// a DATA_EXIT_CODE frame, so it is only ever done by telling us it has no
// more to send (RemoteInputClosed) or by the vchan itself closing. When
// this side has no local child (service-connect), the remote is the side
// with the real child and its reported exit code is the one that matters,
// so that is what must be waited for.
func (s *Session) RemoteDone() bool {
	if s.RemoteStatus.Known() {
		return true
	}
	if !s.HasLocalChild() {
		return false
	}
	return s.RemoteInputClosed || (s.Vchan != nil && !s.Vchan.IsOpen())
}

// AllDescriptorsClosed reports whether stdin/stdout/stderr are all nil
// (the session's "-1" state).
func (s *Session) AllDescriptorsClosed() bool {
	return s.Stdin == nil && s.Stdout == nil && s.Stderr == nil
}
