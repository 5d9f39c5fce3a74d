// Package multiplex implements the per-session I/O event loop from
// SPEC_FULL.md §4.3: it bridges a vchan.Channel to a child process's three
// stdio descriptors until both sides have reported termination and every
// descriptor is closed.
//
// The teacher's guest-agent drives an equivalent loop with a raw select(2)
// over fds, SIGCHLD handled via a process-wide atomic flag, and a single
// mutable "last written direction" global. SPEC_FULL.md §9 calls that out
// as exactly the shape Go naturally improves on: this package instead runs
// one goroutine per input source (vchan, stdout, stderr), a dedicated
// stdin-writer goroutine, and a central select over plain channels. Nothing
// here touches a signal mask directly; internal/sigwatch is the only
// package that does.
package multiplex

import (
	"errors"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/qrexec-go/agent/internal/errx"
	"github.com/qrexec-go/agent/internal/frame"
	"github.com/qrexec-go/agent/internal/session"
	"github.com/qrexec-go/agent/internal/sigwatch"
	"github.com/qrexec-go/agent/internal/spawner"
	"github.com/qrexec-go/agent/pkg/qlog"
)

// ErrRemoteProtocol is the sentinel for a malformed or out-of-sequence
// frame arriving over the vchan mid-session.
var ErrRemoteProtocol = errors.New("multiplex: protocol violation from remote")

type vchanEvent struct {
	hdr     frame.Header
	payload []byte
	err     error
}

type ioChunk struct {
	data []byte
	err  error
}

// Multiplexer drives one session's event loop to completion.
type Multiplexer struct {
	sess    *session.Session
	proc    *spawner.Process // nil for SERVICE_CONNECT, which has no local child
	watcher *sigwatch.Watcher
	log     *qlog.Logger
}

// New builds a Multiplexer for sess. proc is nil when the session has no
// local child (SERVICE_CONNECT).
func New(sess *session.Session, proc *spawner.Process, watcher *sigwatch.Watcher, log *qlog.Logger) *Multiplexer {
	return &Multiplexer{sess: sess, proc: proc, watcher: watcher, log: log}
}

// Run executes the loop described in SPEC_FULL.md §4.3 steps (a)-(g) until
// both LocalDone and RemoteDone hold and every descriptor is closed, then
// performs the at-most-once teardown in step (h).
func (m *Multiplexer) Run() error {
	s := m.sess

	vchanCh := make(chan vchanEvent, 1)
	go m.readVchan(vchanCh)

	var stdoutCh, stderrCh chan ioChunk
	if s.Stdout != nil {
		stdoutCh = make(chan ioChunk, 1)
		go readLoop(s.Stdout.File, stdoutCh)
	}
	if s.Stderr != nil {
		stderrCh = make(chan ioChunk, 1)
		go readLoop(s.Stderr.File, stderrCh)
	}

	stdinWriteCh := make(chan []byte)
	stdinDoneCh := make(chan error, 1)
	stdinLaunched := s.Stdin != nil
	if stdinLaunched {
		go stdinWriter(s.Stdin.File, stdinWriteCh, stdinDoneCh)
	}

	var pendingWrite chan []byte // set to stdinWriteCh only while a write is outstanding
	var stdinEOF bool            // remote sent a zero-length DATA_STDIN
	var loopErr error

	for {
		// (b) reap + termination check happens via childExited below; a
		// child that already exited before Run was even called is caught
		// here so the loop doesn't block forever on a channel with no
		// future sender.
		if m.allDone() {
			break
		}

		// A zero-length DATA_STDIN frame means the remote will send no
		// more; once any data already queued toward the child has
		// actually been written, close our end (spec.md §8 boundary
		// behavior: "zero-length DATA_STDIN frame closes the child's
		// stdin").
		if stdinEOF && pendingWrite == nil && len(s.StdinBuf) == 0 && s.Stdin != nil {
			s.Stdin.Close(true)
			s.Stdin = nil
		}

		// (c) stdio collapse needs a stdin descriptor to unify onto; once
		// applied it's idempotent. Stdout may already be closed (the
		// "otherwise" branch of the unification), so its presence isn't a
		// precondition.
		var collapseCh <-chan struct{}
		if m.watcher != nil && !s.CollapseApplied && s.Stdin != nil {
			collapseCh = m.watcher.CollapseRequested
		}

		var childExited <-chan struct{}
		if m.watcher != nil && s.HasLocalChild() && !s.LocalStatus.Known() {
			childExited = m.watcher.ChildExited
		}

		// Offer a queued stdin write only when one isn't already
		// outstanding and there's buffered data to send.
		var writeCh chan []byte
		var writeBuf []byte
		if pendingWrite == nil && len(s.StdinBuf) > 0 && s.Stdin != nil {
			writeCh = stdinWriteCh
			writeBuf = s.StdinBuf
		}

		select {
		case ev := <-vchanCh:
			eof, err := m.handleVchan(ev)
			if err != nil {
				loopErr = err
			}
			if eof {
				stdinEOF = true
				s.RemoteInputClosed = true
			}

		case chunk := <-safeChunkCh(stdoutCh):
			m.handleLocalOutput(frame.StdoutTag(s.Orientation == session.OrientService, s.CollapseApplied), chunk, &stdoutCh, s.Stdout)

		case chunk := <-safeChunkCh(stderrCh):
			m.handleLocalOutput(frame.TypeDataStderr, chunk, &stderrCh, s.Stderr)

		case writeCh <- writeBuf:
			pendingWrite = stdinWriteCh
			s.StdinBuf = nil

		case err := <-safeErrCh(pendingWrite, stdinDoneCh):
			pendingWrite = nil
			if err != nil {
				m.log.Warn("stdin write failed, closing")
				s.Stdin.FullClose()
				s.Stdin = nil
			}

		case <-childExited:
			m.reapChild()

		case <-collapseCh:
			if m.applyCollapse() {
				stdoutCh = make(chan ioChunk, 1)
				go readLoop(s.Stdout.File, stdoutCh)
			}
		}

		if loopErr != nil {
			break
		}
	}

	if stdinLaunched {
		close(stdinWriteCh)
	}
	return m.teardown(loopErr)
}

func safeChunkCh(ch chan ioChunk) chan ioChunk {
	if ch == nil {
		return nil
	}
	return ch
}

func safeErrCh(active chan []byte, ch chan error) chan error {
	if active == nil {
		return nil
	}
	return ch
}

// allDone mirrors spec.md §3's termination invariant: both sides are done
// (LocalDone/RemoteDone; see session.Session.RemoteDone for what "done"
// means for a peer that owns no child) and no descriptor remains open.
// ExitSent is deliberately not part of this check — it is only set during
// teardown, which runs once this condition is already true.
func (m *Multiplexer) allDone() bool {
	s := m.sess
	return s.LocalDone() && s.RemoteDone() && s.AllDescriptorsClosed()
}

func (m *Multiplexer) readVchan(out chan<- vchanEvent) {
	for {
		hdr, err := frame.ReadHeader(m.sess.Vchan)
		if err != nil {
			out <- vchanEvent{err: err}
			return
		}
		payload, err := frame.ReadPayload(m.sess.Vchan, hdr.Len)
		if err != nil {
			out <- vchanEvent{err: err}
			return
		}
		out <- vchanEvent{hdr: hdr, payload: payload}
	}
}

func readLoop(f interface{ Read([]byte) (int, error) }, out chan<- ioChunk) {
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- ioChunk{data: chunk}
		}
		if err != nil {
			out <- ioChunk{err: err}
			return
		}
	}
}

func stdinWriter(f interface{ Write([]byte) (int, error) }, in <-chan []byte, done chan<- error) {
	for data := range in {
		_, err := writeAll(f, data)
		done <- err
		if err != nil {
			return
		}
	}
}

func writeAll(f interface{ Write([]byte) (int, error) }, data []byte) (int, error) {
	total := 0
	for len(data) > 0 {
		n, err := f.Write(data)
		total += n
		if err != nil {
			return total, err
		}
		data = data[n:]
	}
	return total, nil
}

// handleVchan processes one frame from the remote peer. A malformed frame
// or a failed vchan read is returned as an error, and Run ends the loop at
// the end of that iteration: there is no well-defined partial-recovery
// point in a byte-oriented framing, so a single bad frame is fatal for the
// connection.
// handleVchan returns true when this frame marks the start of stdin EOF
// (a zero-length DATA_STDIN), which the caller latches until any
// already-queued stdin data has drained.
func (m *Multiplexer) handleVchan(ev vchanEvent) (stdinEOF bool, err error) {
	s := m.sess
	if ev.err != nil {
		if errors.Is(ev.err, io.EOF) {
			// Peer closed without a formal exit-code frame; record a
			// remote status of -1 so local teardown can proceed instead
			// of blocking forever.
			if !s.RemoteStatus.Known() {
				s.RemoteStatus = session.KnownStatus(-1)
			}
			return false, nil
		}
		return false, errx.Wrap(ErrRemoteProtocol, ev.err)
	}

	switch ev.hdr.Type {
	case frame.TypeDataStdin:
		if len(ev.payload) == 0 {
			return true, nil
		}
		if s.Stdin != nil {
			s.StdinBuf = append(s.StdinBuf, ev.payload...)
		}
	case frame.TypeDataStdout:
		if s.Stdout != nil || s.CollapseApplied {
			// In service orientation this never arrives; in exec
			// orientation it also never arrives (clients don't send us
			// our own stdout). Accepting it defensively as stdin-bound
			// data matches the single-socket collapse convention.
			if s.Stdin != nil {
				s.StdinBuf = append(s.StdinBuf, ev.payload...)
			}
		}
	case frame.TypeDataStderr:
		// A worker never receives stderr from its peer; ignore.
	case frame.TypeDataExitCode:
		if !s.RemoteStatus.Known() {
			s.RemoteStatus = session.KnownStatus(frame.DecodeExitCode(ev.payload))
			m.onRemoteExited()
		}
	default:
		return false, errx.With(ErrRemoteProtocol, ": unknown frame type %d", ev.hdr.Type)
	}
	return false, nil
}

// onRemoteExited implements SPEC_FULL.md §4.3(f)'s EXITED case: the remote
// will accept no more stdout/stderr, so both are closed immediately: stdout
// by read-side half-close or full close per the descriptor's kind, stderr
// by a full close whatever its kind. A local
// child, if any, is signaled to terminate too — spec.md §8 scenario 3 calls
// this "terminate the child path": the remote side has already decided the
// connection is over, so there is nothing left for a still-running local
// child to produce output for.
func (m *Multiplexer) onRemoteExited() {
	s := m.sess
	if s.Stdout != nil {
		s.Stdout.Close(false)
		s.Stdout = nil
	}
	if s.Stderr != nil {
		s.Stderr.FullClose()
		s.Stderr = nil
	}
	if m.proc != nil && s.HasLocalChild() && !s.LocalStatus.Known() {
		m.proc.Signal(syscall.SIGTERM)
	}
}

// handleLocalOutput forwards one chunk of locally produced stdout/stderr to
// the peer, tagged t, and on EOF closes the descriptor and records local
// exit status readiness bookkeeping (the process-exit code itself still
// comes from waitpid, not from an EOF on a pipe).
func (m *Multiplexer) handleLocalOutput(t frame.Type, chunk ioChunk, slot *chan ioChunk, fd *session.FD) {
	if len(chunk.data) > 0 {
		if err := frame.WriteFrame(m.sess.Vchan, t, chunk.data); err != nil {
			m.log.Warn("write to vchan failed")
		}
	}
	if chunk.err != nil {
		*slot = nil
		if fd != nil {
			fd.FullClose()
		}
		if fd == m.sess.Stdout {
			m.sess.Stdout = nil
		}
		if fd == m.sess.Stderr {
			m.sess.Stderr = nil
		}
	}
}

// reapChild performs the non-blocking waitpid SPEC_FULL.md §4.3(a)
// describes, translating a signal/core-dump death into the 128+signal
// convention spec.md §8 scenario 2 requires.
func (m *Multiplexer) reapChild() {
	s := m.sess
	if !s.HasLocalChild() || s.LocalStatus.Known() {
		return
	}
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(s.ChildPID, &ws, syscall.WNOHANG, nil)
	if err != nil || pid == 0 {
		return
	}
	switch {
	case ws.Exited():
		s.LocalStatus = session.KnownStatus(ws.ExitStatus())
	case ws.Signaled():
		s.LocalStatus = session.KnownStatus(128 + int(ws.Signal()))
	default:
		return
	}

	// Per SPEC_FULL.md §4.3(a): once the child is reaped, its stdin is
	// closed (half-closed write-direction if it's a socket, so any data
	// we already queued toward it can still be drained by a reader on
	// the other end; fully closed if it's a plain pipe).
	if s.Stdin != nil {
		s.Stdin.Close(true)
		s.Stdin = nil
	}
}

// applyCollapse implements the mid-stream stdio-collapse request from
// SPEC_FULL.md §4.3(c): the child's fd 0 and fd 1 are unified into one
// descriptor so whatever it writes to its own stdin is observed and
// forwarded under the single-socket framing convention. When stdout is
// still open, its fd is dup2'd onto stdin's underlying open file
// description; when stdout has already been closed, a fresh descriptor is
// dup'd from stdin and installed as the new stdout so a reader can be
// started for it. Idempotent by construction since the caller only offers
// collapseCh while !CollapseApplied. Returns true when a new stdout reader
// goroutine needs to be started by the caller.
func (m *Multiplexer) applyCollapse() bool {
	s := m.sess
	if s.Stdin == nil {
		m.log.Warn("stdio collapse requested with no stdin descriptor to collapse onto")
		s.CollapseApplied = true
		return false
	}

	needsReader := false
	if s.Stdout != nil {
		if err := unix.Dup2(int(s.Stdin.File.Fd()), int(s.Stdout.File.Fd())); err != nil {
			m.log.Warn("stdio collapse dup2 failed", "err", err)
			return false
		}
	} else {
		newFd, err := unix.Dup(int(s.Stdin.File.Fd()))
		if err != nil {
			m.log.Warn("stdio collapse dup failed", "err", err)
			return false
		}
		fd, err := session.NewFD(os.NewFile(uintptr(newFd), "stdout-collapsed"), false)
		if err != nil {
			m.log.Warn("stdio collapse wrap failed", "err", err)
			unix.Close(newFd)
			return false
		}
		s.Stdout = fd
		needsReader = true
	}

	s.CollapseApplied = true
	m.log.Info("stdio collapse applied")
	return needsReader
}

// teardown sends the at-most-once DATA_EXIT_CODE frame when the session has
// a local child whose exit status is known (whether or not the remote side
// has finished), closes any descriptor still open, and surfaces loopErr
// if the loop ended on a protocol fault rather than a clean finish.
func (m *Multiplexer) teardown(loopErr error) error {
	s := m.sess

	if s.HasLocalChild() && s.LocalStatus.Known() && !s.ExitSent {
		if err := frame.WriteFrame(s.Vchan, frame.TypeDataExitCode, frame.EncodeExitCode(s.LocalStatus.Code())); err != nil {
			if loopErr == nil {
				loopErr = err
			}
		} else {
			s.ExitSent = true
		}
	}

	if s.Stdin != nil {
		s.Stdin.FullClose()
		s.Stdin = nil
	}
	if s.Stdout != nil {
		s.Stdout.FullClose()
		s.Stdout = nil
	}
	if s.Stderr != nil {
		s.Stderr.FullClose()
		s.Stderr = nil
	}
	s.Vchan.Close()

	return loopErr
}
