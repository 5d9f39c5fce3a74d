package multiplex

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/qrexec-go/agent/internal/frame"
	"github.com/qrexec-go/agent/internal/session"
	"github.com/qrexec-go/agent/internal/sigwatch"
	"github.com/qrexec-go/agent/internal/spawner"
	"github.com/qrexec-go/agent/internal/vchan"
	"github.com/qrexec-go/agent/pkg/qlog"
)

func requireCat(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available in test environment")
	}
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available in test environment")
	}
}

func mustFD(t *testing.T, f *os.File) *session.FD {
	t.Helper()
	fd, err := session.NewFD(f, false)
	if err != nil {
		t.Fatalf("NewFD: %v", err)
	}
	return fd
}

// TestEchoScenario implements spec.md §8 scenario 1: spawn cat, feed three
// stdin frames, expect them echoed back as stdout frames followed by exit
// code 0.
func TestEchoScenario(t *testing.T) {
	requireCat(t)

	local, remote, err := vchan.NewLoopback(0)
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	defer remote.Close()

	sp := spawner.NewExecSpawner()
	proc, err := sp.Spawn(context.Background(), "", "cat")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	sess := &session.Session{Vchan: local, ChildPID: proc.PID, Orientation: session.OrientExec}
	sess.Stdin = mustFD(t, proc.Stdin)
	sess.Stdout = mustFD(t, proc.Stdout)
	sess.Stderr = mustFD(t, proc.Stderr)

	watcher := sigwatch.New()
	defer watcher.Stop()

	mux := New(sess, proc, watcher, qlog.NewNop())
	runDone := make(chan error, 1)
	go func() { runDone <- mux.Run() }()

	for _, b := range []string{"a", "b", "c"} {
		if err := frame.WriteFrame(remote, frame.TypeDataStdin, []byte(b)); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	// Zero-length DATA_STDIN closes the child's stdin (spec.md §8 boundary
	// behavior), which is what makes `cat` observe EOF and exit.
	if err := frame.WriteFrame(remote, frame.TypeDataStdin, nil); err != nil {
		t.Fatalf("WriteFrame (EOF): %v", err)
	}

	var got []byte
	for len(got) < 3 {
		hdr, err := frame.ReadHeader(remote)
		if err != nil {
			t.Fatalf("ReadHeader: %v", err)
		}
		payload, err := frame.ReadPayload(remote, hdr.Len)
		if err != nil {
			t.Fatalf("ReadPayload: %v", err)
		}
		switch hdr.Type {
		case frame.TypeDataStdout:
			got = append(got, payload...)
		case frame.TypeDataExitCode:
			t.Fatalf("exit code frame arrived before all stdout data: %v", frame.DecodeExitCode(payload))
		}
	}
	if string(got) != "abc" {
		t.Errorf("echoed bytes = %q, want %q", got, "abc")
	}

	hdr, err := frame.ReadHeader(remote)
	if err != nil {
		t.Fatalf("ReadHeader (exit): %v", err)
	}
	if hdr.Type != frame.TypeDataExitCode {
		t.Fatalf("final frame type = %d, want DATA_EXIT_CODE", hdr.Type)
	}
	payload, err := frame.ReadPayload(remote, hdr.Len)
	if err != nil {
		t.Fatalf("ReadPayload (exit): %v", err)
	}
	if code := frame.DecodeExitCode(payload); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after teardown")
	}
}

// TestRemoteExitsFirst implements spec.md §8 scenario 3: the remote peer
// reports its exit code while the local child is still alive; the
// multiplexer must close the child's stdout/stderr path and terminate.
func TestRemoteExitsFirst(t *testing.T) {
	sp := spawner.NewExecSpawner()
	proc, err := sp.Spawn(context.Background(), "", "sleep 60")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer proc.Signal(syscall.SIGKILL)

	local, remote, err := vchan.NewLoopback(0)
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	defer remote.Close()

	sess := &session.Session{Vchan: local, ChildPID: proc.PID, Orientation: session.OrientExec}
	sess.Stdin = mustFD(t, proc.Stdin)
	sess.Stdout = mustFD(t, proc.Stdout)
	sess.Stderr = mustFD(t, proc.Stderr)

	watcher := sigwatch.New()
	defer watcher.Stop()

	mux := New(sess, proc, watcher, qlog.NewNop())
	runDone := make(chan error, 1)
	go func() { runDone <- mux.Run() }()

	if err := frame.WriteFrame(remote, frame.TypeDataExitCode, frame.EncodeExitCode(0)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not terminate after remote reported exit")
	}
	if !sess.RemoteStatus.Known() || sess.RemoteStatus.Code() != 0 {
		t.Errorf("RemoteStatus = %+v, want known code 0", sess.RemoteStatus)
	}
}

// TestStdioCollapse implements spec.md §8 scenario 4: a child raises
// SIGUSR1 on the agent PID and then writes to its own fd 0; the
// multiplexer must unify stdout onto stdin and deliver that write as an
// outbound frame tagged per the single-socket convention. A unidirectional
// pipe can't carry this (the child's fd 0 isn't readable), so the session's
// stdin here is one end of a genuine AF_UNIX socketpair, with the other end
// handed to the child as its stdin.
func TestStdioCollapse(t *testing.T) {
	requireSh(t)

	local, remote, err := vchan.NewLoopback(0)
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	defer remote.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	parentEnd := os.NewFile(uintptr(fds[0]), "collapse-stdin")
	childEnd := os.NewFile(uintptr(fds[1]), "collapse-child-stdin")

	cmd := exec.Command("sh", "-c", fmt.Sprintf("kill -USR1 %d; printf X >&0", os.Getpid()))
	cmd.Stdin = childEnd
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	childEnd.Close()

	sess := &session.Session{Vchan: local, ChildPID: cmd.Process.Pid, Orientation: session.OrientExec}
	sess.Stdin = mustFD(t, parentEnd)
	// Stdout is left nil: the child has no stdout descriptor of its own,
	// so applyCollapse must take the "dup a fresh descriptor from stdin"
	// branch rather than dup2'ing over an existing one.

	watcher := sigwatch.New()
	defer watcher.Stop()

	mux := New(sess, nil, watcher, qlog.NewNop())
	runDone := make(chan error, 1)
	go func() { runDone <- mux.Run() }()

	hdr, err := frame.ReadHeader(remote)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if hdr.Type != frame.TypeDataStdin {
		t.Errorf("frame type after collapse = %d, want DATA_STDIN (%d)", hdr.Type, frame.TypeDataStdin)
	}
	payload, err := frame.ReadPayload(remote, hdr.Len)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if string(payload) != "X" {
		t.Errorf("collapsed payload = %q, want %q", payload, "X")
	}

	// Tell the multiplexer the remote has nothing further to send, so the
	// loop (which owns a local child and so never expects a remote
	// DATA_EXIT_CODE) can terminate once the child exits and its duplicated
	// descriptor reports EOF.
	if err := frame.WriteFrame(remote, frame.TypeDataStdin, nil); err != nil {
		t.Fatalf("WriteFrame (EOF): %v", err)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after teardown")
	}

	if !sess.CollapseApplied {
		t.Error("CollapseApplied = false, want true")
	}
}
