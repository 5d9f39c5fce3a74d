// Package spawner launches the child process a worker's I/O multiplexer
// bridges to the vchan. It is grounded on the teacher's guest-agent process
// launch (os/exec plus an explicit SysProcAttr for process-group signal
// delivery), generalized to hand back raw *os.File pipe ends instead of a
// pty, since spec.md's child is a plain stdio process, not a terminal.
package spawner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/kballard/go-shellquote"

	"github.com/qrexec-go/agent/internal/errx"
)

var (
	ErrUnknownUser    = errors.New("spawner: unknown user")
	ErrBadCommandLine = errors.New("spawner: malformed command line")
)

// Spawner starts a command line as a given local user and returns the
// parent-side ends of its three stdio pipes plus its PID.
type Spawner interface {
	Spawn(ctx context.Context, user, cmdline string) (*Process, error)
}

// Process is the parent-side handle on a spawned child: its PID and the
// three pipe ends the multiplexer will drive.
type Process struct {
	PID    int
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	cmd *os.Process
}

// Signal delivers sig to the whole process group, matching the teacher's
// monitorVsockCancel behavior of signaling the group rather than a lone
// pid so orphaned grandchildren are reached too.
func (p *Process) Signal(sig syscall.Signal) error {
	return syscall.Kill(-p.PID, sig)
}

// ExecSpawner runs commands via os/exec with a manually constructed stdio
// pipe set (not cmd.StdinPipe/StdoutPipe) because the multiplexer needs
// the *os.File handles themselves, not io.WriteCloser/io.ReadCloser
// wrappers, to select/close them by fd.
type ExecSpawner struct {
	// Lookup resolves a username to system identity. Defaults to
	// os/user.Lookup. Exposed for tests to avoid depending on the host's
	// user database.
	Lookup func(username string) (*user.User, error)
}

// NewExecSpawner returns an ExecSpawner with the default os/user lookup.
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{Lookup: user.Lookup}
}

// Spawn parses cmdline with shell-word semantics (github.com/kballard/go-shellquote,
// matching the argv-splitting a qrexec command line needs), then execs argv[0]
// as the named user with its own process group so the multiplexer's later
// SIGTERM reaches the whole subtree.
func (s *ExecSpawner) Spawn(ctx context.Context, username, cmdline string) (*Process, error) {
	argv, err := shellquote.Split(cmdline)
	if err != nil {
		return nil, errx.Wrap(ErrBadCommandLine, err)
	}
	if len(argv) == 0 {
		return nil, ErrBadCommandLine
	}

	var uid, gid uint32
	var homeDir string
	if username != "" {
		u, err := s.Lookup(username)
		if err != nil {
			return nil, errx.Wrap(ErrUnknownUser, err)
		}
		uidN, _ := strconv.ParseUint(u.Uid, 10, 32)
		gidN, _ := strconv.ParseUint(u.Gid, 10, 32)
		uid, gid = uint32(uidN), uint32(gidN)
		homeDir = u.HomeDir
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Env = append(os.Environ(), "QREXEC_AGENT_PID="+strconv.Itoa(os.Getpid()))
	if username != "" {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
		cmd.Env = append(cmd.Env, "HOME="+homeDir, "USER="+username)
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, err
	}

	// The parent keeps the write end of stdin and the read ends of
	// stdout/stderr; the child's copies close once it execs.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	// cmd.Wait is deliberately never called: the multiplexer reaps this
	// PID itself via syscall.Wait4 on SIGCHLD (internal/sigwatch), and a
	// concurrent os/exec reaper goroutine would race it for the same
	// zombie.

	return &Process{
		PID:    cmd.Process.Pid,
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
		cmd:    cmd.Process,
	}, nil
}
