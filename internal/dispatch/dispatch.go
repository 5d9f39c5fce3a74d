// Package dispatch implements the request dispatcher from SPEC_FULL.md
// §4.2: given a request kind and a peer (domain, port), it opens the vchan
// side appropriate to that kind, runs the handshake, and then either fires
// a detached spawn, runs the full multiplexer against a freshly spawned
// child, or runs the multiplexer over caller-supplied descriptors.
package dispatch

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/kballard/go-shellquote"

	"github.com/qrexec-go/agent/internal/errx"
	"github.com/qrexec-go/agent/internal/frame"
	"github.com/qrexec-go/agent/internal/handshake"
	"github.com/qrexec-go/agent/internal/multiplex"
	"github.com/qrexec-go/agent/internal/session"
	"github.com/qrexec-go/agent/internal/sigwatch"
	"github.com/qrexec-go/agent/internal/spawner"
	"github.com/qrexec-go/agent/internal/vchan"
	"github.com/qrexec-go/agent/pkg/qlog"
)

// MaxCmdLen bounds the command line so downstream parsers (shellquote, the
// user:cmd split) operate on a fixed-size buffer, matching MAX_QREXEC_CMD_LEN
// in SPEC_FULL.md §6.
const MaxCmdLen = 4096

// Kind selects which of the three dispatcher behaviors to run.
type Kind int

const (
	JustExec Kind = iota
	ExecCmdline
	ServiceConnect
)

var (
	ErrCommandLinePresent = errors.New("dispatch: command line must be absent for SERVICE_CONNECT")
	ErrCommandLineEmpty   = errors.New("dispatch: command line must be non-empty")
	ErrCommandLineTooLong = errors.New("dispatch: command line exceeds maximum length")
)

// Request is everything the control channel hands the dispatcher for one
// connection.
type Request struct {
	Kind Kind

	Domain uint32
	Port   uint32

	// CommandLine is the user:command string for JUST_EXEC/EXEC_CMDLINE.
	// Go strings carry their own length, so the "forcibly NUL-terminate
	// the last byte" rule from spec.md §4.2 is enforced at the wire
	// decode boundary that produced this string, not here; what this
	// layer still owns is the length cap.
	CommandLine string

	// BufferSize is the requested vchan ring size; 0 selects the default.
	BufferSize int

	// Stdin/Stdout/Stderr are caller-supplied descriptors for
	// SERVICE_CONNECT. Ignored for the other two kinds.
	Stdin, Stdout, Stderr *os.File
}

// Dispatcher holds the collaborators the three behaviors need. Listen/Dial
// default to the real AF_VSOCK transport; tests override them with an
// in-memory vchan.NewLoopback pair so the dispatcher's control flow can be
// exercised without a vsock-capable kernel.
type Dispatcher struct {
	Spawn   spawner.Spawner
	Log     *qlog.Logger
	Version int // local protocol version offered during handshake

	Listen func(domain, port uint32, bufSize int) (vchan.Channel, error)
	Dial   func(domain, port uint32, bufSize int) (vchan.Channel, error)
}

func (d *Dispatcher) listen(domain, port uint32, bufSize int) (vchan.Channel, error) {
	if d.Listen != nil {
		return d.Listen(domain, port, bufSize)
	}
	return vchan.ListenVsock(domain, port, bufSize)
}

func (d *Dispatcher) dial(domain, port uint32, bufSize int) (vchan.Channel, error) {
	if d.Dial != nil {
		return d.Dial(domain, port, bufSize)
	}
	return vchan.DialVsock(domain, port, bufSize)
}

// Result is what the caller (the worker's main) reports as its own exit
// status, per spec.md §6 "Exit semantics".
type Result struct {
	ExitCode int
}

// Dispatch validates req, opens the vchan appropriately, and runs the
// selected behavior to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	switch req.Kind {
	case ServiceConnect:
		return d.serviceConnect(ctx, req)
	case JustExec:
		return d.justExec(ctx, req)
	case ExecCmdline:
		return d.execCmdline(ctx, req)
	default:
		return Result{}, errx.With(ErrCommandLineEmpty, ": unknown request kind %d", req.Kind)
	}
}

func validate(req Request) error {
	if req.Kind == ServiceConnect {
		if req.CommandLine != "" {
			return ErrCommandLinePresent
		}
		return nil
	}
	if req.CommandLine == "" {
		return ErrCommandLineEmpty
	}
	if len(req.CommandLine) > MaxCmdLen {
		return errx.With(ErrCommandLineTooLong, ": %d > %d", len(req.CommandLine), MaxCmdLen)
	}
	return nil
}

// serviceConnect implements SPEC_FULL.md §4.2's SERVICE_CONNECT: a vchan
// server accepting one peer, no spawn, the caller's own descriptors bridged
// with the outbound tag remapped via session.OrientService.
func (d *Dispatcher) serviceConnect(ctx context.Context, req Request) (Result, error) {
	ch, err := d.listen(req.Domain, req.Port, req.BufferSize)
	if err != nil {
		return Result{}, err
	}
	version, err := handshake.Negotiate(ch, d.Version)
	if err != nil {
		ch.Close()
		return Result{}, err
	}

	sess := &session.Session{
		Vchan:       ch,
		Version:     version,
		Orientation: session.OrientService,
	}
	sess.Stdin, err = wrapFD(req.Stdin)
	if err != nil {
		return Result{}, err
	}
	sess.Stdout, err = wrapFD(req.Stdout)
	if err != nil {
		return Result{}, err
	}
	sess.Stderr, err = wrapFD(req.Stderr)
	if err != nil {
		return Result{}, err
	}

	mux := multiplex.New(sess, nil, nil, d.Log)
	if err := mux.Run(); err != nil {
		return Result{}, err
	}
	return Result{ExitCode: sess.RemoteStatus.Code()}, nil
}

// justExec implements SPEC_FULL.md §4.4: fire-and-forget spawn, synthetic
// exit-code frame, no multiplexer involvement.
func (d *Dispatcher) justExec(ctx context.Context, req Request) (Result, error) {
	ch, err := d.dial(req.Domain, req.Port, req.BufferSize)
	if err != nil {
		return Result{}, err
	}
	defer ch.Close()

	if _, err := handshake.Negotiate(ch, d.Version); err != nil {
		return Result{}, err
	}

	user, cmd, ok := strings.Cut(req.CommandLine, ":")
	code := 0
	if !ok {
		code = -1
	} else if err := fireAndForget(ctx, user, cmd); err != nil {
		d.Log.Warn("just-exec spawn failed", "err", err)
	}

	return Result{ExitCode: code}, frame.WriteFrame(ch, frame.TypeDataExitCode, frame.EncodeExitCode(code))
}

// execCmdline implements SPEC_FULL.md §4.2's EXEC_CMDLINE: spawn, then run
// the full multiplexer, then report the local child's status.
func (d *Dispatcher) execCmdline(ctx context.Context, req Request) (Result, error) {
	ch, err := d.dial(req.Domain, req.Port, req.BufferSize)
	if err != nil {
		return Result{}, err
	}
	version, err := handshake.Negotiate(ch, d.Version)
	if err != nil {
		ch.Close()
		return Result{}, err
	}

	// The watcher must be registered before Spawn so a child that exits
	// immediately can't deliver SIGCHLD before anyone is listening for it.
	watcher := sigwatch.New()
	defer watcher.Stop()

	user, cmd, _ := strings.Cut(req.CommandLine, ":")
	proc, err := d.Spawn.Spawn(ctx, user, cmd)
	if err != nil {
		d.Log.Warn("spawn failed, running multiplexer with no local child", "err", err)
		sess := &session.Session{Vchan: ch, Version: version, Orientation: session.OrientExec}
		mux := multiplex.New(sess, nil, watcher, d.Log)
		if err := mux.Run(); err != nil {
			return Result{}, err
		}
		return Result{ExitCode: sess.RemoteStatus.Code()}, nil
	}

	sess := &session.Session{
		Vchan:       ch,
		Version:     version,
		ChildPID:    proc.PID,
		Orientation: session.OrientExec,
	}
	sess.Stdin, err = wrapFD(proc.Stdin)
	if err != nil {
		return Result{}, err
	}
	sess.Stdout, err = wrapFD(proc.Stdout)
	if err != nil {
		return Result{}, err
	}
	sess.Stderr, err = wrapFD(proc.Stderr)
	if err != nil {
		return Result{}, err
	}

	mux := multiplex.New(sess, proc, watcher, d.Log)
	if err := mux.Run(); err != nil {
		return Result{}, err
	}
	return Result{ExitCode: sess.LocalStatus.Code()}, nil
}

func wrapFD(f *os.File) (*session.FD, error) {
	if f == nil {
		return nil, nil
	}
	return session.NewFD(f, false)
}

// fireAndForget spawns cmd with stdio redirected to /dev/null, per
// spec.md §4.4, and never waits on it; user is passed to the child only as
// an environment variable, not as its identity. JUST_EXEC reports success
// regardless of what the child eventually does. Unlike execCmdline this
// does not go through internal/spawner, whose pipe-based stdio only makes
// sense when something is going to read the other end; JUST_EXEC never
// runs the multiplexer, so a pipe would just fill and stall or SIGPIPE the
// child the moment the parent closed its end.
func fireAndForget(ctx context.Context, user, cmdline string) error {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	argv, err := shellquote.Split(cmdline)
	if err != nil || len(argv) == 0 {
		return errx.With(errors.New("dispatch: malformed just-exec command line"), ": %q", cmdline)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if user != "" {
		// Identity-switching for an arbitrary username is the privileged
		// control daemon's job upstream of this worker (spec.md §1 lists
		// it as an external collaborator); this path only threads the
		// hint through the environment for a cooperating child.
		cmd.Env = append(os.Environ(), "QREXEC_JUST_EXEC_USER="+user)
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait() // nobody inspects the result; this just prevents a zombie
	return nil
}
