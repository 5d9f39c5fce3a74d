package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/qrexec-go/agent/internal/frame"
	"github.com/qrexec-go/agent/internal/handshake"
	"github.com/qrexec-go/agent/internal/vchan"
	"github.com/qrexec-go/agent/pkg/qlog"
)

func TestValidateServiceConnectRejectsCommandLine(t *testing.T) {
	req := Request{Kind: ServiceConnect, CommandLine: "cat"}
	if err := validate(req); !errors.Is(err, ErrCommandLinePresent) {
		t.Errorf("err = %v, want ErrCommandLinePresent", err)
	}
}

func TestValidateRejectsEmptyCommandLine(t *testing.T) {
	req := Request{Kind: ExecCmdline, CommandLine: ""}
	if err := validate(req); !errors.Is(err, ErrCommandLineEmpty) {
		t.Errorf("err = %v, want ErrCommandLineEmpty", err)
	}
}

// TestOversizedCommandRejected implements spec.md §8 scenario 5: a command
// line one byte over MaxCmdLen is rejected before any vchan I/O happens.
func TestOversizedCommandRejected(t *testing.T) {
	long := make([]byte, MaxCmdLen+1)
	for i := range long {
		long[i] = 'a'
	}
	req := Request{Kind: ExecCmdline, CommandLine: string(long)}
	if err := validate(req); !errors.Is(err, ErrCommandLineTooLong) {
		t.Errorf("err = %v, want ErrCommandLineTooLong", err)
	}

	exact := Request{Kind: ExecCmdline, CommandLine: string(long[:MaxCmdLen])}
	if err := validate(exact); err != nil {
		t.Errorf("command line of exactly MaxCmdLen should be accepted, got %v", err)
	}
}

// TestJustExecWithoutColon implements spec.md §8 scenario 6: JUST_EXEC with
// no ':' separator reports a synthetic exit code of -1 and still performs
// a clean handshake and vchan close.
func TestJustExecWithoutColon(t *testing.T) {
	local, remote, err := vchan.NewLoopback(0)
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	defer remote.Close()

	d := &Dispatcher{
		Log:     qlog.NewNop(),
		Version: handshake.MinimumSupportedVersion,
		Dial:    func(uint32, uint32, int) (vchan.Channel, error) { return local, nil },
	}

	done := make(chan struct {
		res Result
		err error
	}, 1)
	go func() {
		res, err := d.Dispatch(context.Background(), Request{
			Kind:        JustExec,
			CommandLine: "noColonHere",
		})
		done <- struct {
			res Result
			err error
		}{res, err}
	}()

	if _, err := handshake.Negotiate(remote, handshake.MinimumSupportedVersion); err != nil {
		t.Fatalf("remote Negotiate: %v", err)
	}

	hdr, err := frame.ReadHeader(remote)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if hdr.Type != frame.TypeDataExitCode {
		t.Fatalf("frame type = %d, want DATA_EXIT_CODE", hdr.Type)
	}
	payload, err := frame.ReadPayload(remote, hdr.Len)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if code := frame.DecodeExitCode(payload); code != -1 {
		t.Errorf("exit code = %d, want -1", code)
	}

	out := <-done
	if out.err != nil {
		t.Fatalf("Dispatch: %v", out.err)
	}
	if out.res.ExitCode != -1 {
		t.Errorf("Result.ExitCode = %d, want -1", out.res.ExitCode)
	}
}
