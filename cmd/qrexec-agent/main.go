// Command qrexec-agent is the per-connection worker binary: the privileged
// control daemon (out of scope, spec.md §1) forks one of these per accepted
// request and hands it the request parameters as flags.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qrexec-go/agent/internal/dispatch"
	"github.com/qrexec-go/agent/internal/spawner"
	"github.com/qrexec-go/agent/pkg/config"
	"github.com/qrexec-go/agent/pkg/qlog"
)

var (
	flagKind       string
	flagDomain     uint32
	flagPort       uint32
	flagCmdline    string
	flagBufferSize int
	flagConfigFile string
)

// exitCode is set by run and read by main after cobra returns, so deferred
// cleanup (flushing the logger) always runs before the process exits --
// calling os.Exit directly from inside RunE would skip it.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "qrexec-agent",
	Short: "Per-connection vchan/exec bridge worker",
	Long: `qrexec-agent bridges one inter-domain vchan connection to a local
child process's stdio (or to caller-supplied descriptors in
service-connect mode) until both sides report termination.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&flagKind, "kind", "", "request kind: just-exec, exec-cmdline, service-connect")
	rootCmd.Flags().Uint32Var(&flagDomain, "domain", 0, "peer domain")
	rootCmd.Flags().Uint32Var(&flagPort, "port", 0, "vchan port")
	rootCmd.Flags().StringVar(&flagCmdline, "cmdline", "", "user:command (just-exec, exec-cmdline)")
	rootCmd.Flags().IntVar(&flagBufferSize, "buffer-size", 0, "vchan ring size in bytes, 0 = default")
	rootCmd.Flags().StringVar(&flagConfigFile, "config", "", "path to config file")
	_ = rootCmd.MarkFlagRequired("kind")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := qlog.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("starting logger: %w", err)
	}
	defer log.Sync()
	sessLog, sessID := log.Session()
	sessLog.Info("worker starting", "kind", flagKind, "domain", flagDomain, "port", flagPort, "session_id", sessID)

	kind, err := parseKind(flagKind)
	if err != nil {
		return err
	}

	d := &dispatch.Dispatcher{
		Spawn:   spawner.NewExecSpawner(),
		Log:     sessLog,
		Version: cfg.ProtocolVersion,
	}

	bufSize := flagBufferSize
	if bufSize == 0 {
		bufSize = cfg.BufferSize
	}
	req := dispatch.Request{
		Kind:        kind,
		Domain:      flagDomain,
		Port:        flagPort,
		CommandLine: flagCmdline,
		BufferSize:  bufSize,
	}
	if kind == dispatch.ServiceConnect {
		req.Stdin, req.Stdout, req.Stderr = os.Stdin, os.Stdout, os.Stderr
	}

	result, err := d.Dispatch(context.Background(), req)
	if err != nil {
		sessLog.Error("dispatch failed", "err", err)
		exitCode = 1
		return nil
	}

	sessLog.Info("worker exiting", "code", result.ExitCode)
	exitCode = result.ExitCode
	return nil
}

func parseKind(s string) (dispatch.Kind, error) {
	switch s {
	case "just-exec":
		return dispatch.JustExec, nil
	case "exec-cmdline":
		return dispatch.ExecCmdline, nil
	case "service-connect":
		return dispatch.ServiceConnect, nil
	default:
		return 0, fmt.Errorf("unknown kind %q (want just-exec, exec-cmdline, or service-connect)", s)
	}
}
