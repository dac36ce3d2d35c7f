package crashrun

import (
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// AbortExitCode is what the launcher exits with once the target aborted:
// 128 + SIGABRT, the way shells report it.
const AbortExitCode = 128 + int(syscall.SIGABRT)

type LaunchParams struct {
	// ExecPath is the executable we're launching. When in this struct, it
	// should always be a path that exists on disk.
	ExecPath string

	// Args are passed to the executable when launching it, Args[0] included.
	Args []string

	// Stderr receives the crash report. Defaults to os.Stderr.
	Stderr io.Writer

	Logger *zap.Logger
}

// Termination describes how the target ended.
type Termination struct {
	// ExitCode is what the launcher should exit with.
	ExitCode int

	// Signal is set when the target was terminated by a signal.
	Signal syscall.Signal

	// Report is set when the target aborted.
	Report *Report

	// Traced is set when Report was captured from the stopped target.
	Traced bool
}

// Aborted reports whether the target was terminated by the abort signal.
func (t *Termination) Aborted() bool {
	return t.Report != nil
}

// Launch runs the target and exits with its termination status. It returns
// only if the target could not be started.
func Launch(params LaunchParams) error {
	params = params.withDefaults()

	term, err := supervise(params)
	if err != nil {
		return errors.WithStack(err)
	}

	_ = params.Logger.Sync()
	exit(term)
	return nil
}

// dieBySignal lists the signals the Go runtime terminates a process with by
// default, so the launcher's parent sees the same wait status it would have
// seen from the target.
var dieBySignal = map[syscall.Signal]bool{
	syscall.SIGHUP:  true,
	syscall.SIGINT:  true,
	syscall.SIGTERM: true,
	syscall.SIGKILL: true,
}

// exit ends the launcher the way the target ended. A target killed by any
// other signal, or one the launcher survives raising, exits with 128 + the
// signal number.
func exit(term *Termination) {
	if sig := term.Signal; sig != 0 && !term.Aborted() && dieBySignal[sig] {
		signal.Reset(sig)
		if self, err := os.FindProcess(os.Getpid()); err == nil && self.Signal(sig) == nil {
			// delivery is asynchronous
			time.Sleep(time.Second)
		}
	}
	os.Exit(term.ExitCode)
}

func (p LaunchParams) withDefaults() LaunchParams {
	if p.Stderr == nil {
		p.Stderr = os.Stderr
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if len(p.Args) == 0 {
		p.Args = []string{p.ExecPath}
	}
	return p
}

func newCommand(params LaunchParams) *exec.Cmd {
	cmd := exec.Command(params.ExecPath)
	cmd.Env = os.Environ()
	cmd.Stdin = os.Stdin
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stdout
	cmd.Args = params.Args
	return cmd
}

// signaledTermination builds the termination for a target killed by sig
// without the abort having been observed while it was still alive.
func signaledTermination(params LaunchParams, pid int, sig syscall.Signal) *Termination {
	if sig != syscall.SIGABRT {
		return &Termination{ExitCode: 128 + int(sig), Signal: sig}
	}

	report := newReport(pid, sig)
	if err := WriteReport(params.Stderr, report); err != nil {
		params.Logger.Debug("writing crash report", zap.Error(err))
	}
	return &Termination{ExitCode: AbortExitCode, Signal: sig, Report: report}
}
