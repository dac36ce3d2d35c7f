package crashrun

import (
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
)

// runPlain supervises the target without tracing it. An abort is still
// detected from the wait status, but there is nothing left to unwind.
func runPlain(params LaunchParams) (*Termination, error) {
	cmd := newCommand(params)

	err := cmd.Start()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer startRelay(cmd.Process, params.Logger).stop()

	err = cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, errors.WithStack(err)
	}

	status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if ok && status.Signaled() {
		return signaledTermination(params, cmd.Process.Pid, status.Signal()), nil
	}
	return &Termination{ExitCode: cmd.ProcessState.ExitCode()}, nil
}
