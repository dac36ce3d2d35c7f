//go:build linux && (amd64 || arm64)

package crashrun

import (
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// supervise starts the target under ptrace so that an abort stops it before
// the kernel tears it down, leaving registers and memory to unwind.
func supervise(params LaunchParams) (*Termination, error) {
	// every ptrace request must come from the thread that forked the tracee
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := newCommand(params)
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	err := cmd.Start()
	if err != nil {
		if errors.Is(err, syscall.EPERM) {
			params.Logger.Debug("ptrace not permitted, running untraced",
				zap.String("exec", params.ExecPath),
			)
			return runPlain(params)
		}
		return nil, errors.WithStack(err)
	}

	defer startRelay(cmd.Process, params.Logger).stop()

	t := newTracer(cmd.Process.Pid, params)
	return t.run()
}
