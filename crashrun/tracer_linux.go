//go:build linux && (amd64 || arm64)

package crashrun

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const traceOptions = unix.PTRACE_O_EXITKILL |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC

// frameRegs is the part of a stopped thread's register file needed to walk
// its frame-pointer chain.
type frameRegs struct {
	pc uint64
	fp uint64
	sp uint64

	// lr is the link register, zero where the architecture has none
	lr uint64
}

type tracer struct {
	pid    int
	params LaunchParams
	logger *zap.Logger

	// started holds the threads whose initial stop has been consumed.
	started map[int]bool
}

func newTracer(pid int, params LaunchParams) *tracer {
	return &tracer{
		pid:     pid,
		params:  params,
		logger:  params.Logger.With(zap.Int("pid", pid)),
		started: make(map[int]bool),
	}
}

// run waits on every thread of the target until the thread group leader is
// gone or an abort has been reported.
func (t *tracer) run() (*Termination, error) {
	for {
		var status unix.WaitStatus
		tid, err := unix.Wait4(-1, &status, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "waiting for target")
		}

		switch {
		case status.Exited():
			if tid == t.pid {
				return &Termination{ExitCode: status.ExitStatus()}, nil
			}
			delete(t.started, tid)
		case status.Signaled():
			if tid == t.pid {
				return signaledTermination(t.params, t.pid, status.Signal()), nil
			}
			delete(t.started, tid)
		case status.Stopped():
			if term := t.stopped(tid, status); term != nil {
				return term, nil
			}
		}
	}
}

func (t *tracer) stopped(tid int, status unix.WaitStatus) *Termination {
	sig := status.StopSignal()

	switch {
	case sig == unix.SIGTRAP && status.TrapCause() != 0:
		// clone and exec events
		t.resume(tid, 0)
	case !t.started[tid]:
		// post-exec SIGTRAP for the leader, SIGSTOP for new threads
		t.started[tid] = true
		if tid == t.pid && !t.setOptions() {
			return nil
		}
		t.resume(tid, 0)
	case sig == unix.SIGABRT:
		return t.abort(tid)
	default:
		t.resume(tid, int(sig))
	}
	return nil
}

// setOptions configures the leader after its exec stop. Failing that, the
// target is detached and supervised from its wait status alone.
func (t *tracer) setOptions() bool {
	err := unix.PtraceSetOptions(t.pid, traceOptions)
	if err == nil {
		return true
	}

	t.logger.Debug("setting ptrace options failed, detaching", zap.Error(err))
	if err := unix.PtraceDetach(t.pid); err != nil {
		t.logger.Debug("detaching target", zap.Error(err))
	}
	return false
}

func (t *tracer) resume(tid int, sig int) {
	err := unix.PtraceCont(tid, sig)
	if err != nil && err != unix.ESRCH {
		t.logger.Debug("resuming thread", zap.Int("tid", tid), zap.Error(err))
	}
}

// abort reports the stopped thread's backtrace, then kills the target
// without ever resuming it.
func (t *tracer) abort(tid int) *Termination {
	report := t.capture(tid)
	if err := WriteReport(t.params.Stderr, report); err != nil {
		t.logger.Debug("writing crash report", zap.Error(err))
	}

	if err := unix.Kill(t.pid, unix.SIGKILL); err != nil {
		t.logger.Debug("killing target", zap.Error(err))
	}
	t.reap()

	return &Termination{
		ExitCode: AbortExitCode,
		Signal:   unix.SIGABRT,
		Report:   report,
		Traced:   true,
	}
}

func (t *tracer) reap() {
	for {
		var status unix.WaitStatus
		tid, err := unix.Wait4(-1, &status, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
		if tid == t.pid && (status.Exited() || status.Signaled()) {
			return
		}
	}
}

func (t *tracer) capture(tid int) *Report {
	report := newReport(t.pid, unix.SIGABRT)

	regs, err := readFrameRegs(tid)
	if err != nil {
		t.logger.Debug("reading registers", zap.Int("tid", tid), zap.Error(err))
		return report
	}

	maps, err := ReadMappings(t.pid)
	if err != nil {
		t.logger.Debug("reading memory mappings", zap.Error(err))
	}

	report.Frames = unwind(peeker(tid), regs, maps, newSymbolizer(maps), MaxFrames)
	return report
}

// unwind symbolizes the frame-pointer chain, with the caller of a frameless
// leaf function spliced in as frame 1.
func unwind(peek peekFunc, regs frameRegs, maps []Mapping, sym *symbolizer, limit int) []Frame {
	pcs := walkFrames(peek, regs, maps, limit)
	frames := make([]Frame, 0, len(pcs)+1)
	for i, pc := range pcs {
		frames = append(frames, sym.Frame(pc, i > 0))
	}

	caller, ok := leafCaller(peek, regs, maps)
	if !ok || limit < 2 || caller == regs.pc {
		return frames
	}
	if len(pcs) > 1 && pcs[1] == caller {
		return frames
	}
	leaf := sym.Frame(caller, true)
	if leaf.Symbol != "" && leaf.Symbol == frames[0].Symbol && leaf.Object == frames[0].Object {
		// left over from a call the current function made
		return frames
	}

	frames = append(frames[:1], append([]Frame{leaf}, frames[1:]...)...)
	if len(frames) > limit {
		frames = frames[:limit]
	}
	return frames
}

// leafCaller guesses the caller of a function that has not pushed a frame
// record, like a syscall wrapper. It is in the link register where there is
// one, and on top of the stack otherwise.
func leafCaller(peek peekFunc, regs frameRegs, maps []Mapping) (uint64, bool) {
	addr := regs.lr
	if addr == 0 {
		var word [8]byte
		if regs.sp == 0 || peek(regs.sp, word[:]) != nil {
			return 0, false
		}
		addr = binary.LittleEndian.Uint64(word[:])
	}
	if addr == 0 || !IsExecutable(maps, addr) {
		return 0, false
	}
	return addr, true
}

// peekFunc reads len(out) bytes of the target's memory at addr.
type peekFunc func(addr uint64, out []byte) error

func peeker(tid int) peekFunc {
	return func(addr uint64, out []byte) error {
		n, err := unix.PtracePeekData(tid, uintptr(addr), out)
		if err != nil {
			return err
		}
		if n != len(out) {
			return errors.Errorf("short read at %#x", addr)
		}
		return nil
	}
}

// walkFrames follows the frame-pointer chain, where each record holds the
// caller's frame pointer followed by the return address. Frame 0 is the
// program counter itself.
func walkFrames(peek peekFunc, regs frameRegs, maps []Mapping, limit int) []uint64 {
	pcs := make([]uint64, 0, limit)
	pcs = append(pcs, regs.pc)

	var record [16]byte
	fp := regs.fp
	for len(pcs) < limit {
		if fp == 0 || fp%8 != 0 || fp < regs.sp {
			break
		}
		if err := peek(fp, record[:]); err != nil {
			break
		}
		next := binary.LittleEndian.Uint64(record[0:8])
		ret := binary.LittleEndian.Uint64(record[8:16])
		if ret == 0 || !IsExecutable(maps, ret) {
			break
		}
		pcs = append(pcs, ret)
		if next <= fp {
			break
		}
		fp = next
	}
	return pcs
}
