package crashrun

import (
	"bytes"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/maruel/panicparse/v2/stack"
)

// goroutine dumps bigger than this are truncated
const maxStackDump = 64 << 10

// Arm installs the abort handler for the launcher process. Once armed, an
// abort delivered to the launcher while a target runs is passed on to the
// target, whose supervisor reports it. Before that, the launcher writes a
// report of its own main goroutine's stack to w and exits with
// AbortExitCode. There is no way to disarm it.
func Arm(w io.Writer) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGABRT)
	go func() {
		for sig := range c {
			if target := running.Load(); target != nil {
				if err := target.Signal(sig); err == nil {
					continue
				}
			}
			report := newReport(os.Getpid(), sig.(syscall.Signal))
			report.Frames = selfFrames()
			_ = WriteReport(w, report)
			os.Exit(AbortExitCode)
		}
	}()
}

// selfFrames returns the frames of the main goroutine, or of the first
// goroutine in the dump if main is gone.
func selfFrames() []Frame {
	buf := make([]byte, maxStackDump)
	n := runtime.Stack(buf, true)

	snapshot, _, err := stack.ScanSnapshot(bytes.NewReader(buf[:n]), io.Discard, stack.DefaultOpts())
	if snapshot == nil || (err != nil && err != io.EOF) || len(snapshot.Goroutines) == 0 {
		return nil
	}

	g := snapshot.Goroutines[0]
	for _, candidate := range snapshot.Goroutines {
		if candidate.ID == 1 {
			g = candidate
			break
		}
	}

	frames := make([]Frame, 0, len(g.Stack.Calls))
	for _, call := range g.Stack.Calls {
		if len(frames) == MaxFrames {
			break
		}
		frames = append(frames, Frame{
			Symbol: call.Func.Complete,
			File:   call.RemoteSrcPath,
			Line:   call.Line,
		})
	}
	return frames
}
