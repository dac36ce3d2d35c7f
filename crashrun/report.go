package crashrun

import (
	"bufio"
	"fmt"
	"io"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// MaxFrames bounds how many frames a report carries.
const MaxFrames = 64

// Frame is one entry of a backtrace.
type Frame struct {
	PC     uint64
	Object string
	Symbol string
	Offset uint64

	// File and Line are only known for Go frames.
	File string
	Line int
}

// String renders the frame the way glibc's backtrace_symbols does:
//
//	/usr/lib/libc.so.6(raise+0x10b) [0x7f3c2a845e8b]
func (f Frame) String() string {
	if f.File != "" {
		return fmt.Sprintf("%s at %s:%d", f.Symbol, f.File, f.Line)
	}

	addr := fmt.Sprintf("[%#x]", f.PC)
	switch {
	case f.Object != "" && f.Symbol != "":
		return fmt.Sprintf("%s(%s+%#x) %s", f.Object, f.Symbol, f.Offset, addr)
	case f.Object != "":
		return fmt.Sprintf("%s %s", f.Object, addr)
	case f.Symbol != "":
		return fmt.Sprintf("%s+%#x %s", f.Symbol, f.Offset, addr)
	default:
		return addr
	}
}

// Report is what gets printed when an abort is observed. Frames are ordered
// innermost first.
type Report struct {
	Pid     int
	Process string
	Signal  syscall.Signal
	Frames  []Frame
}

func newReport(pid int, sig syscall.Signal) *Report {
	return &Report{
		Pid:     pid,
		Process: processName(pid),
		Signal:  sig,
	}
}

// processName is best-effort: the process may already be gone.
func processName(pid int) string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}

const closingBanner = "*** end of crashrun backtrace ***"

// WriteReport writes r as a banner, the signal number, the frame count, one
// line per frame and a closing banner.
func WriteReport(w io.Writer, r *Report) error {
	bw := bufio.NewWriter(w)

	if r.Process != "" {
		fmt.Fprintf(bw, "*** crashrun: abort signal received by pid %d (%s) ***\n", r.Pid, r.Process)
	} else {
		fmt.Fprintf(bw, "*** crashrun: abort signal received by pid %d ***\n", r.Pid)
	}
	fmt.Fprintf(bw, "signal: %d\n", int(r.Signal))
	fmt.Fprintf(bw, "frames: %d\n", len(r.Frames))
	for i, frame := range r.Frames {
		fmt.Fprintf(bw, "#%d %s\n", i, frame)
	}
	fmt.Fprintln(bw, closingBanner)

	return bw.Flush()
}
