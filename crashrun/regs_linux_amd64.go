package crashrun

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func readFrameRegs(tid int) (frameRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return frameRegs{}, errors.WithStack(err)
	}
	return frameRegs{pc: regs.Rip, fp: regs.Rbp, sp: regs.Rsp}, nil
}
