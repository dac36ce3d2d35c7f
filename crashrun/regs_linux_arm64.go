package crashrun

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NT_PRSTATUS selects the general purpose register set.
const ntPrstatus = 1

func readFrameRegs(tid int) (frameRegs, error) {
	var regs unix.PtraceRegsArm64
	if err := unix.PtraceGetRegSetArm64(tid, ntPrstatus, &regs); err != nil {
		return frameRegs{}, errors.WithStack(err)
	}
	// x29 is the frame pointer, x30 the link register
	return frameRegs{pc: regs.Pc, fp: regs.Regs[29], sp: regs.Sp, lr: regs.Regs[30]}, nil
}
