//go:build linux && arm64

package tracee

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/coral-mesh/coral-hook/internal/arch"
)

// syscallInsn is "svc #0".
var syscallInsn = []byte{0x01, 0x00, 0x00, 0xD4}

// ntPRStatus selects the general purpose register set.
const ntPRStatus = 1

// regs is struct user_pt_regs.
type regs struct {
	X      [31]uint64
	SP     uint64
	PC     uint64
	PState uint64
}

func regSet(req, tid int, r *regs) error {
	iov := unix.Iovec{Base: (*byte)(unsafe.Pointer(r))}
	iov.SetLen(int(unsafe.Sizeof(*r)))
	return ptracePtr(req, tid, ntPRStatus, unsafe.Pointer(&iov))
}

func getRegs(tid int) (*regs, error) {
	r := &regs{}
	if err := regSet(unix.PTRACE_GETREGSET, tid, r); err != nil {
		return nil, err
	}
	return r, nil
}

func setRegs(tid int, r *regs) error {
	return regSet(unix.PTRACE_SETREGSET, tid, r)
}

func (r *regs) pc() uint64      { return r.PC }
func (r *regs) setPC(pc uint64) { r.PC = pc }

func (r *regs) reg(n arch.Reg) uint64 {
	if int(n) < len(r.X) {
		return r.X[n]
	}
	return r.SP
}

// prepareSyscall loads a system call at site. The kernel has already
// rewound an interrupted call by the time the thread reports its stop.
func (r *regs) prepareSyscall(site, nr uint64, args ...uint64) {
	r.PC = site
	r.X[8] = nr
	copy(r.X[:6], args)
}

func (r *regs) syscallResult() uint64 { return r.X[0] }
