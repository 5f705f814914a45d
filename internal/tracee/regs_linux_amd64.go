//go:build linux && amd64

package tracee

import (
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/coral-hook/internal/arch"
)

// syscallInsn is "syscall".
var syscallInsn = []byte{0x0F, 0x05}

type regs struct {
	unix.PtraceRegs
}

func getRegs(tid int) (*regs, error) {
	r := &regs{}
	if err := unix.PtraceGetRegs(tid, &r.PtraceRegs); err != nil {
		return nil, err
	}
	return r, nil
}

func setRegs(tid int, r *regs) error {
	return unix.PtraceSetRegs(tid, &r.PtraceRegs)
}

func (r *regs) pc() uint64      { return r.Rip }
func (r *regs) setPC(pc uint64) { r.Rip = pc }

func (r *regs) reg(n arch.Reg) uint64 {
	switch n {
	case arch.RAX:
		return r.Rax
	case arch.RCX:
		return r.Rcx
	case arch.RDX:
		return r.Rdx
	case arch.RBX:
		return r.Rbx
	case arch.RSP:
		return r.Rsp
	case arch.RBP:
		return r.Rbp
	case arch.RSI:
		return r.Rsi
	case arch.RDI:
		return r.Rdi
	case arch.R8:
		return r.R8
	case arch.R9:
		return r.R9
	case arch.R10:
		return r.R10
	case arch.R11:
		return r.R11
	case arch.R12:
		return r.R12
	case arch.R13:
		return r.R13
	case arch.R14:
		return r.R14
	case arch.R15:
		return r.R15
	}
	return 0
}

// prepareSyscall loads a system call at site. Orig_rax -1 keeps the
// kernel from restarting whatever call the thread was stopped in.
func (r *regs) prepareSyscall(site, nr uint64, args ...uint64) {
	r.Rip = site
	r.Rax = nr
	r.Orig_rax = ^uint64(0)
	dst := []*uint64{&r.Rdi, &r.Rsi, &r.Rdx, &r.R10, &r.R8, &r.R9}
	for i, a := range args {
		*dst[i] = a
	}
}

func (r *regs) syscallResult() uint64 { return r.Rax }
