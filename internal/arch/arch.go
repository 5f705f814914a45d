// Package arch describes the two supported instruction set architectures and
// the calling conventions the trampoline bridges between: the Go register ABI
// on the instrumented side and the platform C convention on the callback side.
package arch

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Arch is an architecture tag.
type Arch string

const (
	AMD64 Arch = "amd64"
	ARM64 Arch = "arm64"
)

// ErrUnsupportedArch is returned for any architecture without a register mapping.
var ErrUnsupportedArch = errors.New("unsupported architecture")

// Host returns the architecture coral-hook itself runs on. A tracer can only
// instrument targets of the same architecture.
func Host() Arch {
	return Arch(runtime.GOARCH)
}

// Parse maps common spellings onto an Arch.
func Parse(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "host":
		return Host(), nil
	case "amd64", "x86_64", "x64":
		return AMD64, nil
	case "arm64", "aarch64":
		return ARM64, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedArch, s)
	}
}

// WordSize is the size of a pointer on both supported architectures.
const WordSize = 8

// Reg is a hardware register number within its architecture's encoding space.
type Reg uint8

// amd64 general purpose registers, in ModRM encoding order.
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// arm64 general purpose registers. Number 31 is SP or XZR depending on the
// instruction.
const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	XZR
)

var amd64Names = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// RegName returns the assembler name of r on a.
func (a Arch) RegName(r Reg) string {
	switch a {
	case AMD64:
		if int(r) < len(amd64Names) {
			return amd64Names[r]
		}
	case ARM64:
		if r == XZR {
			return "xzr"
		}
		if r <= X30 {
			return fmt.Sprintf("x%d", r)
		}
	}
	return fmt.Sprintf("reg%d", r)
}
