package arch

import "fmt"

// Convention is one calling convention's integer register story.
type Convention struct {
	Name string
	// IntArgs lists the integer argument registers in assignment order.
	IntArgs []Reg
	// FloatArgs is the number of floating point argument registers.
	FloatArgs int
	// CallerSaved lists integer registers a callee may clobber.
	CallerSaved []Reg
	// StackArgs is the offset from SP at function entry to the first
	// stack-assigned argument word.
	StackArgs int64
}

// Bridge pairs the target convention with the callback convention on one
// architecture, plus the registers the trampoline must keep intact.
type Bridge struct {
	Arch     Arch
	Target   Convention
	Callback Convention
	// Preserve lists, in save order, every integer register whose value must
	// survive the callback. The trampoline restores them in reverse.
	Preserve []Reg
	// Vectors is the number of 128-bit vector registers saved.
	Vectors int
	// Scratch registers are dead at a Go function entry and may be clobbered
	// by the patch jump and the trampoline.
	Scratch []Reg
	// ClosureContext and G are registers the Go ABI gives fixed meaning.
	ClosureContext Reg
	G              Reg
}

var bridges = map[Arch]*Bridge{
	AMD64: {
		Arch: AMD64,
		Target: Convention{
			Name:      "go-abiinternal-amd64",
			IntArgs:   []Reg{RAX, RBX, RCX, RDI, RSI, R8, R9, R10, R11},
			FloatArgs: 15,
			StackArgs: 8,
		},
		Callback: Convention{
			Name:        "sysv-amd64",
			IntArgs:     []Reg{RDI, RSI, RDX, RCX, R8, R9},
			FloatArgs:   8,
			CallerSaved: []Reg{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11},
			StackArgs:   8,
		},
		Preserve:       []Reg{RAX, RBX, RCX, RDX, RSI, RDI, R8, R9, R10, R11},
		Vectors:        16,
		Scratch:        []Reg{R12, R13},
		ClosureContext: RDX,
		G:              R14,
	},
	ARM64: {
		Arch: ARM64,
		Target: Convention{
			Name: "go-abiinternal-arm64",
			IntArgs: []Reg{
				X0, X1, X2, X3, X4, X5, X6, X7,
				X8, X9, X10, X11, X12, X13, X14, X15,
			},
			FloatArgs: 16,
			StackArgs: 8,
		},
		Callback: Convention{
			Name:      "aapcs64",
			IntArgs:   []Reg{X0, X1, X2, X3, X4, X5, X6, X7},
			FloatArgs: 8,
			CallerSaved: []Reg{
				X0, X1, X2, X3, X4, X5, X6, X7, X8, X9,
				X10, X11, X12, X13, X14, X15, X16, X17, X18, X30,
			},
		},
		Preserve: []Reg{
			X0, X1, X2, X3, X4, X5, X6, X7,
			X8, X9, X10, X11, X12, X13, X14, X15, X30,
		},
		Vectors:        16,
		Scratch:        []Reg{X16, X17},
		ClosureContext: X26,
		G:              X28,
	},
}

// Lookup returns the bridge for a. Callers must check the error before
// touching target memory.
func Lookup(a Arch) (*Bridge, error) {
	b, ok := bridges[a]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedArch, a)
	}
	return b, nil
}

// Supported lists the architectures with a bridge.
func Supported() []Arch {
	return []Arch{AMD64, ARM64}
}

// Preserves reports whether r is in the preserved set.
func (b *Bridge) Preserves(r Reg) bool {
	for _, p := range b.Preserve {
		if p == r {
			return true
		}
	}
	return false
}

// MaxCapturedWords is how many words fit in the callback registers after
// the hook id.
func (b *Bridge) MaxCapturedWords() int {
	return len(b.Callback.IntArgs) - 1
}
