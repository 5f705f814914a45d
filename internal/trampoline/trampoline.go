// Package trampoline generates the machine code a patched function jumps
// into. The code claims an alternate stack, saves the caller-saved
// registers, moves the captured arguments into the callback's argument
// registers, calls the callback, restores everything, then runs the
// displaced prologue instructions and jumps back into the function.
package trampoline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/memory"
	"github.com/coral-mesh/coral-hook/internal/patch"
)

// Builder emits one architecture's encoding of the trampoline operations.
// Errors are sticky and reported by Bytes.
type Builder interface {
	Arch() arch.Arch
	// SwitchStack claims a free slot from the table at slotTable and moves
	// SP onto its stack, saving the original SP there.
	SwitchStack(slotTable uint64)
	PushCallerSaved()
	// MoveRegister loads dst with the value src held at function entry.
	MoveRegister(dst, src arch.Reg)
	// LoadStackArgument loads dst with the word at entry SP + offset.
	LoadStackArgument(dst arch.Reg, offset int64)
	LoadImmediate(dst arch.Reg, v uint64)
	InvokeCallback(addr uint64)
	// RestoreAndResume undoes PushCallerSaved and SwitchStack, releases
	// the slot, runs the displaced instructions and jumps to resume.
	RestoreAndResume(displaced []byte, resume uint64)
	Bytes() ([]byte, error)
}

// NewBuilder returns the builder for a.
func NewBuilder(a arch.Arch) (Builder, error) {
	b, err := arch.Lookup(a)
	if err != nil {
		return nil, err
	}
	switch a {
	case arch.AMD64:
		return newX86Builder(b), nil
	case arch.ARM64:
		return newA64Builder(b), nil
	}
	return nil, fmt.Errorf("%w: no code generator for %s", arch.ErrUnsupportedArch, a)
}

// Request is everything needed to compile one hook's trampoline.
type Request struct {
	Arch arch.Arch
	Plan *arch.Plan
	// HookID is passed to the callback as its first argument.
	HookID   uint64
	Callback uint64
	// SlotTable is the address of the alternate stack slot table.
	SlotTable uint64
	// Displaced holds the relocated prologue instructions. They must be
	// position independent.
	Displaced []byte
	// Resume is the target address plus the patched length.
	Resume uint64
}

var (
	ErrNoPlan      = errors.New("trampoline has no argument plan")
	ErrNoDisplaced = errors.New("trampoline has no displaced instructions")
	ErrNoSlotTable = errors.New("trampoline has no stack slot table")
)

func (r Request) validate() error {
	switch {
	case r.Plan == nil:
		return ErrNoPlan
	case len(r.Displaced) == 0:
		return ErrNoDisplaced
	case r.SlotTable == 0:
		return ErrNoSlotTable
	case r.Plan.Arch != r.Arch:
		return fmt.Errorf("plan is for %s, trampoline for %s", r.Plan.Arch, r.Arch)
	}
	return nil
}

// OpKind names a semantic trampoline operation.
type OpKind int

const (
	OpSwitchStack OpKind = iota
	OpPushCallerSaved
	OpMoveRegister
	OpLoadStackArgument
	OpLoadImmediate
	OpInvokeCallback
	OpRestoreAndResume
)

// Op is one step of a Program.
type Op struct {
	Kind   OpKind
	Dst    arch.Reg
	Src    arch.Reg
	Offset int64
	Imm    uint64
	Bytes  []byte
}

// Program is the architecture-neutral operation list for a Request.
type Program struct {
	Arch arch.Arch
	Ops  []Op
}

// Lower turns a request into its program.
func Lower(req Request) (*Program, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	p := &Program{Arch: req.Arch}
	p.Ops = append(p.Ops,
		Op{Kind: OpSwitchStack, Imm: req.SlotTable},
		Op{Kind: OpPushCallerSaved},
		Op{Kind: OpLoadImmediate, Dst: req.Plan.HookIDReg, Imm: req.HookID},
	)
	for _, m := range req.Plan.Moves {
		if m.Src.InRegister {
			p.Ops = append(p.Ops, Op{Kind: OpMoveRegister, Dst: m.Dst, Src: m.Src.Reg})
		} else {
			p.Ops = append(p.Ops, Op{Kind: OpLoadStackArgument, Dst: m.Dst, Offset: m.Src.StackOffset})
		}
	}
	p.Ops = append(p.Ops,
		Op{Kind: OpInvokeCallback, Imm: req.Callback},
		Op{Kind: OpRestoreAndResume, Bytes: req.Displaced, Imm: req.Resume},
	)
	return p, nil
}

// Emit drives b through the program.
func (p *Program) Emit(b Builder) ([]byte, error) {
	for _, op := range p.Ops {
		switch op.Kind {
		case OpSwitchStack:
			b.SwitchStack(op.Imm)
		case OpPushCallerSaved:
			b.PushCallerSaved()
		case OpMoveRegister:
			b.MoveRegister(op.Dst, op.Src)
		case OpLoadStackArgument:
			b.LoadStackArgument(op.Dst, op.Offset)
		case OpLoadImmediate:
			b.LoadImmediate(op.Dst, op.Imm)
		case OpInvokeCallback:
			b.InvokeCallback(op.Imm)
		case OpRestoreAndResume:
			b.RestoreAndResume(op.Bytes, op.Imm)
		}
	}
	return b.Bytes()
}

func (p *Program) String() string {
	var sb strings.Builder
	for _, op := range p.Ops {
		switch op.Kind {
		case OpSwitchStack:
			fmt.Fprintf(&sb, "switch-stack     slots=%#x\n", op.Imm)
		case OpPushCallerSaved:
			sb.WriteString("push-caller-saved\n")
		case OpMoveRegister:
			fmt.Fprintf(&sb, "move-register    %s <- %s\n", p.Arch.RegName(op.Dst), p.Arch.RegName(op.Src))
		case OpLoadStackArgument:
			fmt.Fprintf(&sb, "load-stack-arg   %s <- [sp+%d]\n", p.Arch.RegName(op.Dst), op.Offset)
		case OpLoadImmediate:
			fmt.Fprintf(&sb, "load-immediate   %s <- %#x\n", p.Arch.RegName(op.Dst), op.Imm)
		case OpInvokeCallback:
			fmt.Fprintf(&sb, "invoke-callback  %#x\n", op.Imm)
		case OpRestoreAndResume:
			fmt.Fprintf(&sb, "restore-resume   displaced=%d resume=%#x\n", len(op.Bytes), op.Imm)
		}
	}
	return sb.String()
}

// Image is a compiled trampoline. Base is zero until Commit.
type Image struct {
	Arch  arch.Arch
	Code  []byte
	Entry uint64
	Base  uint64
	// Displaced is the offset of the copied prologue, where the image has
	// finished with the callback and restored every register.
	Displaced int
	// Resume is where the image jumps back into the target.
	Resume  uint64
	Program *Program
}

// Compile lowers and encodes a request. An architecture without a code
// generator fails here, before anything is patched.
func Compile(req Request) (*Image, error) {
	b, err := NewBuilder(req.Arch)
	if err != nil {
		return nil, err
	}
	prog, err := Lower(req)
	if err != nil {
		return nil, err
	}
	code, err := prog.Emit(b)
	if err != nil {
		return nil, fmt.Errorf("failed to emit %s trampoline: %w", req.Arch, err)
	}
	jmpLen, err := patch.JumpLen(req.Arch, patch.JumpIndirect)
	if err != nil {
		return nil, err
	}
	return &Image{
		Arch:      req.Arch,
		Code:      code,
		Displaced: len(code) - len(req.Displaced) - jmpLen,
		Resume:    req.Resume,
		Program:   prog,
	}, nil
}

// Region is the committed memory range.
func (img *Image) Region() memory.Region {
	return memory.Region{Base: img.Base, Size: uint64(len(img.Code)), Prot: memory.ProtRX}
}

// EntryAddress is the address patched jumps must target.
func (img *Image) EntryAddress() uint64 { return img.Base + img.Entry }

// Contains reports whether pc is inside the committed code.
func (img *Image) Contains(pc uint64) bool {
	return img.Base != 0 && img.Region().Contains(pc)
}

// Commit allocates memory in space, writes the code, makes it executable
// and flushes the instruction cache.
func (img *Image) Commit(space memory.Space) error {
	if img.Base != 0 {
		return fmt.Errorf("trampoline already committed at %#x", img.Base)
	}
	size := uint64(len(img.Code))
	base, err := space.Alloc(size, memory.ProtRW)
	if err != nil {
		return fmt.Errorf("failed to allocate trampoline: %w", err)
	}
	if err := commitAt(space, base, img.Code); err != nil {
		_ = space.Free(base, size)
		return err
	}
	img.Base = base
	return nil
}

func commitAt(space memory.Space, base uint64, code []byte) error {
	size := uint64(len(code))
	if err := space.Write(base, code); err != nil {
		return fmt.Errorf("failed to write code at %#x: %w", base, err)
	}
	if err := space.Protect(base, size, memory.ProtRX); err != nil {
		return fmt.Errorf("failed to make code executable at %#x: %w", base, err)
	}
	if err := space.FlushInstructionCache(base, size); err != nil {
		return fmt.Errorf("failed to flush instruction cache at %#x: %w", base, err)
	}
	return nil
}

// Release frees the committed region.
func (img *Image) Release(space memory.Space) error {
	if img.Base == 0 {
		return nil
	}
	if err := space.Free(img.Base, uint64(len(img.Code))); err != nil {
		return err
	}
	img.Base = 0
	return nil
}
