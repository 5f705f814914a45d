package patch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/coral-mesh/coral-hook/internal/arch"
)

var (
	// ErrUndecodable means the patch site does not disassemble.
	ErrUndecodable = errors.New("prologue instruction does not decode")
	// ErrUnrelocatable means a displaced instruction cannot run from the
	// trampoline, such as a call or a branch back into the patched range.
	ErrUnrelocatable = errors.New("prologue instruction cannot be relocated")
	// ErrPrologueTooShort means the function leaves before the jump fits.
	ErrPrologueTooShort = errors.New("function too short to patch")
)

// RelocKind says how a displaced instruction was carried into the
// trampoline.
type RelocKind int

const (
	RelocNone RelocKind = iota
	// RelocCondBranch is an inverted short branch over an absolute jump.
	RelocCondBranch
	// RelocBranch is an absolute jump.
	RelocBranch
)

func (k RelocKind) String() string {
	switch k {
	case RelocCondBranch:
		return "cond-branch"
	case RelocBranch:
		return "branch"
	default:
		return "copy"
	}
}

// Instruction is one displaced instruction.
type Instruction struct {
	Addr   uint64
	Raw    []byte
	Text   string
	Reloc  RelocKind
	Target uint64
}

// Prologue is the analysed patch site: the whole instructions that the
// jump displaces and their position-independent replacement.
type Prologue struct {
	Arch  arch.Arch
	Addr  uint64
	Insns []Instruction
	// Len is the number of displaced bytes, at least the jump length.
	Len int
	// Relocated runs anywhere and behaves like the displaced bytes.
	Relocated []byte
}

// Analyze decodes whole instructions from code, which holds the bytes at
// addr, until at least need bytes are covered, and relocates them.
func Analyze(a arch.Arch, addr uint64, code []byte, need int) (*Prologue, error) {
	switch a {
	case arch.AMD64:
		return analyzeX86(addr, code, need)
	case arch.ARM64:
		return analyzeA64(addr, code, need)
	}
	return nil, fmt.Errorf("%w: %q", arch.ErrUnsupportedArch, a)
}

var x86Cond = map[x86asm.Op]byte{
	x86asm.JO: 0x0, x86asm.JNO: 0x1, x86asm.JB: 0x2, x86asm.JAE: 0x3,
	x86asm.JE: 0x4, x86asm.JNE: 0x5, x86asm.JBE: 0x6, x86asm.JA: 0x7,
	x86asm.JS: 0x8, x86asm.JNS: 0x9, x86asm.JP: 0xA, x86asm.JNP: 0xB,
	x86asm.JL: 0xC, x86asm.JGE: 0xD, x86asm.JLE: 0xE, x86asm.JG: 0xF,
}

func analyzeX86(addr uint64, code []byte, need int) (*Prologue, error) {
	p := &Prologue{Arch: arch.AMD64, Addr: addr}
	jmpLen, _ := JumpLen(arch.AMD64, JumpIndirect)

	for p.Len < need {
		pc := addr + uint64(p.Len)
		if p.Len >= len(code) {
			return nil, fmt.Errorf("%w: need %d bytes at %#x, have %d", ErrUndecodable, need, addr, len(code))
		}
		inst, err := x86asm.Decode(code[p.Len:], 64)
		if err != nil {
			return nil, fmt.Errorf("%w at %#x: %v", ErrUndecodable, pc, err)
		}
		raw := code[p.Len : p.Len+inst.Len]
		in := Instruction{Addr: pc, Raw: raw, Text: x86asm.IntelSyntax(inst, pc, nil)}
		next := pc + uint64(inst.Len)

		switch inst.Op {
		case x86asm.RET, x86asm.LRET, x86asm.INT, x86asm.UD2:
			return nil, fmt.Errorf("%w: %q at %#x", ErrPrologueTooShort, in.Text, pc)
		case x86asm.CALL, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
			x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
			return nil, fmt.Errorf("%w: %q at %#x", ErrUnrelocatable, in.Text, pc)
		}

		rel, isRel := inst.Args[0].(x86asm.Rel)
		switch {
		case inst.Op == x86asm.JMP && isRel:
			in.Reloc = RelocBranch
			in.Target = uint64(int64(next) + int64(rel))
			jmp, _ := EncodeJump(arch.AMD64, in.Target, JumpIndirect)
			p.Relocated = append(p.Relocated, jmp...)
		case isRel:
			cc, ok := x86Cond[inst.Op]
			if !ok {
				return nil, fmt.Errorf("%w: %q at %#x", ErrUnrelocatable, in.Text, pc)
			}
			in.Reloc = RelocCondBranch
			in.Target = uint64(int64(next) + int64(rel))
			// Inverted condition skips the absolute jump.
			p.Relocated = append(p.Relocated, 0x70|(cc^1), byte(jmpLen))
			jmp, _ := EncodeJump(arch.AMD64, in.Target, JumpIndirect)
			p.Relocated = append(p.Relocated, jmp...)
		case inst.Op == x86asm.JMP:
			// Indirect jump: the function hands off before the patch fits.
			return nil, fmt.Errorf("%w: %q at %#x", ErrPrologueTooShort, in.Text, pc)
		case ripRelative(inst):
			return nil, fmt.Errorf("%w: RIP-relative %q at %#x", ErrUnrelocatable, in.Text, pc)
		default:
			p.Relocated = append(p.Relocated, raw...)
		}

		p.Insns = append(p.Insns, in)
		p.Len += inst.Len
	}
	if err := p.checkBranchTargets(); err != nil {
		return nil, err
	}
	return p, nil
}

func ripRelative(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if m, ok := arg.(x86asm.Mem); ok && m.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

// A64 classes, matched on the raw encoding.
const (
	a64BCondMask uint32 = 0xFF000010
	a64BCond     uint32 = 0x54000000
	a64BMask     uint32 = 0xFC000000
	a64B         uint32 = 0x14000000
	a64BL        uint32 = 0x94000000
	a64CBMask    uint32 = 0x7E000000
	a64CB        uint32 = 0x34000000
	a64TBMask    uint32 = 0x7E000000
	a64TB        uint32 = 0x36000000
	a64ADRMask   uint32 = 0x1F000000
	a64ADR       uint32 = 0x10000000
	a64LitMask   uint32 = 0x3B000000
	a64Lit       uint32 = 0x18000000
	a64BRegMask  uint32 = 0xFFFFFC1F
	a64BR        uint32 = 0xD61F0000
	a64BLR       uint32 = 0xD63F0000
	a64RET       uint32 = 0xD65F0000
	a64BRKMask   uint32 = 0xFFE0001F
	a64BRK       uint32 = 0xD4200000

	// a64BranchInvert flips CBZ/CBNZ and TBZ/TBNZ.
	a64BranchInvert uint32 = 1 << 24
	// a64SkipJump is the inverted branch plus ldr/br/.quad.
	a64SkipJump = 20
)

func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

func analyzeA64(addr uint64, code []byte, need int) (*Prologue, error) {
	p := &Prologue{Arch: arch.ARM64, Addr: addr}

	for p.Len < need {
		pc := addr + uint64(p.Len)
		if p.Len+4 > len(code) {
			return nil, fmt.Errorf("%w: need %d bytes at %#x, have %d", ErrUndecodable, need, addr, len(code))
		}
		raw := code[p.Len : p.Len+4]
		enc := binary.LittleEndian.Uint32(raw)
		inst, err := arm64asm.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("%w at %#x: %v", ErrUndecodable, pc, err)
		}
		in := Instruction{Addr: pc, Raw: raw, Text: arm64asm.GNUSyntax(inst)}

		switch {
		case enc&a64BRegMask == a64RET, enc&a64BRegMask == a64BR, enc&a64BRKMask == a64BRK:
			return nil, fmt.Errorf("%w: %q at %#x", ErrPrologueTooShort, in.Text, pc)

		case enc&a64BRegMask == a64BLR, enc&a64BMask == a64BL:
			return nil, fmt.Errorf("%w: call %q at %#x", ErrUnrelocatable, in.Text, pc)

		case enc&a64ADRMask == a64ADR, enc&a64LitMask == a64Lit:
			return nil, fmt.Errorf("%w: PC-relative %q at %#x", ErrUnrelocatable, in.Text, pc)

		case enc&a64BMask == a64B:
			in.Reloc = RelocBranch
			in.Target = uint64(int64(pc) + 4*signExtend(enc&0x3FFFFFF, 26))
			jmp, _ := EncodeJump(arch.ARM64, in.Target, JumpIndirect)
			p.Relocated = append(p.Relocated, jmp...)

		case enc&a64BCondMask == a64BCond:
			cond := enc & 0xF
			if cond >= 0xE {
				return nil, fmt.Errorf("%w: %q at %#x", ErrUnrelocatable, in.Text, pc)
			}
			in.Reloc = RelocCondBranch
			in.Target = uint64(int64(pc) + 4*signExtend(enc>>5&0x7FFFF, 19))
			inv := a64BCond | uint32(a64SkipJump/4)<<5 | (cond ^ 1)
			p.appendCondJump(inv, in.Target)

		case enc&a64CBMask == a64CB:
			in.Reloc = RelocCondBranch
			in.Target = uint64(int64(pc) + 4*signExtend(enc>>5&0x7FFFF, 19))
			inv := (enc&^(0x7FFFF<<5) | uint32(a64SkipJump/4)<<5) ^ a64BranchInvert
			p.appendCondJump(inv, in.Target)

		case enc&a64TBMask == a64TB:
			in.Reloc = RelocCondBranch
			in.Target = uint64(int64(pc) + 4*signExtend(enc>>5&0x3FFF, 14))
			inv := (enc&^(0x3FFF<<5) | uint32(a64SkipJump/4)<<5) ^ a64BranchInvert
			p.appendCondJump(inv, in.Target)

		default:
			p.Relocated = append(p.Relocated, raw...)
		}

		p.Insns = append(p.Insns, in)
		p.Len += 4
	}
	if err := p.checkBranchTargets(); err != nil {
		return nil, err
	}
	return p, nil
}

// checkBranchTargets rejects branches back into the displaced bytes, which
// hold the patch jump once it is installed.
func (p *Prologue) checkBranchTargets() error {
	end := p.Addr + uint64(p.Len)
	for _, in := range p.Insns {
		if in.Reloc != RelocNone && in.Target > p.Addr && in.Target < end {
			return fmt.Errorf("%w: %q branches into the patched range [%#x,%#x)", ErrUnrelocatable, in.Text, p.Addr, end)
		}
	}
	return nil
}

func (p *Prologue) appendCondJump(inverted uint32, target uint64) {
	p.Relocated = binary.LittleEndian.AppendUint32(p.Relocated, inverted)
	jmp, _ := EncodeJump(arch.ARM64, target, JumpIndirect)
	p.Relocated = append(p.Relocated, jmp...)
}

// Relocations counts the instructions that were rewritten rather than
// copied.
func (p *Prologue) Relocations() int {
	n := 0
	for _, in := range p.Insns {
		if in.Reloc != RelocNone {
			n++
		}
	}
	return n
}
