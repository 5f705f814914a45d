package trampoline

import (
	"encoding/binary"
	"fmt"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/patch"
)

// x86Frame is the save area layout on the alternate stack, relative to SP
// after PushCallerSaved:
//
//	[0, 16*vectors)        xmm0..xmm15
//	[sub-8*n, sub)         padding to keep SP 16-byte aligned
//	sub + 8*(n-1-k)        preserved register k
//	sub + 8*n              rflags
//	sub + 8*n + 8          slot pointer
//	sub + 8*n + 16         original SP
type x86Frame struct {
	sub      int64
	preserve []arch.Reg
}

func newX86Frame(b *arch.Bridge) x86Frame {
	pushed := int64(16 + 8*(1+len(b.Preserve)))
	sub := int64(16 * b.Vectors)
	if (pushed+sub)%16 != 0 {
		sub += 8
	}
	return x86Frame{sub: sub, preserve: b.Preserve}
}

func (f x86Frame) regOffset(r arch.Reg) (int64, bool) {
	n := len(f.preserve)
	for k, p := range f.preserve {
		if p == r {
			return f.sub + int64(8*(n-1-k)), true
		}
	}
	return 0, false
}

func (f x86Frame) flagsOffset() int64  { return f.sub + int64(8*len(f.preserve)) }
func (f x86Frame) slotOffset() int64   { return f.flagsOffset() + 8 }
func (f x86Frame) origSPOffset() int64 { return f.flagsOffset() + 16 }

// x86Builder emits amd64 code. R12 and R13 are free at a Go function entry
// and serve as scratch throughout.
type x86Builder struct {
	bridge *arch.Bridge
	frame  x86Frame
	buf    []byte
	err    error
}

func newX86Builder(b *arch.Bridge) *x86Builder {
	return &x86Builder{bridge: b, frame: newX86Frame(b)}
}

func (b *x86Builder) Arch() arch.Arch { return arch.AMD64 }

func (b *x86Builder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}

func (b *x86Builder) emit(p ...byte) { b.buf = append(b.buf, p...) }

func (b *x86Builder) emit32(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }

func (b *x86Builder) emit64(v uint64) { b.buf = binary.LittleEndian.AppendUint64(b.buf, v) }

func rex(w bool, r, x, base arch.Reg) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	v |= byte(r>>3&1) << 2
	v |= byte(x>>3&1) << 1
	v |= byte(base>>3&1)
	return v
}

func modrm(mod byte, reg, rm arch.Reg) byte {
	return mod<<6 | byte(reg&7)<<3 | byte(rm&7)
}

func (b *x86Builder) movabs(dst arch.Reg, v uint64) {
	b.emit(rex(true, 0, 0, dst), 0xB8+byte(dst&7))
	b.emit64(v)
}

// movLoadSP emits mov dst, [rsp+disp32].
func (b *x86Builder) movLoadSP(dst arch.Reg, disp int64) {
	b.emit(rex(true, dst, 0, arch.RSP), 0x8B, modrm(2, dst, arch.RSP), 0x24)
	b.emit32(uint32(int32(disp)))
}

func (b *x86Builder) push(r arch.Reg) {
	if r >= arch.R8 {
		b.emit(0x41)
	}
	b.emit(0x50 + byte(r&7))
}

func (b *x86Builder) pop(r arch.Reg) {
	if r >= arch.R8 {
		b.emit(0x41)
	}
	b.emit(0x58 + byte(r&7))
}

// movdqu stores (store=true) or loads xmm i at [rsp+disp32].
func (b *x86Builder) movdqu(i int, disp int64, store bool) {
	b.emit(0xF3)
	if i >= 8 {
		b.emit(0x44)
	}
	op := byte(0x6F)
	if store {
		op = 0x7F
	}
	b.emit(0x0F, op, modrm(2, arch.Reg(i), arch.RSP), 0x24)
	b.emit32(uint32(int32(disp)))
}

const (
	x86JE  = 0x74
	x86JNE = 0x75
	x86JMP = 0xEB
)

// jumpBack emits a short jump to an earlier offset.
func (b *x86Builder) jumpBack(op byte, target int) {
	rel := target - (len(b.buf) + 2)
	if rel < -128 {
		b.fail("short jump out of range: %d", rel)
		return
	}
	b.emit(op, byte(int8(rel)))
}

// jumpForward emits a short jump with a placeholder and returns its
// position for bind.
func (b *x86Builder) jumpForward(op byte) int {
	b.emit(op, 0)
	return len(b.buf) - 1
}

func (b *x86Builder) bind(at int) {
	rel := len(b.buf) - (at + 1)
	if rel > 127 {
		b.fail("short jump out of range: %d", rel)
		return
	}
	b.buf[at] = byte(int8(rel))
}

func (b *x86Builder) SwitchStack(table uint64) {
	start := len(b.buf)
	b.movabs(arch.R12, table)

	loop := len(b.buf)
	b.emit(0x49, 0x83, 0x7C, 0x24, 0x08, 0x00) // cmp qword [r12+8], 0
	toWrap := b.jumpForward(x86JE)
	b.emit(0x4D, 0x31, 0xED)       // xor r13, r13
	b.emit(0x4D, 0x87, 0x2C, 0x24) // xchg [r12], r13
	b.emit(0x4D, 0x85, 0xED)       // test r13, r13
	toClaimed := b.jumpForward(x86JNE)
	b.emit(0x49, 0x83, 0xC4, 0x10) // add r12, 16
	b.jumpBack(x86JMP, loop)

	// Every slot busy: back off and rescan.
	b.bind(toWrap)
	b.emit(0xF3, 0x90) // pause
	b.jumpBack(x86JMP, start)

	b.bind(toClaimed)
	b.emit(0x49, 0x89, 0xE5)             // mov r13, rsp
	b.emit(0x49, 0x8B, 0x64, 0x24, 0x08) // mov rsp, [r12+8]
	b.push(arch.R13)
	b.push(arch.R12)
}

func (b *x86Builder) PushCallerSaved() {
	b.emit(0x9C) // pushfq
	for _, r := range b.bridge.Preserve {
		b.push(r)
	}
	b.emit(0x48, 0x81, 0xEC) // sub rsp, imm32
	b.emit32(uint32(b.frame.sub))
	for i := 0; i < b.bridge.Vectors; i++ {
		b.movdqu(i, int64(16*i), true)
	}
}

func (b *x86Builder) checkDst(dst arch.Reg) {
	for _, r := range b.bridge.Callback.IntArgs {
		if r == dst {
			return
		}
	}
	b.fail("%s is not a callback argument register", arch.AMD64.RegName(dst))
}

func (b *x86Builder) MoveRegister(dst, src arch.Reg) {
	b.checkDst(dst)
	off, ok := b.frame.regOffset(src)
	if !ok {
		b.fail("%s is not saved by the trampoline", arch.AMD64.RegName(src))
		return
	}
	b.movLoadSP(dst, off)
}

func (b *x86Builder) LoadStackArgument(dst arch.Reg, offset int64) {
	b.checkDst(dst)
	if offset < 0 || offset > 1<<20 {
		b.fail("stack argument offset %d out of range", offset)
		return
	}
	b.movLoadSP(arch.R13, b.frame.origSPOffset())
	// mov dst, [r13+disp32]
	b.emit(rex(true, dst, 0, arch.R13), 0x8B, modrm(2, dst, arch.R13))
	b.emit32(uint32(int32(offset)))
}

func (b *x86Builder) LoadImmediate(dst arch.Reg, v uint64) {
	b.checkDst(dst)
	b.movabs(dst, v)
}

func (b *x86Builder) InvokeCallback(addr uint64) {
	b.movabs(arch.RAX, addr)
	b.emit(0xFF, 0xD0) // call rax
}

func (b *x86Builder) RestoreAndResume(displaced []byte, resume uint64) {
	for i := 0; i < b.bridge.Vectors; i++ {
		b.movdqu(i, int64(16*i), false)
	}
	b.emit(0x48, 0x81, 0xC4) // add rsp, imm32
	b.emit32(uint32(b.frame.sub))
	for i := len(b.bridge.Preserve) - 1; i >= 0; i-- {
		b.pop(b.bridge.Preserve[i])
	}
	b.emit(0x9D) // popfq
	b.pop(arch.R12)
	b.pop(arch.R13)
	b.emit(0x4C, 0x89, 0xEC)                      // mov rsp, r13
	b.emit(0x49, 0xC7, 0x04, 0x24, 0x01, 0, 0, 0) // mov qword [r12], 1

	b.emit(displaced...)

	jmp, err := patch.EncodeJump(arch.AMD64, resume, patch.JumpIndirect)
	if err != nil {
		b.fail("%v", err)
		return
	}
	b.emit(jmp...)
}

func (b *x86Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.buf, nil
}
