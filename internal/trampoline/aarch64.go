package trampoline

import (
	"encoding/binary"
	"fmt"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/patch"
)

const a64SP = arch.Reg(31)

// A64 instruction encoders for the forms the trampoline uses.

func a64MovZ(rd arch.Reg, imm uint16, hw uint32) uint32 {
	return 0xD2800000 | hw<<21 | uint32(imm)<<5 | uint32(rd)
}

func a64MovK(rd arch.Reg, imm uint16, hw uint32) uint32 {
	return 0xF2800000 | hw<<21 | uint32(imm)<<5 | uint32(rd)
}

// a64Ldr is ldr xt, [xn, #off] with an unsigned, 8-byte scaled offset.
func a64Ldr(rt, rn arch.Reg, off int64) uint32 {
	return 0xF9400000 | uint32(off/8)<<10 | uint32(rn)<<5 | uint32(rt)
}

func a64Str(rt, rn arch.Reg, off int64) uint32 {
	return 0xF9000000 | uint32(off/8)<<10 | uint32(rn)<<5 | uint32(rt)
}

func a64Stp(rt, rt2, rn arch.Reg, off int64) uint32 {
	return 0xA9000000 | uint32(off/8&0x7F)<<15 | uint32(rt2)<<10 | uint32(rn)<<5 | uint32(rt)
}

func a64Ldp(rt, rt2, rn arch.Reg, off int64) uint32 {
	return 0xA9400000 | uint32(off/8&0x7F)<<15 | uint32(rt2)<<10 | uint32(rn)<<5 | uint32(rt)
}

func a64StpQ(qt, qt2 int, rn arch.Reg, off int64) uint32 {
	return 0xAD000000 | uint32(off/16&0x7F)<<15 | uint32(qt2)<<10 | uint32(rn)<<5 | uint32(qt)
}

func a64LdpQ(qt, qt2 int, rn arch.Reg, off int64) uint32 {
	return 0xAD400000 | uint32(off/16&0x7F)<<15 | uint32(qt2)<<10 | uint32(rn)<<5 | uint32(qt)
}

func a64AddImm(rd, rn arch.Reg, imm int64) uint32 {
	return 0x91000000 | uint32(imm)<<10 | uint32(rn)<<5 | uint32(rd)
}

func a64SubImm(rd, rn arch.Reg, imm int64) uint32 {
	return 0xD1000000 | uint32(imm)<<10 | uint32(rn)<<5 | uint32(rd)
}

const (
	a64CBZX  uint32 = 0xB4000000
	a64CBNZW uint32 = 0x35000000
	a64B     uint32 = 0x14000000

	a64Clrex    uint32 = 0xD503305F
	a64Yield    uint32 = 0xD503203F
	a64BlrX16   uint32 = 0xD63F0200
	a64Ldaxr    uint32 = 0xC85FFE11 // ldaxr x17, [x16]
	a64Stxr     uint32 = 0xC8117E1F // stxr w17, xzr, [x16]
	a64Stlr     uint32 = 0xC89FFE11 // stlr x17, [x16]
	a64MovX16SP uint32 = 0x910003F0 // mov x16, sp
	a64MovSPX17 uint32 = 0x9100023F // mov sp, x17
)

// a64Frame is the save area on the alternate stack, relative to SP after
// PushCallerSaved: preserved registers at 8*k, vector pairs from vbase,
// then the original SP at size and the slot pointer at size+8.
type a64Frame struct {
	preserve []arch.Reg
	vbase    int64
	size     int64
}

func newA64Frame(b *arch.Bridge) a64Frame {
	vbase := int64(8*len(b.Preserve)+15) &^ 15
	return a64Frame{
		preserve: b.Preserve,
		vbase:    vbase,
		size:     vbase + int64(16*b.Vectors),
	}
}

func (f a64Frame) regOffset(r arch.Reg) (int64, bool) {
	for k, p := range f.preserve {
		if p == r {
			return int64(8 * k), true
		}
	}
	return 0, false
}

// a64Builder emits arm64 code. X16 and X17 are the intra-procedure-call
// scratch registers and are dead at a Go function entry.
type a64Builder struct {
	bridge *arch.Bridge
	frame  a64Frame
	buf    []byte
	err    error
}

func newA64Builder(b *arch.Bridge) *a64Builder {
	return &a64Builder{bridge: b, frame: newA64Frame(b)}
}

func (b *a64Builder) Arch() arch.Arch { return arch.ARM64 }

func (b *a64Builder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}

func (b *a64Builder) emit(words ...uint32) {
	for _, w := range words {
		b.buf = binary.LittleEndian.AppendUint32(b.buf, w)
	}
}

func (b *a64Builder) loadImm64(rd arch.Reg, v uint64) {
	b.emit(a64MovZ(rd, uint16(v), 0))
	for hw := uint32(1); hw < 4; hw++ {
		b.emit(a64MovK(rd, uint16(v>>(16*hw)), hw))
	}
}

// branchBack emits a branch to an earlier offset. op is a CBZ/CBNZ or B
// opcode base; rt is ignored for B.
func (b *a64Builder) branchBack(op uint32, rt arch.Reg, target int) {
	b.emit(a64Branch(op, rt, int64(target-len(b.buf))))
}

func (b *a64Builder) branchForward(op uint32, rt arch.Reg) (int, uint32, arch.Reg) {
	at := len(b.buf)
	b.emit(0)
	return at, op, rt
}

func (b *a64Builder) bind(at int, op uint32, rt arch.Reg) {
	binary.LittleEndian.PutUint32(b.buf[at:], a64Branch(op, rt, int64(len(b.buf)-at)))
}

func a64Branch(op uint32, rt arch.Reg, rel int64) uint32 {
	if op == a64B {
		return op | uint32(rel/4)&0x3FFFFFF
	}
	return op | (uint32(rel/4)&0x7FFFF)<<5 | uint32(rt)
}

func (b *a64Builder) SwitchStack(table uint64) {
	start := len(b.buf)
	b.loadImm64(arch.X16, table)

	loop := len(b.buf)
	b.emit(a64Ldr(arch.X17, arch.X16, 8))
	wAt, wOp, wRt := b.branchForward(a64CBZX, arch.X17)

	claim := len(b.buf)
	b.emit(a64Ldaxr)
	bAt, bOp, bRt := b.branchForward(a64CBZX, arch.X17)
	b.emit(a64Stxr)
	b.branchBack(a64CBNZW, arch.X17, claim)
	cAt, cOp, cRt := b.branchForward(a64B, 0)

	// Slot busy: drop the exclusive monitor and try the next one.
	b.bind(bAt, bOp, bRt)
	b.emit(a64Clrex, a64AddImm(arch.X16, arch.X16, 16))
	b.branchBack(a64B, 0, loop)

	// Every slot busy: back off and rescan.
	b.bind(wAt, wOp, wRt)
	b.emit(a64Yield)
	b.branchBack(a64B, 0, start)

	b.bind(cAt, cOp, cRt)
	b.emit(
		a64Ldr(arch.X17, arch.X16, 8),
		a64SubImm(arch.X17, arch.X17, 16),
		a64Str(arch.X16, arch.X17, 8),
		a64MovX16SP,
		a64Str(arch.X16, arch.X17, 0),
		a64MovSPX17,
	)
}

func (b *a64Builder) PushCallerSaved() {
	b.emit(a64SubImm(a64SP, a64SP, b.frame.size))
	p := b.bridge.Preserve
	k := 0
	for ; k+1 < len(p); k += 2 {
		b.emit(a64Stp(p[k], p[k+1], a64SP, int64(8*k)))
	}
	if k < len(p) {
		b.emit(a64Str(p[k], a64SP, int64(8*k)))
	}
	for j := 0; j+1 < b.bridge.Vectors; j += 2 {
		b.emit(a64StpQ(j, j+1, a64SP, b.frame.vbase+int64(16*j)))
	}
}

func (b *a64Builder) checkDst(dst arch.Reg) {
	for _, r := range b.bridge.Callback.IntArgs {
		if r == dst {
			return
		}
	}
	b.fail("%s is not a callback argument register", arch.ARM64.RegName(dst))
}

func (b *a64Builder) MoveRegister(dst, src arch.Reg) {
	b.checkDst(dst)
	off, ok := b.frame.regOffset(src)
	if !ok {
		b.fail("%s is not saved by the trampoline", arch.ARM64.RegName(src))
		return
	}
	b.emit(a64Ldr(dst, a64SP, off))
}

func (b *a64Builder) LoadStackArgument(dst arch.Reg, offset int64) {
	b.checkDst(dst)
	if offset < 0 || offset%8 != 0 || offset/8 > 0xFFF {
		b.fail("stack argument offset %d not encodable", offset)
		return
	}
	b.emit(
		a64Ldr(arch.X17, a64SP, b.frame.size),
		a64Ldr(dst, arch.X17, offset),
	)
}

func (b *a64Builder) LoadImmediate(dst arch.Reg, v uint64) {
	b.checkDst(dst)
	b.loadImm64(dst, v)
}

func (b *a64Builder) InvokeCallback(addr uint64) {
	b.loadImm64(arch.X16, addr)
	b.emit(a64BlrX16)
}

func (b *a64Builder) RestoreAndResume(displaced []byte, resume uint64) {
	if len(displaced)%4 != 0 {
		b.fail("displaced arm64 code is %d bytes, not whole instructions", len(displaced))
		return
	}

	for j := b.bridge.Vectors - 2; j >= 0; j -= 2 {
		b.emit(a64LdpQ(j, j+1, a64SP, b.frame.vbase+int64(16*j)))
	}
	p := b.bridge.Preserve
	if len(p)%2 == 1 {
		k := len(p) - 1
		b.emit(a64Ldr(p[k], a64SP, int64(8*k)))
	}
	for k := len(p)&^1 - 2; k >= 0; k -= 2 {
		b.emit(a64Ldp(p[k], p[k+1], a64SP, int64(8*k)))
	}
	b.emit(
		a64AddImm(a64SP, a64SP, b.frame.size),
		a64Ldr(arch.X17, a64SP, 0),
		a64Ldr(arch.X16, a64SP, 8),
		a64MovSPX17,
		a64MovZ(arch.X17, 1, 0),
		a64Stlr,
	)

	b.buf = append(b.buf, displaced...)

	jmp, err := patch.EncodeJump(arch.ARM64, resume, patch.JumpIndirect)
	if err != nil {
		b.fail("%v", err)
		return
	}
	b.buf = append(b.buf, jmp...)
}

func (b *a64Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.buf, nil
}
