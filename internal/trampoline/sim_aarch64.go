package trampoline

import (
	"encoding/binary"
	"fmt"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/memory"
)

// a64Sim interprets the subset of arm64 the trampoline builder emits,
// matched on the raw encoding.
type a64Sim struct {
	cpu   *CPU
	space memory.Space
	// exclusive is the address held by the exclusive monitor, if any.
	exclusive    uint64
	hasExclusive bool
}

// x returns register n; 31 is SP when sp is set and XZR otherwise.
func (s *a64Sim) x(n uint32, sp bool) uint64 {
	if n == 31 {
		if sp {
			return s.cpu.SP
		}
		return 0
	}
	return s.cpu.Regs[n]
}

func (s *a64Sim) setX(n uint32, sp bool, v uint64) {
	if n == 31 {
		if sp {
			s.cpu.SP = v
		}
		return
	}
	s.cpu.Regs[n] = v
}

func a64Fields(enc uint32) (rt, rn, rt2 uint32) {
	return enc & 31, enc >> 5 & 31, enc >> 10 & 31
}

func (s *a64Sim) step() error {
	var raw [4]byte
	if err := s.space.Read(s.cpu.PC, raw[:]); err != nil {
		return err
	}
	enc := binary.LittleEndian.Uint32(raw[:])
	pc := s.cpu.PC
	s.cpu.PC = pc + 4
	rt, rn, rt2 := a64Fields(enc)

	switch {
	case enc == 0xD503201F, enc == a64Yield: // nop, yield
		return nil

	case enc&0xFFFFF0FF == a64Clrex:
		s.hasExclusive = false
		return nil

	case enc&0xFF800000 == 0xD2800000: // movz
		hw := enc >> 21 & 3
		s.setX(rt, false, uint64(enc>>5&0xFFFF)<<(16*hw))
		return nil

	case enc&0xFF800000 == 0xF2800000: // movk
		shift := 16 * (enc >> 21 & 3)
		v := s.x(rt, false)&^(0xFFFF<<shift) | uint64(enc>>5&0xFFFF)<<shift
		s.setX(rt, false, v)
		return nil

	case enc&0xFFC00000 == 0x91000000, enc&0xFFC00000 == 0xD1000000: // add/sub imm
		imm := uint64(enc >> 10 & 0xFFF)
		v := s.x(rn, true)
		if enc&0x40000000 != 0 {
			v -= imm
		} else {
			v += imm
		}
		s.setX(rt, true, v)
		return nil

	case enc&0xFFC00000 == 0xF9400000, enc&0xFFC00000 == 0xF9000000: // ldr/str unsigned offset
		addr := s.x(rn, true) + uint64(enc>>10&0xFFF)*8
		if enc&0x00400000 != 0 {
			v, err := memory.ReadUint64(s.space, addr)
			s.setX(rt, false, v)
			return err
		}
		return memory.WriteUint64(s.space, addr, s.x(rt, false))

	case enc&0xFFC00000 == 0xA9000000, enc&0xFFC00000 == 0xA9400000: // stp/ldp
		addr := s.x(rn, true) + uint64(signExtend7(enc)*8)
		if enc&0x00400000 != 0 {
			a, err := memory.ReadUint64(s.space, addr)
			if err != nil {
				return err
			}
			b, err := memory.ReadUint64(s.space, addr+8)
			s.setX(rt, false, a)
			s.setX(rt2, false, b)
			return err
		}
		if err := memory.WriteUint64(s.space, addr, s.x(rt, false)); err != nil {
			return err
		}
		return memory.WriteUint64(s.space, addr+8, s.x(rt2, false))

	case enc&0xFFC00000 == 0xAD000000, enc&0xFFC00000 == 0xAD400000: // stp/ldp q
		addr := s.x(rn, true) + uint64(signExtend7(enc)*16)
		if enc&0x00400000 != 0 {
			a, err := readVec(s.space, addr)
			if err != nil {
				return err
			}
			b, err := readVec(s.space, addr+16)
			s.cpu.Vec[rt], s.cpu.Vec[rt2] = a, b
			return err
		}
		if err := writeVec(s.space, addr, s.cpu.Vec[rt]); err != nil {
			return err
		}
		return writeVec(s.space, addr+16, s.cpu.Vec[rt2])

	case enc&0xFFFFFC00 == 0xC85FFC00: // ldaxr
		addr := s.x(rn, true)
		v, err := memory.ReadUint64(s.space, addr)
		s.setX(rt, false, v)
		s.exclusive, s.hasExclusive = addr, true
		return err

	case enc&0xFFE0FC00 == 0xC8007C00: // stxr
		rs := enc >> 16 & 31
		addr := s.x(rn, true)
		if !s.hasExclusive || s.exclusive != addr {
			s.setX(rs, false, 1)
			return nil
		}
		s.hasExclusive = false
		if err := memory.WriteUint64(s.space, addr, s.x(rt, false)); err != nil {
			return err
		}
		s.setX(rs, false, 0)
		return nil

	case enc&0xFFFFFC00 == 0xC89FFC00: // stlr
		return memory.WriteUint64(s.space, s.x(rn, true), s.x(rt, false))

	case enc&0x7E000000 == 0x34000000: // cbz/cbnz
		v := s.x(rt, false)
		if enc&0x80000000 == 0 {
			v &= 0xFFFFFFFF
		}
		if (v == 0) != (enc&a64BranchInvert != 0) {
			s.cpu.PC = uint64(int64(pc) + 4*signExtend19(enc))
		}
		return nil

	case enc&0xFC000000 == a64B:
		s.cpu.PC = uint64(int64(pc) + 4*signExtend26(enc))
		return nil

	case enc&0xFFFFFC1F == 0xD63F0000: // blr
		target := s.x(rn, false)
		s.cpu.Regs[arch.X30] = pc + 4
		s.cpu.PC = target
		return nil

	case enc&0xFFFFFC1F == 0xD61F0000, enc&0xFFFFFC1F == 0xD65F0000: // br, ret
		s.cpu.PC = s.x(rn, false)
		return nil
	}
	return fmt.Errorf("unsupported instruction %#08x", enc)
}

const a64BranchInvert = 1 << 24

func signExtend7(enc uint32) int64 {
	return int64(int32(enc>>15&0x7F<<25) >> 25)
}

func signExtend19(enc uint32) int64 {
	return int64(int32(enc>>5&0x7FFFF<<13) >> 13)
}

func signExtend26(enc uint32) int64 {
	return int64(int32(enc&0x3FFFFFF<<6) >> 6)
}
