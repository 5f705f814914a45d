package trampoline

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/coral-mesh/coral-hook/internal/memory"
)

const x86ZF = 1 << 6

// x86Sim interprets the subset of amd64 the trampoline builder emits.
type x86Sim struct {
	cpu   *CPU
	space memory.Space
}

func (s *x86Sim) gpr(r x86asm.Reg) (*uint64, error) {
	switch {
	case r == x86asm.RSP:
		return &s.cpu.SP, nil
	case r >= x86asm.RAX && r <= x86asm.R15:
		return &s.cpu.Regs[r-x86asm.RAX], nil
	}
	return nil, fmt.Errorf("unsupported register %s", r)
}

func (s *x86Sim) ea(m x86asm.Mem) (uint64, error) {
	var addr uint64
	if m.Base != 0 {
		p, err := s.gpr(m.Base)
		if err != nil {
			return 0, err
		}
		addr = *p
	}
	if m.Index != 0 {
		p, err := s.gpr(m.Index)
		if err != nil {
			return 0, err
		}
		addr += *p * uint64(m.Scale)
	}
	return addr + uint64(m.Disp), nil
}

func (s *x86Sim) load(arg x86asm.Arg) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		p, err := s.gpr(a)
		if err != nil {
			return 0, err
		}
		return *p, nil
	case x86asm.Mem:
		addr, err := s.ea(a)
		if err != nil {
			return 0, err
		}
		return memory.ReadUint64(s.space, addr)
	case x86asm.Imm:
		return uint64(a), nil
	}
	return 0, fmt.Errorf("unsupported operand %v", arg)
}

func (s *x86Sim) store(arg x86asm.Arg, v uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		p, err := s.gpr(a)
		if err != nil {
			return err
		}
		*p = v
		return nil
	case x86asm.Mem:
		addr, err := s.ea(a)
		if err != nil {
			return err
		}
		return memory.WriteUint64(s.space, addr, v)
	}
	return fmt.Errorf("unsupported destination %v", arg)
}

func (s *x86Sim) push(v uint64) error {
	s.cpu.SP -= 8
	return memory.WriteUint64(s.space, s.cpu.SP, v)
}

func (s *x86Sim) pop() (uint64, error) {
	v, err := memory.ReadUint64(s.space, s.cpu.SP)
	if err != nil {
		return 0, err
	}
	s.cpu.SP += 8
	return v, nil
}

func (s *x86Sim) setZF(zero bool) {
	if zero {
		s.cpu.Flags |= x86ZF
	} else {
		s.cpu.Flags &^= x86ZF
	}
}

// binary loads both operands of a two-operand instruction.
func (s *x86Sim) binary(inst x86asm.Inst) (uint64, uint64, error) {
	a, err := s.load(inst.Args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := s.load(inst.Args[1])
	return a, b, err
}

func (s *x86Sim) fetch() (x86asm.Inst, error) {
	buf := make([]byte, 15)
	for n := len(buf); n > 0; n-- {
		if err := s.space.Read(s.cpu.PC, buf[:n]); err == nil {
			return x86asm.Decode(buf[:n], 64)
		}
	}
	return x86asm.Inst{}, fmt.Errorf("%w: code at %#x", memory.ErrUnmapped, s.cpu.PC)
}

func (s *x86Sim) step() error {
	inst, err := s.fetch()
	if err != nil {
		return err
	}
	next := s.cpu.PC + uint64(inst.Len)
	s.cpu.PC = next

	switch inst.Op {
	case x86asm.NOP, x86asm.PAUSE:
		return nil

	case x86asm.MOV:
		v, err := s.load(inst.Args[1])
		if err != nil {
			return err
		}
		return s.store(inst.Args[0], v)

	case x86asm.MOVDQU:
		if x, ok := inst.Args[0].(x86asm.Reg); ok && x >= x86asm.X0 && x <= x86asm.X15 {
			m, ok := inst.Args[1].(x86asm.Mem)
			if !ok {
				return fmt.Errorf("unsupported movdqu source %v", inst.Args[1])
			}
			addr, err := s.ea(m)
			if err != nil {
				return err
			}
			v, err := readVec(s.space, addr)
			s.cpu.Vec[x-x86asm.X0] = v
			return err
		}
		m, ok := inst.Args[0].(x86asm.Mem)
		x, xok := inst.Args[1].(x86asm.Reg)
		if !ok || !xok || x < x86asm.X0 || x > x86asm.X15 {
			return fmt.Errorf("unsupported movdqu form %v", inst)
		}
		addr, err := s.ea(m)
		if err != nil {
			return err
		}
		return writeVec(s.space, addr, s.cpu.Vec[x-x86asm.X0])

	case x86asm.XCHG:
		a, b, err := s.binary(inst)
		if err != nil {
			return err
		}
		if err := s.store(inst.Args[0], b); err != nil {
			return err
		}
		return s.store(inst.Args[1], a)

	case x86asm.CMP, x86asm.TEST:
		a, b, err := s.binary(inst)
		if err != nil {
			return err
		}
		if inst.Op == x86asm.CMP {
			s.setZF(a == b)
		} else {
			s.setZF(a&b == 0)
		}
		return nil

	case x86asm.XOR, x86asm.ADD, x86asm.SUB:
		a, b, err := s.binary(inst)
		if err != nil {
			return err
		}
		var r uint64
		switch inst.Op {
		case x86asm.XOR:
			r = a ^ b
		case x86asm.ADD:
			r = a + b
		default:
			r = a - b
		}
		s.setZF(r == 0)
		return s.store(inst.Args[0], r)

	case x86asm.JE, x86asm.JNE, x86asm.JMP:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return fmt.Errorf("unsupported jump %v", inst)
		}
		zf := s.cpu.Flags&x86ZF != 0
		if inst.Op == x86asm.JMP || (inst.Op == x86asm.JE) == zf {
			s.cpu.PC = uint64(int64(next) + int64(rel))
		}
		return nil

	case x86asm.PUSH:
		v, err := s.load(inst.Args[0])
		if err != nil {
			return err
		}
		return s.push(v)

	case x86asm.POP:
		v, err := s.pop()
		if err != nil {
			return err
		}
		return s.store(inst.Args[0], v)

	case x86asm.PUSHFQ:
		return s.push(s.cpu.Flags)

	case x86asm.POPFQ:
		v, err := s.pop()
		s.cpu.Flags = v
		return err

	case x86asm.CALL:
		target, err := s.load(inst.Args[0])
		if err != nil {
			return err
		}
		if err := s.push(next); err != nil {
			return err
		}
		s.cpu.PC = target
		return nil

	case x86asm.RET:
		v, err := s.pop()
		s.cpu.PC = v
		return err
	}
	return fmt.Errorf("unsupported instruction %s", x86asm.IntelSyntax(inst, next-uint64(inst.Len), nil))
}
