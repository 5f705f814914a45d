package trampoline

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/memory"
	"github.com/coral-mesh/coral-hook/internal/patch"
)

// CPU is the register file the simulator runs a trampoline against.
// Regs is indexed by arch.Reg. On amd64 SP is kept apart from Regs[RSP].
type CPU struct {
	Regs  [32]uint64
	SP    uint64
	Vec   [32][2]uint64
	Flags uint64
	PC    uint64
}

// CallbackArgs returns the callback argument registers in order.
func (c *CPU) CallbackArgs(b *arch.Bridge) []uint64 {
	out := make([]uint64, len(b.Callback.IntArgs))
	for i, r := range b.Callback.IntArgs {
		out[i] = c.Regs[r]
	}
	return out
}

// ErrStepLimit stops a simulation that never reaches the displaced code.
var ErrStepLimit = errors.New("simulation step limit exceeded")

const maxSimSteps = 100_000

// SimResult summarises one simulated pass through a trampoline.
type SimResult struct {
	Steps int
	Calls int
	// Resume is the absolute jump target at the end of the image.
	Resume uint64
}

// Simulate runs a committed image from its entry until it reaches the
// displaced prologue, with every register back to its entry value. When
// the image calls callback, onCall sees the CPU and the simulator returns
// to the trampoline as the callback's ret would.
func Simulate(img *Image, space memory.Space, cpu *CPU, callback uint64, onCall func(*CPU)) (*SimResult, error) {
	if img.Base == 0 {
		return nil, errors.New("image is not committed")
	}

	var step func() error
	switch img.Arch {
	case arch.AMD64:
		s := &x86Sim{cpu: cpu, space: space}
		step = s.step
	case arch.ARM64:
		s := &a64Sim{cpu: cpu, space: space}
		step = s.step
	default:
		return nil, fmt.Errorf("%w: %q", arch.ErrUnsupportedArch, img.Arch)
	}

	stop := img.Base + uint64(img.Displaced)
	res := &SimResult{}
	cpu.PC = img.EntryAddress()

	for cpu.PC != stop {
		if res.Steps >= maxSimSteps {
			return res, fmt.Errorf("%w at %#x", ErrStepLimit, cpu.PC)
		}
		res.Steps++

		if cpu.PC == callback {
			res.Calls++
			if onCall != nil {
				onCall(cpu)
			}
			if err := simReturn(img.Arch, space, cpu); err != nil {
				return res, err
			}
			continue
		}
		if !img.Contains(cpu.PC) {
			return res, fmt.Errorf("simulation left the trampoline at %#x", cpu.PC)
		}
		if err := step(); err != nil {
			return res, fmt.Errorf("at %#x (+%#x): %w", cpu.PC, cpu.PC-img.Base, err)
		}
	}

	jmpLen, _ := patch.JumpLen(img.Arch, patch.JumpIndirect)
	if target, ok := patch.JumpTarget(img.Arch, img.Code[len(img.Code)-jmpLen:]); ok {
		res.Resume = target
	}
	return res, nil
}

func simReturn(a arch.Arch, space memory.Space, cpu *CPU) error {
	if a == arch.ARM64 {
		cpu.PC = cpu.Regs[arch.X30]
		return nil
	}
	ret, err := memory.ReadUint64(space, cpu.SP)
	if err != nil {
		return err
	}
	cpu.SP += 8
	cpu.PC = ret
	return nil
}

func readVec(space memory.Reader, addr uint64) ([2]uint64, error) {
	var buf [16]byte
	if err := space.Read(addr, buf[:]); err != nil {
		return [2]uint64{}, err
	}
	return [2]uint64{binary.LittleEndian.Uint64(buf[:8]), binary.LittleEndian.Uint64(buf[8:])}, nil
}

func writeVec(space memory.Space, addr uint64, v [2]uint64) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], v[0])
	binary.LittleEndian.PutUint64(buf[8:], v[1])
	return space.Write(addr, buf[:])
}
