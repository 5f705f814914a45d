package trampoline

import (
	"encoding/binary"
	"fmt"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/memory"
)

// a64StubBrk is brk #0xc0. The immediate tells our trap apart from a
// debugger's brk #0.
const a64StubBrk uint32 = 0xD4201800

// StubCode is the callback the trampoline calls when the tracer handles
// hooks: a breakpoint that stops the thread with the callback arguments
// in registers, followed by a return.
func StubCode(a arch.Arch) ([]byte, error) {
	switch a {
	case arch.AMD64:
		return []byte{0xCC, 0xC3}, nil // int3; ret
	case arch.ARM64:
		out := binary.LittleEndian.AppendUint32(nil, a64StubBrk)
		return binary.LittleEndian.AppendUint32(out, 0xD65F03C0), nil // ret
	}
	return nil, fmt.Errorf("%w: %q", arch.ErrUnsupportedArch, a)
}

// Stub is a committed callback stub.
type Stub struct {
	Arch arch.Arch
	Base uint64
	Size uint64
}

// NewStub writes the stub into fresh executable memory.
func NewStub(space memory.Space, a arch.Arch) (*Stub, error) {
	code, err := StubCode(a)
	if err != nil {
		return nil, err
	}
	base, err := space.Alloc(uint64(len(code)), memory.ProtRW)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate callback stub: %w", err)
	}
	if err := commitAt(space, base, code); err != nil {
		_ = space.Free(base, uint64(len(code)))
		return nil, err
	}
	return &Stub{Arch: a, Base: base, Size: uint64(len(code))}, nil
}

// IsTrap reports whether a thread stopped at pc hit the stub's
// breakpoint. x86 reports the address after int3, arm64 the brk itself.
func (s *Stub) IsTrap(pc uint64) bool {
	if s.Arch == arch.AMD64 {
		return pc == s.Base+1
	}
	return pc == s.Base
}

// ResumePC is where the thread continues after the trap: the ret.
func (s *Stub) ResumePC(pc uint64) uint64 {
	if s.Arch == arch.ARM64 {
		return pc + 4
	}
	return pc
}

// Free releases the stub.
func (s *Stub) Free(space memory.Space) error {
	return space.Free(s.Base, s.Size)
}

// Contains reports whether pc is inside the stub.
func (s *Stub) Contains(pc uint64) bool {
	return pc >= s.Base && pc < s.Base+s.Size
}
