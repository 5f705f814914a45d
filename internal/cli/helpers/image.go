package helpers

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/memory"
)

// Image is an executable's loadable segments mapped into a sparse address
// space, for inspecting code without a running process.
type Image struct {
	Path  string
	Arch  arch.Arch
	Space *memory.Sparse
}

var machines = map[elf.Machine]arch.Arch{
	elf.EM_X86_64:  arch.AMD64,
	elf.EM_AARCH64: arch.ARM64,
}

// OpenImage maps every PT_LOAD segment of path at its link-time address
// plus bias.
func OpenImage(path string, bias uint64) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	a, ok := machines[f.Machine]
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", arch.ErrUnsupportedArch, path, f.Machine)
	}

	space := memory.NewSparse()
	mapped := 0
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		data := make([]byte, p.Memsz)
		if _, err := p.ReadAt(data[:p.Filesz], 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read segment at %#x: %w", p.Vaddr, err)
		}
		if err := space.Map(bias+p.Vaddr, data, segmentProt(p.Flags)); err != nil {
			return nil, err
		}
		mapped++
	}
	if mapped == 0 {
		return nil, fmt.Errorf("%s has no loadable segments", path)
	}
	return &Image{Path: path, Arch: a, Space: space}, nil
}

func segmentProt(flags elf.ProgFlag) memory.Prot {
	prot := memory.ProtNone
	if flags&elf.PF_R != 0 {
		prot |= memory.ProtRead
	}
	if flags&elf.PF_W != 0 {
		prot |= memory.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		prot |= memory.ProtExec
	}
	return prot
}
