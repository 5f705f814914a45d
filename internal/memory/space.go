// Package memory abstracts the target's address space so the patcher,
// trampoline compiler and string decoder work the same against a live
// process and against an in-memory simulation.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Prot is a page protection mask.
type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2

	ProtRW  = ProtRead | ProtWrite
	ProtRX  = ProtRead | ProtExec
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

func (p Prot) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Prot
		c   byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// PageSize is the granularity used for protection changes.
const PageSize = 4096

var (
	ErrUnmapped   = errors.New("address not mapped")
	ErrProtection = errors.New("protection violation")
)

// Reader reads target memory.
type Reader interface {
	Read(addr uint64, p []byte) error
}

// Space is a target address space.
type Space interface {
	Reader
	Write(addr uint64, p []byte) error
	// Protect changes protection on the pages covering [addr, addr+size).
	Protect(addr, size uint64, prot Prot) error
	// Alloc maps size bytes (rounded up to a page) and returns the base.
	Alloc(size uint64, prot Prot) (uint64, error)
	Free(addr, size uint64) error
	// FlushInstructionCache makes writes to code visible to instruction fetch.
	FlushInstructionCache(addr, size uint64) error
}

// Region is a mapped range.
type Region struct {
	Base uint64
	Size uint64
	Prot Prot
}

// End is one past the last byte.
func (r Region) End() uint64 { return r.Base + r.Size }

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%#x-%#x %s", r.Base, r.End(), r.Prot)
}

// PageAlign rounds [addr, addr+size) out to page boundaries.
func PageAlign(addr, size uint64) (uint64, uint64) {
	start := addr &^ (PageSize - 1)
	end := (addr + size + PageSize - 1) &^ (PageSize - 1)
	return start, end - start
}

// ReadUint64 reads a little-endian word.
func ReadUint64(r Reader, addr uint64) (uint64, error) {
	var buf [8]byte
	if err := r.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little-endian word.
func WriteUint64(s Space, addr, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return s.Write(addr, buf[:])
}
