package trampoline

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coral-mesh/coral-hook/internal/memory"
)

const (
	DefaultStackSlots = 16
	DefaultStackSize  = 8 << 20
	// MinStackSize bounds the alternate stack from below. The callback runs
	// arbitrary code on it.
	MinStackSize = 1 << 20

	slotEntrySize = 16
)

// StackPool is the set of alternate stacks trampolines run the callback
// on. The table holds one {free, top} pair per stack and ends with a zero
// pair. A trampoline claims a slot by swapping free to zero and gives it
// back by storing one.
type StackPool struct {
	Table     memory.Region
	Stacks    memory.Region
	Slots     int
	StackSize uint64
}

// NewStackPool allocates the table and the stacks in space.
func NewStackPool(space memory.Space, slots int, stackSize uint64) (*StackPool, error) {
	if slots <= 0 {
		return nil, errors.New("stack pool needs at least one slot")
	}
	if stackSize < MinStackSize {
		return nil, fmt.Errorf("stack size %d is below %d", stackSize, MinStackSize)
	}
	_, stackSize = memory.PageAlign(0, stackSize)

	tableSize := uint64(slots+1) * slotEntrySize
	stacksSize := uint64(slots) * stackSize

	stacks, err := space.Alloc(stacksSize, memory.ProtRW)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d alternate stacks: %w", slots, err)
	}
	table, err := space.Alloc(tableSize, memory.ProtRW)
	if err != nil {
		_ = space.Free(stacks, stacksSize)
		return nil, fmt.Errorf("failed to allocate stack slot table: %w", err)
	}

	buf := make([]byte, tableSize)
	for i := 0; i < slots; i++ {
		top := stacks + uint64(i+1)*stackSize
		binary.LittleEndian.PutUint64(buf[i*slotEntrySize:], 1)
		binary.LittleEndian.PutUint64(buf[i*slotEntrySize+8:], top)
	}
	if err := space.Write(table, buf); err != nil {
		_ = space.Free(table, tableSize)
		_ = space.Free(stacks, stacksSize)
		return nil, fmt.Errorf("failed to initialise stack slot table: %w", err)
	}

	return &StackPool{
		Table:     memory.Region{Base: table, Size: tableSize, Prot: memory.ProtRW},
		Stacks:    memory.Region{Base: stacks, Size: stacksSize, Prot: memory.ProtRW},
		Slots:     slots,
		StackSize: stackSize,
	}, nil
}

// Busy counts claimed slots. A non-zero count means some thread is still
// inside a trampoline.
func (p *StackPool) Busy(r memory.Reader) (int, error) {
	buf := make([]byte, p.Table.Size)
	if err := r.Read(p.Table.Base, buf); err != nil {
		return 0, fmt.Errorf("failed to read stack slot table: %w", err)
	}
	busy := 0
	for i := 0; i < p.Slots; i++ {
		if binary.LittleEndian.Uint64(buf[i*slotEntrySize:]) == 0 {
			busy++
		}
	}
	return busy, nil
}

// Contains reports whether addr is on one of the alternate stacks.
func (p *StackPool) Contains(addr uint64) bool {
	return p.Stacks.Contains(addr)
}

// Free releases the table and the stacks.
func (p *StackPool) Free(space memory.Space) error {
	return errors.Join(
		space.Free(p.Table.Base, p.Table.Size),
		space.Free(p.Stacks.Base, p.Stacks.Size),
	)
}
