package trampoline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/memory"
)

func TestNewStackPool_Table(t *testing.T) {
	space := memory.NewSparse()
	pool, err := NewStackPool(space, 3, MinStackSize+1)
	require.NoError(t, err)

	assert.Equal(t, uint64(MinStackSize+memory.PageSize), pool.StackSize)
	assert.Equal(t, uint64(4*16), pool.Table.Size)

	for i := 0; i < 3; i++ {
		free, err := memory.ReadUint64(space, pool.Table.Base+uint64(i*16))
		require.NoError(t, err)
		top, err := memory.ReadUint64(space, pool.Table.Base+uint64(i*16)+8)
		require.NoError(t, err)

		assert.Equal(t, uint64(1), free)
		assert.Equal(t, pool.Stacks.Base+uint64(i+1)*pool.StackSize, top)
		assert.Zero(t, top%16)
	}
	sentinel, err := memory.ReadUint64(space, pool.Table.Base+3*16+8)
	require.NoError(t, err)
	assert.Zero(t, sentinel)

	busy, err := pool.Busy(space)
	require.NoError(t, err)
	assert.Zero(t, busy)

	require.NoError(t, pool.Free(space))
	assert.Empty(t, space.Regions())
}

func TestNewStackPool_Invalid(t *testing.T) {
	_, err := NewStackPool(memory.NewSparse(), 0, DefaultStackSize)
	assert.Error(t, err)
	_, err = NewStackPool(memory.NewSparse(), 1, 128)
	assert.Error(t, err)
	_, err = NewStackPool(memory.NewSparse(), 1, MinStackSize-memory.PageSize)
	assert.Error(t, err)
}

func TestStackSizeDefaults(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultStackSize, 8<<20)
	assert.GreaterOrEqual(t, DefaultStackSize, MinStackSize)

	pool, err := NewStackPool(memory.NewSparse(), 1, DefaultStackSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultStackSize), pool.StackSize)
}

func TestStub(t *testing.T) {
	tests := []struct {
		arch    arch.Arch
		trapOff uint64
		resume  uint64
	}{
		{arch.AMD64, 1, 1},
		{arch.ARM64, 0, 4},
	}
	for _, tt := range tests {
		t.Run(string(tt.arch), func(t *testing.T) {
			space := memory.NewSparse()
			stub, err := NewStub(space, tt.arch)
			require.NoError(t, err)

			prot, _ := space.ProtAt(stub.Base)
			assert.Equal(t, memory.ProtRX, prot)

			pc := stub.Base + tt.trapOff
			assert.True(t, stub.IsTrap(pc))
			assert.False(t, stub.IsTrap(pc+8))
			assert.Equal(t, stub.Base+tt.resume, stub.ResumePC(pc))
			require.NoError(t, stub.Free(space))
		})
	}

	_, err := StubCode("mips64")
	assert.ErrorIs(t, err, arch.ErrUnsupportedArch)
}
