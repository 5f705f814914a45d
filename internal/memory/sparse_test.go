package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSparse_MapReadWrite(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Map(0x401000, []byte{0x49, 0x3b, 0x66, 0x10}, ProtRW))

	buf := make([]byte, 2)
	require.NoError(t, s.Read(0x401001, buf))
	assert.Equal(t, []byte{0x3b, 0x66}, buf)

	require.NoError(t, s.Write(0x401002, []byte{0xcc}))
	require.NoError(t, s.Read(0x401000, buf))
	assert.Equal(t, []byte{0x49, 0x3b}, buf)
	assert.Equal(t, 1, s.Writes())
}

func TestSparse_Unmapped(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Map(0x1000, make([]byte, 16), ProtRW))

	err := s.Read(0x100c, make([]byte, 8))
	assert.ErrorIs(t, err, ErrUnmapped)

	err = s.Read(0x9000, make([]byte, 1))
	assert.ErrorIs(t, err, ErrUnmapped)
}

func TestSparse_ProtectionEnforced(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Map(0x401000, make([]byte, 32), ProtRX))

	err := s.Write(0x401000, []byte{0x90})
	require.ErrorIs(t, err, ErrProtection)

	require.NoError(t, s.Protect(0x401000, 32, ProtRWX))
	require.NoError(t, s.Write(0x401000, []byte{0x90}))

	prot, ok := s.ProtAt(0x401010)
	require.True(t, ok)
	assert.Equal(t, ProtRWX, prot)
}

func TestSparse_OverlapRejected(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Map(0x1000, make([]byte, 16), ProtRead))
	assert.Error(t, s.Map(0x100f, make([]byte, 4), ProtRead))
}

func TestSparse_AllocFree(t *testing.T) {
	s := NewSparse()

	a, err := s.Alloc(100, ProtRW)
	require.NoError(t, err)
	b, err := s.Alloc(PageSize+1, ProtRW)
	require.NoError(t, err)

	assert.Equal(t, uint64(DefaultAllocBase), a)
	assert.Greater(t, b, a+PageSize)

	require.NoError(t, WriteUint64(s, b+PageSize, 0xdeadbeef))
	v, err := ReadUint64(s, b+PageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)

	require.NoError(t, s.Free(a, 100))
	assert.ErrorIs(t, s.Read(a, make([]byte, 1)), ErrUnmapped)
	assert.ErrorIs(t, s.Free(a, 100), ErrUnmapped)
}

func TestSparse_FlushRecorded(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.FlushInstructionCache(0x401000, 16))
	assert.Equal(t, []Region{{Base: 0x401000, Size: 16}}, s.Flushed())
}

func TestPageAlign(t *testing.T) {
	start, size := PageAlign(0x401ff8, 16)
	assert.Equal(t, uint64(0x401000), start)
	assert.Equal(t, uint64(2*PageSize), size)
}

func TestProtString(t *testing.T) {
	assert.Equal(t, "r-x", ProtRX.String())
	assert.Equal(t, "rw-", ProtRW.String())
	assert.Equal(t, "---", ProtNone.String())
}
