package symbols

import (
	"os"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfExecutable(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("ELF sources are only read on linux")
	}
	path, err := os.Executable()
	require.NoError(t, err)
	return path
}

func TestELFSource_Self(t *testing.T) {
	path := selfExecutable(t)

	src, err := OpenELF(path, 0, zerolog.Nop())
	require.NoError(t, err)
	defer src.Close()

	info := src.Module()
	assert.Equal(t, path, info.Path)
	assert.NotZero(t, info.Size)
	assert.Zero(t, info.Bias)

	sym, err := NewResolver(zerolog.Nop()).Resolve(src, Query{
		Name: "github.com/coral-mesh/coral-hook/internal/symbols.TestELFSource_Self",
		Kind: KindFunction,
	})
	require.NoError(t, err)
	assert.True(t, info.Contains(sym.Address))

	v, err := src.GoVersion()
	require.NoError(t, err)
	assert.Equal(t, runtime.Version(), v)
}

func TestELFSource_Bias(t *testing.T) {
	path := selfExecutable(t)

	plain, err := OpenELF(path, 0, zerolog.Nop())
	require.NoError(t, err)
	defer plain.Close()

	const shift = 0x10000000
	shifted, err := OpenELF(path, plain.Module().Base+shift, zerolog.Nop())
	require.NoError(t, err)
	defer shifted.Close()

	q := Query{Name: "github.com/coral-mesh/coral-hook/internal/symbols.OpenELF"}
	a, err := NewResolver(zerolog.Nop(), Enumerate{}).Resolve(plain, q)
	require.NoError(t, err)
	b, err := NewResolver(zerolog.Nop(), Enumerate{}).Resolve(shifted, q)
	require.NoError(t, err)
	assert.Equal(t, a.Address+uint64(shift), b.Address)
}

func TestOpenELF_NotELF(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "notelf")
	require.NoError(t, err)
	_, err = f.WriteString("#!/bin/sh\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenELF(f.Name(), 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestSourceCache(t *testing.T) {
	path := selfExecutable(t)

	c := NewSourceCache(1, zerolog.Nop())
	defer c.Close()

	a, err := c.Open(path, 0)
	require.NoError(t, err)
	b, err := c.Open(path, 0)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, c.Len())

	_, err = c.Open(path, 0x1000000)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	p1 := dir + "/a"
	p2 := dir + "/b"
	require.NoError(t, os.WriteFile(p1, []byte("one"), 0o600))
	require.NoError(t, os.WriteFile(p2, []byte("two"), 0o600))

	f1, err := Fingerprint(p1)
	require.NoError(t, err)
	again, err := Fingerprint(p1)
	require.NoError(t, err)
	f2, err := Fingerprint(p2)
	require.NoError(t, err)

	assert.Equal(t, f1, again)
	assert.NotEqual(t, f1, f2)
}
