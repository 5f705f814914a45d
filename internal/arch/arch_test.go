package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Arch
		wantErr bool
	}{
		{"amd64", AMD64, false},
		{"x86_64", AMD64, false},
		{"AArch64", ARM64, false},
		{"arm64", ARM64, false},
		{"riscv64", "", true},
		{"386", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedArch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookup_Unsupported(t *testing.T) {
	_, err := Lookup(Arch("riscv64"))
	require.ErrorIs(t, err, ErrUnsupportedArch)
}

func TestLookup_Supported(t *testing.T) {
	for _, a := range Supported() {
		b, err := Lookup(a)
		require.NoError(t, err)
		assert.Equal(t, a, b.Arch)
		for _, r := range b.Target.IntArgs {
			assert.True(t, b.Preserves(r), "%s must be preserved", a.RegName(r))
		}
		for _, r := range b.Scratch {
			assert.False(t, b.Preserves(r), "%s is scratch", a.RegName(r))
		}
	}
}

func TestRegName(t *testing.T) {
	assert.Equal(t, "rcx", AMD64.RegName(RCX))
	assert.Equal(t, "r11", AMD64.RegName(R11))
	assert.Equal(t, "x2", ARM64.RegName(X2))
	assert.Equal(t, "xzr", ARM64.RegName(XZR))
}
