package helpers

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0", 0, false},
		{"0x400000", 0x400000, false},
		{"4096", 4096, false},
		{"0o17", 15, false},
		{"0xZZ", 0, true},
		{"-1", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddAddressFlag(t *testing.T) {
	var base uint64
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddAddressFlag(flags, &base, "load-base", 0x1000, "")

	assert.Equal(t, uint64(0x1000), base)
	assert.Equal(t, "0x1000", flags.Lookup("load-base").DefValue)
	assert.Equal(t, "address", flags.Lookup("load-base").Value.Type())

	require.NoError(t, flags.Parse([]string{"--load-base", "0x7f0000400000"}))
	assert.Equal(t, uint64(0x7f0000400000), base)

	assert.Error(t, flags.Parse([]string{"--load-base", "nope"}))
}
