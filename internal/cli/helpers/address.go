package helpers

import (
	"fmt"
	"strconv"

	"github.com/spf13/pflag"
)

// AddressValue is a pflag.Value holding a target address. It accepts hex
// with a 0x prefix, octal with 0o, or decimal.
type AddressValue uint64

var _ pflag.Value = (*AddressValue)(nil)

// NewAddressValue sets *p to def and returns a flag value writing to p.
func NewAddressValue(def uint64, p *uint64) *AddressValue {
	*p = def
	return (*AddressValue)(p)
}

func (a *AddressValue) String() string { return fmt.Sprintf("%#x", uint64(*a)) }
func (a *AddressValue) Type() string   { return "address" }

func (a *AddressValue) Set(s string) error {
	v, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = AddressValue(v)
	return nil
}

// ParseAddress parses an address as accepted on the command line.
func ParseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}

// AddAddressFlag adds an address-valued flag to flags.
func AddAddressFlag(flags *pflag.FlagSet, p *uint64, name string, def uint64, usage string) {
	flags.Var(NewAddressValue(def, p), name, usage)
}
