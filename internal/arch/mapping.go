package arch

import (
	"errors"
	"fmt"
	"strings"
)

// ArgKind is the shape of one logical Go argument.
type ArgKind string

const (
	ArgWord      ArgKind = "word"
	ArgPointer   ArgKind = "pointer"
	ArgString    ArgKind = "string"
	ArgInterface ArgKind = "interface"
	ArgSlice     ArgKind = "slice"
	ArgFloat     ArgKind = "float"
)

// Words returns how many integer words the kind occupies. Floats use the
// floating point registers and report zero.
func (k ArgKind) Words() int {
	switch k {
	case ArgWord, ArgPointer:
		return 1
	case ArgString, ArgInterface:
		return 2
	case ArgSlice:
		return 3
	default:
		return 0
	}
}

// ParseArgKind validates a configured kind name.
func ParseArgKind(s string) (ArgKind, error) {
	k := ArgKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case ArgWord, ArgPointer, ArgString, ArgInterface, ArgSlice, ArgFloat:
		return k, nil
	case "int", "uint", "uintptr":
		return ArgWord, nil
	case "ptr":
		return ArgPointer, nil
	case "iface":
		return ArgInterface, nil
	}
	return "", fmt.Errorf("unknown argument kind %q", s)
}

// Location is where one argument word lives at function entry.
type Location struct {
	InRegister bool
	Reg        Reg
	// StackOffset is relative to SP at entry.
	StackOffset int64
}

func (l Location) Format(a Arch) string {
	if l.InRegister {
		return a.RegName(l.Reg)
	}
	return fmt.Sprintf("[sp+%d]", l.StackOffset)
}

var (
	ErrCaptureRange  = errors.New("captured argument index out of range")
	ErrCaptureFloat  = errors.New("floating point arguments cannot be captured")
	ErrTooManyWords  = errors.New("captured words exceed callback registers")
	ErrEmptyCapture  = errors.New("no argument captured")
	ErrUnknownWidths = errors.New("argument kind has no width")
)

// Locate assigns every word of every argument in sig to a register or a
// stack slot following the Go internal ABI: an argument goes wholly into
// the next free registers or, if it does not fit, wholly onto the stack,
// and later arguments may still use registers.
func (b *Bridge) Locate(sig []ArgKind) ([][]Location, error) {
	out := make([][]Location, len(sig))
	nextInt, nextFloat := 0, 0
	stack := b.Target.StackArgs

	for i, k := range sig {
		if k == ArgFloat {
			if nextFloat < b.Target.FloatArgs {
				nextFloat++
				out[i] = nil
				continue
			}
			out[i] = []Location{{StackOffset: stack}}
			stack += WordSize
			continue
		}

		n := k.Words()
		if n == 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownWidths, k)
		}
		locs := make([]Location, n)
		if nextInt+n <= len(b.Target.IntArgs) {
			for w := 0; w < n; w++ {
				locs[w] = Location{InRegister: true, Reg: b.Target.IntArgs[nextInt+w]}
			}
			nextInt += n
		} else {
			for w := 0; w < n; w++ {
				locs[w] = Location{StackOffset: stack}
				stack += WordSize
			}
		}
		out[i] = locs
	}
	return out, nil
}

// Move sets a callback register from an entry location.
type Move struct {
	Dst Reg
	Src Location
}

// Plan is the complete argument shuffle for one hook: hook id in the first
// callback register, then each captured word in order.
type Plan struct {
	Arch      Arch
	HookIDReg Reg
	Moves     []Move
}

// Words is the number of captured words the callback receives after the id.
func (p *Plan) Words() int { return len(p.Moves) }

// Plan builds the shuffle that captures the logical arguments at indexes
// capture (in that order) from a call with signature sig.
func (b *Bridge) Plan(sig []ArgKind, capture []int) (*Plan, error) {
	if len(capture) == 0 {
		return nil, ErrEmptyCapture
	}
	locs, err := b.Locate(sig)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Arch: b.Arch, HookIDReg: b.Callback.IntArgs[0]}
	next := 1
	for _, idx := range capture {
		if idx < 0 || idx >= len(sig) {
			return nil, fmt.Errorf("%w: %d of %d", ErrCaptureRange, idx, len(sig))
		}
		if sig[idx] == ArgFloat {
			return nil, fmt.Errorf("%w: argument %d", ErrCaptureFloat, idx)
		}
		for _, loc := range locs[idx] {
			if next >= len(b.Callback.IntArgs) {
				return nil, fmt.Errorf("%w: limit %d", ErrTooManyWords, b.MaxCapturedWords())
			}
			plan.Moves = append(plan.Moves, Move{Dst: b.Callback.IntArgs[next], Src: loc})
			next++
		}
	}
	return plan, nil
}

// String renders the plan as "rcx -> rsi" pairs for logs.
func (p *Plan) String() string {
	parts := []string{fmt.Sprintf("id -> %s", p.Arch.RegName(p.HookIDReg))}
	for _, m := range p.Moves {
		parts = append(parts, fmt.Sprintf("%s -> %s", m.Src.Format(p.Arch), p.Arch.RegName(m.Dst)))
	}
	return strings.Join(parts, ", ")
}
