package trampoline

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/coral-mesh/coral-hook/internal/arch"
)

// Line is one disassembled instruction.
type Line struct {
	Addr  uint64
	Bytes []byte
	Text  string
}

func (l Line) String() string {
	return fmt.Sprintf("%#x  % -24x  %s", l.Addr, l.Bytes, l.Text)
}

// Disassemble decodes code placed at base. Bytes that do not decode, such
// as the literal after an arm64 jump, are shown as data.
func Disassemble(a arch.Arch, base uint64, code []byte) ([]Line, error) {
	var out []Line
	switch a {
	case arch.AMD64:
		for off := 0; off < len(code); {
			pc := base + uint64(off)
			inst, err := x86asm.Decode(code[off:], 64)
			if err != nil {
				out = append(out, Line{Addr: pc, Bytes: code[off : off+1], Text: fmt.Sprintf(".byte %#x", code[off])})
				off++
				continue
			}
			out = append(out, Line{Addr: pc, Bytes: code[off : off+inst.Len], Text: x86asm.IntelSyntax(inst, pc, nil)})
			off += inst.Len
		}
	case arch.ARM64:
		for off := 0; off+4 <= len(code); off += 4 {
			pc := base + uint64(off)
			raw := code[off : off+4]
			text := fmt.Sprintf(".word %#08x", binary.LittleEndian.Uint32(raw))
			if inst, err := arm64asm.Decode(raw); err == nil {
				text = strings.ToLower(arm64asm.GNUSyntax(inst))
			}
			out = append(out, Line{Addr: pc, Bytes: raw, Text: text})
		}
	default:
		return nil, fmt.Errorf("%w: %q", arch.ErrUnsupportedArch, a)
	}
	return out, nil
}

// Listing is Disassemble rendered one instruction per line.
func (img *Image) Listing() (string, error) {
	lines, err := Disassemble(img.Arch, img.Base, img.Code)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l.String())
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
