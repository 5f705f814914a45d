// Package patch rewrites the entry of a function with an absolute jump to
// its trampoline and puts the original bytes back on teardown.
package patch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/coral-mesh/coral-hook/internal/arch"
)

// JumpStyle selects the absolute jump encoding.
type JumpStyle int

const (
	// JumpIndirect loads the target into a scratch register and branches
	// through it: movabs r12 / jmp r12 on amd64, ldr x16 / br x16 on arm64.
	JumpIndirect JumpStyle = iota
	// JumpPushRet pushes the target and returns into it. amd64 only; it
	// leaves every register untouched.
	JumpPushRet
)

func (s JumpStyle) String() string {
	if s == JumpPushRet {
		return "push-ret"
	}
	return "indirect"
}

// ParseJumpStyle accepts "indirect", "push-ret" or "".
func ParseJumpStyle(s string) (JumpStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "indirect":
		return JumpIndirect, nil
	case "push-ret", "pushret":
		return JumpPushRet, nil
	}
	return JumpIndirect, fmt.Errorf("unknown jump style %q", s)
}

var (
	x86IndirectHead = []byte{0x49, 0xBC}       // movabs r12, imm64
	x86IndirectTail = []byte{0x41, 0xFF, 0xE4} // jmp r12

	a64IndirectHead = []byte{
		0x50, 0x00, 0x00, 0x58, // ldr x16, #8
		0x00, 0x02, 0x1F, 0xD6, // br x16
	}
)

// JumpLen is the encoded size of an absolute jump.
func JumpLen(a arch.Arch, style JumpStyle) (int, error) {
	switch {
	case a == arch.AMD64 && style == JumpIndirect:
		return 13, nil
	case a == arch.AMD64 && style == JumpPushRet:
		return 14, nil
	case a == arch.ARM64 && style == JumpIndirect:
		return 16, nil
	case a == arch.ARM64:
		return 0, fmt.Errorf("jump style %s is not available on arm64", style)
	}
	return 0, fmt.Errorf("%w: %q", arch.ErrUnsupportedArch, a)
}

// EncodeJump returns the absolute jump to target.
func EncodeJump(a arch.Arch, target uint64, style JumpStyle) ([]byte, error) {
	if _, err := JumpLen(a, style); err != nil {
		return nil, err
	}
	switch a {
	case arch.AMD64:
		if style == JumpPushRet {
			// push imm32 sign-extends; the high half is then overwritten.
			out := []byte{0x68}
			out = binary.LittleEndian.AppendUint32(out, uint32(target))
			out = append(out, 0xC7, 0x44, 0x24, 0x04)
			out = binary.LittleEndian.AppendUint32(out, uint32(target>>32))
			return append(out, 0xC3), nil
		}
		out := append([]byte{}, x86IndirectHead...)
		out = binary.LittleEndian.AppendUint64(out, target)
		return append(out, x86IndirectTail...), nil
	default:
		out := append([]byte{}, a64IndirectHead...)
		return binary.LittleEndian.AppendUint64(out, target), nil
	}
}

// JumpTarget decodes code that starts with one of the jumps EncodeJump
// produces.
func JumpTarget(a arch.Arch, code []byte) (uint64, bool) {
	switch a {
	case arch.AMD64:
		if len(code) >= 13 && bytes.HasPrefix(code, x86IndirectHead) && bytes.Equal(code[10:13], x86IndirectTail) {
			return binary.LittleEndian.Uint64(code[2:10]), true
		}
		if len(code) >= 14 && code[0] == 0x68 && bytes.Equal(code[5:9], []byte{0xC7, 0x44, 0x24, 0x04}) && code[13] == 0xC3 {
			lo := binary.LittleEndian.Uint32(code[1:5])
			hi := binary.LittleEndian.Uint32(code[9:13])
			return uint64(hi)<<32 | uint64(lo), true
		}
	case arch.ARM64:
		if len(code) >= 16 && bytes.HasPrefix(code, a64IndirectHead) {
			return binary.LittleEndian.Uint64(code[8:16]), true
		}
	}
	return 0, false
}

// IsJump reports whether code already begins with an absolute jump.
func IsJump(a arch.Arch, code []byte) bool {
	_, ok := JumpTarget(a, code)
	return ok
}
