package engine

import (
	"fmt"
	"sync/atomic"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/config"
	"github.com/coral-mesh/coral-hook/internal/gostring"
	"github.com/coral-mesh/coral-hook/internal/patch"
	"github.com/coral-mesh/coral-hook/internal/symbols"
	"github.com/coral-mesh/coral-hook/internal/trampoline"
)

// Hook is one installed interception.
type Hook struct {
	ID     uint64
	Name   string
	Config config.HookConfig
	Symbol symbols.Symbol
	Plan   *arch.Plan
	Handle *patch.TargetHandle
	Image  *trampoline.Image

	fields []boundField
	calls  atomic.Uint64
}

// Calls is the number of dispatched invocations.
func (h *Hook) Calls() uint64 { return h.calls.Load() }

// boundField is a FieldConfig with its offset resolved for the target.
type boundField struct {
	role  string
	word  int
	field gostring.Field
	def   string
}

// bindFields resolves every field offset against the target's Go version.
func bindFields(hc config.HookConfig, offsets *config.OffsetTable, goVersion string) ([]boundField, error) {
	out := make([]boundField, 0, len(hc.Fields))
	for _, f := range hc.Fields {
		off, err := offsets.FieldOffset(goVersion, f)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Role, err)
		}
		out = append(out, boundField{
			role: f.Role,
			word: f.Word,
			field: gostring.Field{
				Name:   f.Role,
				Offset: off,
				MaxLen: f.MaxLen,
			},
			def: f.Default,
		})
	}
	return out, nil
}
