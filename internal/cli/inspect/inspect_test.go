package inspect

import (
	"bytes"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/config"
	"github.com/coral-mesh/coral-hook/internal/patch"
	"github.com/coral-mesh/coral-hook/internal/symbols"
	"github.com/coral-mesh/coral-hook/internal/trampoline"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Log.Pretty = false
	cfg.Session.StackSlots = 4
	cfg.Session.StackSize = trampoline.MinStackSize
	return cfg
}

func TestQueries(t *testing.T) {
	cfg := testConfig()

	qs := queries(cfg, nil, "", symbols.KindAny)
	require.Len(t, qs, len(cfg.Hooks))
	assert.Equal(t, cfg.Hooks[1].Symbol, qs[1].Name)
	assert.Equal(t, symbols.KindFunction, qs[1].Kind)

	qs = queries(cfg, nil, "ServeHTTP", symbols.KindMethod)
	assert.Equal(t, []symbols.Query{{Substring: "ServeHTTP", Kind: symbols.KindMethod}}, qs)

	qs = queries(cfg, []string{"main.a", "main.b"}, "", symbols.KindAny)
	assert.Equal(t, []symbols.Query{{Name: "main.a"}, {Name: "main.b"}}, qs)
}

func TestResolve_TestBinary(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test binary is not ELF")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	qs := []symbols.Query{
		{Name: "runtime.main"},
		{Name: "main.coralHookNoSuchFunction"},
	}
	rows, missing, err := resolve(testConfig(), exe, 0, qs, true)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, missing)

	assert.Equal(t, "runtime.main", rows[0].Symbol)
	assert.NotZero(t, rows[0].Address)
	assert.NotEmpty(t, rows[0].Strategy)
	assert.Empty(t, rows[0].Error)

	assert.Contains(t, rows[1].Strategy, "tried")
	assert.Contains(t, rows[1].Error, "not found")
}

func TestNewPrologueReport(t *testing.T) {
	for _, a := range arch.Supported() {
		t.Run(string(a), func(t *testing.T) {
			jmpLen, err := patch.JumpLen(a, patch.JumpIndirect)
			require.NoError(t, err)
			pro, err := patch.Analyze(a, syntheticSite, goEntry(a), jmpLen)
			require.NoError(t, err)

			sym := symbols.Symbol{Name: "main.HealthHandler", Address: syntheticSite}
			r := newPrologueReport(sym, pro, patch.JumpIndirect, jmpLen)
			assert.Equal(t, len(goEntry(a)), r.Displaced)
			assert.Equal(t, 1, r.Relocations)
			assert.Len(t, r.Insns, len(pro.Insns))
			assert.Equal(t, "copy", r.Insns[0].Reloc)
			branches := 0
			for _, in := range r.Insns {
				if in.Reloc == "cond-branch" {
					branches++
				}
			}
			assert.Equal(t, 1, branches)

			var buf bytes.Buffer
			require.NoError(t, printPrologue(&buf, r))
			assert.Contains(t, buf.String(), "main.HealthHandler")
			assert.Contains(t, buf.String(), "RELOCATION")
		})
	}
}

func TestPickHook(t *testing.T) {
	cfg := testConfig()

	hc, err := pickHook(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Hooks[0].Name, hc.Name)

	hc, err = pickHook(cfg, []string{"ServeHTTP"})
	require.NoError(t, err)
	assert.True(t, hc.Fallback)

	_, err = pickHook(cfg, []string{"Nope"})
	assert.Error(t, err)
}

func TestBuild_SimulateDefaultHooks(t *testing.T) {
	cfg := testConfig()
	for _, a := range arch.Supported() {
		for _, hc := range cfg.Hooks {
			t.Run(string(a)+"/"+hc.Name, func(t *testing.T) {
				c, err := build(cfg, hc, a, patch.JumpIndirect, syntheticSite, goEntry(a))
				require.NoError(t, err)

				report, err := c.report(syntheticSite)
				require.NoError(t, err)
				assert.NotEmpty(t, report.Listing)
				assert.Equal(t, len(c.image.Code), report.Size)

				sim, err := c.simulate()
				require.NoError(t, err)
				assert.True(t, sim.OK(), "simulation: %+v", sim)
				assert.Equal(t, uint64(simHookID), sim.HookID)
				require.Len(t, sim.Words, c.plan.Words())
				assert.Equal(t, uint64(syntheticSite+len(goEntry(a))), uint64(sim.Resume))
			})
		}
	}
}

func TestBuild_SimulateStackArgument(t *testing.T) {
	// Five strings exhaust the amd64 argument registers; nine exhaust
	// arm64's.
	strs := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = "string"
		}
		return out
	}
	tests := []struct {
		arch arch.Arch
		args []string
		idx  int
	}{
		{arch.AMD64, strs(5), 4},
		{arch.ARM64, strs(9), 8},
	}

	cfg := testConfig()
	for _, tt := range tests {
		t.Run(string(tt.arch), func(t *testing.T) {
			hc := config.HookConfig{Name: "Spill", Symbol: "main.Spill", Args: tt.args, Capture: []int{tt.idx}}
			c, err := build(cfg, hc, tt.arch, patch.JumpIndirect, syntheticSite, goEntry(tt.arch))
			require.NoError(t, err)

			sim, err := c.simulate()
			require.NoError(t, err)
			require.Len(t, sim.Words, 2)
			assert.Contains(t, sim.Words[0].Source, "[sp+")
			assert.True(t, sim.OK(), "simulation: %+v", sim)
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	cfg := testConfig()
	hc := cfg.Hooks[0]

	_, err := build(cfg, hc, arch.AMD64, patch.JumpIndirect, syntheticSite, []byte{0xC3})
	assert.ErrorIs(t, err, patch.ErrPrologueTooShort)

	bad := hc
	bad.Capture = []int{7}
	_, err = build(cfg, bad, arch.AMD64, patch.JumpIndirect, syntheticSite, goEntry(arch.AMD64))
	assert.ErrorIs(t, err, arch.ErrCaptureRange)

	_, err = build(cfg, hc, arch.Arch("riscv64"), patch.JumpIndirect, syntheticSite, goEntry(arch.AMD64))
	assert.ErrorIs(t, err, arch.ErrUnsupportedArch)
}

func TestOffsets(t *testing.T) {
	cfg := testConfig()

	r, err := offsets(cfg, "go1.22.3")
	require.NoError(t, err)
	assert.Equal(t, ">= 1.13", r.Constraint)
	assert.Equal(t, []offsetRow{
		{Struct: "net/http.Request", Field: "Method", Offset: 0},
		{Struct: "net/http.Request", Field: "RequestURI", Offset: 192},
	}, r.Offsets)
	require.NotEmpty(t, r.Bindings)
	for _, b := range r.Bindings {
		assert.Equal(t, "table", b.Source)
	}

	var buf bytes.Buffer
	require.NoError(t, printOffsets(&buf, r))
	assert.Contains(t, buf.String(), `matches ">= 1.13"`)
}

func TestOffsets_NoEntry(t *testing.T) {
	cfg := testConfig()
	override := uint64(8)
	cfg.Hooks[0].Fields[0].Offset = &override

	r, err := offsets(cfg, "go1.12")
	require.NoError(t, err)
	assert.Empty(t, r.Constraint)
	assert.Empty(t, r.Offsets)
	assert.Equal(t, "override", r.Bindings[0].Source)
	assert.Equal(t, "8", r.Bindings[0].Offset)
	assert.Equal(t, "missing", r.Bindings[1].Source)

	_, err = offsets(cfg, "not-a-version")
	assert.Error(t, err)
}
