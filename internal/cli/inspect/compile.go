package inspect

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/cli/helpers"
	"github.com/coral-mesh/coral-hook/internal/config"
	"github.com/coral-mesh/coral-hook/internal/memory"
	"github.com/coral-mesh/coral-hook/internal/patch"
	"github.com/coral-mesh/coral-hook/internal/trampoline"
)

// Where the synthetic target lives when no binary is given.
const (
	syntheticSite     = 0x401000
	syntheticCallback = 0x5000_0000
	simHookID         = 1

	simStackBase = 0xc000_000000
	simStackSize = 0x10000
	simEntrySP   = simStackBase + 0x8000
	simMaxSlots  = 2
)

// Canonical Go function entries: the stack bound check, then the frame
// setup.
var (
	goEntryX86 = []byte{
		0x49, 0x3B, 0x66, 0x10, // cmp rsp, [r14+0x10]
		0x76, 0x30, // jbe morestack
		0x55,             // push rbp
		0x48, 0x89, 0xE5, // mov rbp, rsp
		0x48, 0x83, 0xEC, 0x20, // sub rsp, 0x20
	}
	goEntryA64 = le32(
		0xF9400B90, // ldr x16, [x28, #16]
		0xEB3063FF, // cmp sp, x16
		0x54000409, // b.ls morestack
		0xF81E0FFE, // str x30, [sp, #-32]!
	)
)

func le32(words ...uint32) []byte {
	var out []byte
	for _, w := range words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}

func goEntry(a arch.Arch) []byte {
	if a == arch.ARM64 {
		return goEntryA64
	}
	return goEntryX86
}

// compiled is a trampoline committed to a sparse space with everything
// needed to run it.
type compiled struct {
	hook     config.HookConfig
	bridge   *arch.Bridge
	plan     *arch.Plan
	prologue *patch.Prologue
	space    *memory.Sparse
	pool     *trampoline.StackPool
	image    *trampoline.Image
	callback uint64
}

type capturedRow struct {
	Word     int         `header:"WORD" json:"word" yaml:"word"`
	Source   string      `header:"SOURCE" json:"source" yaml:"source"`
	Register string      `header:"REGISTER" json:"register" yaml:"register"`
	Want     helpers.Hex `header:"AT ENTRY" json:"at_entry" yaml:"at_entry"`
	Got      helpers.Hex `header:"CAPTURED" json:"captured" yaml:"captured"`
	OK       bool        `header:"OK" json:"ok" yaml:"ok"`
}

type simReport struct {
	HookID   uint64        `json:"hook_id" yaml:"hook_id"`
	Calls    int           `json:"calls" yaml:"calls"`
	Steps    int           `json:"steps" yaml:"steps"`
	Resume   helpers.Hex   `json:"resume" yaml:"resume"`
	Expected helpers.Hex   `json:"expected_resume" yaml:"expected_resume"`
	Words    []capturedRow `json:"words" yaml:"words"`
}

// OK reports whether the pass captured every word and resumes correctly.
func (r *simReport) OK() bool {
	if r.HookID != simHookID || r.Calls != 1 || r.Resume != r.Expected {
		return false
	}
	for _, w := range r.Words {
		if !w.OK {
			return false
		}
	}
	return true
}

type compileReport struct {
	Hook     string      `json:"hook" yaml:"hook"`
	Arch     arch.Arch   `json:"arch" yaml:"arch"`
	Site     helpers.Hex `json:"site" yaml:"site"`
	Plan     string      `json:"plan" yaml:"plan"`
	Base     helpers.Hex `json:"base" yaml:"base"`
	Size     int         `json:"size" yaml:"size"`
	Listing  []string    `json:"listing" yaml:"listing"`
	Simulate *simReport  `json:"simulation,omitempty" yaml:"simulation,omitempty"`
}

// NewCompileCmd creates the compile command.
func NewCompileCmd() *cobra.Command {
	var (
		format   string
		archName string
		binary   string
		loadBase uint64
		simulate bool
	)

	cmd := &cobra.Command{
		Use:   "compile [hook]",
		Short: "Emit and disassemble a hook's trampoline",
		Long: `Compile the trampoline for a configured hook and print its disassembly.

Without --binary the trampoline is built for a canonical Go function entry
at a synthetic address. With --binary the hook's symbol is resolved and
its real prologue is relocated.

--simulate runs the code in the instruction simulator with recognisable
register values and reports the words the callback received.

Examples:
  coral-hook compile HealthHandler --arch arm64
  coral-hook compile --simulate
  coral-hook compile ServeHTTP --binary ./server --simulate -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, reportFormats); err != nil {
				return err
			}
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}
			hc, err := pickHook(cfg, args)
			if err != nil {
				return err
			}
			style, err := patch.ParseJumpStyle(cfg.Session.JumpStyle)
			if err != nil {
				return err
			}

			var (
				a    arch.Arch
				addr uint64 = syntheticSite
				code []byte
			)
			if binary != "" {
				s, err := locate(cfg, binary, hc.Query(), loadBase)
				if err != nil {
					return err
				}
				a, addr = s.image.Arch, s.symbol.Address
				if code, err = readCode(s.image.Space, addr, 1); err != nil {
					return err
				}
			} else {
				if a, err = arch.Parse(archName); err != nil {
					return err
				}
				code = goEntry(a)
			}

			c, err := build(cfg, hc, a, style, addr, code)
			if err != nil {
				return err
			}
			report, err := c.report(addr)
			if err != nil {
				return err
			}
			if simulate {
				if report.Simulate, err = c.simulate(); err != nil {
					return err
				}
			}

			if format == string(helpers.FormatTable) {
				if err := printCompile(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else if err := render(cmd.OutOrStdout(), format, report); err != nil {
				return err
			}
			if report.Simulate != nil && !report.Simulate.OK() {
				return fmt.Errorf("simulation of %s did not capture the expected words", hc.Name)
			}
			return nil
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, reportFormats)
	helpers.AddArchFlag(cmd, &archName)
	cmd.Flags().StringVar(&binary, "binary", "", "Relocate the hook's real prologue from this binary")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "Run the trampoline in the instruction simulator")
	addLoadBaseFlag(cmd, &loadBase)
	cmd.MarkFlagsMutuallyExclusive("arch", "binary")

	return cmd
}

// pickHook returns the named hook, or the first hook when no name is
// given.
func pickHook(cfg *config.Config, args []string) (config.HookConfig, error) {
	if len(args) == 0 {
		return cfg.Hooks[0], nil
	}
	for _, h := range cfg.Hooks {
		if h.Name == args[0] {
			return h, nil
		}
	}
	return config.HookConfig{}, fmt.Errorf("no hook named %q in the configuration", args[0])
}

// build compiles hc's trampoline for a function at addr whose entry bytes
// are code, and commits it to a fresh sparse space.
func build(cfg *config.Config, hc config.HookConfig, a arch.Arch, style patch.JumpStyle, addr uint64, code []byte) (*compiled, error) {
	bridge, err := arch.Lookup(a)
	if err != nil {
		return nil, err
	}
	kinds, err := hc.ArgKinds()
	if err != nil {
		return nil, err
	}
	plan, err := bridge.Plan(kinds, hc.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to plan %s: %w", hc.Name, err)
	}

	jmpLen, err := patch.JumpLen(a, style)
	if err != nil {
		return nil, err
	}
	pro, err := patch.Analyze(a, addr, code, jmpLen)
	if err != nil {
		return nil, fmt.Errorf("failed to analyse %s: %w", hc.Name, err)
	}

	space := memory.NewSparse()
	if err := space.Map(simStackBase, make([]byte, simStackSize), memory.ProtRW); err != nil {
		return nil, err
	}
	pool, err := trampoline.NewStackPool(space, min(cfg.Session.StackSlots, simMaxSlots), cfg.Session.StackSize)
	if err != nil {
		return nil, err
	}

	callback := uint64(syntheticCallback)
	if cfg.Session.CallbackMode == config.CallbackAddress && cfg.Session.CallbackAddress != 0 {
		callback = cfg.Session.CallbackAddress
	}
	img, err := trampoline.Compile(trampoline.Request{
		Arch:      a,
		Plan:      plan,
		HookID:    simHookID,
		Callback:  callback,
		SlotTable: pool.Table.Base,
		Displaced: pro.Relocated,
		Resume:    addr + uint64(pro.Len),
	})
	if err != nil {
		return nil, err
	}
	if err := img.Commit(space); err != nil {
		return nil, err
	}

	return &compiled{
		hook:     hc,
		bridge:   bridge,
		plan:     plan,
		prologue: pro,
		space:    space,
		pool:     pool,
		image:    img,
		callback: callback,
	}, nil
}

func (c *compiled) report(site uint64) (*compileReport, error) {
	lines, err := trampoline.Disassemble(c.image.Arch, c.image.Base, c.image.Code)
	if err != nil {
		return nil, err
	}
	r := &compileReport{
		Hook: c.hook.Name,
		Arch: c.image.Arch,
		Site: helpers.Hex(site),
		Plan: c.plan.String(),
		Base: helpers.Hex(c.image.Base),
		Size: len(c.image.Code),
	}
	for _, l := range lines {
		r.Listing = append(r.Listing, l.String())
	}
	return r, nil
}

// entryValue is the recognisable value a register or stack word holds at
// function entry during simulation.
func entryValue(loc arch.Location) uint64 {
	if loc.InRegister {
		return 0x1000 + uint64(loc.Reg)*0x111
	}
	return 0x5000 + uint64(loc.StackOffset)
}

func (c *compiled) simulate() (*simReport, error) {
	cpu := &trampoline.CPU{SP: simEntrySP, Flags: 0x202}
	for i := range cpu.Regs {
		cpu.Regs[i] = entryValue(arch.Location{InRegister: true, Reg: arch.Reg(i)})
	}
	for _, m := range c.plan.Moves {
		if m.Src.InRegister {
			continue
		}
		if err := memory.WriteUint64(c.space, simEntrySP+uint64(m.Src.StackOffset), entryValue(m.Src)); err != nil {
			return nil, err
		}
	}

	var args []uint64
	res, err := trampoline.Simulate(c.image, c.space, cpu, c.callback, func(cpu *trampoline.CPU) {
		args = cpu.CallbackArgs(c.bridge)
	})
	if err != nil {
		return nil, fmt.Errorf("simulation failed: %w", err)
	}

	r := &simReport{
		Calls:    res.Calls,
		Steps:    res.Steps,
		Resume:   helpers.Hex(res.Resume),
		Expected: helpers.Hex(c.image.Resume),
	}
	if len(args) == 0 {
		return r, nil
	}
	r.HookID = args[0]
	for i, m := range c.plan.Moves {
		want := entryValue(m.Src)
		got := args[i+1]
		r.Words = append(r.Words, capturedRow{
			Word:     i,
			Source:   m.Src.Format(c.image.Arch),
			Register: c.image.Arch.RegName(m.Dst),
			Want:     helpers.Hex(want),
			Got:      helpers.Hex(got),
			OK:       want == got,
		})
	}
	return r, nil
}

func printCompile(w io.Writer, r *compileReport) error {
	fmt.Fprintf(w, "Hook:     %s (%s)\n", r.Hook, r.Arch)
	fmt.Fprintf(w, "Site:     %#x\n", uint64(r.Site))
	fmt.Fprintf(w, "Plan:     %s\n", r.Plan)
	fmt.Fprintf(w, "Image:    %#x, %d bytes\n\n", uint64(r.Base), r.Size)
	for _, l := range r.Listing {
		fmt.Fprintln(w, l)
	}

	sim := r.Simulate
	if sim == nil {
		return nil
	}
	fmt.Fprintf(w, "\nSimulation: %d steps, %d callback calls, hook id %d\n", sim.Steps, sim.Calls, sim.HookID)
	fmt.Fprintf(w, "Resume:     %#x (expected %#x)\n\n", uint64(sim.Resume), uint64(sim.Expected))
	return render(w, string(helpers.FormatTable), sim.Words)
}
