package inspect

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/cli/helpers"
	"github.com/coral-mesh/coral-hook/internal/config"
	"github.com/coral-mesh/coral-hook/internal/memory"
	"github.com/coral-mesh/coral-hook/internal/patch"
	"github.com/coral-mesh/coral-hook/internal/symbols"
)

type insnRow struct {
	Address     helpers.Hex `header:"ADDRESS" json:"address" yaml:"address"`
	Bytes       string      `header:"BYTES" json:"bytes" yaml:"bytes"`
	Instruction string      `header:"INSTRUCTION" json:"instruction" yaml:"instruction"`
	Reloc       string      `header:"RELOCATION" json:"relocation" yaml:"relocation"`
	Target      helpers.Hex `header:"TARGET" json:"target,omitempty" yaml:"target,omitempty"`
}

type prologueReport struct {
	Symbol      string      `json:"symbol" yaml:"symbol"`
	Address     helpers.Hex `json:"address" yaml:"address"`
	Arch        arch.Arch   `json:"arch" yaml:"arch"`
	JumpStyle   string      `json:"jump_style" yaml:"jump_style"`
	JumpLen     int         `json:"jump_len" yaml:"jump_len"`
	Displaced   int         `json:"displaced" yaml:"displaced"`
	Relocations int         `json:"relocations" yaml:"relocations"`
	Relocated   string      `json:"relocated" yaml:"relocated"`
	Insns       []insnRow   `json:"instructions" yaml:"instructions"`
}

// NewPrologueCmd creates the prologue command.
func NewPrologueCmd() *cobra.Command {
	var (
		format    string
		jumpStyle string
		loadBase  uint64
	)

	cmd := &cobra.Command{
		Use:   "prologue <binary> <symbol>",
		Short: "Analyse the patch site of a function",
		Long: `Decode the instructions at a function's entry that the patch jump would
displace, and show how each one is carried into the trampoline.

Instructions are copied unchanged unless they are PC-relative branches,
which are rewritten as absolute jumps. Calls and PC-relative data
references cannot be relocated and make the function unpatchable.

Examples:
  coral-hook prologue ./server main.HealthHandler
  coral-hook prologue ./server 'main.(*Input).LoadHandler' --jump-style direct`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, reportFormats); err != nil {
				return err
			}
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if jumpStyle == "" {
				jumpStyle = cfg.Session.JumpStyle
			}
			style, err := patch.ParseJumpStyle(jumpStyle)
			if err != nil {
				return err
			}

			report, err := analyse(cfg, args[0], args[1], loadBase, style)
			if err != nil {
				return err
			}
			if format == string(helpers.FormatTable) {
				return printPrologue(cmd.OutOrStdout(), report)
			}
			return render(cmd.OutOrStdout(), format, report)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, reportFormats)
	cmd.Flags().StringVar(&jumpStyle, "jump-style", "", "Patch jump encoding (indirect or direct, default from config)")
	addLoadBaseFlag(cmd, &loadBase)

	return cmd
}

// site is a resolved function and the image it lives in.
type site struct {
	symbol symbols.Symbol
	image  *helpers.Image
}

func locate(cfg *config.Config, path string, q symbols.Query, loadBase uint64) (*site, error) {
	logger := helpers.NewLogger(cfg, "inspect")
	src, err := symbols.OpenELF(path, loadBase, logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	sym, err := symbols.NewResolver(logger).Resolve(src, q)
	if err != nil {
		return nil, err
	}
	img, err := helpers.OpenImage(path, src.Module().Bias)
	if err != nil {
		return nil, err
	}
	return &site{symbol: sym, image: img}, nil
}

// readCode reads up to patch.MaxPatchLen bytes at addr, shrinking the
// window at the end of a segment.
func readCode(space memory.Reader, addr uint64, need int) ([]byte, error) {
	buf := make([]byte, patch.MaxPatchLen)
	for n := patch.MaxPatchLen; n >= need; n-- {
		if err := space.Read(addr, buf[:n]); err == nil {
			return buf[:n], nil
		}
	}
	return nil, fmt.Errorf("failed to read %d bytes at %#x: %w", need, addr, memory.ErrUnmapped)
}

func analyse(cfg *config.Config, path, name string, loadBase uint64, style patch.JumpStyle) (*prologueReport, error) {
	s, err := locate(cfg, path, symbols.Query{Name: name, Substring: name}, loadBase)
	if err != nil {
		return nil, err
	}
	a := s.image.Arch
	jmpLen, err := patch.JumpLen(a, style)
	if err != nil {
		return nil, err
	}
	code, err := readCode(s.image.Space, s.symbol.Address, jmpLen)
	if err != nil {
		return nil, err
	}
	if target, ok := patch.JumpTarget(a, code); ok {
		return nil, fmt.Errorf("%w: %s already jumps to %#x", patch.ErrAlreadyPatched, s.symbol.Name, target)
	}

	pro, err := patch.Analyze(a, s.symbol.Address, code, jmpLen)
	if err != nil {
		return nil, fmt.Errorf("failed to analyse %s: %w", s.symbol.Name, err)
	}
	return newPrologueReport(s.symbol, pro, style, jmpLen), nil
}

func newPrologueReport(sym symbols.Symbol, pro *patch.Prologue, style patch.JumpStyle, jmpLen int) *prologueReport {
	r := &prologueReport{
		Symbol:      sym.Name,
		Address:     helpers.Hex(sym.Address),
		Arch:        pro.Arch,
		JumpStyle:   style.String(),
		JumpLen:     jmpLen,
		Displaced:   pro.Len,
		Relocations: pro.Relocations(),
		Relocated:   hex.EncodeToString(pro.Relocated),
	}
	for _, in := range pro.Insns {
		r.Insns = append(r.Insns, insnRow{
			Address:     helpers.Hex(in.Addr),
			Bytes:       hex.EncodeToString(in.Raw),
			Instruction: in.Text,
			Reloc:       in.Reloc.String(),
			Target:      helpers.Hex(in.Target),
		})
	}
	return r
}

func printPrologue(w io.Writer, r *prologueReport) error {
	fmt.Fprintf(w, "Symbol:      %s @ %#x (%s)\n", r.Symbol, uint64(r.Address), r.Arch)
	fmt.Fprintf(w, "Jump:        %s, %d bytes\n", r.JumpStyle, r.JumpLen)
	fmt.Fprintf(w, "Displaced:   %d bytes, %d relocated\n\n", r.Displaced, r.Relocations)
	return render(w, string(helpers.FormatTable), r.Insns)
}
