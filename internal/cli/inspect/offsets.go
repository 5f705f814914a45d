package inspect

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/coral-hook/internal/cli/helpers"
	"github.com/coral-mesh/coral-hook/internal/config"
	"github.com/coral-mesh/coral-hook/internal/symbols"
)

type offsetRow struct {
	Struct string `header:"STRUCT" json:"struct" yaml:"struct"`
	Field  string `header:"FIELD" json:"field" yaml:"field"`
	Offset uint64 `header:"OFFSET" json:"offset" yaml:"offset"`
}

type bindingRow struct {
	Hook   string `header:"HOOK" json:"hook" yaml:"hook"`
	Role   string `header:"ROLE" json:"role" yaml:"role"`
	Field  string `header:"FIELD" json:"field" yaml:"field"`
	Word   int    `header:"WORD" json:"word" yaml:"word"`
	Offset string `header:"OFFSET" json:"offset" yaml:"offset"`
	Source string `header:"SOURCE" json:"source" yaml:"source"`
}

type offsetsReport struct {
	GoVersion  string       `json:"go_version" yaml:"go_version"`
	Constraint string       `json:"constraint,omitempty" yaml:"constraint,omitempty"`
	Offsets    []offsetRow  `json:"offsets" yaml:"offsets"`
	Bindings   []bindingRow `json:"bindings" yaml:"bindings"`
}

// NewOffsetsCmd creates the offsets command.
func NewOffsetsCmd() *cobra.Command {
	var (
		format    string
		goVersion string
	)

	cmd := &cobra.Command{
		Use:   "offsets [binary]",
		Short: "Show the field offsets used for a binary's Go version",
		Long: `Read the Go toolchain version recorded in a binary, pick the matching
entry of the offset table and show where every configured field is read.

Pass --go-version instead of a binary to query the table directly.

Examples:
  coral-hook offsets ./server
  coral-hook offsets --go-version go1.21.6 -o yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, reportFormats); err != nil {
				return err
			}
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				if goVersion, err = binaryGoVersion(cfg, args[0]); err != nil {
					return err
				}
			}
			if goVersion == "" {
				return errors.New("pass a binary or --go-version")
			}

			report, err := offsets(cfg, goVersion)
			if err != nil {
				return err
			}
			if format == string(helpers.FormatTable) {
				return printOffsets(cmd.OutOrStdout(), report)
			}
			return render(cmd.OutOrStdout(), format, report)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, reportFormats)
	cmd.Flags().StringVar(&goVersion, "go-version", "", "Go version to look up, such as go1.22.3")

	return cmd
}

func binaryGoVersion(cfg *config.Config, path string) (string, error) {
	src, err := symbols.OpenELF(path, 0, helpers.NewLogger(cfg, "offsets"))
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()
	return src.GoVersion()
}

// offsets resolves the table entry and every hook field for goVersion. A
// field without an offset is reported rather than failing the command.
func offsets(cfg *config.Config, goVersion string) (*offsetsReport, error) {
	table, err := config.CompileOffsets(cfg.Offsets)
	if err != nil {
		return nil, err
	}
	r := &offsetsReport{GoVersion: goVersion}

	entry, err := table.Entry(goVersion)
	switch {
	case err == nil:
		r.Constraint = entry.GoVersion
		for name, fields := range entry.Structs {
			for field, off := range fields {
				r.Offsets = append(r.Offsets, offsetRow{Struct: name, Field: field, Offset: off})
			}
		}
		sort.Slice(r.Offsets, func(i, j int) bool {
			if r.Offsets[i].Struct != r.Offsets[j].Struct {
				return r.Offsets[i].Struct < r.Offsets[j].Struct
			}
			return r.Offsets[i].Offset < r.Offsets[j].Offset
		})
	case errors.Is(err, config.ErrNoOffsets):
	default:
		return nil, err
	}

	for _, h := range cfg.Hooks {
		for _, f := range h.Fields {
			row := bindingRow{
				Hook:   h.Name,
				Role:   f.Role,
				Field:  f.Struct + "." + f.Field,
				Word:   f.Word,
				Source: "table",
			}
			if f.Offset != nil {
				row.Source = "override"
			}
			if off, err := table.FieldOffset(goVersion, f); err != nil {
				row.Offset = "-"
				row.Source = "missing"
			} else {
				row.Offset = fmt.Sprintf("%d", off)
			}
			r.Bindings = append(r.Bindings, row)
		}
	}
	return r, nil
}

func printOffsets(w io.Writer, r *offsetsReport) error {
	if r.Constraint == "" {
		fmt.Fprintf(w, "Go version %s matches no offset entry\n\n", r.GoVersion)
	} else {
		fmt.Fprintf(w, "Go version %s matches %q\n\n", r.GoVersion, r.Constraint)
		if err := render(w, string(helpers.FormatTable), r.Offsets); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	return render(w, string(helpers.FormatTable), r.Bindings)
}
