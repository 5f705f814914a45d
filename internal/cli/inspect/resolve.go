package inspect

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/coral-hook/internal/cli/helpers"
	"github.com/coral-mesh/coral-hook/internal/config"
	"github.com/coral-mesh/coral-hook/internal/symbols"
)

type resolveRow struct {
	Query    string      `header:"QUERY" json:"query" yaml:"query"`
	Symbol   string      `header:"SYMBOL" json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Address  helpers.Hex `header:"ADDRESS" json:"address" yaml:"address"`
	Size     uint64      `header:"SIZE" json:"size" yaml:"size"`
	Kind     string      `header:"KIND" json:"kind,omitempty" yaml:"kind,omitempty"`
	Strategy string      `header:"STRATEGY" json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Error    string      `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewResolveCmd creates the resolve command.
func NewResolveCmd() *cobra.Command {
	var (
		format    string
		substring string
		kind      string
		loadBase  uint64
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "resolve <binary> [symbol...]",
		Short: "Resolve function names in a binary",
		Long: `Run the symbol resolution strategies against a binary and show which one
matched each name.

Strategies are tried in order: exact match in the debug information, exact
match in the exported symbols, then enumeration of every function symbol
preferring exact over substring matches.

With no symbols the queries of the configured hooks are resolved.

Examples:
  coral-hook resolve ./server main.HealthHandler
  coral-hook resolve ./server --substring ServeHTTP --kind method
  coral-hook resolve ./server -o json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, tableFormats); err != nil {
				return err
			}
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}
			k, err := symbols.ParseKind(kind)
			if err != nil {
				return err
			}

			qs := queries(cfg, args[1:], substring, k)
			rows, missing, err := resolve(cfg, args[0], loadBase, qs, verbose)
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), format, rows); err != nil {
				return err
			}
			if missing > 0 {
				return fmt.Errorf("%d of %d queries did not resolve", missing, len(qs))
			}
			return nil
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, tableFormats)
	helpers.AddVerboseFlag(cmd, &verbose)
	cmd.Flags().StringVar(&substring, "substring", "", "Also match names containing this pattern")
	cmd.Flags().StringVar(&kind, "kind", "", "Restrict matches to function or method")
	addLoadBaseFlag(cmd, &loadBase)

	return cmd
}

// queries builds one query per name, or one per configured hook when no
// name or substring is given.
func queries(cfg *config.Config, names []string, substring string, k symbols.Kind) []symbols.Query {
	if len(names) == 0 && substring == "" {
		qs := make([]symbols.Query, len(cfg.Hooks))
		for i, h := range cfg.Hooks {
			qs[i] = h.Query()
		}
		return qs
	}
	if len(names) == 0 {
		return []symbols.Query{{Substring: substring, Kind: k}}
	}
	qs := make([]symbols.Query, len(names))
	for i, n := range names {
		qs[i] = symbols.Query{Name: n, Substring: substring, Kind: k}
	}
	return qs
}

func resolve(cfg *config.Config, path string, loadBase uint64, qs []symbols.Query, verbose bool) ([]resolveRow, int, error) {
	logger := helpers.NewLogger(cfg, "resolve")
	src, err := symbols.OpenELF(path, loadBase, logger)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = src.Close() }()

	resolver := symbols.NewResolver(logger)
	results := resolver.ResolveAll(src, qs)

	rows := make([]resolveRow, 0, len(results))
	missing := 0
	for _, r := range results {
		row := resolveRow{Query: r.Query.String()}
		if !r.Found() {
			missing++
			row.Strategy = "-"
			if verbose {
				row.Strategy = "tried " + strings.Join(resolver.Strategies(), ",")
			}
			row.Error = r.Err.Error()
			rows = append(rows, row)
			continue
		}
		row.Symbol = r.Symbol.Name
		row.Address = helpers.Hex(r.Symbol.Address)
		row.Size = r.Symbol.Size
		row.Kind = r.Symbol.Kind.String()
		row.Strategy = r.Symbol.Strategy
		rows = append(rows, row)
	}
	return rows, missing, nil
}
