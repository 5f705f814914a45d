// Package config implements the 'coral-hook config' command family.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/coral-hook/internal/cli/helpers"
	"github.com/coral-mesh/coral-hook/internal/config"
	"github.com/coral-mesh/coral-hook/internal/privilege"
)

// NewConfigCmd creates the config command and its subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage coral-hook configuration",
		Long: `Manage coral-hook configuration.

Configuration Priority:
  1. --config flag (highest)
  2. CORAL_HOOK_CONFIG environment variable
  3. User config (~/.config/coral-hook/config.yaml)
  4. Built-in defaults

CORAL_HOOK_* environment variables override individual settings of
whichever file is loaded.`,
	}

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newViewCmd())
	cmd.AddCommand(newValidateCmd())

	return cmd
}

// newInitCmd creates the 'config init' command.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a file",
		Long: `Write the built-in defaults, including the default hooks and offset
table, to a file that can then be edited.

Without a path the user config file is written.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			written, err := runInit(path, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", written)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func runInit(path string, force bool) (string, error) {
	userPath := path == ""
	if userPath {
		var err error
		if path, err = privilege.ConfigPath(); err != nil {
			return "", fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil { // nolint:gosec
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := config.Save(path, config.Default()); err != nil {
		return "", err
	}

	// Under sudo the file belongs to the invoking user.
	if userPath {
		if err := privilege.FixFileOwnership(dir); err != nil {
			return "", err
		}
	}
	if err := privilege.FixFileOwnership(path); err != nil {
		return "", err
	}
	return path, nil
}

// newViewCmd creates the 'config view' command.
func newViewCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show the effective configuration",
		Long: `Show the configuration after the file, environment overrides and
flags have been applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}
			return runView(cmd.OutOrStdout(), cfg, format)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatYAML, []helpers.OutputFormat{
		helpers.FormatYAML,
		helpers.FormatJSON,
	})

	return cmd
}

func runView(w io.Writer, cfg *config.Config, format string) error {
	formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
	if err != nil {
		return err
	}
	return formatter.Format(cfg, w)
}

type validationResult struct {
	File   string       `json:"file" yaml:"file"`
	Valid  bool         `json:"valid" yaml:"valid"`
	Errors []problemRow `json:"errors,omitempty" yaml:"errors,omitempty"`
}

type problemRow struct {
	Field string `header:"FIELD" json:"field" yaml:"field"`
	Error string `header:"ERROR" json:"error" yaml:"error"`
}

// newValidateCmd creates the 'config validate' command.
func newValidateCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate [file...]",
		Short: "Validate configuration files",
		Long: `Validate configuration files and report every problem found.

Without arguments the file coral-hook would load is validated.

Checks include:
- Hook argument kinds and captured indices
- Field roles, words and offsets
- Offset table constraints
- Session arch, jump style and callback settings`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				path, _ := cmd.Flags().GetString("config")
				if path == "" {
					path = helpers.DefaultConfigPath()
				}
				if path == "" {
					path = os.Getenv(config.EnvConfigPath)
				}
				if path == "" {
					return errors.New("no configuration file to validate")
				}
				args = []string{path}
			}

			results := runValidate(args)
			if err := outputValidate(cmd.OutOrStdout(), results, format); err != nil {
				return err
			}

			invalid := 0
			for _, r := range results {
				if !r.Valid {
					invalid++
				}
			}
			if invalid > 0 {
				return fmt.Errorf("validation failed for %d of %d files", invalid, len(results))
			}
			return nil
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, []helpers.OutputFormat{
		helpers.FormatTable,
		helpers.FormatJSON,
		helpers.FormatYAML,
	})

	return cmd
}

func runValidate(paths []string) []validationResult {
	results := make([]validationResult, 0, len(paths))
	for _, path := range paths {
		result := validationResult{File: path, Valid: true}
		if _, err := config.Load(path); err != nil {
			result.Valid = false
			result.Errors = problems(err)
		}
		results = append(results, result)
	}
	return results
}

// problems splits a validation error into one row per field. Read and
// parse failures become a single row.
func problems(err error) []problemRow {
	var mv *config.MultiValidationError
	if !errors.As(err, &mv) {
		return []problemRow{{Field: "-", Error: err.Error()}}
	}
	rows := make([]problemRow, 0, len(mv.Errors))
	for _, e := range mv.Errors {
		rows = append(rows, problemRow{Field: e.Field, Error: e.Message})
	}
	return rows
}

func outputValidate(w io.Writer, results []validationResult, format string) error {
	if format != string(helpers.FormatTable) {
		formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
		if err != nil {
			return err
		}
		return formatter.Format(results, w)
	}

	table, err := helpers.NewFormatter(helpers.FormatTable)
	if err != nil {
		return err
	}

	validCount := 0
	for _, r := range results {
		if r.Valid {
			fmt.Fprintf(w, "%s: valid\n", r.File)
			validCount++
			continue
		}
		fmt.Fprintf(w, "%s: %d problems\n", r.File, len(r.Errors))
		if err := table.Format(r.Errors, w); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\nValidation summary: %d valid, %d invalid\n", validCount, len(results)-validCount)
	return nil
}
