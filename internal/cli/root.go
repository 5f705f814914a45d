package cli

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/coral-hook/internal/cli/attach"
	"github.com/coral-mesh/coral-hook/internal/cli/config"
	"github.com/coral-mesh/coral-hook/internal/cli/inspect"
	"github.com/coral-mesh/coral-hook/pkg/version"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coral-hook",
		Short: "coral-hook - live function hooks for running Go processes",
		Long: `Instrument a running Go binary without restarting or recompiling it.

coral-hook attaches to a process, resolves the configured functions in its
symbol table, overwrites their entry with a jump to a generated trampoline
and reports every intercepted request as a span. Detaching restores the
original code.

Key capabilities:
- Attach by pid, process name or listening port
- Per-hook argument capture following the Go register ABI
- Struct field reads driven by a Go-version offset table
- JSON lines and OTLP span export
- Offline inspection of symbols, prologues and trampolines`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Config file (default: $CORAL_HOOK_CONFIG or ~/.config/coral-hook/config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn, error")

	cmd.AddCommand(attach.NewAttachCmd())
	cmd.AddCommand(inspect.NewResolveCmd())
	cmd.AddCommand(inspect.NewPrologueCmd())
	cmd.AddCommand(inspect.NewCompileCmd())
	cmd.AddCommand(inspect.NewOffsetsCmd())
	cmd.AddCommand(config.NewConfigCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			cmd.Printf("coral-hook version %s\n", info.Short())
			cmd.Printf("Git commit: %s\n", info.GitCommit)
			cmd.Printf("Build date: %s\n", info.BuildDate)
			cmd.Printf("Go version: %s\n", info.GoVersion)
		},
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
