package helpers

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/coral-mesh/coral-hook/internal/config"
	"github.com/coral-mesh/coral-hook/internal/logging"
	"github.com/coral-mesh/coral-hook/internal/privilege"
)

// LoadConfig loads the file named by the persistent --config flag, then
// CORAL_HOOK_CONFIG, then the invoking user's config file if it exists,
// and applies --log-level over it.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		if !logging.ValidLevel(level) {
			return nil, fmt.Errorf("unknown log level %q", level)
		}
		cfg.Log.Level = level
	}
	return cfg, nil
}

// DefaultConfigPath returns the user's config file when no other source
// names one and it exists, or "".
func DefaultConfigPath() string {
	if os.Getenv(config.EnvConfigPath) != "" {
		return ""
	}
	path, err := privilege.ConfigPath()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// NewLogger builds a command logger. Logs always go to stderr so that
// stdout stays free for events and tables. Pretty output is only used on
// a terminal.
func NewLogger(cfg *config.Config, component string) zerolog.Logger {
	return logging.NewWithComponent(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty && term.IsTerminal(int(os.Stderr.Fd())),
		Output: os.Stderr,
	}, component)
}
