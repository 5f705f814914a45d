package helpers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coral-hook/internal/config"
)

func newTestCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("log-level", "", "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Flag(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	path := writeConfig(t, "version: \"1\"\ntarget:\n  name: api-server\n")

	cfg, err := LoadConfig(newTestCmd(t, "--config", path, "--log-level", "debug"))
	require.NoError(t, err)
	assert.Equal(t, "api-server", cfg.Target.Name)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NotEmpty(t, cfg.Hooks)
}

func TestLoadConfig_Env(t *testing.T) {
	path := writeConfig(t, "version: \"1\"\ntarget:\n  pid: 99\n")
	t.Setenv(config.EnvConfigPath, path)

	assert.Empty(t, DefaultConfigPath())
	cfg, err := LoadConfig(newTestCmd(t))
	require.NoError(t, err)
	assert.Equal(t, 99, cfg.Target.PID)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")

	_, err := LoadConfig(newTestCmd(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)

	path := writeConfig(t, "version: \"1\"\n")
	_, err = LoadConfig(newTestCmd(t, "--config", path, "--log-level", "loud"))
	assert.ErrorContains(t, err, "unknown log level")

	invalid := writeConfig(t, "version: \"1\"\nobserver:\n  buffer: -1\n")
	_, err = LoadConfig(newTestCmd(t, "--config", invalid))
	require.Error(t, err)
	assert.True(t, config.IsValidation(err))
}

func TestLoadConfig_UndefinedFlags(t *testing.T) {
	path := writeConfig(t, "version: \"1\"\n")
	t.Setenv(config.EnvConfigPath, path)

	cfg, err := LoadConfig(&cobra.Command{Use: "bare"})
	require.NoError(t, err)
	assert.Equal(t, config.SchemaVersion, cfg.Version)
}
