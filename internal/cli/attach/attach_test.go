package attach

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coral-hook/internal/config"
	"github.com/coral-mesh/coral-hook/internal/observer"
)

func TestOptionsApply(t *testing.T) {
	tests := []struct {
		name     string
		opts     options
		base     config.TargetConfig
		wantPID  int
		wantName string
	}{
		{
			name:     "pid flag replaces configured name",
			opts:     options{pid: 42},
			base:     config.TargetConfig{Name: "api"},
			wantPID:  42,
			wantName: "",
		},
		{
			name:     "name flag replaces configured pid",
			opts:     options{name: "worker"},
			base:     config.TargetConfig{PID: 7},
			wantPID:  0,
			wantName: "worker",
		},
		{
			name:     "no flags keep the configuration",
			base:     config.TargetConfig{PID: 7},
			wantPID:  7,
			wantName: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Target.PID = tt.base.PID
			cfg.Target.Name = tt.base.Name

			tt.opts.apply(cfg)
			assert.Equal(t, tt.wantPID, cfg.Target.PID)
			assert.Equal(t, tt.wantName, cfg.Target.Name)
		})
	}
}

func TestOptionsApply_Observer(t *testing.T) {
	cfg := config.Default()
	opts := options{otlp: "collector:4317", output: "none"}
	opts.apply(cfg)

	assert.Equal(t, "collector:4317", cfg.Observer.OTLP.Endpoint)
	assert.Equal(t, "none", cfg.Observer.Output)
}

func TestResolvePID(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Target.PID = 1234
	pid, err := resolvePID(ctx, cfg, 0)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	_, err = resolvePID(ctx, config.Default(), 0)
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Target.Name = "coral-hook-no-such-process"
	cfg.Target.WaitAttempts = 1
	cfg.Target.WaitInterval = time.Millisecond
	_, err = resolvePID(ctx, cfg, 0)
	assert.Error(t, err)
}

func TestOpenOutput(t *testing.T) {
	w, c, err := openOutput("stdout")
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)
	assert.Nil(t, c)

	w, c, err = openOutput("none")
	require.NoError(t, err)
	assert.Nil(t, w)
	assert.Nil(t, c)

	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, c, err = openOutput(path)
	require.NoError(t, err)
	require.NotNil(t, c)
	_, err = w.Write([]byte("{}\n"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))

	_, _, err = openOutput(filepath.Join(t.TempDir(), "missing", "events.jsonl"))
	assert.Error(t, err)
}

func TestNewPipeline_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	cfg := config.Default()
	cfg.Observer.Output = path

	pipeline, closeSinks, err := newPipeline(cfg, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- pipeline.Run(context.Background()) }()

	pipeline.Send(observer.Ready("hooks installed"))
	require.NoError(t, pipeline.Close(context.Background()))
	require.NoError(t, <-done)
	closeSinks()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hooks installed"`)
}

func TestNewPipeline_OTLP(t *testing.T) {
	cfg := config.Default()
	cfg.Observer.Output = "none"
	cfg.Observer.OTLP.Endpoint = "127.0.0.1:4317"

	pipeline, closeSinks, err := newPipeline(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, pipeline)
	closeSinks()
}
