package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{" ERROR ", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Output: &buf})

	logger.Trace().Msg("trace message")
	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")

	out := buf.String()
	assert.NotContains(t, out, "trace message")
	assert.Contains(t, out, "debug message")
	assert.Contains(t, out, "info message")
}

func TestNew_TraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "trace", Output: &buf})

	logger.Trace().Msg("patch bytes")

	assert.Contains(t, buf.String(), "patch bytes")
}

func TestNewWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithComponent(Config{Level: "info", Output: &buf}, "patcher")

	logger.Info().Msg("installed")

	assert.Contains(t, buf.String(), `"component":"patcher"`)
	assert.Contains(t, buf.String(), "installed")
}

func TestNew_Pretty(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Pretty: true, Output: &buf})

	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), "hello")
}

func TestNew_NilOutput(t *testing.T) {
	logger := New(Config{Level: "error"})
	assert.NotPanics(t, func() { logger.Error().Msg("to stderr") })
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Pretty)
	assert.NotNil(t, cfg.Output)
}
