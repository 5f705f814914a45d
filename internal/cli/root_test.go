package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coral-hook/internal/runtime"
)

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"attach", "resolve", "prologue", "compile", "offsets", "config", "status", "version"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}

	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "coral-hook version")
	assert.Contains(t, buf.String(), "Go version:")
}

func TestNewStatusReport(t *testing.T) {
	r := &runtime.Report{
		OS:           "linux",
		Arch:         "amd64",
		EUID:         1000,
		Capabilities: runtime.Capabilities{SysPtrace: true},
		PtraceScope:  runtime.ScopeRestricted,
	}

	report, err := newStatusReport(context.Background(), r, 0)
	require.NoError(t, err)
	assert.True(t, report.ArchSupported)
	assert.True(t, report.CapSysPtrace)
	assert.Equal(t, "restricted", report.PtraceScope)
	assert.Nil(t, report.Target)

	var buf bytes.Buffer
	printStatus(&buf, report)
	assert.Contains(t, buf.String(), "CAP_SYS_PTRACE:  yes")

	r.Arch = "riscv64"
	report, err = newStatusReport(context.Background(), r, 0)
	require.NoError(t, err)
	assert.False(t, report.ArchSupported)
}

func TestPrintStatus_Target(t *testing.T) {
	s := &statusReport{
		OS:          "linux",
		Arch:        "arm64",
		PtraceScope: "admin-only",
		Target:      &targetStatus{PID: 42, UID: 0, Reason: "not permitted to trace the target"},
	}

	var buf bytes.Buffer
	printStatus(&buf, s)
	assert.Contains(t, buf.String(), "Target 42 (uid 0)")
	assert.Contains(t, buf.String(), "not permitted")
}
