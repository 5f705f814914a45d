package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPtraceScope(t *testing.T) {
	tests := []struct {
		content string
		want    PtraceScope
		wantErr bool
	}{
		{"0\n", ScopeClassic, false},
		{"1\n", ScopeRestricted, false},
		{"2", ScopeAdmin, false},
		{"3\n", ScopeDisabled, false},
		{"7\n", ScopeNone, true},
		{"yes\n", ScopeNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ptrace_scope")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			got, err := ReadPtraceScope(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := ReadPtraceScope(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Equal(t, ScopeNone, got)
	assert.Equal(t, "none", got.String())
}

func TestReport_CanAttach(t *testing.T) {
	tests := []struct {
		name    string
		report  Report
		uid     int
		wantErr bool
	}{
		{
			name:    "not linux",
			report:  Report{OS: "darwin", Capabilities: Capabilities{SysPtrace: true}},
			wantErr: true,
		},
		{
			name:    "ptrace disabled even for root",
			report:  Report{OS: "linux", Root: true, Capabilities: Capabilities{SysPtrace: true}, PtraceScope: ScopeDisabled},
			wantErr: true,
		},
		{
			name:   "capability overrides admin scope",
			report: Report{OS: "linux", EUID: 1000, Capabilities: Capabilities{SysPtrace: true}, PtraceScope: ScopeAdmin},
			uid:    0,
		},
		{
			name:    "admin scope without capability",
			report:  Report{OS: "linux", EUID: 1000, PtraceScope: ScopeAdmin},
			uid:     1000,
			wantErr: true,
		},
		{
			name:    "restricted scope without capability",
			report:  Report{OS: "linux", EUID: 1000, PtraceScope: ScopeRestricted},
			uid:     1000,
			wantErr: true,
		},
		{
			name:   "classic scope same user",
			report: Report{OS: "linux", EUID: 1000, PtraceScope: ScopeClassic},
			uid:    1000,
		},
		{
			name:    "classic scope other user",
			report:  Report{OS: "linux", EUID: 1000, PtraceScope: ScopeClassic},
			uid:     0,
			wantErr: true,
		},
		{
			name:   "no yama same user",
			report: Report{OS: "linux", EUID: 1000, PtraceScope: ScopeNone},
			uid:    1000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.report.CanAttach(tt.uid)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNotPermitted)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDetect(t *testing.T) {
	r := Detect(zerolog.Nop())
	require.NotNil(t, r)
	assert.NotEmpty(t, r.OS)
	assert.NotEmpty(t, r.Arch)
	assert.NotEmpty(t, r.OSVersion)
	assert.NotEmpty(t, r.Kernel)
	assert.Equal(t, os.Geteuid(), r.EUID)
	assert.Equal(t, os.Geteuid() == 0, r.Root)
}
