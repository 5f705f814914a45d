// Package runtime inspects the host coral-hook runs on and decides whether
// it may trace another process: operating system, effective capabilities
// and the Yama ptrace policy.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/coral-hook/internal/privilege"
)

// PtraceScopePath is the Yama policy knob.
const PtraceScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// PtraceScope is the Yama ptrace policy.
type PtraceScope int

const (
	// ScopeNone means Yama is not enabled.
	ScopeNone PtraceScope = -1
	// ScopeClassic allows tracing any process of the same user.
	ScopeClassic PtraceScope = 0
	// ScopeRestricted allows tracing descendants only.
	ScopeRestricted PtraceScope = 1
	// ScopeAdmin requires CAP_SYS_PTRACE.
	ScopeAdmin PtraceScope = 2
	// ScopeDisabled forbids attaching at all.
	ScopeDisabled PtraceScope = 3
)

func (s PtraceScope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeClassic:
		return "classic"
	case ScopeRestricted:
		return "restricted"
	case ScopeAdmin:
		return "admin-only"
	case ScopeDisabled:
		return "disabled"
	}
	return "unknown"
}

// ErrNotPermitted means this host will refuse the attach.
var ErrNotPermitted = errors.New("not permitted to trace the target")

// ReadPtraceScope reads the Yama policy. A missing file means Yama is off.
func ReadPtraceScope(path string) (PtraceScope, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path is a /proc sysctl.
	if err != nil {
		if os.IsNotExist(err) {
			return ScopeNone, nil
		}
		return ScopeNone, fmt.Errorf("failed to read %s: %w", path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || v < 0 || v > 3 {
		return ScopeNone, fmt.Errorf("invalid ptrace scope %q in %s", strings.TrimSpace(string(data)), path)
	}
	return PtraceScope(v), nil
}

// Report is what the preflight found.
type Report struct {
	OS           string
	OSVersion    string
	Kernel       string
	Arch         string
	Root         bool
	UnderSudo    bool
	EUID         int
	Capabilities Capabilities
	PtraceScope  PtraceScope
}

// Detect gathers the report for the current process. Unreadable pieces
// are logged and left at their zero value.
func Detect(logger zerolog.Logger) *Report {
	logger = logger.With().Str("component", "preflight").Logger()

	osVersion, kernel := detectOSVersion()
	r := &Report{
		OS:          runtime.GOOS,
		OSVersion:   osVersion,
		Kernel:      kernel,
		Arch:        runtime.GOARCH,
		Root:        privilege.IsRoot(),
		UnderSudo:   privilege.IsRunningUnderSudo(),
		EUID:        os.Geteuid(),
		PtraceScope: ScopeNone,
	}
	if r.OS != "linux" {
		return r
	}

	caps, err := DetectLinuxCapabilities("/proc/self/status")
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to detect capabilities")
	}
	r.Capabilities = caps

	scope, err := ReadPtraceScope(PtraceScopePath)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read ptrace scope")
	}
	r.PtraceScope = scope

	logger.Debug().
		Str("os", r.OSVersion).
		Str("kernel", r.Kernel).
		Bool("root", r.Root).
		Bool("cap_sys_ptrace", r.Capabilities.SysPtrace).
		Str("ptrace_scope", r.PtraceScope.String()).
		Msg("Preflight")
	return r
}

// CanAttach decides whether a process owned by targetUID can be traced.
func (r *Report) CanAttach(targetUID int) error {
	if r.OS != "linux" {
		return fmt.Errorf("%w: tracing needs linux, running on %s", ErrNotPermitted, r.OS)
	}
	if r.PtraceScope == ScopeDisabled {
		return fmt.Errorf("%w: kernel.yama.ptrace_scope=3 disables ptrace until reboot", ErrNotPermitted)
	}
	if r.Capabilities.SysPtrace {
		return nil
	}

	switch r.PtraceScope {
	case ScopeAdmin:
		return fmt.Errorf("%w: kernel.yama.ptrace_scope=2 requires CAP_SYS_PTRACE", ErrNotPermitted)
	case ScopeRestricted:
		return fmt.Errorf("%w: kernel.yama.ptrace_scope=1 only allows tracing descendants; run as root or grant CAP_SYS_PTRACE", ErrNotPermitted)
	}
	if targetUID != r.EUID {
		return fmt.Errorf("%w: target runs as uid %d, coral-hook as uid %d", ErrNotPermitted, targetUID, r.EUID)
	}
	return nil
}
