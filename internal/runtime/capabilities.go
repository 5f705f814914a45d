package runtime

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Linux capability bit positions (from include/uapi/linux/capability.h).
const (
	capDacOverride = 1  // CAP_DAC_OVERRIDE
	capSysPtrace   = 19 // CAP_SYS_PTRACE
	capSysAdmin    = 21 // CAP_SYS_ADMIN
)

// Capabilities are the effective capabilities that matter for tracing.
type Capabilities struct {
	SysPtrace   bool
	SysAdmin    bool
	DacOverride bool
}

// DetectLinuxCapabilities reads the effective capability set from a
// /proc/<pid>/status file.
func DetectLinuxCapabilities(procStatusPath string) (Capabilities, error) {
	capEff, err := readCapabilityBitmask(procStatusPath, "CapEff")
	if err != nil {
		return Capabilities{}, fmt.Errorf("failed to read capabilities: %w", err)
	}

	return Capabilities{
		SysPtrace:   hasCapability(capEff, capSysPtrace),
		SysAdmin:    hasCapability(capEff, capSysAdmin),
		DacOverride: hasCapability(capEff, capDacOverride),
	}, nil
}

// readCapabilityBitmask reads a capability bitmask from /proc/self/status.
func readCapabilityBitmask(procStatusPath, capName string) (uint64, error) {
	//nolint:gosec // G304: Path is from /proc filesystem for system information.
	file, err := os.Open(procStatusPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", procStatusPath, err)
	}
	defer file.Close() // nolint:errcheck

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, capName+":") {
			continue
		}

		// Format: "CapEff:\t00000000a80435fb"
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return 0, fmt.Errorf("invalid %s format: %s", capName, line)
		}

		bitmask, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s bitmask: %w", capName, err)
		}

		return bitmask, nil
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", procStatusPath, err)
	}

	return 0, fmt.Errorf("%s not found in %s", capName, procStatusPath)
}

// hasCapability checks if a specific capability bit is set in the bitmask.
func hasCapability(bitmask uint64, capBit int) bool {
	return (bitmask & (1 << uint(capBit))) != 0
}
