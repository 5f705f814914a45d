//go:build linux

package runtime

import (
	"os"
	"strings"

	"github.com/coral-mesh/coral-hook/internal/sys/proc"
)

// detectOSVersion detects Linux OS version and kernel.
func detectOSVersion() (string, string) {
	return detectLinuxOSVersion(), proc.GetKernelVersion()
}

// detectLinuxOSVersion detects the Linux distribution and version.
func detectLinuxOSVersion() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "Linux (unknown)"
	}

	var name, version string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "NAME=") {
			name = strings.Trim(strings.TrimPrefix(line, "NAME="), "\"")
		} else if strings.HasPrefix(line, "VERSION=") {
			version = strings.Trim(strings.TrimPrefix(line, "VERSION="), "\"")
		}
	}
	switch {
	case name == "":
		return "Linux (unknown)"
	case version == "":
		return name
	}
	return name + " " + version
}
