//go:build darwin

package runtime

import (
	"golang.org/x/sys/unix"
)

// detectOSVersion reads the macOS release and the Darwin kernel from
// sysctl. coral-hook cannot attach here; this only fills the status report.
func detectOSVersion() (string, string) {
	return darwinVersion("kern.osproductversion", "macOS"), darwinVersion("kern.osrelease", "Darwin")
}

func darwinVersion(name, prefix string) string {
	v, err := unix.Sysctl(name)
	if err != nil || v == "" {
		return prefix + " (unknown)"
	}
	return prefix + " " + v
}
