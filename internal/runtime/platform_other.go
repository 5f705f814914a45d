//go:build !linux && !darwin

package runtime

import "runtime"

// detectOSVersion has nothing better than the GOOS name here.
func detectOSVersion() (string, string) {
	return runtime.GOOS, "unknown"
}
