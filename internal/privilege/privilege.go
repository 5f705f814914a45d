// Package privilege detects root and sudo execution. coral-hook usually
// runs under sudo to trace other users' processes, while files it writes
// belong to the invoking user.
package privilege

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

// UserContext represents the identity of the original user when running under
// privilege escalation.
type UserContext struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// DetectOriginalUser extracts user identity, accounting for sudo execution.
// When running under sudo, it returns the original user's context from
// SUDO_USER/SUDO_UID/SUDO_GID environment variables. Otherwise, returns the
// current user's context.
func DetectOriginalUser() (*UserContext, error) {
	// Check if running under sudo.
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser != "" {
		// We're running under sudo - get original user info.
		uidStr := os.Getenv("SUDO_UID")
		gidStr := os.Getenv("SUDO_GID")

		if uidStr == "" || gidStr == "" {
			return nil, fmt.Errorf("SUDO_USER set but SUDO_UID or SUDO_GID missing")
		}

		uid, err := strconv.Atoi(uidStr)
		if err != nil {
			return nil, fmt.Errorf("invalid SUDO_UID: %w", err)
		}

		gid, err := strconv.Atoi(gidStr)
		if err != nil {
			return nil, fmt.Errorf("invalid SUDO_GID: %w", err)
		}

		// Get home directory for the sudo user.
		u, err := user.Lookup(sudoUser)
		if err != nil {
			return nil, fmt.Errorf("failed to lookup user %s: %w", sudoUser, err)
		}

		return &UserContext{
			Username: sudoUser,
			UID:      uid,
			GID:      gid,
			HomeDir:  u.HomeDir,
		}, nil
	}

	// Not running under sudo - use current user.
	return getCurrentUser()
}

// getCurrentUser returns the context for the current user.
func getCurrentUser() (*UserContext, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}

	uid := os.Getuid()
	gid := os.Getgid()

	return &UserContext{
		Username: u.Username,
		UID:      uid,
		GID:      gid,
		HomeDir:  u.HomeDir,
	}, nil
}

// IsRoot checks if the current process is running with root privileges (euid
// == 0).
func IsRoot() bool {
	return os.Geteuid() == 0
}

// IsRunningUnderSudo checks if the process is running under sudo by checking
// for the SUDO_USER environment variable.
func IsRunningUnderSudo() bool {
	return os.Getenv("SUDO_USER") != ""
}

// FixFileOwnership changes the ownership of a file to the original user when
// running under sudo. If not running as root or under sudo, this is a no-op.
func FixFileOwnership(path string) error {
	if !IsRoot() {
		// Not running as root, no need to fix ownership.
		return nil
	}

	userCtx, err := DetectOriginalUser()
	if err != nil {
		return fmt.Errorf("failed to detect original user: %w", err)
	}

	// Change ownership to the original user.
	if err := os.Chown(path, userCtx.UID, userCtx.GID); err != nil {
		return fmt.Errorf("failed to chown %s to %d:%d: %w", path, userCtx.UID, userCtx.GID, err)
	}

	return nil
}

// ConfigPath is where the original user's configuration file lives, so
// "sudo coral-hook" reads and writes the invoking user's file.
func ConfigPath() (string, error) {
	userCtx, err := DetectOriginalUser()
	if err != nil {
		return "", err
	}
	return filepath.Join(userCtx.HomeDir, ".config", "coral-hook", "config.yaml"), nil
}
