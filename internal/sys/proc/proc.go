// Package proc finds target processes and reads their layout from the
// /proc filesystem: mappings, threads, executable path and listening ports.
package proc

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FindPidByPort finds the PID of the process listening on the given port.
// This is a simplified implementation parsing /proc/net/tcp.
func FindPidByPort(port int) (int32, error) {
	// Check both IPv4 and IPv6
	inode, err := findSocketInode(port, "/proc/net/tcp")
	if err != nil || inode == "" {
		inode, err = findSocketInode(port, "/proc/net/tcp6")
	}

	if err != nil {
		return 0, err
	}
	if inode == "" {
		return 0, nil // Not found
	}

	return findPidByInode(inode)
}

// findSocketInode parses /proc/net/tcp(6) to find the inode for a listening port.
func findSocketInode(port int, procPath string) (string, error) {
	//nolint:gosec // G304: Path is from /proc filesystem for system information.
	f, err := os.Open(procPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close() // nolint:errcheck

	scanner := bufio.NewScanner(f)
	// Skip header
	if scanner.Scan() {
		_ = scanner.Text()
	}

	targetHexPort := fmt.Sprintf("%04X", port)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}

		// Field 1: local_address (IP:Port)
		localAddr := fields[1]
		parts := strings.Split(localAddr, ":")
		if len(parts) != 2 {
			continue
		}

		hexPort := parts[1]
		if hexPort != targetHexPort {
			continue
		}

		// Field 3: st (state). 0A is LISTEN.
		state := fields[3]
		if state != "0A" {
			continue
		}

		// Field 9: inode
		return fields[9], nil
	}

	return "", nil
}

// findPidByInode scans /proc/[pid]/fd/ to find the process owning the socket inode.
func findPidByInode(inode string) (int32, error) {
	socketLink := "socket:[" + inode + "]"

	// Iterate over all PIDs in /proc
	pids, err := ListPids()
	if err != nil {
		return 0, err
	}

	for _, pid := range pids {
		pidStr := strconv.Itoa(pid)
		fdDir := filepath.Join("/proc", pidStr, "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue // Can't read fd dir (permission denied, etc.)
		}

		for _, fd := range fds {
			info, err := fd.Info()
			if err != nil {
				continue
			}
			// Optimization: check if it's a symlink
			if info.Mode()&fs.ModeSymlink == 0 {
				continue
			}

			linkPath, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}

			if linkPath == socketLink {
				//nolint:gosec // G109: PID conversion is safe, validated by Atoi
				return int32(pid), nil
			}
		}
	}

	return 0, nil
}

// GetKernelVersion reads the kernel version from /proc/version.
func GetKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return "unknown"
	}

	// Parse version from output like "Linux version 5.15.0-xxx...".
	version := string(data)
	if idx := strings.Index(version, "Linux version "); idx >= 0 {
		version = version[idx+14:] // Skip "Linux version ".
		if idx := strings.Index(version, " "); idx >= 0 {
			version = version[:idx]
		}
		return version
	}

	return "unknown"
}

// GetBinaryPath returns the path to the executable for the given PID.
func GetBinaryPath(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}

// ListPids returns a list of all running process IDs from /proc.
// Pids are sorted in ascending order.
func ListPids() ([]int, error) {
	return listNumeric("/proc")
}

// ListTasks returns the thread IDs of pid, lowest first. The first is
// usually the thread group leader.
func ListTasks(pid int) ([]int, error) {
	return listNumeric(fmt.Sprintf("/proc/%d/task", pid))
}

// listNumeric returns the numeric directory names under dir, sorted.
func listNumeric(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var ids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue // Not a numeric directory.
		}

		if id > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	return ids, nil
}
