package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrNoImage means no mapping backs the requested file.
var ErrNoImage = errors.New("image not mapped")

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// Size is the length of the mapping in bytes.
func (m Mapping) Size() uint64 { return m.End - m.Start }

// Readable reports whether the mapping has the r bit.
func (m Mapping) Readable() bool { return len(m.Perms) > 0 && m.Perms[0] == 'r' }

// Executable reports whether the mapping has the x bit.
func (m Mapping) Executable() bool { return len(m.Perms) > 2 && m.Perms[2] == 'x' }

// Contains reports whether addr lies inside the mapping.
func (m Mapping) Contains(addr uint64) bool { return addr >= m.Start && addr < m.End }

// ReadMaps parses /proc/<pid>/maps.
func ReadMaps(pid int) ([]Mapping, error) {
	//nolint:gosec // G304: Path is from /proc filesystem for system information.
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint:errcheck

	return ParseMaps(f)
}

// ParseMaps parses the maps format:
//
//	00400000-0040b000 r-xp 00000000 08:02 173521  /usr/bin/app
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var out []Mapping
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) < 5 {
			return nil, fmt.Errorf("maps line %d: expected at least 5 fields, got %d", line, len(fields))
		}

		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, fmt.Errorf("maps line %d: malformed range %q", line, fields[0])
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("maps line %d: %w", line, err)
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("maps line %d: %w", line, err)
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("maps line %d: %w", line, err)
		}

		m := Mapping{Start: start, End: end, Perms: fields[1], Offset: offset}
		if len(fields) > 5 {
			// Paths may contain spaces.
			m.Path = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}
	return out, nil
}

// ImageBase returns the address of the mapping holding file offset 0 of
// path, which is where the loader placed the ELF header.
func ImageBase(maps []Mapping, path string) (uint64, error) {
	for _, m := range maps {
		if m.Path == path && m.Offset == 0 {
			return m.Start, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNoImage, path)
}

// Find returns the mapping containing addr.
func Find(maps []Mapping, addr uint64) (Mapping, bool) {
	for _, m := range maps {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}
