package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"
)

// ErrNoOffsets means no offset entry matches the target's Go version or
// the entry does not name the field.
var ErrNoOffsets = errors.New("no field offset for go version")

type offsetRule struct {
	constraint version.Constraints
	entry      OffsetEntry
}

// OffsetTable answers field offset lookups for a Go version. The first
// entry whose constraint matches wins.
type OffsetTable struct {
	rules []offsetRule
}

// CompileOffsets parses every entry's constraint.
func CompileOffsets(entries []OffsetEntry) (*OffsetTable, error) {
	t := &OffsetTable{}
	for i, e := range entries {
		c, err := version.NewConstraint(e.GoVersion)
		if err != nil {
			return nil, fmt.Errorf("offsets[%d]: invalid go_version %q: %w", i, e.GoVersion, err)
		}
		t.rules = append(t.rules, offsetRule{constraint: c, entry: e})
	}
	return t, nil
}

// ParseGoVersion accepts runtime.Version and buildinfo spellings such as
// "go1.22.3", "go1.23rc1" and "devel go1.24-abcdef Tue". Pre-release
// suffixes are dropped so constraints match the release line.
func ParseGoVersion(s string) (*version.Version, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "devel ")
	if i := strings.IndexAny(s, " +"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "go")
	v, err := version.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("invalid go version %q: %w", s, err)
	}
	return v.Core(), nil
}

// Entry returns the first entry matching goVersion.
func (t *OffsetTable) Entry(goVersion string) (OffsetEntry, error) {
	v, err := ParseGoVersion(goVersion)
	if err != nil {
		return OffsetEntry{}, err
	}
	for _, r := range t.rules {
		if r.constraint.Check(v) {
			return r.entry, nil
		}
	}
	return OffsetEntry{}, fmt.Errorf("%w %s", ErrNoOffsets, goVersion)
}

// Lookup returns the offset of structName.field for goVersion.
func (t *OffsetTable) Lookup(goVersion, structName, field string) (uint64, error) {
	e, err := t.Entry(goVersion)
	if err != nil {
		return 0, err
	}
	off, ok := e.Structs[structName][field]
	if !ok {
		return 0, fmt.Errorf("%w %s: %s.%s not in entry %q", ErrNoOffsets, goVersion, structName, field, e.GoVersion)
	}
	return off, nil
}

// FieldOffset prefers the field's explicit offset over the table.
func (t *OffsetTable) FieldOffset(goVersion string, f FieldConfig) (uint64, error) {
	if f.Offset != nil {
		return *f.Offset, nil
	}
	return t.Lookup(goVersion, f.Struct, f.Field)
}
