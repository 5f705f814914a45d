package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/coral-mesh/coral-hook/internal/retry"
)

var (
	// ErrNotFound means no process matched.
	ErrNotFound = errors.New("process not found")
	// ErrAmbiguous means more than one process matched a name.
	ErrAmbiguous = errors.New("process name is ambiguous")
)

// Match is a candidate process found by name.
type Match struct {
	PID  int32
	Name string
	Exe  string
}

// matches reports whether a process called name, or running an
// executable whose base name is name, is the one wanted.
func matches(want, name, exe string) bool {
	if name == want {
		return true
	}
	return exe != "" && filepath.Base(exe) == want
}

// FindAllByName lists every process whose command name or executable base
// name equals name, excluding the calling process.
func FindAllByName(ctx context.Context, name string) ([]Match, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	self := int32(os.Getpid()) //nolint:gosec // G115: pids fit in int32.
	var out []Match
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		comm, err := p.NameWithContext(ctx)
		if err != nil {
			// Exited or not ours to inspect.
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		if matches(name, comm, exe) {
			out = append(out, Match{PID: p.Pid, Name: comm, Exe: exe})
		}
	}
	return out, nil
}

// FindByName returns the single process matching name.
func FindByName(ctx context.Context, name string) (Match, error) {
	all, err := FindAllByName(ctx, name)
	if err != nil {
		return Match{}, err
	}
	switch len(all) {
	case 0:
		return Match{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	case 1:
		return all[0], nil
	}
	pids := make([]int32, len(all))
	for i, m := range all {
		pids[i] = m.PID
	}
	return Match{}, fmt.Errorf("%w: %q matches pids %v", ErrAmbiguous, name, pids)
}

// WaitForName polls for a process called name until it appears, the
// attempts run out or ctx ends. An ambiguous name fails immediately.
func WaitForName(ctx context.Context, name string, attempts int, interval time.Duration) (Match, error) {
	if attempts < 1 {
		attempts = 1
	}
	var found Match
	err := retry.Do(ctx, retry.Config{
		MaxRetries:     attempts,
		InitialBackoff: interval,
		MaxBackoff:     interval,
	}, func() error {
		m, err := FindByName(ctx, name)
		if err != nil {
			return err
		}
		found = m
		return nil
	}, func(err error) bool {
		return errors.Is(err, ErrNotFound)
	})
	if err != nil {
		return Match{}, err
	}
	return found, nil
}

// Alive reports whether pid still exists.
func Alive(ctx context.Context, pid int32) bool {
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}

// UID returns the real user id pid runs as.
func UID(ctx context.Context, pid int32) (int, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	uids, err := p.UidsWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read uid of %d: %w", pid, err)
	}
	if len(uids) == 0 {
		return 0, fmt.Errorf("no uid reported for %d", pid)
	}
	return int(uids[0]), nil
}
