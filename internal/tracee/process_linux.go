//go:build linux

package tracee

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/memory"
	"github.com/coral-mesh/coral-hook/internal/sys/proc"
)

type task struct {
	tid     int
	stopped bool
	// pending is delivered when the thread resumes.
	pending unix.Signal
}

// Process is a traced target. It implements memory.Space: reads and
// writes go through /proc/<pid>/mem, mapping changes are system calls
// injected into a stopped thread. Its methods must run on the thread
// that attached.
type Process struct {
	logger zerolog.Logger
	pid    int
	arch   arch.Arch
	exe    string
	mem    *os.File
	tasks  map[int]*task
	// site is executable code the injected system call temporarily
	// replaces.
	site     uint64
	loadBase uint64
}

var _ memory.Space = (*Process)(nil)

// attach seizes every thread of pid and waits until all of them stopped.
func attach(pid int, logger zerolog.Logger) (*Process, error) {
	exe, err := proc.GetBinaryPath(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to read executable of %d: %w", pid, err)
	}

	p := &Process{
		logger: logger.With().Str("component", "tracee").Int("pid", pid).Logger(),
		pid:    pid,
		arch:   arch.Host(),
		exe:    exe,
		tasks:  make(map[int]*task),
	}

	// Threads may be created while seizing; list until nothing new shows.
	for round := 0; round < 16; round++ {
		tids, err := proc.ListTasks(pid)
		if err != nil {
			_ = p.detachAll()
			return nil, err
		}
		added := 0
		for _, tid := range tids {
			if _, ok := p.tasks[tid]; ok {
				continue
			}
			if err := seize(tid); err != nil {
				if gone(err) {
					continue
				}
				_ = p.detachAll()
				return nil, fmt.Errorf("failed to seize thread %d: %w", tid, err)
			}
			p.tasks[tid] = &task{tid: tid}
			if err := interrupt(tid); err != nil && !gone(err) {
				_ = p.detachAll()
				return nil, fmt.Errorf("failed to interrupt thread %d: %w", tid, err)
			}
			added++
		}
		if added == 0 {
			break
		}
	}
	if err := p.waitStopped(nil); err != nil {
		_ = p.detachAll()
		return nil, err
	}

	maps, err := proc.ReadMaps(pid)
	if err != nil {
		_ = p.detachAll()
		return nil, err
	}
	p.loadBase, _ = proc.ImageBase(maps, exe)
	for _, m := range maps {
		if m.Executable() && m.Path == exe {
			p.site = m.Start
			break
		}
	}
	if p.site == 0 {
		_ = p.detachAll()
		return nil, fmt.Errorf("no executable mapping of %s in %d", exe, pid)
	}

	//nolint:gosec // G304: Path is from /proc filesystem.
	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		_ = p.detachAll()
		return nil, fmt.Errorf("failed to open memory of %d: %w", pid, err)
	}
	p.mem = mem

	p.logger.Info().
		Int("threads", len(p.tasks)).
		Str("exe", exe).
		Str("load_base", fmt.Sprintf("%#x", p.loadBase)).
		Msg("Attached to target")
	return p, nil
}

// Target describes the process for setup.
func (p *Process) Target() *Target {
	return &Target{
		PID:      p.pid,
		Exe:      p.exe,
		ExePath:  fmt.Sprintf("/proc/%d/exe", p.pid),
		LoadBase: p.loadBase,
		Space:    p,
	}
}

// Read implements memory.Space.
func (p *Process) Read(addr uint64, b []byte) error {
	n, err := p.mem.ReadAt(b, int64(addr)) //nolint:gosec // G115: user space addresses fit in int64.
	if n == len(b) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, unix.EIO) {
		return fmt.Errorf("%w: %d bytes at %#x", memory.ErrUnmapped, len(b), addr)
	}
	return fmt.Errorf("failed to read %#x: %w", addr, err)
}

// Write implements memory.Space. The kernel writes through read-only
// pages for a tracer.
func (p *Process) Write(addr uint64, b []byte) error {
	n, err := p.mem.WriteAt(b, int64(addr)) //nolint:gosec // G115: user space addresses fit in int64.
	if n == len(b) {
		return nil
	}
	if err == nil || errors.Is(err, unix.EIO) {
		return fmt.Errorf("%w: %d bytes at %#x", memory.ErrUnmapped, len(b), addr)
	}
	return fmt.Errorf("failed to write %#x: %w", addr, err)
}

func unixProt(prot memory.Prot) uint64 {
	var out uint64
	if prot&memory.ProtRead != 0 {
		out |= unix.PROT_READ
	}
	if prot&memory.ProtWrite != 0 {
		out |= unix.PROT_WRITE
	}
	if prot&memory.ProtExec != 0 {
		out |= unix.PROT_EXEC
	}
	return out
}

func pageSpan(addr, size uint64) (uint64, uint64) {
	start := addr &^ (memory.PageSize - 1)
	end := (addr + size + memory.PageSize - 1) &^ (memory.PageSize - 1)
	return start, end - start
}

// Protect implements memory.Space.
func (p *Process) Protect(addr, size uint64, prot memory.Prot) error {
	start, length := pageSpan(addr, size)
	_, err := p.syscall("mprotect", unix.SYS_MPROTECT, start, length, unixProt(prot))
	return err
}

// Alloc implements memory.Space.
func (p *Process) Alloc(size uint64, prot memory.Prot) (uint64, error) {
	_, length := pageSpan(0, size)
	return p.syscall("mmap", unix.SYS_MMAP,
		0, length, unixProt(prot), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, ^uint64(0), 0)
}

// Free implements memory.Space.
func (p *Process) Free(addr, size uint64) error {
	start, length := pageSpan(addr, size)
	_, err := p.syscall("munmap", unix.SYS_MUNMAP, start, length)
	return err
}

// FlushInstructionCache implements memory.Space. Writes through
// /proc/<pid>/mem already flush the instruction cache of the pages.
func (p *Process) FlushInstructionCache(_, _ uint64) error { return nil }

// parked returns a stopped thread, preferring the leader.
func (p *Process) parked() (*task, error) {
	if t, ok := p.tasks[p.pid]; ok && t.stopped {
		return t, nil
	}
	for _, t := range p.tasks {
		if t.stopped {
			return t, nil
		}
	}
	return nil, ErrNotStopped
}

// syscall runs one system call on a stopped thread by placing the
// instruction at p.site and single-stepping it. Registers and code are
// put back afterwards.
func (p *Process) syscall(name string, nr uint64, args ...uint64) (uint64, error) {
	t, err := p.parked()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	saved, err := getRegs(t.tid)
	if err != nil {
		return 0, fmt.Errorf("%s: failed to read registers: %w", name, err)
	}
	orig := make([]byte, len(syscallInsn))
	if err := p.Read(p.site, orig); err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if err := p.Write(p.site, syscallInsn); err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	defer func() {
		if err := p.Write(p.site, orig); err != nil {
			p.logger.Error().Err(err).Msg("Failed to restore injection site")
		}
		if err := setRegs(t.tid, saved); err != nil {
			p.logger.Error().Err(err).Int("tid", t.tid).Msg("Failed to restore registers")
		}
	}()

	call := *saved
	call.prepareSyscall(p.site, nr, args...)
	if err := setRegs(t.tid, &call); err != nil {
		return 0, fmt.Errorf("%s: failed to set registers: %w", name, err)
	}
	if err := p.step(t); err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	out, err := getRegs(t.tid)
	if err != nil {
		return 0, fmt.Errorf("%s: failed to read result: %w", name, err)
	}
	ret := out.syscallResult()
	if r := int64(ret); r < 0 && r > -4096 { //nolint:gosec // G115: errno range check.
		return 0, fmt.Errorf("%s: %w", name, unix.Errno(-r))
	}
	return ret, nil
}

// step single-steps t until it reports the step trap. Signals that
// arrive first are kept for later delivery.
func (p *Process) step(t *task) error {
	for {
		if err := unix.PtraceSingleStep(t.tid); err != nil {
			return fmt.Errorf("failed to single-step %d: %w", t.tid, err)
		}
		_, ws, err := wait4(t.tid, 0)
		if err != nil {
			return err
		}
		if ws.Exited() || ws.Signaled() {
			delete(p.tasks, t.tid)
			return fmt.Errorf("%w: thread %d", ErrTargetExited, t.tid)
		}
		switch kind, sig := classify(ws); kind {
		case stopTrap:
			return nil
		case stopSignal:
			t.pending = sig
		}
	}
}

// pcs returns the program counter of every stopped thread.
func (p *Process) pcs() ([]uint64, error) {
	out := make([]uint64, 0, len(p.tasks))
	for _, t := range p.tasks {
		if !t.stopped {
			continue
		}
		r, err := getRegs(t.tid)
		if err != nil {
			if gone(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read registers of %d: %w", t.tid, err)
		}
		out = append(out, r.pc())
	}
	return out, nil
}

// detachAll lets every stopped thread go with its pending signal.
func (p *Process) detachAll() error {
	var errs []error
	for tid, t := range p.tasks {
		if err := detach(tid, t.pending); err != nil && !gone(err) {
			errs = append(errs, fmt.Errorf("failed to detach %d: %w", tid, err))
		}
		delete(p.tasks, tid)
	}
	if p.mem != nil {
		if err := p.mem.Close(); err != nil {
			errs = append(errs, err)
		}
		p.mem = nil
	}
	return errors.Join(errs...)
}
