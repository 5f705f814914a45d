package patch

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/memory"
)

// MaxPatchLen bounds the displaced bytes: the longest jump plus the
// longest x86 instruction that can straddle its end.
const MaxPatchLen = 32

var (
	// ErrAlreadyPatched rejects a second install on the same target, or a
	// target that already starts with an absolute jump.
	ErrAlreadyPatched = errors.New("target already patched")
	ErrNotPatched     = errors.New("target not patched")
	// ErrVerify means the bytes read back differ from the bytes written.
	ErrVerify = errors.New("patch verification failed")
	// ErrTargetChanged means the code changed between Prepare and Install.
	ErrTargetChanged = errors.New("target code changed since prepare")
)

// Status is the lifecycle of a TargetHandle.
type Status int

const (
	Unpatched Status = iota
	Patched
	RestoreFailed
)

func (s Status) String() string {
	switch s {
	case Patched:
		return "patched"
	case RestoreFailed:
		return "restore-failed"
	default:
		return "unpatched"
	}
}

// TargetHandle owns the backup of one hooked function's entry.
type TargetHandle struct {
	Name    string
	Address uint64
	Backup  [MaxPatchLen]byte
	// Len is how many bytes of Backup are meaningful.
	Len      int
	Status   Status
	Prologue *Prologue
	// Entry is the trampoline the installed jump targets.
	Entry uint64
}

// Original returns the backed-up bytes.
func (h *TargetHandle) Original() []byte { return h.Backup[:h.Len] }

// Range is the rewritten address range.
func (h *TargetHandle) Range() memory.Region {
	return memory.Region{Base: h.Address, Size: uint64(h.Len), Prot: memory.ProtRX}
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithJumpStyle selects the jump encoding.
func WithJumpStyle(s JumpStyle) Option { return func(p *Patcher) { p.style = s } }

// Patcher installs and removes entry jumps in one address space. Every
// thread of the target must be stopped while it writes.
type Patcher struct {
	logger zerolog.Logger
	space  memory.Space
	arch   arch.Arch
	style  JumpStyle

	mu      sync.Mutex
	handles map[uint64]*TargetHandle
}

// NewPatcher checks the architecture before anything can be written.
func NewPatcher(space memory.Space, a arch.Arch, logger zerolog.Logger, opts ...Option) (*Patcher, error) {
	if _, err := arch.Lookup(a); err != nil {
		return nil, err
	}
	p := &Patcher{
		logger:  logger.With().Str("component", "patcher").Str("arch", string(a)).Logger(),
		space:   space,
		arch:    a,
		handles: make(map[uint64]*TargetHandle),
	}
	for _, opt := range opts {
		opt(p)
	}
	if _, err := JumpLen(a, p.style); err != nil {
		return nil, err
	}
	return p, nil
}

// Arch returns the patcher's architecture.
func (p *Patcher) Arch() arch.Arch { return p.arch }

// JumpLen is the size of the jump this patcher writes.
func (p *Patcher) JumpLen() int {
	n, _ := JumpLen(p.arch, p.style)
	return n
}

// readSite reads up to MaxPatchLen bytes, shrinking the window if the
// function sits at the end of a mapping.
func (p *Patcher) readSite(addr uint64) ([]byte, error) {
	buf := make([]byte, MaxPatchLen)
	for n := MaxPatchLen; n >= p.JumpLen(); n-- {
		if err := p.space.Read(addr, buf[:n]); err == nil {
			return buf[:n], nil
		}
	}
	return nil, fmt.Errorf("failed to read %d bytes at %#x: %w", p.JumpLen(), addr, memory.ErrUnmapped)
}

// Prepare analyses the target and backs up the bytes the jump will
// displace. Nothing is written.
func (p *Patcher) Prepare(name string, addr uint64) (*TargetHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[addr]; ok {
		if h.Status != Unpatched {
			return nil, fmt.Errorf("%w: %s at %#x", ErrAlreadyPatched, h.Name, addr)
		}
		return h, nil
	}

	code, err := p.readSite(addr)
	if err != nil {
		return nil, err
	}
	if target, ok := JumpTarget(p.arch, code); ok {
		return nil, fmt.Errorf("%w: %s at %#x already jumps to %#x", ErrAlreadyPatched, name, addr, target)
	}

	pro, err := Analyze(p.arch, addr, code, p.JumpLen())
	if err != nil {
		return nil, fmt.Errorf("failed to analyse %s: %w", name, err)
	}
	if pro.Len > MaxPatchLen {
		return nil, fmt.Errorf("%w: %s displaces %d bytes", ErrUnrelocatable, name, pro.Len)
	}

	h := &TargetHandle{Name: name, Address: addr, Len: pro.Len, Prologue: pro}
	copy(h.Backup[:], code[:pro.Len])
	p.handles[addr] = h

	p.logger.Debug().
		Str("target", name).
		Str("address", fmt.Sprintf("%#x", addr)).
		Int("displaced", pro.Len).
		Int("relocations", pro.Relocations()).
		Msg("Prepared patch site")
	return h, nil
}

// patchBytes is the jump padded to the displaced length. The padding is
// never executed; it traps if something jumps into it.
func (p *Patcher) patchBytes(h *TargetHandle, entry uint64) ([]byte, error) {
	jmp, err := EncodeJump(p.arch, entry, p.style)
	if err != nil {
		return nil, err
	}
	pad := byte(0xCC)
	for len(jmp) < h.Len {
		jmp = append(jmp, pad)
	}
	return jmp, nil
}

// write makes the range writable, writes, reads back and makes it
// executable again.
func (p *Patcher) write(addr uint64, data []byte) error {
	size := uint64(len(data))
	if err := p.space.Protect(addr, size, memory.ProtRWX); err != nil {
		return fmt.Errorf("failed to unprotect %#x: %w", addr, err)
	}

	var werr error
	if p.arch == arch.ARM64 && len(data) == 16 {
		// Literal first, then the ldr/br pair that makes it live.
		if werr = p.space.Write(addr+8, data[8:]); werr == nil {
			werr = p.space.Write(addr, data[:8])
		}
	} else {
		werr = p.space.Write(addr, data)
	}

	if werr == nil {
		back := make([]byte, len(data))
		if err := p.space.Read(addr, back); err != nil {
			werr = err
		} else if !bytes.Equal(back, data) {
			werr = fmt.Errorf("%w at %#x", ErrVerify, addr)
		}
	}

	if err := p.space.Protect(addr, size, memory.ProtRX); err != nil && werr == nil {
		werr = fmt.Errorf("failed to reprotect %#x: %w", addr, err)
	}
	if werr != nil {
		return werr
	}
	return p.space.FlushInstructionCache(addr, size)
}

// Install writes the jump to entry. A handle is installed at most once.
func (p *Patcher) Install(h *TargetHandle, entry uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.Status != Unpatched {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyPatched, h.Name, h.Status)
	}

	current := make([]byte, h.Len)
	if err := p.space.Read(h.Address, current); err != nil {
		return fmt.Errorf("failed to read %s: %w", h.Name, err)
	}
	if !bytes.Equal(current, h.Original()) {
		if IsJump(p.arch, current) {
			return fmt.Errorf("%w: %s", ErrAlreadyPatched, h.Name)
		}
		return fmt.Errorf("%w: %s", ErrTargetChanged, h.Name)
	}

	data, err := p.patchBytes(h, entry)
	if err != nil {
		return err
	}
	if err := p.write(h.Address, data); err != nil {
		// Put the original back; a half-written entry is worse than none.
		if rerr := p.write(h.Address, h.Original()); rerr != nil {
			h.Status = RestoreFailed
			return fmt.Errorf("failed to patch %s: %w (restore failed: %v)", h.Name, err, rerr)
		}
		return fmt.Errorf("failed to patch %s: %w", h.Name, err)
	}

	h.Status = Patched
	h.Entry = entry
	p.logger.Info().
		Str("target", h.Name).
		Str("address", fmt.Sprintf("%#x", h.Address)).
		Str("trampoline", fmt.Sprintf("%#x", entry)).
		Msg("Patched function entry")
	return nil
}

// Restore writes the backup over the jump.
func (p *Patcher) Restore(h *TargetHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restoreLocked(h)
}

func (p *Patcher) restoreLocked(h *TargetHandle) error {
	if h.Status == Unpatched {
		return fmt.Errorf("%w: %s", ErrNotPatched, h.Name)
	}
	if err := p.write(h.Address, h.Original()); err != nil {
		h.Status = RestoreFailed
		return fmt.Errorf("failed to restore %s: %w", h.Name, err)
	}
	h.Status = Unpatched
	p.logger.Info().Str("target", h.Name).Str("address", fmt.Sprintf("%#x", h.Address)).Msg("Restored function entry")
	return nil
}

// RestoreAll restores every installed handle and forgets all handles. It
// returns the joined failures.
func (p *Patcher) RestoreAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, h := range p.sortedLocked() {
		if h.Status == Unpatched {
			continue
		}
		if err := p.restoreLocked(h); err != nil {
			errs = append(errs, err)
		}
	}
	for addr, h := range p.handles {
		if h.Status == Unpatched {
			delete(p.handles, addr)
		}
	}
	return errors.Join(errs...)
}

// Handles returns every handle ordered by address.
func (p *Patcher) Handles() []*TargetHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedLocked()
}

func (p *Patcher) sortedLocked() []*TargetHandle {
	out := make([]*TargetHandle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// PatchedRanges lists the address ranges currently rewritten.
func (p *Patcher) PatchedRanges() []memory.Region {
	var out []memory.Region
	for _, h := range p.Handles() {
		if h.Status != Unpatched {
			out = append(out, h.Range())
		}
	}
	return out
}
