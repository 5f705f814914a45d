// Package engine composes symbol resolution, patching, trampolines and span
// emission into one instrumentation session against a target address
// space.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/config"
	coralerrors "github.com/coral-mesh/coral-hook/internal/errors"
	"github.com/coral-mesh/coral-hook/internal/gostring"
	"github.com/coral-mesh/coral-hook/internal/memory"
	"github.com/coral-mesh/coral-hook/internal/observer"
	"github.com/coral-mesh/coral-hook/internal/patch"
	"github.com/coral-mesh/coral-hook/internal/span"
	"github.com/coral-mesh/coral-hook/internal/symbols"
	"github.com/coral-mesh/coral-hook/internal/trampoline"
)

// Option configures a Session.
type Option func(*Session)

// WithArch overrides session.arch from the configuration.
func WithArch(a arch.Arch) Option {
	return func(s *Session) { s.arch = a }
}

// WithResolver replaces the default strategy order.
func WithResolver(r *symbols.Resolver) Option {
	return func(s *Session) { s.resolver = r }
}

// WithGoVersion sets the target's Go version instead of reading it from
// the symbol source.
func WithGoVersion(v string) Option {
	return func(s *Session) { s.goVersion = v }
}

// WithSpanTable injects the in-flight span table.
func WithSpanTable(t span.Table) Option {
	return func(s *Session) { s.table = t }
}

// WithClock overrides the span clock.
func WithClock(c span.Clock) Option {
	return func(s *Session) { s.spanOpts = append(s.spanOpts, span.WithClock(c)) }
}

// Session is one instrumentation run against one address space. Install
// and Close must be called with every target thread stopped; Dispatch runs
// while the calling thread is parked in the callback.
type Session struct {
	id     string
	cfg    *config.Config
	logger zerolog.Logger
	space  memory.Space
	src    symbols.Source
	sink   observer.Observer

	arch      arch.Arch
	bridge    *arch.Bridge
	resolver  *symbols.Resolver
	offsets   *config.OffsetTable
	goVersion string
	table     span.Table
	spanOpts  []span.Option
	emitter   *span.Emitter

	patcher  *patch.Patcher
	pool     *trampoline.StackPool
	stub     *trampoline.Stub
	callback uint64

	mu        sync.RWMutex
	nextID    uint64
	hooks     []*Hook
	byID      map[uint64]*Hook
	failures  []*Failure
	installed bool
	closed    bool
}

// NewSession validates that the target architecture can be instrumented
// and prepares the session. Nothing in space is touched until Install.
func NewSession(
	cfg *config.Config,
	space memory.Space,
	src symbols.Source,
	sink observer.Observer,
	logger zerolog.Logger,
	opts ...Option,
) (*Session, error) {
	if sink == nil {
		sink = observer.Discard
	}
	s := &Session{
		id:    uuid.NewString(),
		cfg:   cfg,
		space: space,
		src:   src,
		sink:  sink,
		byID:  make(map[uint64]*Hook),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.With().Str("component", "engine").Str("session_id", s.id).Logger()

	if s.arch == "" {
		a, err := arch.Parse(cfg.Session.Arch)
		if err != nil {
			return nil, s.failLocked(&Failure{Kind: FailureArch, Err: err})
		}
		s.arch = a
	}
	bridge, err := arch.Lookup(s.arch)
	if err != nil {
		return nil, s.failLocked(&Failure{Kind: FailureArch, Err: err})
	}
	if _, err := trampoline.NewBuilder(s.arch); err != nil {
		return nil, s.failLocked(&Failure{Kind: FailureArch, Err: err})
	}
	s.bridge = bridge

	style, err := patch.ParseJumpStyle(cfg.Session.JumpStyle)
	if err != nil {
		return nil, s.failLocked(&Failure{Kind: FailureConfig, Err: err})
	}
	s.patcher, err = patch.NewPatcher(space, s.arch, logger, patch.WithJumpStyle(style))
	if err != nil {
		return nil, s.failLocked(&Failure{Kind: FailureConfig, Err: err})
	}
	s.offsets, err = config.CompileOffsets(cfg.Offsets)
	if err != nil {
		return nil, s.failLocked(&Failure{Kind: FailureConfig, Err: err})
	}

	if s.resolver == nil {
		s.resolver = symbols.NewResolver(logger)
	}
	if s.table == nil {
		s.table = span.NewMemTable()
	}
	s.emitter = span.NewEmitter(s.table, sink, logger, s.spanOpts...)
	return s, nil
}

// ID is the session's unique id.
func (s *Session) ID() string { return s.id }

// Arch is the instrumented architecture.
func (s *Session) Arch() arch.Arch { return s.arch }

// Bridge is the calling-convention mapping in use.
func (s *Session) Bridge() *arch.Bridge { return s.bridge }

// Callback is the native address trampolines call.
func (s *Session) Callback() uint64 { return s.callback }

// Stub is the trap stub, nil in address mode or before Install.
func (s *Session) Stub() *trampoline.Stub { return s.stub }

// Emitter is the session's span emitter.
func (s *Session) Emitter() *span.Emitter { return s.emitter }

// Hooks returns the installed hooks in install order.
func (s *Session) Hooks() []*Hook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Hook(nil), s.hooks...)
}

// Failures returns every terminal failure reported so far.
func (s *Session) Failures() []*Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Failure(nil), s.failures...)
}

// failLocked records f and reports it to the observer. It is the only
// place error events are sent from.
func (s *Session) failLocked(f *Failure) error {
	s.failures = append(s.failures, f)
	s.logger.Error().Err(f.Err).Str("kind", string(f.Kind)).Str("hook", f.Hook).Msg("Instrumentation failure")
	s.sink.Send(observer.Error(f.Error()))
	return f
}

func (s *Session) report(f *Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failLocked(f)
}

type target struct {
	hc  config.HookConfig
	sym symbols.Symbol
}

// resolveGroup resolves hooks in one pass. Misses are logged and skipped.
func (s *Session) resolveGroup(hcs []config.HookConfig) []target {
	qs := make([]symbols.Query, len(hcs))
	for i, hc := range hcs {
		qs[i] = hc.Query()
	}
	var out []target
	for i, r := range s.resolver.ResolveAll(s.src, qs) {
		if !r.Found() {
			s.logger.Warn().Err(r.Err).Str("hook", hcs[i].Name).Msg("Hook target not found")
			continue
		}
		out = append(out, target{hc: hcs[i], sym: r.Symbol})
	}
	return out
}

// resolve tries the primary hooks, then the fallbacks if none resolved.
func (s *Session) resolve() ([]target, error) {
	var primary, fallback []config.HookConfig
	for _, hc := range s.cfg.Hooks {
		if hc.Fallback {
			fallback = append(fallback, hc)
		} else {
			primary = append(primary, hc)
		}
	}

	found := s.resolveGroup(primary)
	if len(found) == 0 && len(fallback) > 0 {
		s.logger.Info().Int("fallbacks", len(fallback)).Msg("No handler resolved, trying fallback hooks")
		found = s.resolveGroup(fallback)
	}
	if len(found) == 0 {
		names := make([]string, 0, len(s.cfg.Hooks))
		for _, hc := range s.cfg.Hooks {
			names = append(names, hc.Name)
		}
		return nil, fmt.Errorf("%w in %s (tried %s)", ErrNoTargets, s.src.Module().Name, strings.Join(names, ", "))
	}
	return found, nil
}

// allocate sets up the alternate stacks and the callback.
func (s *Session) allocate() error {
	pool, err := trampoline.NewStackPool(s.space, s.cfg.Session.StackSlots, s.cfg.Session.StackSize)
	if err != nil {
		return err
	}
	s.pool = pool

	if s.cfg.Session.CallbackMode == config.CallbackAddress {
		s.callback = s.cfg.Session.CallbackAddress
		return nil
	}
	stub, err := trampoline.NewStub(s.space, s.arch)
	if err != nil {
		_ = pool.Free(s.space)
		s.pool = nil
		return err
	}
	s.stub = stub
	s.callback = stub.Base
	return nil
}

func (s *Session) targetGoVersion() (string, error) {
	if s.goVersion != "" {
		return s.goVersion, nil
	}
	src, ok := s.src.(interface{ GoVersion() (string, error) })
	if !ok {
		return "", errors.New("target go version unknown")
	}
	v, err := src.GoVersion()
	if err != nil {
		return "", fmt.Errorf("failed to read target go version: %w", err)
	}
	s.goVersion = v
	return v, nil
}

func needsOffsetTable(hc config.HookConfig) bool {
	for _, f := range hc.Fields {
		if f.Offset == nil {
			return true
		}
	}
	return false
}

// installHook takes one resolved hook from plan to live patch. Every
// failure is a *Failure for that hook; nothing is left patched.
func (s *Session) installHook(t target) (*Hook, error) {
	hc := t.hc
	fail := func(kind FailureKind, err error) error {
		return &Failure{Kind: kind, Hook: hc.Name, Err: err}
	}

	kinds, err := hc.ArgKinds()
	if err != nil {
		return nil, fail(FailureConfig, err)
	}
	plan, err := s.bridge.Plan(kinds, hc.Capture)
	if err != nil {
		return nil, fail(FailureConfig, err)
	}
	var goVersion string
	if needsOffsetTable(hc) {
		if goVersion, err = s.targetGoVersion(); err != nil {
			return nil, fail(FailureConfig, err)
		}
	}
	fields, err := bindFields(hc, s.offsets, goVersion)
	if err != nil {
		return nil, fail(FailureConfig, err)
	}

	handle, err := s.patcher.Prepare(hc.Name, t.sym.Address)
	if err != nil {
		return nil, fail(FailurePatch, err)
	}

	s.nextID++
	id := s.nextID
	img, err := trampoline.Compile(trampoline.Request{
		Arch:      s.arch,
		Plan:      plan,
		HookID:    id,
		Callback:  s.callback,
		SlotTable: s.pool.Table.Base,
		Displaced: handle.Prologue.Relocated,
		Resume:    t.sym.Address + uint64(handle.Len),
	})
	if err != nil {
		return nil, fail(FailurePatch, err)
	}
	if err := img.Commit(s.space); err != nil {
		return nil, fail(FailurePatch, err)
	}
	if err := s.patcher.Install(handle, img.EntryAddress()); err != nil {
		if handle.Status == patch.RestoreFailed {
			s.logger.Warn().Str("hook", hc.Name).Msg("Keeping trampoline, entry may still jump to it")
		} else if rerr := img.Release(s.space); rerr != nil {
			s.logger.Warn().Err(rerr).Str("hook", hc.Name).Msg("Failed to release trampoline")
		}
		return nil, fail(FailurePatch, err)
	}

	h := &Hook{
		ID:     id,
		Name:   hc.Name,
		Config: hc,
		Symbol: t.sym,
		Plan:   plan,
		Handle: handle,
		Image:  img,
		fields: fields,
	}
	s.logger.Info().
		Str("hook", h.Name).
		Str("symbol", t.sym.Name).
		Str("strategy", t.sym.Strategy).
		Str("address", fmt.Sprintf("%#x", t.sym.Address)).
		Str("trampoline", fmt.Sprintf("%#x", img.EntryAddress())).
		Str("plan", plan.String()).
		Msg("Hook installed")
	return h, nil
}

// Install resolves, patches and reports. Resolution misses fall through to
// fallback hooks; a hook that fails to install does not stop the others. A
// ready event is sent when at least one hook is live.
func (s *Session) Install(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.installed {
		return ErrAlreadyStarted
	}
	s.installed = true

	targets, err := s.resolve()
	if err != nil {
		return s.failLocked(&Failure{Kind: FailureResolve, Err: err})
	}
	if err := s.allocate(); err != nil {
		return s.failLocked(&Failure{Kind: FailurePatch, Err: err})
	}

	var errs []error
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return s.abortInstallLocked(err)
		}
		h, err := s.installHook(t)
		if err != nil {
			var f *Failure
			if errors.As(err, &f) {
				errs = append(errs, s.failLocked(f))
			}
			continue
		}
		s.hooks = append(s.hooks, h)
		s.byID[h.ID] = h
	}

	if len(s.hooks) == 0 {
		s.releaseLocked()
		return fmt.Errorf("%w: %w", ErrNothingHooked, errors.Join(errs...))
	}

	names := make([]string, len(s.hooks))
	for i, h := range s.hooks {
		names[i] = h.Name
	}
	s.sink.Send(observer.Ready(fmt.Sprintf("hooked %s", strings.Join(names, ", "))))
	s.logger.Info().Strs("hooks", names).Int("failed", len(errs)).Msg("Instrumentation ready")
	return nil
}

// abortInstallLocked undoes a partial install. Threads are still stopped,
// so the entries can be restored without a quiescence check.
func (s *Session) abortInstallLocked(cause error) error {
	installed := len(s.hooks)
	for i := len(s.hooks) - 1; i >= 0; i-- {
		h := s.hooks[i]
		if h.Handle.Status == patch.Unpatched {
			continue
		}
		if err := s.patcher.Restore(h.Handle); err != nil {
			s.failLocked(&Failure{Kind: FailureRestore, Hook: h.Name, Err: err})
		}
	}
	s.releaseLocked()

	live := s.hooks[:0]
	for _, h := range s.hooks {
		if h.Handle.Status == patch.Unpatched {
			delete(s.byID, h.ID)
			continue
		}
		live = append(live, h)
	}
	s.hooks = live

	return s.failLocked(&Failure{
		Kind: FailurePatch,
		Err:  fmt.Errorf("install interrupted after %d hooks: %w", installed, cause),
	})
}

func (s *Session) hook(id uint64) (*Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownHook, id)
	}
	return h, nil
}

// Dispatch is the callback body: decode the captured request fields, open
// a span and schedule its end. words are the captured argument words in
// plan order. A panic is contained here and reported once.
func (s *Session) Dispatch(hookID uint64, words []uint64) (err error) {
	defer func() {
		var pe *coralerrors.PanicError
		if errors.As(err, &pe) {
			err = s.report(&Failure{Kind: FailureCallback, Hook: s.hookName(hookID), Err: pe})
		}
	}()
	defer coralerrors.RecoverInto(s.logger, "dispatch", &err)

	h, err := s.hook(hookID)
	if err != nil {
		return s.report(&Failure{Kind: FailureCallback, Err: err})
	}

	var method, uri string
	for _, f := range h.fields {
		var base uint64
		if f.word < len(words) {
			base = words[f.word]
		}
		v, derr := gostring.DecodeOr(s.space, base, f.field, f.def)
		if derr != nil {
			s.logger.Debug().Err(derr).Str("hook", h.Name).Str("field", f.role).Msg("Using default for unreadable field")
		}
		switch f.role {
		case config.RoleMethod:
			method = v
		case config.RoleURI:
			uri = v
		}
	}

	rec := s.emitter.Start(h.Name, method, uri)
	if rec == nil {
		return ErrSessionClosed
	}
	h.calls.Add(1)

	if d := s.cfg.Session.SyntheticEndDelay; d > 0 {
		s.emitter.EndAfter(rec.ID, d)
		return nil
	}
	return s.emitter.End(rec.ID)
}

// DispatchArgs takes the callback argument registers as read from a
// stopped thread: hook id first, then the captured words.
func (s *Session) DispatchArgs(args []uint64) error {
	if len(args) == 0 {
		return s.report(&Failure{Kind: FailureCallback, Err: errors.New("callback without arguments")})
	}
	return s.Dispatch(args[0], args[1:])
}

func (s *Session) hookName(id uint64) string {
	if h, err := s.hook(id); err == nil {
		return h.Name
	}
	return ""
}

// Quiescent returns nil when no thread is inside instrumented code: no pc
// in a patched entry, a trampoline or the stub, and no alternate stack
// claimed.
func (s *Session) Quiescent(pcs []uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, pc := range pcs {
		for _, h := range s.hooks {
			if h.Handle.Range().Contains(pc) {
				return fmt.Errorf("%w: pc %#x in patched entry of %s", ErrNotQuiescent, pc, h.Name)
			}
			if h.Image.Contains(pc) {
				return fmt.Errorf("%w: pc %#x in trampoline of %s", ErrNotQuiescent, pc, h.Name)
			}
		}
		if s.stub != nil && s.stub.Contains(pc) {
			return fmt.Errorf("%w: pc %#x in callback stub", ErrNotQuiescent, pc)
		}
	}

	if s.pool == nil {
		return nil
	}
	busy, err := s.pool.Busy(s.space)
	if err != nil {
		return err
	}
	if busy > 0 {
		return fmt.Errorf("%w: %d alternate stacks claimed", ErrNotQuiescent, busy)
	}
	return nil
}

// Close restores every patched entry, frees what no patch references any
// more and settles open spans. Call it only once Quiescent returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for i := len(s.hooks) - 1; i >= 0; i-- {
		h := s.hooks[i]
		if h.Handle.Status == patch.Unpatched {
			continue
		}
		if err := s.patcher.Restore(h.Handle); err != nil {
			errs = append(errs, s.failLocked(&Failure{Kind: FailureRestore, Hook: h.Name, Err: err}))
		}
	}
	s.releaseLocked()

	mode := span.CloseComplete
	if s.cfg.Session.CloseMode == config.CloseDrop {
		mode = span.CloseDrop
	}
	settled := s.emitter.Close(mode)
	s.logger.Info().
		Int("hooks", len(s.hooks)).
		Int("settled_spans", len(settled)).
		Uint64("spans", s.emitter.LastID()).
		Msg("Session closed")
	return errors.Join(errs...)
}

// Abandon settles open spans without touching target memory. It is for a
// target that exited while hooked.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	mode := span.CloseComplete
	if s.cfg.Session.CloseMode == config.CloseDrop {
		mode = span.CloseDrop
	}
	settled := s.emitter.Close(mode)
	s.logger.Warn().
		Int("hooks", len(s.hooks)).
		Int("settled_spans", len(settled)).
		Msg("Target gone, session abandoned")
}

// releaseLocked frees trampolines whose entry is restored. The stub and the
// stacks go only when every entry is restored.
func (s *Session) releaseLocked() {
	live := false
	for _, h := range s.hooks {
		if h.Handle.Status != patch.Unpatched {
			live = true
			s.logger.Warn().Str("hook", h.Name).Msg("Entry still patched, keeping trampoline")
			continue
		}
		if err := h.Image.Release(s.space); err != nil {
			s.logger.Warn().Err(err).Str("hook", h.Name).Msg("Failed to free trampoline")
		}
	}
	if live {
		return
	}
	if s.stub != nil {
		if err := s.stub.Free(s.space); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to free callback stub")
		}
		s.stub = nil
	}
	if s.pool != nil {
		if err := s.pool.Free(s.space); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to free alternate stacks")
		}
		s.pool = nil
	}
}
