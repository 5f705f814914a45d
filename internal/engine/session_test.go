package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/config"
	coralerrors "github.com/coral-mesh/coral-hook/internal/errors"
	"github.com/coral-mesh/coral-hook/internal/memory"
	"github.com/coral-mesh/coral-hook/internal/observer"
	"github.com/coral-mesh/coral-hook/internal/patch"
	"github.com/coral-mesh/coral-hook/internal/symbols"
	"github.com/coral-mesh/coral-hook/internal/trampoline"
)

const (
	textBase    = 0x40_0000
	textSize    = 0x4000
	healthAddr  = 0x40_1000
	loadAddr    = 0x40_2000
	wrapperAddr = 0x40_3000

	reqAddr  = 0xc000_100000
	strAddr  = 0xc000_200000
	goStack  = 0xc000_000000
	stackLen = 0x10000

	goVersion = "go1.22.3"
)

var (
	goPrologueX86 = []byte{
		0x49, 0x3B, 0x66, 0x10, // cmp rsp, [r14+0x10]
		0x76, 0x30, // jbe morestack
		0x55,             // push rbp
		0x48, 0x89, 0xE5, // mov rbp, rsp
		0x48, 0x83, 0xEC, 0x20, // sub rsp, 0x20
	}
	goPrologueA64 = words(
		0xF9400B90, // ldr x16, [x28, #16]
		0xEB3063FF, // cmp sp, x16
		0x54000409, // b.ls morestack
		0xF81E0FFE, // str x30, [sp, #-32]!
	)

	callFirstX86 = []byte{0xE8, 0x00, 0x00, 0x00, 0x00} // call +0
	callFirstA64 = words(0x94000000)                    // bl +0
)

func words(ws ...uint32) []byte {
	var out []byte
	for _, w := range ws {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}

func prologue(a arch.Arch) []byte {
	if a == arch.ARM64 {
		return goPrologueA64
	}
	return goPrologueX86
}

type fakeFunc struct {
	name string
	addr uint64
	code []byte
}

type fakeTarget struct {
	arch  arch.Arch
	space *memory.Sparse
	src   *symbols.StaticSource
	// baseline is the mapping before any session touched the space.
	baseline []memory.Region
}

// newFakeTarget maps a text segment holding funcs, a request object with
// a GET /health request and a goroutine stack.
func newFakeTarget(t *testing.T, a arch.Arch, funcs ...fakeFunc) *fakeTarget {
	t.Helper()
	fill := []byte{0xCC}
	if a == arch.ARM64 {
		fill = words(0xD4200000) // brk #0
	}
	text := bytes.Repeat(fill, textSize/len(fill))

	src := &symbols.StaticSource{Info: symbols.ModuleInfo{Name: "app", Base: textBase, Size: textSize}}
	for _, f := range funcs {
		copy(text[f.addr-textBase:], f.code)
		src.Table = append(src.Table, symbols.Symbol{Name: f.name, Address: f.addr, Size: 0x100})
	}

	space := memory.NewSparse()
	require.NoError(t, space.Map(textBase, text, memory.ProtRX))
	require.NoError(t, space.Map(goStack, make([]byte, stackLen), memory.ProtRW))
	require.NoError(t, space.Map(reqAddr, make([]byte, 256), memory.ProtRW))
	require.NoError(t, space.Map(strAddr, make([]byte, memory.PageSize), memory.ProtRW))

	ft := &fakeTarget{arch: a, space: space, src: src}
	ft.setRequest(t, "GET", "/health")
	ft.baseline = space.Regions()
	return ft
}

// setRequest writes the Method and RequestURI string headers of an
// http.Request at reqAddr.
func (f *fakeTarget) setRequest(t *testing.T, method, uri string) {
	t.Helper()
	f.setHeader(t, 0, strAddr, int64(len(method)))
	f.setHeader(t, 192, strAddr+0x100, int64(len(uri)))
	require.NoError(t, f.space.Write(strAddr, []byte(method)))
	require.NoError(t, f.space.Write(strAddr+0x100, []byte(uri)))
}

func (f *fakeTarget) setHeader(t *testing.T, off, data uint64, n int64) {
	t.Helper()
	hdr := binary.LittleEndian.AppendUint64(nil, data)
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(n))
	require.NoError(t, f.space.Write(reqAddr+off, hdr))
}

func (f *fakeTarget) read(t *testing.T, addr uint64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, f.space.Read(addr, buf))
	return buf
}

type recorder struct {
	mu     sync.Mutex
	events []observer.Event
}

func (r *recorder) Send(ev observer.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(typ observer.Type) []observer.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []observer.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig(a arch.Arch) *config.Config {
	cfg := config.Default()
	cfg.Session.Arch = string(a)
	cfg.Session.StackSlots = 4
	cfg.Session.StackSize = trampoline.MinStackSize
	cfg.Session.SyntheticEndDelay = 0
	return cfg
}

func newSession(t *testing.T, f *fakeTarget, cfg *config.Config, rec *recorder) *Session {
	t.Helper()
	s, err := NewSession(cfg, f.space, f.src, rec, zerolog.Nop(), WithGoVersion(goVersion))
	require.NoError(t, err)
	return s
}

// call runs the hook's trampoline in the simulator as the target thread
// would, with the request pointer in the handler's argument register.
func call(t *testing.T, s *Session, f *fakeTarget, h *Hook, reqReg arch.Reg) *trampoline.SimResult {
	t.Helper()
	cpu := &trampoline.CPU{SP: goStack + 0x8000, Flags: 0x202}
	cpu.Regs[reqReg] = reqAddr

	var dispatchErr error
	res, err := trampoline.Simulate(h.Image, f.space, cpu, s.Callback(), func(cpu *trampoline.CPU) {
		args := cpu.CallbackArgs(s.Bridge())
		dispatchErr = s.DispatchArgs(args[:1+h.Plan.Words()])
	})
	require.NoError(t, err)
	require.NoError(t, dispatchErr)
	assert.Equal(t, uint64(reqAddr), cpu.Regs[reqReg], "argument register restored")
	return res
}

func TestSession_HealthHandlerEndToEnd(t *testing.T) {
	for _, a := range arch.Supported() {
		t.Run(string(a), func(t *testing.T) {
			f := newFakeTarget(t, a,
				fakeFunc{name: "vendor.FakeHealthHandlerWrapper", addr: wrapperAddr, code: prologue(a)},
				fakeFunc{name: "main.HealthHandler", addr: healthAddr, code: prologue(a)},
			)
			rec := &recorder{}
			s := newSession(t, f, testConfig(a), rec)

			require.NoError(t, s.Install(context.Background()))
			hooks := s.Hooks()
			require.Len(t, hooks, 1)
			h := hooks[0]
			assert.Equal(t, "HealthHandler", h.Name)
			assert.Equal(t, "main.HealthHandler", h.Symbol.Name)
			assert.Equal(t, patch.Patched, h.Handle.Status)

			ready := rec.ofType(observer.TypeReady)
			require.Len(t, ready, 1)
			assert.Equal(t, "hooked HealthHandler", ready[0].Message)

			// The entry now jumps to the trampoline; the lookalike is untouched.
			target, ok := patch.JumpTarget(a, f.read(t, healthAddr, 16))
			require.True(t, ok)
			assert.Equal(t, h.Image.EntryAddress(), target)
			assert.Equal(t, prologue(a), f.read(t, wrapperAddr, len(prologue(a))))

			// HealthHandler(w, r): r follows the two interface words.
			reqReg := s.Bridge().Target.IntArgs[2]
			for i := 0; i < 2; i++ {
				res := call(t, s, f, h, reqReg)
				assert.Equal(t, 1, res.Calls)
				assert.Equal(t, uint64(healthAddr+h.Handle.Len), res.Resume)
			}
			assert.Equal(t, uint64(2), h.Calls())

			starts := rec.ofType(observer.TypeSpanStart)
			ends := rec.ofType(observer.TypeSpanEnd)
			require.Len(t, starts, 2)
			require.Len(t, ends, 2)
			for i, ev := range starts {
				assert.Equal(t, uint64(i+1), ev.SpanID)
				assert.Equal(t, "GET", ev.Method)
				assert.Equal(t, "/health", ev.URI)
				assert.Equal(t, "HealthHandler", ev.Attributes["hook"])
				assert.Equal(t, ev.SpanID, ends[i].SpanID)
			}
			assert.Empty(t, rec.ofType(observer.TypeError))

			// A thread parked inside the patched entry blocks teardown.
			err := s.Quiescent([]uint64{healthAddr + 4})
			assert.ErrorIs(t, err, ErrNotQuiescent)
			err = s.Quiescent([]uint64{h.Image.EntryAddress()})
			assert.ErrorIs(t, err, ErrNotQuiescent)
			require.NoError(t, s.Quiescent([]uint64{wrapperAddr + 4, healthAddr + 0x40}))

			require.NoError(t, s.Close())
			assert.Equal(t, prologue(a), f.read(t, healthAddr, len(prologue(a))))
			assert.Equal(t, patch.Unpatched, h.Handle.Status)
			assert.Equal(t, f.baseline, f.space.Regions(), "every allocation freed")
			require.NoError(t, s.Close())
		})
	}
}

func TestSession_FallbackOnlyWhenNoHandlerResolves(t *testing.T) {
	f := newFakeTarget(t, arch.AMD64,
		fakeFunc{name: "net/http.serverHandler.ServeHTTP", addr: healthAddr, code: goPrologueX86},
	)
	rec := &recorder{}
	s := newSession(t, f, testConfig(arch.AMD64), rec)

	require.NoError(t, s.Install(context.Background()))
	hooks := s.Hooks()
	require.Len(t, hooks, 1)
	assert.Equal(t, "ServeHTTP", hooks[0].Name)

	// serverHandler.ServeHTTP(sh, w, r): r is the fourth register word.
	res := call(t, s, f, hooks[0], s.Bridge().Target.IntArgs[3])
	assert.Equal(t, 1, res.Calls)

	starts := rec.ofType(observer.TypeSpanStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "ServeHTTP", starts[0].Attributes["hook"])
	assert.Equal(t, "/health", starts[0].URI)
	require.NoError(t, s.Close())
}

func TestSession_FallbackSkippedWhenHandlerResolves(t *testing.T) {
	f := newFakeTarget(t, arch.AMD64,
		fakeFunc{name: "main.(*Input).LoadHandler", addr: loadAddr, code: goPrologueX86},
		fakeFunc{name: "net/http.serverHandler.ServeHTTP", addr: healthAddr, code: goPrologueX86},
	)
	s := newSession(t, f, testConfig(arch.AMD64), &recorder{})

	require.NoError(t, s.Install(context.Background()))
	hooks := s.Hooks()
	require.Len(t, hooks, 1)
	assert.Equal(t, "LoadHandler", hooks[0].Name)
	assert.Equal(t, goPrologueX86, f.read(t, healthAddr, len(goPrologueX86)))
	require.NoError(t, s.Close())
}

func TestSession_NoTargetResolved(t *testing.T) {
	f := newFakeTarget(t, arch.AMD64,
		fakeFunc{name: "main.main", addr: healthAddr, code: goPrologueX86},
	)
	rec := &recorder{}
	s := newSession(t, f, testConfig(arch.AMD64), rec)
	writes := f.space.Writes()

	err := s.Install(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoTargets)
	assert.True(t, IsKind(err, FailureResolve))

	assert.Len(t, rec.ofType(observer.TypeError), 1)
	assert.Empty(t, rec.ofType(observer.TypeReady))
	assert.Equal(t, writes, f.space.Writes(), "nothing written")
	assert.Equal(t, f.baseline, f.space.Regions())
	assert.ErrorIs(t, s.Install(context.Background()), ErrAlreadyStarted)
}

func TestNewSession_UnsupportedArch(t *testing.T) {
	f := newFakeTarget(t, arch.AMD64,
		fakeFunc{name: "main.HealthHandler", addr: healthAddr, code: goPrologueX86},
	)
	rec := &recorder{}
	writes := f.space.Writes()

	_, err := NewSession(testConfig(arch.AMD64), f.space, f.src, rec, zerolog.Nop(), WithArch("riscv64"))
	require.Error(t, err)
	assert.ErrorIs(t, err, arch.ErrUnsupportedArch)
	assert.True(t, IsKind(err, FailureArch))
	assert.Len(t, rec.ofType(observer.TypeError), 1)
	assert.Equal(t, writes, f.space.Writes())
	assert.Equal(t, goPrologueX86, f.read(t, healthAddr, len(goPrologueX86)))
}

func TestSession_PatchFailureIsolatedToHook(t *testing.T) {
	for _, a := range arch.Supported() {
		t.Run(string(a), func(t *testing.T) {
			bad := callFirstX86
			if a == arch.ARM64 {
				bad = callFirstA64
			}
			f := newFakeTarget(t, a,
				fakeFunc{name: "main.(*Input).LoadHandler", addr: loadAddr, code: bad},
				fakeFunc{name: "main.HealthHandler", addr: healthAddr, code: prologue(a)},
			)
			rec := &recorder{}
			s := newSession(t, f, testConfig(a), rec)

			require.NoError(t, s.Install(context.Background()))
			hooks := s.Hooks()
			require.Len(t, hooks, 1)
			assert.Equal(t, "HealthHandler", hooks[0].Name)

			failures := s.Failures()
			require.Len(t, failures, 1)
			assert.Equal(t, FailurePatch, failures[0].Kind)
			assert.Equal(t, "LoadHandler", failures[0].Hook)
			assert.ErrorIs(t, failures[0], patch.ErrUnrelocatable)

			errs := rec.ofType(observer.TypeError)
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0].Message, "LoadHandler patch")
			assert.Len(t, rec.ofType(observer.TypeReady), 1)
			assert.Equal(t, bad, f.read(t, loadAddr, len(bad)))
			require.NoError(t, s.Close())
		})
	}
}

func TestSession_EveryHookFails(t *testing.T) {
	f := newFakeTarget(t, arch.AMD64,
		fakeFunc{name: "main.HealthHandler", addr: healthAddr, code: callFirstX86},
	)
	rec := &recorder{}
	s := newSession(t, f, testConfig(arch.AMD64), rec)

	err := s.Install(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNothingHooked)
	assert.ErrorIs(t, err, patch.ErrUnrelocatable)
	assert.Len(t, rec.ofType(observer.TypeError), 1)
	assert.Empty(t, rec.ofType(observer.TypeReady))
	assert.Equal(t, f.baseline, f.space.Regions(), "stub and stacks freed")
}

func TestSession_MissingOffsetFailsHook(t *testing.T) {
	f := newFakeTarget(t, arch.AMD64,
		fakeFunc{name: "main.HealthHandler", addr: healthAddr, code: goPrologueX86},
	)
	rec := &recorder{}
	s, err := NewSession(testConfig(arch.AMD64), f.space, f.src, rec, zerolog.Nop(), WithGoVersion("go1.12"))
	require.NoError(t, err)

	err = s.Install(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrNoOffsets)
	assert.True(t, IsKind(err, FailureConfig))
	assert.Equal(t, goPrologueX86, f.read(t, healthAddr, len(goPrologueX86)))
}

// cancelAfter reports cancellation once Err has been checked n times.
type cancelAfter struct {
	context.Context
	n int
}

func (c *cancelAfter) Err() error {
	if c.n <= 0 {
		return context.Canceled
	}
	c.n--
	return nil
}

func TestSession_InstallInterruptedRestores(t *testing.T) {
	f := newFakeTarget(t, arch.AMD64,
		fakeFunc{name: "main.(*Input).LoadHandler", addr: loadAddr, code: goPrologueX86},
		fakeFunc{name: "main.HealthHandler", addr: healthAddr, code: goPrologueX86},
	)
	rec := &recorder{}
	s := newSession(t, f, testConfig(arch.AMD64), rec)

	err := s.Install(&cancelAfter{Context: context.Background(), n: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsKind(err, FailurePatch))
	assert.Contains(t, err.Error(), "after 1 hooks")

	assert.Len(t, rec.ofType(observer.TypeError), 1)
	assert.Empty(t, rec.ofType(observer.TypeReady))
	assert.Empty(t, s.Hooks())
	assert.Equal(t, goPrologueX86, f.read(t, loadAddr, len(goPrologueX86)))
	assert.Equal(t, goPrologueX86, f.read(t, healthAddr, len(goPrologueX86)))
	assert.Equal(t, f.baseline, f.space.Regions(), "trampoline, stub and stacks freed")
	require.NoError(t, s.Close())
}

func TestSession_InstallCancelledBeforeFirstHook(t *testing.T) {
	f := newFakeTarget(t, arch.AMD64,
		fakeFunc{name: "main.HealthHandler", addr: healthAddr, code: goPrologueX86},
	)
	rec := &recorder{}
	s := newSession(t, f, testConfig(arch.AMD64), rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Install(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "after 0 hooks")
	assert.Len(t, rec.ofType(observer.TypeError), 1)
	assert.Equal(t, goPrologueX86, f.read(t, healthAddr, len(goPrologueX86)))
	assert.Equal(t, f.baseline, f.space.Regions())
}

func installHealth(t *testing.T, cfg *config.Config, rec *recorder) (*Session, *fakeTarget, *Hook) {
	t.Helper()
	f := newFakeTarget(t, arch.AMD64,
		fakeFunc{name: "main.HealthHandler", addr: healthAddr, code: goPrologueX86},
	)
	s := newSession(t, f, cfg, rec)
	require.NoError(t, s.Install(context.Background()))
	return s, f, s.Hooks()[0]
}

func TestDispatch_UnreadableFieldsUseDefaults(t *testing.T) {
	rec := &recorder{}
	s, f, h := installHealth(t, testConfig(arch.AMD64), rec)

	f.setHeader(t, 0, 0, 4)                   // null data pointer
	f.setHeader(t, 192, strAddr+0x100, 1<<20) // over the URI bound
	require.NoError(t, s.Dispatch(h.ID, []uint64{reqAddr}))

	// A nil request pointer falls back as well.
	require.NoError(t, s.Dispatch(h.ID, []uint64{0}))

	starts := rec.ofType(observer.TypeSpanStart)
	require.Len(t, starts, 2)
	for _, ev := range starts {
		assert.Equal(t, "GET", ev.Method)
		assert.Equal(t, "/", ev.URI)
	}
	assert.Empty(t, rec.ofType(observer.TypeError), "decode failures are not terminal")
	require.NoError(t, s.Close())
}

func TestDispatch_PostRequest(t *testing.T) {
	rec := &recorder{}
	s, f, h := installHealth(t, testConfig(arch.AMD64), rec)

	f.setRequest(t, "POST", "/load?size=3")
	require.NoError(t, s.Dispatch(h.ID, []uint64{reqAddr}))

	starts := rec.ofType(observer.TypeSpanStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "POST", starts[0].Method)
	assert.Equal(t, "/load?size=3", starts[0].URI)
	require.NoError(t, s.Close())
}

func TestDispatch_UnknownHook(t *testing.T) {
	rec := &recorder{}
	s, _, _ := installHealth(t, testConfig(arch.AMD64), rec)

	err := s.Dispatch(99, []uint64{reqAddr})
	assert.ErrorIs(t, err, ErrUnknownHook)
	assert.True(t, IsKind(err, FailureCallback))
	assert.Len(t, rec.ofType(observer.TypeError), 1)
	assert.Empty(t, rec.ofType(observer.TypeSpanStart))

	err = s.DispatchArgs(nil)
	assert.True(t, IsKind(err, FailureCallback))
	assert.Len(t, rec.ofType(observer.TypeError), 2)
	require.NoError(t, s.Close())
}

// panicSpace panics on reads of the request's URI header.
type panicSpace struct {
	*memory.Sparse
}

func (p panicSpace) Read(addr uint64, b []byte) error {
	if addr == reqAddr+192 {
		panic("corrupt request")
	}
	return p.Sparse.Read(addr, b)
}

func TestDispatch_PanicContained(t *testing.T) {
	f := newFakeTarget(t, arch.AMD64,
		fakeFunc{name: "main.HealthHandler", addr: healthAddr, code: goPrologueX86},
	)
	rec := &recorder{}
	s, err := NewSession(testConfig(arch.AMD64), panicSpace{f.space}, f.src, rec, zerolog.Nop(), WithGoVersion(goVersion))
	require.NoError(t, err)
	require.NoError(t, s.Install(context.Background()))
	h := s.Hooks()[0]

	err = s.Dispatch(h.ID, []uint64{reqAddr})
	require.Error(t, err)
	assert.True(t, IsKind(err, FailureCallback))
	var pe *coralerrors.PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "corrupt request", pe.Value)

	errs := rec.ofType(observer.TypeError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "HealthHandler callback")
	assert.Empty(t, rec.ofType(observer.TypeSpanStart))
	require.NoError(t, s.Close())
}

func TestSession_SyntheticEnd(t *testing.T) {
	cfg := testConfig(arch.AMD64)
	cfg.Session.SyntheticEndDelay = 5 * time.Millisecond
	rec := &recorder{}
	s, _, h := installHealth(t, cfg, rec)

	require.NoError(t, s.Dispatch(h.ID, []uint64{reqAddr}))
	require.Eventually(t, func() bool {
		return len(rec.ofType(observer.TypeSpanEnd)) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	assert.Len(t, rec.ofType(observer.TypeSpanEnd), 1)
}

func TestSession_CloseModes(t *testing.T) {
	tests := []struct {
		mode     string
		wantEnds int
	}{
		{config.CloseComplete, 1},
		{config.CloseDrop, 0},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := testConfig(arch.AMD64)
			cfg.Session.SyntheticEndDelay = time.Hour
			cfg.Session.CloseMode = tt.mode
			rec := &recorder{}
			s, _, h := installHealth(t, cfg, rec)

			require.NoError(t, s.Dispatch(h.ID, []uint64{reqAddr}))
			require.NoError(t, s.Close())
			assert.Len(t, rec.ofType(observer.TypeSpanEnd), tt.wantEnds)

			// No spans after close.
			assert.ErrorIs(t, s.Dispatch(h.ID, []uint64{reqAddr}), ErrSessionClosed)
			assert.Len(t, rec.ofType(observer.TypeSpanStart), 1)
		})
	}
}

func TestSession_AbandonLeavesMemory(t *testing.T) {
	cfg := testConfig(arch.AMD64)
	cfg.Session.SyntheticEndDelay = time.Hour
	rec := &recorder{}
	s, f, h := installHealth(t, cfg, rec)

	require.NoError(t, s.Dispatch(h.ID, []uint64{reqAddr}))
	s.Abandon()

	assert.Len(t, rec.ofType(observer.TypeSpanEnd), 1)
	assert.Empty(t, rec.ofType(observer.TypeError))
	assert.Equal(t, patch.Patched, h.Handle.Status)
	assert.True(t, patch.IsJump(arch.AMD64, f.read(t, healthAddr, h.Handle.Len)))

	// Close after Abandon is a no-op.
	require.NoError(t, s.Close())
	assert.Equal(t, patch.Patched, h.Handle.Status)
}

func TestSession_AddressCallbackMode(t *testing.T) {
	cfg := testConfig(arch.AMD64)
	cfg.Session.CallbackMode = config.CallbackAddress
	cfg.Session.CallbackAddress = 0x5000_0000
	s, _, h := installHealth(t, cfg, &recorder{})

	assert.Nil(t, s.Stub())
	assert.Equal(t, uint64(0x5000_0000), s.Callback())
	assert.Contains(t, h.Image.Program.String(), "invoke-callback  0x50000000")
	require.NoError(t, s.Close())
}

func TestSession_RestoreFailureKeepsTrampoline(t *testing.T) {
	rec := &recorder{}
	s, f, h := installHealth(t, testConfig(arch.AMD64), rec)

	// Unmap the text page behind the session's back.
	require.NoError(t, f.space.Free(textBase, textSize))

	err := s.Close()
	require.Error(t, err)
	assert.True(t, IsKind(err, FailureRestore))
	assert.Equal(t, patch.RestoreFailed, h.Handle.Status)
	assert.Len(t, rec.ofType(observer.TypeError), 1)
	assert.NotZero(t, h.Image.Base, "trampoline still referenced")
}
