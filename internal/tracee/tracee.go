// Package tracee drives a live target process with ptrace: it stops every
// thread while hooks are installed, serves the callback traps the
// trampolines raise, and undoes everything once no thread is inside
// instrumented code.
//
// All ptrace requests for one target must come from the same OS thread,
// so Run locks its goroutine to a thread and performs setup, serving and
// teardown on it.
package tracee

import (
	"context"
	"errors"
	"time"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/memory"
	"github.com/coral-mesh/coral-hook/internal/trampoline"
)

var (
	// ErrUnsupported is returned on platforms without ptrace support.
	ErrUnsupported = errors.New("process tracing is only supported on linux")
	// ErrTargetExited means every thread of the target is gone.
	ErrTargetExited = errors.New("target process exited")
	// ErrNotStopped means a memory operation needed a stopped thread.
	ErrNotStopped = errors.New("no stopped thread to run the request")
)

// Session is the instrumentation served by Run.
type Session interface {
	// Stub is nil when the callback is not a trap.
	Stub() *trampoline.Stub
	Bridge() *arch.Bridge
	DispatchArgs(args []uint64) error
	Quiescent(pcs []uint64) error
	Close() error
	// Abandon settles the session when the target is gone.
	Abandon()
}

// Target is what setup gets to build a session against.
type Target struct {
	PID int
	// Exe is the executable path as the target sees it.
	Exe string
	// ExePath opens the same executable from the tracer's mount namespace.
	ExePath string
	// LoadBase is where the executable's first page is mapped.
	LoadBase uint64
	Space    memory.Space
}

// SetupFunc installs hooks while every thread of the target is stopped.
type SetupFunc func(ctx context.Context, t *Target) (Session, error)

// Options tunes Run.
type Options struct {
	// QuiesceTimeout bounds one teardown round. Threads still inside
	// instrumented code after it are served for another round.
	QuiesceTimeout time.Duration
	// PollInterval is the sleep between wait polls when nothing happened.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.QuiesceTimeout <= 0 {
		o.QuiesceTimeout = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Millisecond
	}
	return o
}
