package engine

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a hook or an invocation failed.
type FailureKind string

const (
	// FailureResolve: no symbol matched. Recoverable while fallbacks remain.
	FailureResolve FailureKind = "resolve"
	// FailureArch: no bridge or code generator for the architecture. Raised
	// before any target memory is touched.
	FailureArch FailureKind = "arch"
	// FailureConfig: the hook's signature, capture or offsets do not work
	// for this target.
	FailureConfig FailureKind = "config"
	// FailurePatch: the prologue, trampoline or jump could not be installed.
	// Fatal for that hook only.
	FailurePatch FailureKind = "patch"
	// FailureDecode: a captured string was unreadable. The default is used.
	FailureDecode FailureKind = "decode"
	// FailureCallback: the callback panicked or got an unknown hook id.
	FailureCallback FailureKind = "callback"
	// FailureRestore: teardown could not put the original bytes back.
	FailureRestore FailureKind = "restore"
)

var (
	ErrNoTargets      = errors.New("no hook target resolved")
	ErrNothingHooked  = errors.New("no hook installed")
	ErrUnknownHook    = errors.New("unknown hook id")
	ErrNotQuiescent   = errors.New("threads still inside instrumented code")
	ErrSessionClosed  = errors.New("session closed")
	ErrAlreadyStarted = errors.New("session already installed")
)

// Failure is one classified failure. Terminal failures are reported to the
// observer exactly once.
type Failure struct {
	Kind FailureKind
	Hook string
	Err  error
}

func (f *Failure) Error() string {
	if f.Hook == "" {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s %s: %v", f.Hook, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// IsKind reports whether err carries a Failure of kind k.
func IsKind(err error, k FailureKind) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == k
}
