// Package errors provides helpers for cleanup and panic containment.
package errors

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// DeferClose properly closes an io.Closer with logging.
// Use this in defer statements to avoid suppressing close errors.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// PanicError is a recovered panic turned into an error.
type PanicError struct {
	Where string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Where, e.Value)
}

// Recover stops a panic at a boundary and logs it. It must be deferred
// directly: defer errors.Recover(logger, "dispatch").
func Recover(logger zerolog.Logger, where string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("where", where).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("Recovered panic")
	}
}

// RecoverInto is Recover that also stores the panic in *errp.
func RecoverInto(logger zerolog.Logger, where string, errp *error) {
	if r := recover(); r != nil {
		pe := &PanicError{Where: where, Value: r, Stack: debug.Stack()}
		logger.Error().
			Str("where", where).
			Interface("panic", r).
			Msg("Recovered panic")
		if errp != nil {
			*errp = pe
		}
	}
}

// Must panics if error is not nil.
// Use only for initialization code where failure should halt the program.
func Must(err error, msg string) {
	if err != nil {
		panic(fmt.Sprintf("%s: %v", msg, err))
	}
}
