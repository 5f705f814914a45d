//go:build !linux

package tracee

import (
	"context"

	"github.com/rs/zerolog"
)

// Run is not available on this platform.
func Run(_ context.Context, _ int, _ zerolog.Logger, _ Options, _ SetupFunc) error {
	return ErrUnsupported
}
