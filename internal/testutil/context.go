// Package testutil holds helpers shared by coral-hook tests.
package testutil

import (
	"context"
	"testing"
	"time"
)

// DefaultTimeout bounds tests that drive a real process.
const DefaultTimeout = 30 * time.Second

// NewTestContext returns a context that ends at the test deadline or after
// DefaultTimeout, whichever is sooner, and is cancelled on cleanup.
func NewTestContext(t *testing.T) context.Context {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	if d, ok := t.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	t.Cleanup(cancel)
	return ctx
}
