package retry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coral-mesh/coral-hook/internal/retry"
)

var errNotQuiescent = errors.New("not quiescent")

// Example waits for a condition that clears on the third check.
func Example() {
	checks := 0
	err := retry.Do(context.Background(), retry.Config{
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
	}, func() error {
		checks++
		if checks < 3 {
			return errNotQuiescent
		}
		return nil
	}, func(err error) bool {
		return errors.Is(err, errNotQuiescent)
	})

	fmt.Println(err, checks)
	// Output: <nil> 3
}
