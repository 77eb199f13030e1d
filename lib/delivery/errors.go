package delivery

import (
	"errors"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrQueueFull   = errors.New("delivery queue full")
	ErrClosed      = errors.New("delivery queue closed")
	ErrCircuitOpen = errors.New("circuit open for destination")
	ErrCancelled   = errors.New("delivery cancelled")
)

// Permanent marks a transmission error that retrying cannot fix. The
// delivery ends as a dead letter without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
