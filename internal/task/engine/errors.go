package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: same key already running")
	ErrStale       = errors.New("task dropped: queued past max queue delay")
	ErrPanic       = errors.New("task panicked")
)

// NoRetry marks an error as final for the current occurrence. Post and reply
// jobs record their own failure and wait for the next slot or pass instead
// of retrying.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return finalError{err: err}
}

func IsNoRetry(err error) bool {
	var e finalError
	return errors.As(err, &e)
}

type finalError struct{ err error }

func (e finalError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e finalError) Unwrap() error { return e.err }
