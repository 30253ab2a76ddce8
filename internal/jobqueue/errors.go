package jobqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrInterrupted is returned by handlers that stopped at a step boundary
	// because the job was cancelled.
	ErrInterrupted = errors.New("job interrupted")
	// ErrNotRunning is returned by Complete for a job that is not running.
	ErrNotRunning = errors.New("job is not running")
	// ErrNotHeld is returned by Release for a job that does not hold its shard.
	ErrNotHeld = errors.New("job does not hold its workspace")
	// ErrUnknownJob is returned for ids the queue does not retain.
	ErrUnknownJob = errors.New("unknown job")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Interrupted wraps ErrInterrupted with the step it stopped before.
func Interrupted(step string) error {
	return fmt.Errorf("%w before %s", ErrInterrupted, step)
}

func isInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
