package queue

import (
	"errors"
	"time"
)

// Backoff returns the delay before the next attempt of a job that has failed `attempts` times.
func Backoff(attempts int) time.Duration {
	switch {
	case attempts <= 1:
		return 30 * time.Second
	case attempts == 2:
		return 2 * time.Minute
	case attempts == 3:
		return 10 * time.Minute
	case attempts == 4:
		return 30 * time.Minute
	case attempts == 5:
		return time.Hour
	default:
		return 2 * time.Hour
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. A job failing with it becomes terminal at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
