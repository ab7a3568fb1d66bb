package synthesis

import "errors"

var (
	// ErrRetriesExhausted is returned once every attempt allowed by a RetryPolicy failed.
	ErrRetriesExhausted = errors.New("synthesis: retry attempts exhausted")
	// ErrSinkUnavailable means the guild has nowhere to play audio. It stops the worker.
	ErrSinkUnavailable = errors.New("synthesis: no playback sink for guild")
	// ErrQueueFull is returned by Enqueue when a bounded queue is at capacity.
	ErrQueueFull = errors.New("synthesis: guild queue is full")
	// ErrEmptyText rejects jobs with nothing to say.
	ErrEmptyText = errors.New("synthesis: empty text")
	// ErrCancelled is the cancellation cause for skipped or cleared jobs.
	ErrCancelled = errors.New("synthesis: job cancelled")
	// ErrShutdown is the cancellation cause used when the supervisor stops.
	ErrShutdown = errors.New("synthesis: supervisor shutting down")
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
