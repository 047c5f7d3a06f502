package channels

import "errors"

var (
	// ErrNotConnected is returned by Publish while the broker connection
	// is down. It is transient; callers may retry.
	ErrNotConnected = errors.New("chanmq: not connected")

	// ErrWriteBufferFull is returned by Publish when the outbound path
	// stayed saturated past the message timeout. It is transient;
	// callers may retry.
	ErrWriteBufferFull = errors.New("chanmq: write buffer full")

	// ErrUnknownChannel is returned when an operation names a channel
	// that was never subscribed.
	ErrUnknownChannel = errors.New("chanmq: unknown channel")
)

// permanentError marks a processing error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Handlers return a permanent
// error for failures that cannot succeed on redelivery, such as a
// malformed payload. A permanent error bypasses the retry path even when
// the channel has retries remaining.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// IsRetryable reports whether a publish failure is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrWriteBufferFull)
}
