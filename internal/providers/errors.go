package providers

import "errors"

// Failure classification sentinels. Executors wrap their failures with one of
// these markers so the scheduler can decide between retrying and failing the
// task outright.
var (
	// ErrTransient marks a failure worth retrying: provider rate limits,
	// network trouble, upstream 5xx responses.
	ErrTransient = errors.New("transient provider failure")

	// ErrValidation marks a request the provider rejected as malformed.
	// Retrying the same request cannot succeed.
	ErrValidation = errors.New("provider rejected request")

	// ErrFatal marks a non-retryable provider failure that is not the
	// caller's fault, such as a revoked credential.
	ErrFatal = errors.New("fatal provider failure")
)

// Retryable reports whether an error should be retried. Unclassified errors
// are treated as transient so that a missing wrap never turns a recoverable
// blip into a failed project.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrFatal) {
		return false
	}
	return true
}
