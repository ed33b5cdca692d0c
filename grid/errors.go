package grid

import (
	"github.com/LeastAuthority/magic-folder/internal/errkind"
)

// ErrCASUnsupported is returned by Client.Link implementations that cannot
// perform a compare-and-swap and want the caller to fall back to mutual
// exclusion instead (spec.md §4.5 step 5, §9 Open Question 2).
var ErrCASUnsupported = errkind.New(errkind.Validation, "grid: conditional link not supported")

// Transient wraps err as a retryable grid error.
func Transient(err error, msg string) error {
	return errkind.Wrap(errkind.TransientIO, err, msg)
}

// TransientNew creates a retryable grid error with no underlying cause.
func TransientNew(msg string) error {
	return errkind.New(errkind.TransientIO, msg)
}

// Permanent wraps err as a non-retryable grid error.
func Permanent(err error, msg string) error {
	return errkind.Wrap(errkind.Fatal, err, msg)
}

// PermanentNew creates a non-retryable grid error with no underlying cause.
func PermanentNew(msg string) error {
	return errkind.New(errkind.Fatal, msg)
}

// NotFound creates a not-found grid error with no underlying cause, e.g.
// for a missing blob or directory entry.
func NotFound(msg string) error {
	return errkind.New(errkind.NotFound, msg)
}

// CASMismatchNew creates a grid error for a failed conditional Link: another
// writer already advanced the entry past the expected prior value. Callers
// retry with backoff against the new head rather than treat this as fatal
// (spec.md §4.5 step 5: a lost compare-and-swap race is retried, not
// disabling).
func CASMismatchNew(msg string) error {
	return errkind.New(errkind.TransientIO, msg)
}

// IsTransient reports whether err was produced by Transient (or otherwise
// classified transient-io), i.e. is safe to retry with backoff.
func IsTransient(err error) bool {
	return errkind.Is(err, errkind.TransientIO)
}
