// Package errkind classifies engine errors into the kinds the core is
// specified to distinguish: validation, not-found, conflict, transient-io,
// and fatal. Propagation policy (spec.md §7) is encoded by the callers that
// choose which kind to attach, not by this package.
package errkind

import "github.com/pkg/errors"

// Kind is one of the error categories the engine surfaces to callers.
type Kind int

// The error kinds named by spec.md §7.
const (
	Unknown Kind = iota
	Validation
	NotFound
	Conflict
	TransientIO
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not-found"
	case Conflict:
		return "conflict"
	case TransientIO:
		return "transient-io"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Kind() Kind    { return e.kind }

// New wraps msg as an error of the given kind.
func New(k Kind, msg string) error {
	return &kindError{kind: k, err: errors.New(msg)}
}

// Wrap attaches a kind to an existing error, preserving it for errors.Is /
// errors.As / errors.Unwrap. A nil err returns nil.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}

	return &kindError{kind: k, err: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(k Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	return &kindError{kind: k, err: errors.Wrapf(err, format, args...)}
}

// Classify returns the Kind attached to err by New/Wrap/Wrapf, walking the
// error chain, or Unknown if none of the wrapped errors carry one.
func Classify(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindError); ok { //nolint:errorlint
			return ke.kind
		}

		u, ok := err.(interface{ Unwrap() error }) //nolint:errorlint
		if !ok {
			return Unknown
		}

		err = u.Unwrap()
	}

	return Unknown
}

// Is reports whether err is classified (anywhere in its chain) as k.
func Is(err error, k Kind) bool {
	return Classify(err) == k
}
