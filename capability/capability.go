// Package capability implements typed wrappers over grid capability
// strings: read-only, write, verify, and immutable-directory flavors, plus
// the safe downgrade conversions between them (spec.md §4.1).
//
// Capability strings themselves are treated as opaque outside this package,
// the way cas.ObjectID treats block identifiers as opaque outside the cas
// package (_examples/kopia-kopia/cas/objectid.go).
package capability

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/LeastAuthority/magic-folder/internal/errkind"
)

// Kind identifies which flavor of grid object a Capability addresses.
type Kind int

// The capability kinds named by spec.md §3/§4.1.
const (
	Unknown Kind = iota
	ImmutableFile
	ImmutableDirectory
	MutableDirectoryWrite
	MutableDirectoryRead
	Verify
)

func (k Kind) String() string {
	switch k {
	case ImmutableFile:
		return "immutable-file"
	case ImmutableDirectory:
		return "immutable-directory"
	case MutableDirectoryWrite:
		return "mutable-directory-write"
	case MutableDirectoryRead:
		return "mutable-directory-read"
	case Verify:
		return "verify"
	default:
		return "unknown"
	}
}

// tag prefixes used by the opaque string encoding. The grid is assumed to
// hand back capability strings already tagged this way; Parse is where an
// untagged or malformed string is rejected.
const (
	tagImmutableFile   = "URI:CHK:"
	tagImmutableDir    = "URI:DIR2-CHK:"
	tagMutableDirWrite = "URI:DIR2:"
	tagMutableDirRead  = "URI:DIR2-RO:"
	tagVerify          = "URI:DIR2-Verifier:"
)

// Capability is an opaque, typed grid capability string. The zero value is
// not a valid capability.
type Capability struct {
	kind Kind
	s    string
}

// Kind reports the capability's flavor.
func (c Capability) Kind() Kind { return c.kind }

// String returns the underlying opaque capability string.
func (c Capability) String() string { return c.s }

// IsZero reports whether c is the zero Capability.
func (c Capability) IsZero() bool { return c.kind == Unknown && c.s == "" }

// Equal reports byte-equality of the underlying strings, as required by
// spec.md §3 ("Equality is byte-equality of the underlying string").
func Equal(a, b Capability) bool {
	return a.s == b.s
}

// IsImmutableDirectory reports whether c addresses an immutable directory.
func IsImmutableDirectory(c Capability) bool {
	return c.kind == ImmutableDirectory
}

// Parse converts an opaque grid capability string into a typed Capability.
// Parse failures are a distinct *validation* error kind, per spec.md §4.1.
func Parse(s string) (Capability, error) {
	switch {
	case strings.HasPrefix(s, tagMutableDirRead):
		return Capability{kind: MutableDirectoryRead, s: s}, nil
	case strings.HasPrefix(s, tagMutableDirWrite):
		return Capability{kind: MutableDirectoryWrite, s: s}, nil
	case strings.HasPrefix(s, tagImmutableDir):
		return Capability{kind: ImmutableDirectory, s: s}, nil
	case strings.HasPrefix(s, tagImmutableFile):
		return Capability{kind: ImmutableFile, s: s}, nil
	case strings.HasPrefix(s, tagVerify):
		return Capability{kind: Verify, s: s}, nil
	default:
		return Capability{}, errkind.New(errkind.Validation, "malformed capability: "+s)
	}
}

// mangle rewrites the tag of s from "from" to "to", preserving the rest of
// the opaque payload. Tahoe capabilities are structured as
// "URI:<kind>:<key-material>"; re-deriving the key material is outside
// this package's concern (it is the grid client's job) so downgrade here
// only works on strings the grid already produced in a downgradable form
// (i.e. where the read/verify variant is embedded or derivable verbatim).
func mangle(s, from, to string) (string, bool) {
	if !strings.HasPrefix(s, from) {
		return "", false
	}

	return to + strings.TrimPrefix(s, from), true
}

// ToRead downgrades a write capability to a read capability. Any other
// direction is an illegal-downgrade *validation* error.
func ToRead(c Capability) (Capability, error) {
	if c.kind != MutableDirectoryWrite {
		return Capability{}, errkind.New(errkind.Validation, "cannot downgrade non-write capability to read")
	}

	s, ok := mangle(c.s, tagMutableDirWrite, tagMutableDirRead)
	if !ok {
		return Capability{}, errors.New("malformed write capability")
	}

	return Capability{kind: MutableDirectoryRead, s: s}, nil
}

// ToVerify downgrades a read capability to a verify capability.
func ToVerify(c Capability) (Capability, error) {
	if c.kind != MutableDirectoryRead {
		return Capability{}, errkind.New(errkind.Validation, "cannot downgrade non-read capability to verify")
	}

	s, ok := mangle(c.s, tagMutableDirRead, tagVerify)
	if !ok {
		return Capability{}, errors.New("malformed read capability")
	}

	return Capability{kind: Verify, s: s}, nil
}

// NewImmutableFile wraps a grid-assigned immutable file capability string.
// Used by code that has just received such a string back from a
// put_immutable call and knows its kind without re-parsing.
func NewImmutableFile(s string) Capability { return Capability{kind: ImmutableFile, s: s} }

// NewImmutableDirectory wraps a grid-assigned immutable directory
// capability string.
func NewImmutableDirectory(s string) Capability { return Capability{kind: ImmutableDirectory, s: s} }

// NewMutableDirectory wraps a freshly created mutable directory's
// (write, read) capability pair.
func NewMutableDirectory(write, read string) (Capability, Capability) {
	return Capability{kind: MutableDirectoryWrite, s: write}, Capability{kind: MutableDirectoryRead, s: read}
}
