// Package grid defines the abstract content-addressable storage grid the
// core calls on (spec.md §6): immutable blobs, immutable directories, and
// mutable directories, all identified by opaque capability strings.
//
// This package specifies only the operations the core uses; concrete grid
// backends (grid/memory for tests, grid/tahoe for the real Tahoe-LAFS WAPI)
// implement Client. Kopia's blob.Storage interface
// (_examples/kopia-kopia/blob/*.go, repo/blob/*_test.go) is the structural
// model: a small, backend-agnostic verb set with Get/Put/List/Delete.
package grid

import (
	"context"

	"github.com/LeastAuthority/magic-folder/capability"
)

// Client is the set of grid operations the core calls. Each operation may
// fail with a *transient* (retryable) or *permanent* (not retryable) error;
// use IsTransient to distinguish them.
type Client interface {
	// PutImmutable uploads data as an immutable blob and returns its
	// capability.
	PutImmutable(ctx context.Context, data []byte) (capability.Capability, error)

	// CreateImmutableDirectory creates an immutable directory whose
	// entries are the given name -> capability map, and returns its
	// capability.
	CreateImmutableDirectory(ctx context.Context, entries map[string]capability.Capability) (capability.Capability, error)

	// CreateMutableDirectory creates a new, empty mutable directory and
	// returns its (write, read) capability pair.
	CreateMutableDirectory(ctx context.Context) (write, read capability.Capability, err error)

	// ListDirectory lists the entries of a (mutable or immutable)
	// directory addressed by a read or verify-downgradable capability.
	ListDirectory(ctx context.Context, dir capability.Capability) (map[string]capability.Capability, error)

	// Link creates or replaces a child entry of a mutable directory.
	// expectedOld, if non-zero, makes the write conditional on the
	// existing entry (if any) currently being expectedOld — the
	// compare-and-swap spec.md §4.5 step 5 and §9 Open Question 2 call
	// for. Implementations that cannot support a conditional write
	// return ErrCASUnsupported, and callers fall back to the mutual
	// exclusion the per-file coordinator already provides.
	Link(ctx context.Context, dirWrite capability.Capability, name string, value capability.Capability, expectedOld capability.Capability) error

	// Unlink removes a child entry of a mutable directory.
	Unlink(ctx context.Context, dirWrite capability.Capability, name string) error

	// GetImmutable downloads the bytes of an immutable blob.
	GetImmutable(ctx context.Context, c capability.Capability) ([]byte, error)

	// ObjectSizes reports the size in bytes of the object addressed by c,
	// for the diagnostics spec.md §4.2 tahoe_objects exposes.
	ObjectSizes(ctx context.Context, c capability.Capability) (int64, error)
}
