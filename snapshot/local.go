package snapshot

import (
	"time"

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/stash"
)

// LocalID identifies a local snapshot within one folder's store. It is
// assigned on creation (spec.md §3) and never reused, matching the
// integer-id-keyed, cascading-delete-friendly representation spec.md §9
// Design Notes recommends over direct in-memory references ("represent
// local snapshots as values keyed by an integer id in the store, with
// parent edges as a separate table").
type LocalID int64

// Info is the in-memory representation of a Local snapshot (spec.md §3):
// a relative path, its author's identity, a content handle (zero means
// deletion), parent links (other pending local snapshots, and/or already-
// uploaded remote ancestors), and capture-time metadata.
type Info struct {
	ID     LocalID
	Path   string
	Author author.Identity

	// Content is zero to represent a deletion.
	Content stash.Handle

	// LocalParentIDs are other not-yet-uploaded local snapshots in this
	// process that are this snapshot's immediate ancestors (spec.md §3:
	// "a list of parent local snapshots"). At most one in the current
	// design (spec.md §4.2: "at most one current local snapshot per
	// (path, author)", forming a single chain), but stored as a slice to
	// match the store's local_snapshot_parent table shape, which does not
	// itself assume a chain.
	LocalParentIDs []LocalID

	// RemoteParents are already-uploaded ancestor capabilities (spec.md
	// §3: "a list of parent remote capabilities").
	RemoteParents []capability.Capability

	ModificationTime time.Time
	Size             int64

	CreatedAt time.Time
}

// IsDeletion reports whether this snapshot represents a file deletion.
func (i Info) IsDeletion() bool {
	return i.Content.IsZero()
}
