// Package capture implements the local snapshot creator of spec.md §4.4:
// it turns a relative path under a folder's working tree into a signed
// local snapshot, streaming the file's bytes into the stash and persisting
// the result in the snapshot store.
//
// Grounded on original_source/.../test_upload.py's create_snapshot fixture
// shape (content producer in, signed local snapshot persisted to store and
// stash out) and on the stash/store packages this module sits between.
package capture

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
	"github.com/LeastAuthority/magic-folder/logging"
	"github.com/LeastAuthority/magic-folder/snapshot"
	"github.com/LeastAuthority/magic-folder/stash"
	"github.com/LeastAuthority/magic-folder/store"
)

var log = logging.Module("magicfolder/capture")

// Creator captures filesystem paths under one folder's working tree into
// signed local snapshots (spec.md §4.4 "Local snapshot creator").
type Creator struct {
	root   string
	author author.Author
	store  *store.Store
	stash  *stash.Stash
}

// New returns a Creator rooted at root (a folder's magic/working path).
func New(root string, a author.Author, st *store.Store, sh *stash.Stash) *Creator {
	return &Creator{root: root, author: a, store: st, stash: sh}
}

// resolvePath validates relPath and resolves it to an absolute path,
// rejecting anything that escapes root — directly, via "..", or via a
// symbolic link — per spec.md §4.4 ("symbolic links that escape the root
// are rejected the same way").
func (c *Creator) resolvePath(relPath string) (string, error) {
	if err := snapshot.ValidatePath(relPath); err != nil {
		return "", err
	}

	abs := filepath.Join(c.root, filepath.FromSlash(relPath))

	resolvedRoot, err := filepath.EvalSymlinks(c.root)
	if err != nil {
		return "", errkind.Wrap(errkind.TransientIO, err, "resolve folder root")
	}

	// EvalSymlinks requires the target to exist; a deletion snapshot's
	// path may no longer exist on disk, so only resolve symlinks on an
	// existing target and fall back to the already-Join'd path otherwise.
	resolved := abs

	if _, statErr := os.Lstat(abs); statErr == nil {
		resolved, err = filepath.EvalSymlinks(abs)
		if err != nil {
			return "", errkind.Wrap(errkind.TransientIO, err, "resolve path")
		}
	}

	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errkind.New(errkind.Validation, "path escapes folder root: "+relPath)
	}

	return abs, nil
}

// Snapshot captures relPath into a new local snapshot. If the file does
// not exist on disk, the snapshot records a deletion (spec.md §3: "a
// content handle... or null to indicate deletion"). On any failure before
// the store commit, no store row is written and any stash entry created
// along the way is released (spec.md §4.4: "If the on-disk file is
// unreadable, creation fails without mutating the store").
func (c *Creator) Snapshot(ctx context.Context, relPath string) (snapshot.Info, error) {
	abs, err := c.resolvePath(relPath)
	if err != nil {
		return snapshot.Info{}, err
	}

	info := snapshot.Info{
		Path:      relPath,
		Author:    c.author.Identity(),
		CreatedAt: time.Now().UTC(),
	}

	fi, statErr := os.Stat(abs)

	switch {
	case os.IsNotExist(statErr):
		// Deletion: zero content handle, no bytes to stash.
	case statErr != nil:
		return snapshot.Info{}, errkind.Wrap(errkind.TransientIO, statErr, "stat capture target")
	default:
		h, size, err := c.stashFile(ctx, abs)
		if err != nil {
			return snapshot.Info{}, err
		}

		info.Content = h
		info.Size = size
		info.ModificationTime = fi.ModTime().UTC()
	}

	if err := c.attachParents(ctx, &info); err != nil {
		if !info.Content.IsZero() {
			_ = c.stash.Release(info.Content)
		}

		return snapshot.Info{}, err
	}

	id, err := c.store.StoreLocal(ctx, info)
	if err != nil {
		if !info.Content.IsZero() {
			_ = c.stash.Release(info.Content)
		}

		return snapshot.Info{}, err
	}

	info.ID = id

	log.Debugw("captured local snapshot", "path", relPath, "deletion", info.IsDeletion(), "size", info.Size)

	return info, nil
}

// stashFile streams abs's current bytes into the stash, returning a
// handle and the number of bytes actually written. Size is taken from the
// stashed copy, not a pre-read stat, so a file truncated mid-copy is
// recorded accurately rather than against a stale length (spec.md §4.4:
// "Metadata... is recorded from the stashed copy, not the live file").
func (c *Creator) stashFile(ctx context.Context, abs string) (stash.Handle, int64, error) {
	f, err := os.Open(abs)
	if err != nil {
		return stash.Handle{}, 0, errkind.Wrap(errkind.TransientIO, err, "open capture target")
	}

	defer f.Close() //nolint:errcheck

	h, size, err := c.stash.Stash(ctx, io.Reader(f))
	if err != nil {
		return stash.Handle{}, 0, err
	}

	return h, size, nil
}

// attachParents sets info's parent links per spec.md §4.4: the current
// head local snapshot if one exists, otherwise the current remote
// snapshot for the path (if any).
func (c *Creator) attachParents(ctx context.Context, info *snapshot.Info) error {
	head, err := c.store.GetLocal(ctx, info.Path)
	if err == nil {
		info.LocalParentIDs = []snapshot.LocalID{head.ID}
		return nil
	}

	if errkind.Classify(err) != errkind.NotFound {
		return err
	}

	remoteCap, err := c.store.GetRemote(ctx, info.Path)
	if err == nil {
		info.RemoteParents = []capability.Capability{remoteCap}
		return nil
	}

	if errkind.Classify(err) != errkind.NotFound {
		return err
	}

	return nil
}
