// Package upload implements the remote snapshot creator of spec.md §4.5:
// it drains a folder's pending local snapshots to the grid, topologically
// uploading parent chains, linking the result into the participant's
// personal directory, and retiring the local snapshot once the commit is
// durable.
package upload

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/config"
	"github.com/LeastAuthority/magic-folder/grid"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
	"github.com/LeastAuthority/magic-folder/logging"
	"github.com/LeastAuthority/magic-folder/snapshot"
	"github.com/LeastAuthority/magic-folder/stash"
	"github.com/LeastAuthority/magic-folder/store"
)

var log = logging.Module("magicfolder/upload")

// Creator drains a folder's pending local snapshots into the grid
// (spec.md §4.5 "Remote snapshot creator").
type Creator struct {
	author        author.Author
	grid          grid.Client
	store         *store.Store
	stash         *stash.Stash
	personalWrite capability.Capability
	retry         config.RetrySchedule

	mu       sync.Mutex
	disabled bool
	disableErr error
}

// New returns a Creator for one folder.
func New(a author.Author, g grid.Client, st *store.Store, sh *stash.Stash, personalWrite capability.Capability, retry config.RetrySchedule) *Creator {
	return &Creator{author: a, grid: g, store: st, stash: sh, personalWrite: personalWrite, retry: retry}
}

// Disabled reports whether a fatal error has disabled this uploader, and
// the error that disabled it.
func (c *Creator) Disabled() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.disabled, c.disableErr
}

// Resume clears a fatal-disabled state, per spec.md §4.5 ("disable the
// uploader for that folder until explicitly resumed").
func (c *Creator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disabled = false
	c.disableErr = nil
}

func (c *Creator) disable(err error) error {
	c.mu.Lock()
	c.disabled = true
	c.disableErr = err
	c.mu.Unlock()

	log.Errorw("uploader disabled by fatal error", "error", err)

	return err
}

// UploadPath attempts one full upload cycle for path's head local
// snapshot. If nothing is pending it returns nil. On a retryable failure
// it returns a *transient-io* error (spec.md §4.5: "the whole upload is
// retried with exponential backoff..."); the caller (the per-file
// coordinator's upload-backoff state) owns the retry timer. An
// unrecoverable authentication or schema error disables the uploader for
// the folder (spec.md §4.5) until Resume is called.
func (c *Creator) UploadPath(ctx context.Context, path string) error {
	if disabled, err := c.Disabled(); disabled {
		return err
	}

	head, err := c.store.GetLocal(ctx, path)
	if err != nil {
		if errkind.Classify(err) == errkind.NotFound {
			return nil
		}

		return err
	}

	snapshotCap, err := c.resolveCap(ctx, head.ID)
	if err != nil {
		if errkind.Classify(err) == errkind.Fatal {
			return c.disable(err)
		}

		return err
	}

	if err := c.publish(ctx, path, snapshotCap); err != nil {
		if errkind.Classify(err) == errkind.Fatal {
			return c.disable(err)
		}

		return err
	}

	return nil
}

// resolveCap uploads the local snapshot id into the grid as an immutable
// snapshot directory, first recursively uploading its unuploaded local
// parents (spec.md §4.5 step 1: "if any local parent is unuploaded,
// recurse (deepest-first), so the upload respects topological order").
// Steps 2-4 are idempotent by construction (spec.md §4.5), so retrying
// resolveCap for the same chain is always safe.
func (c *Creator) resolveCap(ctx context.Context, id snapshot.LocalID) (capability.Capability, error) {
	info, err := c.store.GetLocalByID(ctx, id)
	if err != nil {
		return capability.Capability{}, err
	}

	parents := append([]capability.Capability{}, info.RemoteParents...)

	for _, parentID := range info.LocalParentIDs {
		parentCap, err := c.resolveCap(ctx, parentID)
		if err != nil {
			return capability.Capability{}, err
		}

		parents = append(parents, parentCap)
	}

	var content io.ReadCloser

	if !info.Content.IsZero() {
		content, err = c.stash.OpenHandle(info.Content)
		if err != nil {
			return capability.Capability{}, err
		}

		defer content.Close() //nolint:errcheck
	}

	// content stays a true nil io.Reader when info is a deletion;
	// snapshot.Create treats nil specially as "no content to upload".
	var reader io.Reader
	if content != nil {
		reader = content
	}

	remote, err := snapshot.Create(ctx, c.grid, c.author, info.Path, reader, info.Size, info.ModificationTime, parents)
	if err != nil {
		return capability.Capability{}, err
	}

	return remote.Cap, nil
}

// publish links cap into the personal directory under path's mangled
// entry name, replacing any prior entry (spec.md §4.5 step 5), then
// atomically commits the store (step 6).
func (c *Creator) publish(ctx context.Context, path string, snapshotCap capability.Capability) error {
	name := snapshot.MangleName(path)

	prior, err := c.store.GetRemote(ctx, path)
	if err != nil && errkind.Classify(err) != errkind.NotFound {
		return err
	}

	linkErr := c.grid.Link(ctx, c.personalWrite, name, snapshotCap, prior)
	if linkErr == grid.ErrCASUnsupported {
		// The grid cannot express the compare-and-swap; fall back to an
		// unconditional write under the per-file coordinator's mutual
		// exclusion, per spec.md §4.5 step 5 / §9 Open Question 2.
		linkErr = c.grid.Link(ctx, c.personalWrite, name, snapshotCap, capability.Capability{})
	}

	if linkErr != nil {
		return linkErr
	}

	if err := c.store.StoreRemote(ctx, path, snapshotCap, c.stash); err != nil {
		return err
	}

	log.Infow("published remote snapshot", "path", path, "cap", snapshotCap.String())

	return nil
}

// DrainAll attempts an upload pass over every path with a pending local
// snapshot, continuing past individual failures so one stuck path cannot
// block the rest. It returns the first fatal error encountered, if any
// (which also leaves the uploader disabled), and logs transient failures.
// Intended for the startup drain pass spec.md §4.5 calls for ("attempt one
// pass on startup... before entering its polling loop").
func (c *Creator) DrainAll(ctx context.Context) error {
	paths, err := c.store.AllLocalPaths(ctx)
	if err != nil {
		return err
	}

	for _, p := range paths {
		if err := c.UploadPath(ctx, p); err != nil {
			if errkind.Classify(err) == errkind.Fatal {
				return err
			}

			log.Warnw("drain: upload attempt failed, will retry on backoff", "path", p, "error", err)
		}
	}

	return nil
}

// BackoffTimer returns a channel that fires after cur's successor in the
// configured retry schedule, and that successor duration, for the
// per-file coordinator's upload-backoff state to use as its retry timer.
func (c *Creator) BackoffTimer(cur time.Duration) (<-chan time.Time, time.Duration) {
	next := c.retry.Next(cur)
	return time.After(next), next
}
