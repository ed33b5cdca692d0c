// Package download implements the downloader / updater of spec.md §4.6:
// it polls each remote participant's personal directory, resolves
// ancestry against our own last-known state, and applies updates,
// ignores stale entries, or records conflicts.
package download

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/grid"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
	"github.com/LeastAuthority/magic-folder/logging"
	"github.com/LeastAuthority/magic-folder/snapshot"
	"github.com/LeastAuthority/magic-folder/store"
)

var log = logging.Module("magicfolder/download")

// DefaultMaxAncestryDepth is the bound spec.md §4.6 / §9 Design Notes
// recommends ("the value 1000 is a reasonable default but implementers
// should make it configurable").
const DefaultMaxAncestryDepth = 1000

// Action classifies the outcome of comparing a peer's published
// capability for a path against our own state (spec.md §4.6 step 3).
type Action int

const (
	// ActionNoop means their capability already matches ours.
	ActionNoop Action = iota
	// ActionUpdate means their capability fast-forwards past ours.
	ActionUpdate
	// ActionIgnore means our capability is already ahead of theirs.
	ActionIgnore
	// ActionConflict means neither capability is an ancestor of the
	// other, or we have a locally pending edit for the same path.
	ActionConflict
)

// Updater polls the collective and each participant's personal directory
// for one folder (spec.md §4.6 "Downloader / updater").
type Updater struct {
	selfName       string
	collectiveRead capability.Capability
	grid           grid.Client
	store          *store.Store
	workingRoot    string
	maxDepth       int
}

// New returns an Updater for one folder. selfName is excluded from the
// collective when polling (spec.md §4.6: "For each remote participant...
// other than self").
func New(selfName string, collectiveRead capability.Capability, g grid.Client, st *store.Store, workingRoot string, maxDepth int) *Updater {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxAncestryDepth
	}

	return &Updater{
		selfName:       selfName,
		collectiveRead: collectiveRead,
		grid:           g,
		store:          st,
		workingRoot:    workingRoot,
		maxDepth:       maxDepth,
	}
}

// RefreshCollective reads the collective directory, mapping participant
// name to that participant's personal-directory read capability (spec.md
// §4.6 step 1).
func (u *Updater) RefreshCollective(ctx context.Context) (map[string]capability.Capability, error) {
	entries, err := u.grid.ListDirectory(ctx, u.collectiveRead)
	if err != nil {
		return nil, err
	}

	delete(entries, u.selfName)

	return entries, nil
}

// PollOnce performs one round: refresh the collective, then for each
// participant read their personal directory and reconcile every entry
// against our own state (spec.md §4.6 steps 1-3). Individual per-path or
// per-participant errors are logged and do not abort the round.
func (u *Updater) PollOnce(ctx context.Context) error {
	participants, err := u.RefreshCollective(ctx)
	if err != nil {
		return err
	}

	for name, personalRead := range participants {
		entries, err := u.grid.ListDirectory(ctx, personalRead)
		if err != nil {
			log.Warnw("poll: failed to list participant personal directory", "participant", name, "error", err)
			continue
		}

		for mangledName, theirCap := range entries {
			path, err := snapshot.UnmangleName(mangledName)
			if err != nil {
				log.Warnw("poll: skipping undecodable personal-directory entry", "participant", name, "entry", mangledName, "error", err)
				continue
			}

			if err := u.reconcile(ctx, name, path, theirCap); err != nil {
				log.Warnw("poll: failed to reconcile path", "participant", name, "path", path, "error", err)
			}
		}
	}

	return nil
}

// RunPeriodically calls PollOnce every interval until ctx is cancelled. A
// zero interval means "only when externally triggered" (spec.md §4.6
// step 4); callers that also want an initial pass should call PollOnce
// directly first.
func (u *Updater) RunPeriodically(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.PollOnce(ctx); err != nil {
				log.Warnw("poll pass failed", "error", err)
			}
		}
	}
}

// reconcile classifies and dispatches one (participant, path, their-cap)
// observation.
func (u *Updater) reconcile(ctx context.Context, participant, path string, theirCap capability.Capability) error {
	action, err := u.classify(ctx, path, theirCap)
	if err != nil {
		return err
	}

	switch action {
	case ActionNoop, ActionIgnore:
		return nil
	case ActionUpdate:
		return u.applyUpdate(ctx, path, theirCap)
	case ActionConflict:
		return u.recordConflict(ctx, path, participant, theirCap)
	default:
		return errkind.New(errkind.Fatal, "unreachable download action")
	}
}

// classify implements spec.md §4.6 step 3's decision table.
func (u *Updater) classify(ctx context.Context, path string, theirCap capability.Capability) (Action, error) {
	ourCap, ourErr := u.store.GetRemote(ctx, path)

	haveOurs := true

	if ourErr != nil {
		if errkind.Classify(ourErr) != errkind.NotFound {
			return ActionConflict, ourErr
		}

		haveOurs = false
	}

	if haveOurs && capability.Equal(ourCap, theirCap) {
		return ActionNoop, nil
	}

	_, pendingErr := u.store.GetLocal(ctx, path)
	if pendingErr == nil {
		// A locally pending edit always conflicts against an advancing
		// peer, never a silent overwrite (spec.md §4.6 "Tie-breaks").
		return ActionConflict, nil
	}

	if pendingErr != nil && errkind.Classify(pendingErr) != errkind.NotFound {
		return ActionConflict, pendingErr
	}

	if !haveOurs {
		// We have never seen this path; anything a peer publishes is a
		// fresh download, not a fast-forward over an existing ancestor.
		return ActionUpdate, nil
	}

	oursIsAncestor, err := u.ancestorWalk(ctx, theirCap, ourCap)
	if err != nil {
		return ActionConflict, err
	}

	if oursIsAncestor {
		return ActionUpdate, nil
	}

	theirsIsAncestor, err := u.ancestorWalk(ctx, ourCap, theirCap)
	if err != nil {
		return ActionConflict, err
	}

	if theirsIsAncestor {
		return ActionIgnore, nil
	}

	return ActionConflict, nil
}

// ancestorWalk reports whether target is reachable from start by
// following parent* links, bounded by u.maxDepth hops (spec.md §4.6:
// "walk the ancestry... up to a bounded depth"; "hitting the bound
// yields a conflict outcome" — callers treat a false result from either
// direction of the walk as a conflict).
func (u *Updater) ancestorWalk(ctx context.Context, start, target capability.Capability) (bool, error) {
	visited := map[string]bool{}
	frontier := []capability.Capability{start}

	for depth := 0; depth <= u.maxDepth && len(frontier) > 0; depth++ {
		var next []capability.Capability

		for _, cur := range frontier {
			if capability.Equal(cur, target) {
				return true, nil
			}

			key := cur.String()
			if visited[key] {
				continue
			}

			visited[key] = true

			parents, err := snapshot.Parents(ctx, u.grid, snapshot.Remote{Cap: cur})
			if err != nil {
				return false, err
			}

			next = append(next, parents...)
		}

		frontier = next
	}

	return false, nil
}

// applyUpdate downloads their-cap's content and atomically writes the
// working file, then advances our remote pointer (spec.md §4.6 step 3c).
// A snapshot with no content entry is a deletion: the working file is
// removed instead.
func (u *Updater) applyUpdate(ctx context.Context, path string, theirCap capability.Capability) error {
	remote := snapshot.Remote{Cap: theirCap}

	abs := filepath.Join(u.workingRoot, filepath.FromSlash(path))

	data, err := snapshot.ReadContent(ctx, u.grid, remote)
	switch {
	case err == nil:
		if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
			return errkind.Wrap(errkind.TransientIO, err, "create working directory")
		}

		if err := atomic.WriteFile(abs, bytes.NewReader(data)); err != nil {
			return errkind.Wrap(errkind.TransientIO, err, "write working file")
		}
	case errkind.Classify(err) == errkind.NotFound:
		if rmErr := os.Remove(abs); rmErr != nil && !os.IsNotExist(rmErr) {
			return errkind.Wrap(errkind.TransientIO, rmErr, "remove working file for deletion")
		}
	default:
		return err
	}

	// classify already ruled out a locally pending chain for this path
	// (it would have classified as a conflict instead), so store_remote
	// has no stash handles to release here.
	if err := u.store.StoreRemote(ctx, path, theirCap, nil); err != nil {
		return err
	}

	log.Infow("applied remote update", "path", path, "cap", theirCap.String())

	return nil
}

// recordConflict writes the incoming content to a sibling file named
// "<path>.conflict-<participant>" and records the conflict in the store,
// without advancing our pointer (spec.md §4.6 step 3e).
func (u *Updater) recordConflict(ctx context.Context, path, participant string, theirCap capability.Capability) error {
	remote := snapshot.Remote{Cap: theirCap}

	data, err := snapshot.ReadContent(ctx, u.grid, remote)
	if err != nil && errkind.Classify(err) != errkind.NotFound {
		return err
	}

	conflictPath := filepath.Join(u.workingRoot, filepath.FromSlash(path)+".conflict-"+participant)

	if err == nil {
		if mkErr := os.MkdirAll(filepath.Dir(conflictPath), 0o700); mkErr != nil {
			return errkind.Wrap(errkind.TransientIO, mkErr, "create working directory for conflict file")
		}

		if writeErr := atomic.WriteFile(conflictPath, bytes.NewReader(data)); writeErr != nil {
			return errkind.Wrap(errkind.TransientIO, writeErr, "write conflict file")
		}
	}

	if err := u.store.RecordConflict(ctx, path, participant, theirCap, time.Now()); err != nil {
		return err
	}

	log.Warnw("recorded conflict", "path", path, "participant", participant)

	return nil
}
