// Package coordinator implements the per-file state machine of spec.md
// §4.7: for one (folder, path), it serializes local snapshot capture,
// upload, and remote-update application so that at most one upload and at
// most one download are ever active for that path at a time.
//
// The per-folder engine (package folder) drives one Coordinator per path
// from its single cooperative event loop (spec.md §5); Coordinator itself
// holds no goroutines and performs no I/O — it only tracks state and tells
// its caller what to do next, the same "dynamic dispatch via capability
// interfaces, not inheritance" shape spec.md §9 Design Notes calls for.
package coordinator

import (
	"sync"
	"time"
)

// State is one of the per-file states spec.md §4.7 names.
type State int

const (
	// Idle means no work is in progress.
	Idle State = iota
	// Snapshotting means a local snapshot is being captured.
	Snapshotting
	// Uploading means a remote snapshot is being created and published.
	Uploading
	// UploadBackoff means an upload failed transiently and a retry timer
	// is pending.
	UploadBackoff
	// Downloading means a remote snapshot is being fetched and applied.
	Downloading
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Snapshotting:
		return "snapshotting"
	case Uploading:
		return "uploading"
	case UploadBackoff:
		return "upload-backoff"
	case Downloading:
		return "downloading"
	default:
		return "unknown"
	}
}

// Action tells the folder engine what to actually do as the result of an
// event; Coordinator decides, the engine executes.
type Action int

const (
	// ActionNone means nothing further to do right now.
	ActionNone Action = iota
	// ActionStartSnapshot means the engine should invoke the local
	// snapshot creator for this path.
	ActionStartSnapshot
	// ActionStartUpload means the engine should invoke the remote
	// snapshot creator for this path.
	ActionStartUpload
	// ActionStartDownload means the engine should invoke the downloader's
	// apply/conflict logic for this path.
	ActionStartDownload
	// ActionScheduleBackoff means the engine should arm a timer for the
	// returned Duration and call OnBackoffTimer when it fires.
	ActionScheduleBackoff
)

// Coordinator is the state machine for one (folder, path) pair (spec.md
// §4.7 "Per-file coordinator").
type Coordinator struct {
	path string

	mu    sync.Mutex
	state State

	// conflicted is a purely informational idle sub-state (spec.md §4.7:
	// "conflicted — optional sub-state of idle").
	conflicted bool

	// pendingLocalChange records that a local change arrived while an
	// upload (or its backoff wait) was already in progress; it is
	// processed as a new child local snapshot once the current upload
	// settles (spec.md §4.7 "uploading": "the new change is recorded as a
	// child local snapshot and processed after the current upload
	// completes").
	pendingLocalChange bool

	// deferredRemoteUpdate records that a remote-update event arrived
	// while uploading (or backing off); it is re-evaluated once the
	// upload settles so the conflict/ignore decision is made against
	// fresh state (spec.md §4.7 "uploading": "the event is deferred until
	// the upload finishes").
	deferredRemoteUpdate bool

	backoff time.Duration
	lastErr error
}

// New returns an idle Coordinator for path.
func New(path string) *Coordinator {
	return &Coordinator{path: path}
}

// Path returns the path this coordinator serializes.
func (c *Coordinator) Path() string { return c.path }

// Snapshot is a consistent point-in-time view of a Coordinator's state,
// safe to read without holding its lock.
type Snapshot struct {
	State      State
	Conflicted bool
	LastError  error
}

// View returns a consistent snapshot of the coordinator's current state
// (spec.md §4.7: "serializes state transitions so that observers see a
// consistent view").
func (c *Coordinator) View() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{State: c.state, Conflicted: c.conflicted, LastError: c.lastErr}
}

// OnLocalChange handles a filesystem change or explicit API call for this
// path (spec.md §4.7 "idle": "local change → snapshotting").
func (c *Coordinator) OnLocalChange() Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Idle:
		c.conflicted = false
		c.state = Snapshotting
		return ActionStartSnapshot
	case Uploading, UploadBackoff:
		c.pendingLocalChange = true
		return ActionNone
	default:
		// Snapshotting or Downloading: a change is already being
		// captured, or will be naturally superseded once the in-flight
		// work completes; record it the same way as during an upload so
		// it is not lost.
		c.pendingLocalChange = true
		return ActionNone
	}
}

// OnSnapshotComplete handles the local snapshot creator finishing (spec.md
// §4.7 "snapshotting": success → uploading; failure → idle with error
// recorded).
func (c *Coordinator) OnSnapshotComplete(err error) Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.state = Idle
		c.lastErr = err

		return ActionNone
	}

	c.state = Uploading

	return ActionStartUpload
}

// OnUploadComplete handles the remote snapshot creator finishing (spec.md
// §4.7 "uploading"). A nil err means success; a retryable err moves to
// upload-backoff; any other err returns to idle with the error recorded
// (the folder-level uploader disable, for fatal errors, is the upload
// package's concern, not the coordinator's).
func (c *Coordinator) OnUploadComplete(err error, retryable bool) Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.lastErr = nil
		c.backoff = 0

		return c.settleAfterUpload()
	}

	c.lastErr = err

	if retryable {
		c.state = UploadBackoff
		return ActionScheduleBackoff
	}

	c.state = Idle

	return c.settleAfterUpload()
}

// settleAfterUpload resumes whatever was queued during the upload: a
// pending local change takes priority (it produces a fresh snapshot,
// which will itself re-evaluate any deferred remote update against the
// new head), otherwise a deferred remote update is replayed.
func (c *Coordinator) settleAfterUpload() Action {
	if c.pendingLocalChange {
		c.pendingLocalChange = false
		c.conflicted = false
		c.state = Snapshotting

		return ActionStartSnapshot
	}

	if c.deferredRemoteUpdate {
		c.deferredRemoteUpdate = false
		c.state = Downloading

		return ActionStartDownload
	}

	c.state = Idle

	return ActionNone
}

// BackoffDuration returns the backoff duration last recorded by Retry
// (zero before the first retry and again after a successful upload). It
// does not change that record; callers pass it to
// config.RetrySchedule.Next to get the next, wider duration and record
// that with Retry.
func (c *Coordinator) BackoffDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.backoff
}

// Retry records the (already computed, e.g. via config.RetrySchedule)
// backoff duration the engine armed a timer for.
func (c *Coordinator) Retry(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.backoff = d
}

// OnBackoffTimer handles the upload retry timer firing (spec.md §4.7
// "upload-backoff": "on timer → uploading").
func (c *Coordinator) OnBackoffTimer() Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != UploadBackoff {
		return ActionNone
	}

	c.state = Uploading

	return ActionStartUpload
}

// OnRemoteUpdateAvailable handles the downloader observing a new
// capability for this path (spec.md §4.7 "idle": "remote update
// available → downloading"; "uploading": "the event is deferred until the
// upload finishes").
func (c *Coordinator) OnRemoteUpdateAvailable() Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Idle:
		c.state = Downloading
		return ActionStartDownload
	case Uploading, UploadBackoff:
		c.deferredRemoteUpdate = true
		return ActionNone
	default:
		// Already downloading, or mid-snapshot with our own local
		// change in flight. Mid-snapshot, the flag is replayed once the
		// following upload settles; while downloading, OnDownloadComplete
		// drops it, since the poll in flight already covers it.
		c.deferredRemoteUpdate = true
		return ActionNone
	}
}

// OnDownloadComplete handles the downloader finishing applying or
// conflict-recording a remote update (spec.md §4.7 "downloading": success
// → idle; failure → idle with error recorded; a later poll will retry).
// conflict marks whether the outcome was a recorded conflict, surfaced as
// the informational "conflicted" idle sub-state.
//
// A deferredRemoteUpdate set while this download was in flight is dropped
// here rather than replayed: it referred to an observation already
// superseded by the poll that just completed, and the next scheduled poll
// will re-observe the collective and re-evaluate from scratch.
func (c *Coordinator) OnDownloadComplete(err error, conflict bool) Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastErr = err
	c.conflicted = conflict
	c.state = Idle
	c.deferredRemoteUpdate = false

	if c.pendingLocalChange {
		c.pendingLocalChange = false
		c.conflicted = false
		c.state = Snapshotting

		return ActionStartSnapshot
	}

	return ActionNone
}
