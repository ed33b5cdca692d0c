// Package folder wires one magic folder's components — store, stash,
// capture, scanner, upload, download — into the single cooperative event
// loop spec.md §5 describes, and tracks one coordinator.Coordinator per
// path so at most one upload and one download are ever in flight for a
// given path at a time.
package folder

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/LeastAuthority/magic-folder/capture"
	"github.com/LeastAuthority/magic-folder/config"
	"github.com/LeastAuthority/magic-folder/coordinator"
	"github.com/LeastAuthority/magic-folder/download"
	"github.com/LeastAuthority/magic-folder/grid"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
	"github.com/LeastAuthority/magic-folder/logging"
	"github.com/LeastAuthority/magic-folder/scanner"
	"github.com/LeastAuthority/magic-folder/snapshot"
	"github.com/LeastAuthority/magic-folder/stash"
	"github.com/LeastAuthority/magic-folder/store"
	"github.com/LeastAuthority/magic-folder/upload"
)

var log = logging.Module("magicfolder/folder")

// Engine runs one magic folder end to end: it owns that folder's store,
// stash, capture/scanner/upload/download components, and per-path
// coordinators (spec.md §5 "Concurrency model": "organized around
// per-folder cooperative single-threaded event loops").
type Engine struct {
	cfg config.FolderConfig

	lock  *flock.Flock
	store *store.Store
	stash *stash.Stash

	capture  *capture.Creator
	scanner  *scanner.Scanner
	uploader *upload.Creator
	updater  *download.Updater

	mu           sync.Mutex
	coordinators map[string]*coordinator.Coordinator
}

// Start opens a folder's on-disk state (acquiring an exclusive lock on its
// state directory so only one process ever runs it at a time, spec.md §9
// Design Notes: "a directory lock... guarantees at most one process acts
// as a given folder"), wires its components, and runs one upload drain
// pass and one scan pass before returning. Callers should call
// RunPeriodically afterward to enter the folder's periodic loops, and Close when done.
func Start(ctx context.Context, cfg config.FolderConfig, g grid.Client) (*Engine, error) {
	lockPath := filepath.Join(cfg.StatePath, "lock")

	fl := flock.New(lockPath)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, err, "acquire folder state lock")
	}

	if !locked {
		return nil, errkind.New(errkind.Conflict, "magic folder "+cfg.Name+" is already running from this state directory")
	}

	st, err := store.Open(ctx, cfg.StateDBPath())
	if err != nil {
		fl.Unlock() //nolint:errcheck
		return nil, err
	}

	if err := os.MkdirAll(cfg.StashPath(), 0o700); err != nil {
		st.Close()    //nolint:errcheck
		fl.Unlock()   //nolint:errcheck
		return nil, errkind.Wrap(errkind.TransientIO, err, "create stash directory")
	}

	sh, err := stash.Open(cfg.StashPath())
	if err != nil {
		st.Close()  //nolint:errcheck
		fl.Unlock() //nolint:errcheck
		return nil, err
	}

	creator := capture.New(cfg.MagicPath, cfg.Author, st, sh)

	e := &Engine{
		cfg:          cfg,
		lock:         fl,
		store:        st,
		stash:        sh,
		capture:      creator,
		uploader:     upload.New(cfg.Author, g, st, sh, cfg.PersonalWriteCap, cfg.UploadRetry),
		updater:      download.New(cfg.Author.Name, cfg.CollectiveReadCap, g, st, cfg.MagicPath, download.DefaultMaxAncestryDepth),
		coordinators: map[string]*coordinator.Coordinator{},
	}

	// The scanner drives the same per-path coordinator NotifyLocalChange
	// uses, not capture.Creator directly, so a scan-detected change is
	// captured *and* uploaded (spec.md §4 "periodic scan → local snapshot
	// creator → snapshot store + stash → per-file coordinator schedules
	// upload → remote snapshot creator").
	e.scanner = scanner.New(cfg.MagicPath, scanNotifier{e}, st, sh)

	log.Infow("starting magic folder", "name", cfg.Name, "path", cfg.MagicPath)

	if err := e.uploader.DrainAll(ctx); err != nil {
		e.Close() //nolint:errcheck
		return nil, err
	}

	if err := e.scanner.Run(ctx); err != nil {
		e.Close() //nolint:errcheck
		return nil, err
	}

	if err := e.updater.PollOnce(ctx); err != nil {
		log.Warnw("initial collective poll failed, will retry on schedule", "name", cfg.Name, "error", err)
	}

	return e, nil
}

// Close releases the folder's state-directory lock and closes its store
// and stash. Safe to call once after Start succeeds.
func (e *Engine) Close() error {
	var firstErr error

	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := e.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = errkind.Wrap(errkind.TransientIO, err, "release folder state lock")
	}

	return firstErr
}

// scanNotifier adapts Engine.NotifyLocalChange to scanner.Creator, so the
// scanner's change detection feeds the same per-path coordinator an
// explicit local-change notification would, instead of calling the local
// snapshot creator directly and stopping there.
type scanNotifier struct {
	e *Engine
}

func (n scanNotifier) Snapshot(ctx context.Context, relPath string) (snapshot.Info, error) {
	return snapshot.Info{}, n.e.NotifyLocalChange(ctx, relPath)
}

// coordinatorFor returns (creating if necessary) the coordinator tracking
// path's state.
func (e *Engine) coordinatorFor(path string) *coordinator.Coordinator {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.coordinators[path]
	if !ok {
		c = coordinator.New(path)
		e.coordinators[path] = c
	}

	return c
}

// NotifyLocalChange tells the folder engine that path changed on disk (or
// via an explicit "add" API call), driving that path's coordinator through
// capture and upload (spec.md §4.7 "idle": "local change → snapshotting").
// It runs the capture/upload steps synchronously to completion, replaying
// any further actions (a re-queued local change, a deferred remote update)
// the coordinator yields along the way — this is the engine's single
// cooperative event loop applied to one path (spec.md §5).
func (e *Engine) NotifyLocalChange(ctx context.Context, path string) error {
	c := e.coordinatorFor(path)
	return e.drive(ctx, c, c.OnLocalChange())
}

// NotifyRemoteUpdate tells the folder engine that a peer published a new
// capability for path, driving that path's coordinator through download or
// conflict recording (spec.md §4.7 "idle": "remote update available →
// downloading").
func (e *Engine) NotifyRemoteUpdate(ctx context.Context, path string, participant string) error {
	log.Debugw("remote update observed", "folder", e.cfg.Name, "path", path, "participant", participant)

	c := e.coordinatorFor(path)

	return e.drive(ctx, c, c.OnRemoteUpdateAvailable())
}

// drive executes the action a coordinator event yielded, feeding its
// outcome back in as the next event, until the coordinator settles on
// ActionNone or ActionScheduleBackoff (which the engine's backoff timer
// goroutine, started by scheduleBackoff, will resume later).
func (e *Engine) drive(ctx context.Context, c *coordinator.Coordinator, action coordinator.Action) error {
	for {
		switch action {
		case coordinator.ActionNone:
			return nil
		case coordinator.ActionStartSnapshot:
			_, err := e.capture.Snapshot(ctx, c.Path())
			action = c.OnSnapshotComplete(err)
		case coordinator.ActionStartUpload:
			err := e.uploader.UploadPath(ctx, c.Path())
			action = c.OnUploadComplete(err, errkind.Classify(err) == errkind.TransientIO)
		case coordinator.ActionStartDownload:
			action = coordinator.ActionNone
			return e.runDownload(ctx, c)
		case coordinator.ActionScheduleBackoff:
			e.scheduleBackoff(c)
			return nil
		default:
			return errkind.New(errkind.Fatal, "unreachable coordinator action")
		}
	}
}

// runDownload re-polls the collective and applies whatever the downloader
// decides for every path it sees, then settles this one path's coordinator
// (spec.md §4.7 "downloading"). The "conflicted" sub-state is reported by
// comparing this path's recorded conflicts before and after the poll,
// since PollOnce itself already performed any conflict recording.
func (e *Engine) runDownload(ctx context.Context, c *coordinator.Coordinator) error {
	before := e.hasConflict(ctx, c.Path())

	err := e.updater.PollOnce(ctx)

	conflict := err == nil && e.hasConflict(ctx, c.Path()) && !before

	return e.drive(ctx, c, c.OnDownloadComplete(err, conflict))
}

func (e *Engine) hasConflict(ctx context.Context, path string) bool {
	conflicts, err := e.store.Conflicts(ctx)
	if err != nil {
		return false
	}

	for _, cr := range conflicts {
		if cr.Path == path {
			return true
		}
	}

	return false
}

// scheduleBackoff arms path's upload retry timer and resumes its
// coordinator when it fires (spec.md §4.5: "exponential backoff... the
// caller owns the retry timer").
func (e *Engine) scheduleBackoff(c *coordinator.Coordinator) {
	timer, next := e.uploader.BackoffTimer(c.BackoffDuration())
	c.Retry(next)

	go func() {
		<-timer
		// A background retry has no caller-provided context; the folder
		// is expected to live for the process lifetime once started.
		if err := e.drive(context.Background(), c, c.OnBackoffTimer()); err != nil {
			log.Warnw("backoff retry failed", "path", c.Path(), "error", err)
		}
	}()
}

// RunPeriodically starts the folder's scan and poll loops and blocks until
// ctx is cancelled (spec.md §4.4 step 4, §4.6 step 4). Callers typically
// run this in its own goroutine per folder.
func (e *Engine) RunPeriodically(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		e.scanner.RunPeriodically(ctx, e.cfg.ScanInterval)
	}()

	go func() {
		defer wg.Done()
		e.updater.RunPeriodically(ctx, e.cfg.PollInterval)
	}()

	wg.Wait()
}

// Status is a point-in-time summary of one folder's health, for the
// status API / CLI (spec.md §11).
type Status struct {
	Name       string
	Paths      map[string]coordinator.Snapshot
	Conflicts  int
	UploaderOK bool
	UploadErr  error
}

// Status reports the folder's current per-path coordinator states plus
// uploader health and outstanding conflict count.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.Lock()
	paths := make(map[string]coordinator.Snapshot, len(e.coordinators))
	for p, c := range e.coordinators {
		paths[p] = c.View()
	}
	e.mu.Unlock()

	conflicts, err := e.store.Conflicts(ctx)
	if err != nil {
		return Status{}, err
	}

	disabled, uploadErr := e.uploader.Disabled()

	return Status{
		Name:       e.cfg.Name,
		Paths:      paths,
		Conflicts:  len(conflicts),
		UploaderOK: !disabled,
		UploadErr:  uploadErr,
	}, nil
}

// ResumeUploader clears a fatal uploader error, letting subsequent local
// changes upload again (spec.md §4.5: "until explicitly resumed").
func (e *Engine) ResumeUploader() {
	e.uploader.Resume()
}
