// Package stash implements the content-addressed on-disk staging area of
// spec.md §4.3: a directory of content blobs named by a random,
// collision-free identifier, referenced by exactly one live local
// snapshot, and released (deleted) once that snapshot dies.
//
// The shape — a directory of files named by a random id, with a
// stream-in/stream-out/release interface — follows Kopia's buffer/pack
// staging model (_examples/kopia-kopia/cas/buffer_manager.go) adapted from
// an in-memory buffer pool to durable on-disk files, since spec.md
// requires the staged bytes to survive a crash.
package stash

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/LeastAuthority/magic-folder/internal/errkind"
	"github.com/LeastAuthority/magic-folder/logging"
)

var log = logging.Module("magicfolder/stash")

// Handle names one staged content blob. The zero Handle means "no
// content" (spec.md §3: "a content handle... or null to indicate
// deletion").
type Handle struct {
	name string
}

// IsZero reports whether h represents "no content" (a deletion marker).
func (h Handle) IsZero() bool { return h.name == "" }

// String returns the handle's stable on-disk name.
func (h Handle) String() string { return h.name }

// HandleFromName reconstructs a Handle previously persisted by the
// snapshot store (spec.md's state.db stores content_stash_name).
func HandleFromName(name string) Handle { return Handle{name: name} }

// Stash is a directory of staged content blobs, each named by a random
// identifier rather than by its content, one per folder
// (spec.md §5: "The stash directory: exclusive to its folder").
type Stash struct {
	dir string

	mu     sync.Mutex
	refs   map[string]int // handle name -> live reference count
}

// Open opens (creating if necessary) the stash directory at dir.
func Open(dir string) (*Stash, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, err, "create stash directory")
	}

	return &Stash{dir: dir, refs: map[string]int{}}, nil
}

func (s *Stash) path(h Handle) string {
	return filepath.Join(s.dir, h.name)
}

// Stash streams the bytes produced by r into a new, uniquely named blob
// and returns a Handle referencing it with one live reference. On any
// write failure the partial file is removed and the error returned,
// matching spec.md §4.4 ("on store failure the stash entry is released").
func (s *Stash) Stash(ctx context.Context, r io.Reader) (Handle, int64, error) {
	name := "sc-" + uuidHex()
	h := Handle{name: name}
	p := s.path(h)

	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Handle{}, 0, errkind.Wrap(errkind.TransientIO, err, "create stash file")
	}

	n, copyErr := io.Copy(f, r)

	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}

	if copyErr != nil {
		_ = os.Remove(p)
		return Handle{}, 0, errkind.Wrap(errkind.TransientIO, copyErr, "write stash file")
	}

	select {
	case <-ctx.Done():
		_ = os.Remove(p)
		return Handle{}, 0, errkind.Wrap(errkind.TransientIO, ctx.Err(), "stash write cancelled")
	default:
	}

	s.mu.Lock()
	s.refs[name] = 1
	s.mu.Unlock()

	log.Debugw("stashed", "handle", name, "bytes", n)

	return h, n, nil
}

// OpenHandle returns a reader over the bytes referenced by h.
func (s *Stash) OpenHandle(h Handle) (io.ReadCloser, error) {
	if h.IsZero() {
		return nil, errkind.New(errkind.Validation, "cannot open a zero stash handle")
	}

	f, err := os.Open(s.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.Wrap(errkind.NotFound, err, "stash blob missing")
		}

		return nil, errkind.Wrap(errkind.TransientIO, err, "open stash blob")
	}

	return f, nil
}

// Size reports the byte size of the content referenced by h.
func (s *Stash) Size(h Handle) (int64, error) {
	fi, err := os.Stat(s.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errkind.Wrap(errkind.NotFound, err, "stash blob missing")
		}

		return 0, errkind.Wrap(errkind.TransientIO, err, "stat stash blob")
	}

	return fi.Size(), nil
}

// AddRef records an additional live reference to h, used when a handle
// already persisted in the store is reloaded at startup and a local
// snapshot chain still points at it.
func (s *Stash) AddRef(h Handle) {
	if h.IsZero() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs[h.name]++
}

// Release drops one live reference to h. It is idempotent: releasing an
// unknown or already-zero-refcount handle is a no-op. On the final
// release the backing file is deleted (spec.md §4.3: "release is
// idempotent and, on the final release, deletes the file").
func (s *Stash) Release(h Handle) error {
	if h.IsZero() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.refs[h.name]
	if !ok || n <= 0 {
		return nil
	}

	n--
	if n > 0 {
		s.refs[h.name] = n
		return nil
	}

	delete(s.refs, h.name)

	if err := os.Remove(s.path(h)); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.TransientIO, err, "delete stash blob")
	}

	log.Debugw("released", "handle", h.name)

	return nil
}

// GC removes on-disk stash files that are not in the given live set,
// recovering space left behind by a crash between a store_remote commit
// and a would-have-been Release call (spec.md §4.2: "The store must
// garbage-collect any stash files no longer referenced").
func (s *Stash) GC(live map[string]struct{}) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errkind.Wrap(errkind.TransientIO, err, "list stash directory")
	}

	var firstErr error

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		if _, keep := live[e.Name()]; keep {
			continue
		}

		s.mu.Lock()
		_, referenced := s.refs[e.Name()]
		s.mu.Unlock()

		if referenced {
			continue
		}

		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "gc stash file "+e.Name())
		}
	}

	if firstErr != nil {
		return errkind.Wrap(errkind.TransientIO, firstErr, "stash gc")
	}

	return nil
}

func uuidHex() string {
	return uuid.New().String()
}
