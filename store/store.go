// Package store implements the per-folder snapshot store of spec.md §4.2:
// a durable catalog of pending local snapshots and the latest known remote
// snapshot per path, backed by a single-file transactional database
// (modernc.org/sqlite, a pure-Go driver requiring no cgo toolchain, in the
// same family as the sqlite3 file the original Python implementation opens
// directly — see original_source/.../test_config.py).
//
// Schema versioning follows spec.md §4.2 ("opening an unknown version fails
// with a configuration error rather than silently migrating"), the same
// policy original_source/.../test_config.py exercises against a mismatched
// `version` table.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/grid"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
	"github.com/LeastAuthority/magic-folder/logging"
	"github.com/LeastAuthority/magic-folder/snapshot"
	"github.com/LeastAuthority/magic-folder/stash"
)

var log = logging.Module("magicfolder/store")

// SchemaVersion is the schema version this build of the store understands.
const SchemaVersion = 1

// Store is a folder's durable snapshot catalog (spec.md §4.2).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the state database at path, checking
// its schema version.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, err, "open state database")
	}

	// The store is single-writer per folder (spec.md §5); one connection
	// keeps sqlite's own locking out of the picture entirely.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.TransientIO, err, "begin migration")
	}

	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return errkind.Wrap(errkind.Fatal, err, "create schema_version table")
	}

	row := tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`)

	var version int

	switch err := row.Scan(&version); {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, SchemaVersion); err != nil {
			return errkind.Wrap(errkind.Fatal, err, "record schema version")
		}

		if err := createTables(ctx, tx); err != nil {
			return err
		}
	case err != nil:
		return errkind.Wrap(errkind.Fatal, err, "read schema version")
	case version != SchemaVersion:
		return errkind.New(errkind.Fatal, "unsupported state database schema version (configuration error)")
	}

	return tx.Commit() //nolint:wrapcheck
}

func createTables(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS local_snapshot (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			author_name TEXT NOT NULL,
			author_verify_key TEXT NOT NULL,
			content_stash_name TEXT NOT NULL,
			size INTEGER NOT NULL,
			modification_time INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS local_snapshot_path_idx ON local_snapshot (path)`,
		`CREATE TABLE IF NOT EXISTS local_snapshot_parent (
			child_id INTEGER NOT NULL,
			parent_id INTEGER,
			parent_cap TEXT,
			ordinal INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS local_snapshot_parent_child_idx ON local_snapshot_parent (child_id)`,
		`CREATE TABLE IF NOT EXISTS remote_snapshot (
			path TEXT PRIMARY KEY,
			cap TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conflict (
			path TEXT NOT NULL,
			participant TEXT NOT NULL,
			cap TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			PRIMARY KEY (path, participant)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errkind.Wrap(errkind.Fatal, err, "create store tables")
		}
	}

	return nil
}

// StoreLocal inserts a new head local snapshot for info.Path (spec.md
// §4.2 store_local). If a head already exists for that path, it becomes
// the new snapshot's sole local parent, preserving the chain. Storing a
// new local snapshot also clears any recorded conflict for the path,
// since an edit that produces a fresh local snapshot is how an operator
// resolves a conflict (spec.md §4.7 "conflicted... cleared when the local
// user resolves by editing the file").
func (s *Store) StoreLocal(ctx context.Context, info snapshot.Info) (snapshot.LocalID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errkind.Wrap(errkind.TransientIO, err, "begin store_local")
	}

	defer tx.Rollback() //nolint:errcheck

	existingHead, err := headID(ctx, tx, info.Path)
	if err != nil && errkind.Classify(err) != errkind.NotFound {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO local_snapshot
			(path, author_name, author_verify_key, content_stash_name, size, modification_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.Path, info.Author.Name, info.Author.VerifyKey.String(), info.Content.String(),
		info.Size, info.ModificationTime.UTC().UnixNano(), time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return 0, errkind.Wrap(errkind.TransientIO, err, "insert local snapshot")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errkind.Wrap(errkind.TransientIO, err, "read inserted local snapshot id")
	}

	ordinal := 0

	if existingHead != 0 {
		if err := insertParent(ctx, tx, id, &existingHead, nil, ordinal); err != nil {
			return 0, err
		}

		ordinal++
	}

	for _, p := range info.RemoteParents {
		capStr := p.String()
		if err := insertParent(ctx, tx, id, nil, &capStr, ordinal); err != nil {
			return 0, err
		}

		ordinal++
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM conflict WHERE path = ?`, info.Path); err != nil {
		return 0, errkind.Wrap(errkind.TransientIO, err, "clear conflict on new local snapshot")
	}

	if err := tx.Commit(); err != nil {
		return 0, errkind.Wrap(errkind.TransientIO, err, "commit store_local")
	}

	log.Debugw("stored local snapshot", "path", info.Path, "id", id)

	return snapshot.LocalID(id), nil
}

func insertParent(ctx context.Context, tx *sql.Tx, childID int64, parentID *int64, parentCap *string, ordinal int) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO local_snapshot_parent (child_id, parent_id, parent_cap, ordinal) VALUES (?, ?, ?, ?)`,
		childID, parentID, parentCap, ordinal,
	); err != nil {
		return errkind.Wrap(errkind.TransientIO, err, "insert local snapshot parent")
	}

	return nil
}

func headID(ctx context.Context, q queryer, path string) (int64, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id FROM local_snapshot WHERE path = ?
		AND id NOT IN (SELECT parent_id FROM local_snapshot_parent WHERE parent_id IS NOT NULL)
		ORDER BY id DESC LIMIT 1`, path)

	var id int64

	switch err := row.Scan(&id); {
	case err == sql.ErrNoRows:
		return 0, errkind.New(errkind.NotFound, "no local snapshot for path: "+path)
	case err != nil:
		return 0, errkind.Wrap(errkind.TransientIO, err, "query head local snapshot")
	default:
		return id, nil
	}
}

// queryer is satisfied by both *sql.DB and *sql.Tx, letting read helpers
// run either standalone or inside a write transaction.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// GetLocal returns the head local snapshot for path (spec.md §4.2
// get_local), or a not-found error.
func (s *Store) GetLocal(ctx context.Context, path string) (snapshot.Info, error) {
	id, err := headID(ctx, s.db, path)
	if err != nil {
		return snapshot.Info{}, err
	}

	return s.GetLocalByID(ctx, snapshot.LocalID(id))
}

// GetLocalByID returns one local snapshot record by id, used to walk a
// chain of local parents.
func (s *Store) GetLocalByID(ctx context.Context, id snapshot.LocalID) (snapshot.Info, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, author_name, author_verify_key, content_stash_name, size, modification_time, created_at
		FROM local_snapshot WHERE id = ?`, int64(id))

	info, err := scanLocal(row)
	if err != nil {
		return snapshot.Info{}, err
	}

	info.LocalParentIDs, info.RemoteParents, err = parentsOf(ctx, s.db, int64(id))
	if err != nil {
		return snapshot.Info{}, err
	}

	return info, nil
}

func scanLocal(row *sql.Row) (snapshot.Info, error) {
	var (
		id                int64
		path              string
		authorName        string
		authorVerifyKey   string
		contentStashName  string
		size              int64
		modificationNanos int64
		createdNanos      int64
	)

	switch err := row.Scan(&id, &path, &authorName, &authorVerifyKey, &contentStashName, &size, &modificationNanos, &createdNanos); {
	case err == sql.ErrNoRows:
		return snapshot.Info{}, errkind.New(errkind.NotFound, "local snapshot not found")
	case err != nil:
		return snapshot.Info{}, errkind.Wrap(errkind.TransientIO, err, "scan local snapshot")
	}

	vk, err := author.ParseVerifyKey(authorVerifyKey)
	if err != nil {
		return snapshot.Info{}, errkind.Wrap(errkind.Fatal, err, "parse stored author verify key")
	}

	return snapshot.Info{
		ID:                snapshot.LocalID(id),
		Path:              path,
		Author:            author.Identity{Name: authorName, VerifyKey: vk},
		Content:           stash.HandleFromName(contentStashName),
		ModificationTime:  time.Unix(0, modificationNanos).UTC(),
		Size:              size,
		CreatedAt:         time.Unix(0, createdNanos).UTC(),
	}, nil
}

func parentsOf(ctx context.Context, q queryer, childID int64) ([]snapshot.LocalID, []capability.Capability, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT parent_id, parent_cap FROM local_snapshot_parent
		WHERE child_id = ? ORDER BY ordinal ASC`, childID)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.TransientIO, err, "query local snapshot parents")
	}

	defer rows.Close() //nolint:errcheck

	var (
		localParents  []snapshot.LocalID
		remoteParents []capability.Capability
	)

	for rows.Next() {
		var (
			parentID  sql.NullInt64
			parentCap sql.NullString
		)

		if err := rows.Scan(&parentID, &parentCap); err != nil {
			return nil, nil, errkind.Wrap(errkind.TransientIO, err, "scan local snapshot parent")
		}

		if parentID.Valid {
			localParents = append(localParents, snapshot.LocalID(parentID.Int64))
			continue
		}

		if parentCap.Valid {
			c, err := capability.Parse(parentCap.String)
			if err != nil {
				return nil, nil, err
			}

			remoteParents = append(remoteParents, c)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, nil, errkind.Wrap(errkind.TransientIO, err, "iterate local snapshot parents")
	}

	return localParents, remoteParents, nil
}

// AllLocalPaths returns the set of paths with a pending local snapshot
// (spec.md §4.2 all_local_paths).
func (s *Store) AllLocalPaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT path FROM local_snapshot
		WHERE id NOT IN (SELECT parent_id FROM local_snapshot_parent WHERE parent_id IS NOT NULL)`)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, err, "query all local paths")
	}

	defer rows.Close() //nolint:errcheck

	var paths []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errkind.Wrap(errkind.TransientIO, err, "scan local path")
		}

		paths = append(paths, p)
	}

	return paths, rows.Err() //nolint:wrapcheck
}

// StoreRemote atomically records the latest remote snapshot capability
// for path and deletes the local-snapshot chain whose head is that path
// (spec.md §4.2 store_remote). Stashed content referenced only by the
// deleted chain is released into st, which performs the actual deletion;
// the store never touches stash files directly, keeping the boundary
// between the two durable resources explicit.
func (s *Store) StoreRemote(ctx context.Context, path string, snapCap capability.Capability, st *stash.Stash) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.TransientIO, err, "begin store_remote")
	}

	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO remote_snapshot (path, cap) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET cap = excluded.cap`, path, snapCap.String(),
	); err != nil {
		return errkind.Wrap(errkind.Fatal, err, "upsert remote snapshot")
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, content_stash_name FROM local_snapshot WHERE path = ?`, path)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, err, "query local snapshot chain for deletion")
	}

	var (
		ids     []int64
		handles []stash.Handle
	)

	for rows.Next() {
		var (
			id   int64
			name string
		)

		if err := rows.Scan(&id, &name); err != nil {
			rows.Close() //nolint:errcheck
			return errkind.Wrap(errkind.Fatal, err, "scan local snapshot for deletion")
		}

		ids = append(ids, id)

		if name != "" {
			handles = append(handles, stash.HandleFromName(name))
		}
	}

	if err := rows.Err(); err != nil {
		rows.Close() //nolint:errcheck
		return errkind.Wrap(errkind.Fatal, err, "iterate local snapshot chain for deletion")
	}

	rows.Close() //nolint:errcheck

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM local_snapshot_parent WHERE child_id = ?`, id); err != nil {
			return errkind.Wrap(errkind.Fatal, err, "delete local snapshot parent rows")
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM local_snapshot WHERE id = ?`, id); err != nil {
			return errkind.Wrap(errkind.Fatal, err, "delete local snapshot row")
		}
	}

	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.Fatal, err, "commit store_remote")
	}

	for _, h := range handles {
		if err := st.Release(h); err != nil {
			log.Warnw("failed to release stash handle after store_remote", "path", path, "error", err)
		}
	}

	log.Debugw("stored remote snapshot", "path", path, "cap", snapCap.String())

	return nil
}

// GetRemote returns the last stored remote snapshot capability for path
// (spec.md §4.2 get_remote), or a not-found error.
func (s *Store) GetRemote(ctx context.Context, path string) (capability.Capability, error) {
	row := s.db.QueryRowContext(ctx, `SELECT cap FROM remote_snapshot WHERE path = ?`, path)

	var capStr string

	switch err := row.Scan(&capStr); {
	case err == sql.ErrNoRows:
		return capability.Capability{}, errkind.New(errkind.NotFound, "no remote snapshot for path: "+path)
	case err != nil:
		return capability.Capability{}, errkind.Wrap(errkind.TransientIO, err, "query remote snapshot")
	}

	return capability.Parse(capStr)
}

// AllRemotePaths returns every path with a recorded remote snapshot,
// needed by the downloader to compare against a peer's personal
// directory listing.
func (s *Store) AllRemotePaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM remote_snapshot`)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, err, "query all remote paths")
	}

	defer rows.Close() //nolint:errcheck

	var paths []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errkind.Wrap(errkind.TransientIO, err, "scan remote path")
		}

		paths = append(paths, p)
	}

	return paths, rows.Err() //nolint:wrapcheck
}

// ObjectSizes reports the sizes of the on-grid objects backing path's
// current remote snapshot: the snapshot directory itself, its content
// blob, and its metadata blob (spec.md §4.2 tahoe_objects).
type ObjectSizes struct {
	SnapshotDirectory int64
	Content           int64
	Metadata          int64
}

// TahoeObjects implements spec.md §4.2 tahoe_objects. Named for the grid
// backend spec.md assumes throughout (Tahoe-LAFS), matching the original
// Python method this is grounded on
// (original_source/.../test_tahoe_objects.py).
func (s *Store) TahoeObjects(ctx context.Context, g grid.Client, path string) (ObjectSizes, error) {
	cap, err := s.GetRemote(ctx, path)
	if err != nil {
		return ObjectSizes{}, err
	}

	dirSize, err := g.ObjectSizes(ctx, cap)
	if err != nil {
		return ObjectSizes{}, err
	}

	entries, err := g.ListDirectory(ctx, cap)
	if err != nil {
		return ObjectSizes{}, err
	}

	var sizes ObjectSizes
	sizes.SnapshotDirectory = dirSize

	if contentCap, ok := entries["content"]; ok {
		sizes.Content, err = g.ObjectSizes(ctx, contentCap)
		if err != nil {
			return ObjectSizes{}, err
		}
	}

	if metaCap, ok := entries["metadata"]; ok {
		sizes.Metadata, err = g.ObjectSizes(ctx, metaCap)
		if err != nil {
			return ObjectSizes{}, err
		}
	}

	return sizes, nil
}

// ConflictRecord is one entry recorded by spec.md §4.6 step 3e.
type ConflictRecord struct {
	Path        string
	Participant string
	Cap         capability.Capability
	DetectedAt  time.Time
}

// RecordConflict records a conflict between our state and a participant's
// published snapshot for path, replacing any prior conflict recorded
// against the same (path, participant) pair.
func (s *Store) RecordConflict(ctx context.Context, path, participant string, conflictCap capability.Capability, detectedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict (path, participant, cap, detected_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(path, participant) DO UPDATE SET cap = excluded.cap, detected_at = excluded.detected_at`,
		path, participant, conflictCap.String(), detectedAt.UTC().UnixNano(),
	)
	if err != nil {
		return errkind.Wrap(errkind.TransientIO, err, "record conflict")
	}

	log.Warnw("recorded conflict", "path", path, "participant", participant)

	return nil
}

// Conflicts returns every recorded conflict, for status queries.
func (s *Store) Conflicts(ctx context.Context) ([]ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, participant, cap, detected_at FROM conflict ORDER BY path, participant`)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, err, "query conflicts")
	}

	defer rows.Close() //nolint:errcheck

	var out []ConflictRecord

	for rows.Next() {
		var (
			path, participant, capStr string
			detectedNanos             int64
		)

		if err := rows.Scan(&path, &participant, &capStr, &detectedNanos); err != nil {
			return nil, errkind.Wrap(errkind.TransientIO, err, "scan conflict")
		}

		parsedCap, err := capability.Parse(capStr)
		if err != nil {
			return nil, err
		}

		out = append(out, ConflictRecord{
			Path:        path,
			Participant: participant,
			Cap:         parsedCap,
			DetectedAt:  time.Unix(0, detectedNanos).UTC(),
		})
	}

	return out, rows.Err() //nolint:wrapcheck
}
