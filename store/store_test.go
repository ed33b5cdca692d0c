package store_test

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
	"github.com/LeastAuthority/magic-folder/snapshot"
	"github.com/LeastAuthority/magic-folder/stash"
	"github.com/LeastAuthority/magic-folder/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	dir := t.TempDir()

	s, err := store.Open(context.Background(), filepath.Join(dir, "state.db"))
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() }) //nolint:errcheck

	return s
}

func testIdentity(t *testing.T) (author.Author, snapshot.Info) {
	t.Helper()

	a, err := author.New("alice")
	require.NoError(t, err)

	info := snapshot.Info{
		Path:             "docs/notes.txt",
		Author:           a.Identity(),
		Size:             10,
		ModificationTime: time.Unix(1700000000, 0).UTC(),
	}

	return a, info
}

func TestStoreLocalAndGetLocal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, info := testIdentity(t)

	id, err := s.StoreLocal(ctx, info)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := s.GetLocal(ctx, info.Path)
	require.NoError(t, err)
	require.Equal(t, info.Path, got.Path)
	require.Equal(t, info.Author.Name, got.Author.Name)
	require.Equal(t, info.Size, got.Size)
	require.Empty(t, got.LocalParentIDs)
	require.Empty(t, got.RemoteParents)
}

func TestGetLocalNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetLocal(ctx, "no/such/path")
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.NotFound))
}

func TestStoreLocalChainsParent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, info := testIdentity(t)

	id1, err := s.StoreLocal(ctx, info)
	require.NoError(t, err)

	id2, err := s.StoreLocal(ctx, info)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	head, err := s.GetLocal(ctx, info.Path)
	require.NoError(t, err)
	require.Equal(t, id2, head.ID)
	require.Equal(t, []snapshot.LocalID{id1}, head.LocalParentIDs)
}

func TestStoreLocalRecordsRemoteParents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, info := testIdentity(t)

	parentCap, err := capability.Parse("URI:DIR2-CHK:aaaa")
	require.NoError(t, err)

	info.RemoteParents = []capability.Capability{parentCap}

	_, err = s.StoreLocal(ctx, info)
	require.NoError(t, err)

	head, err := s.GetLocal(ctx, info.Path)
	require.NoError(t, err)
	require.Len(t, head.RemoteParents, 1)
	require.True(t, capability.Equal(parentCap, head.RemoteParents[0]))
}

func TestAllLocalPathsReturnsOnlyHeads(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, infoA := testIdentity(t)
	infoB := infoA
	infoB.Path = "other.txt"

	_, err := s.StoreLocal(ctx, infoA)
	require.NoError(t, err)
	_, err = s.StoreLocal(ctx, infoA) // second head on the same path
	require.NoError(t, err)
	_, err = s.StoreLocal(ctx, infoB)
	require.NoError(t, err)

	paths, err := s.AllLocalPaths(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{infoA.Path, infoB.Path}, paths)
}

func TestStoreRemoteClearsLocalChainAndReleasesStash(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	dir := t.TempDir()
	sh, err := stash.Open(dir)
	require.NoError(t, err)

	h, _, err := sh.Stash(ctx, bytes.NewReader([]byte("content")))
	require.NoError(t, err)

	_, info := testIdentity(t)
	info.Content = h

	_, err = s.StoreLocal(ctx, info)
	require.NoError(t, err)

	remoteCap, err := capability.Parse("URI:DIR2-CHK:bbbb")
	require.NoError(t, err)

	require.NoError(t, s.StoreRemote(ctx, info.Path, remoteCap, sh))

	_, err = s.GetLocal(ctx, info.Path)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.NotFound))

	got, err := s.GetRemote(ctx, info.Path)
	require.NoError(t, err)
	require.True(t, capability.Equal(remoteCap, got))

	_, err = sh.OpenHandle(h)
	require.Error(t, err, "stash handle should have been released")
}

func TestGetRemoteNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetRemote(ctx, "nope")
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.NotFound))
}

func TestStoreRemoteUpsertsOnSamePath(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	capA, err := capability.Parse("URI:DIR2-CHK:aaaa")
	require.NoError(t, err)
	capB, err := capability.Parse("URI:DIR2-CHK:bbbb")
	require.NoError(t, err)

	require.NoError(t, s.StoreRemote(ctx, "f.txt", capA, nil))
	require.NoError(t, s.StoreRemote(ctx, "f.txt", capB, nil))

	got, err := s.GetRemote(ctx, "f.txt")
	require.NoError(t, err)
	require.True(t, capability.Equal(capB, got))

	paths, err := s.AllRemotePaths(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"f.txt"}, paths)
}

func TestRecordAndListConflicts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	conflictCap, err := capability.Parse("URI:DIR2-CHK:cccc")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.RecordConflict(ctx, "f.txt", "bob", conflictCap, now))

	conflicts, err := s.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, "f.txt", conflicts[0].Path)
	require.Equal(t, "bob", conflicts[0].Participant)
	require.True(t, capability.Equal(conflictCap, conflicts[0].Cap))
}

func TestStoreLocalClearsConflictOnPath(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	conflictCap, err := capability.Parse("URI:DIR2-CHK:dddd")
	require.NoError(t, err)

	_, info := testIdentity(t)

	require.NoError(t, s.RecordConflict(ctx, info.Path, "bob", conflictCap, time.Now()))

	_, err = s.StoreLocal(ctx, info)
	require.NoError(t, err)

	conflicts, err := s.Conflicts(ctx)
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestOpenRejectsMismatchedSchemaVersion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	s, err := store.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Re-open is fine (same schema version).
	s2, err := store.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())

	// A database recorded under another schema version is rejected.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE schema_version SET version = ?`, store.SchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = store.Open(ctx, path)
	require.Error(t, err)
	require.Equal(t, errkind.Fatal, errkind.Classify(err))
}
