package capture_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/capture"
	"github.com/LeastAuthority/magic-folder/stash"
	"github.com/LeastAuthority/magic-folder/store"
)

func newTestCreator(t *testing.T) (*capture.Creator, string, *store.Store) {
	t.Helper()

	root := t.TempDir()

	a, err := author.New("alice")
	require.NoError(t, err)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	sh, err := stash.Open(filepath.Join(t.TempDir(), "stash"))
	require.NoError(t, err)

	return capture.New(root, a, st, sh), root, st
}

func TestSnapshotCapturesFileContent(t *testing.T) {
	ctx := context.Background()
	c, root, st := newTestCreator(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello"), 0o600))

	info, err := c.Snapshot(ctx, "hello.txt")
	require.NoError(t, err)
	require.False(t, info.IsDeletion())
	require.Equal(t, int64(5), info.Size)
	require.NotZero(t, info.ID)

	got, err := st.GetLocal(ctx, "hello.txt")
	require.NoError(t, err)
	require.Equal(t, info.ID, got.ID)
}

func TestSnapshotRecordsDeletionForMissingFile(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCreator(t)

	info, err := c.Snapshot(ctx, "gone.txt")
	require.NoError(t, err)
	require.True(t, info.IsDeletion())
	require.Zero(t, info.Size)
}

func TestSnapshotChainsOnExistingLocalHead(t *testing.T) {
	ctx := context.Background()
	c, root, _ := newTestCreator(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("v1"), 0o600))
	first, err := c.Snapshot(ctx, "f.txt")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("v2 longer"), 0o600))
	second, err := c.Snapshot(ctx, "f.txt")
	require.NoError(t, err)

	require.Contains(t, second.LocalParentIDs, first.ID)
}

func TestSnapshotRejectsPathEscapingRoot(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCreator(t)

	_, err := c.Snapshot(ctx, "../outside.txt")
	require.Error(t, err)
}
