package upload_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/config"
	"github.com/LeastAuthority/magic-folder/grid/memory"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
	"github.com/LeastAuthority/magic-folder/snapshot"
	"github.com/LeastAuthority/magic-folder/stash"
	"github.com/LeastAuthority/magic-folder/store"
	"github.com/LeastAuthority/magic-folder/upload"
)

func newTestUploader(t *testing.T) (*upload.Creator, *store.Store, *stash.Stash, *memory.Client, author.Author) {
	t.Helper()

	a, err := author.New("alice")
	require.NoError(t, err)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	sh, err := stash.Open(filepath.Join(t.TempDir(), "stash"))
	require.NoError(t, err)

	g := memory.New()

	personalWrite, _, err := g.CreateMutableDirectory(context.Background())
	require.NoError(t, err)

	c := upload.New(a, g, st, sh, personalWrite, config.RetrySchedule{})

	return c, st, sh, g, a
}

func storeLocal(t *testing.T, ctx context.Context, st *store.Store, sh *stash.Stash, a author.Author, path, content string) snapshot.LocalID {
	t.Helper()

	h, size, err := sh.Stash(ctx, bytes.NewReader([]byte(content)))
	require.NoError(t, err)

	id, err := st.StoreLocal(ctx, snapshot.Info{
		Path:    path,
		Author:  a.Identity(),
		Content: h,
		Size:    size,
	})
	require.NoError(t, err)

	return id
}

func TestUploadPathPublishesAndRetiresLocalSnapshot(t *testing.T) {
	ctx := context.Background()
	c, st, sh, _, a := newTestUploader(t)

	storeLocal(t, ctx, st, sh, a, "f.txt", "hello")

	require.NoError(t, c.UploadPath(ctx, "f.txt"))

	_, err := st.GetLocal(ctx, "f.txt")
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.NotFound))

	remoteCap, err := st.GetRemote(ctx, "f.txt")
	require.NoError(t, err)
	require.False(t, remoteCap.IsZero())
}

func TestUploadPathNoopWhenNothingPending(t *testing.T) {
	ctx := context.Background()
	c, _, _, _, _ := newTestUploader(t)

	require.NoError(t, c.UploadPath(ctx, "no/such/path"))
}

func TestUploadPathUploadsParentChainInOrder(t *testing.T) {
	ctx := context.Background()
	c, st, sh, g, a := newTestUploader(t)

	storeLocal(t, ctx, st, sh, a, "f.txt", "v1")
	storeLocal(t, ctx, st, sh, a, "f.txt", "v2")

	require.NoError(t, c.UploadPath(ctx, "f.txt"))

	remoteCap, err := st.GetRemote(ctx, "f.txt")
	require.NoError(t, err)

	parents, err := snapshot.Parents(ctx, g, snapshot.Remote{Cap: remoteCap})
	require.NoError(t, err)
	require.Len(t, parents, 1, "v2's upload should carry v1's now-uploaded snapshot as a parent")
}

func TestUploadPathReturnsTransientOnInjectedFailure(t *testing.T) {
	ctx := context.Background()
	c, st, sh, g, a := newTestUploader(t)

	storeLocal(t, ctx, st, sh, a, "f.txt", "hello")

	g.FailNextN = 1

	err := c.UploadPath(ctx, "f.txt")
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.TransientIO))

	// The local snapshot must still be pending: a transient failure must
	// not have retired it.
	_, err = st.GetLocal(ctx, "f.txt")
	require.NoError(t, err)
}

func TestDrainAllUploadsEveryPendingPath(t *testing.T) {
	ctx := context.Background()
	c, st, sh, _, a := newTestUploader(t)

	storeLocal(t, ctx, st, sh, a, "a.txt", "aaa")
	storeLocal(t, ctx, st, sh, a, "b.txt", "bbb")

	require.NoError(t, c.DrainAll(ctx))

	paths, err := st.AllLocalPaths(ctx)
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestResumeClearsDisabledState(t *testing.T) {
	c, _, _, _, _ := newTestUploader(t)

	disabled, _ := c.Disabled()
	require.False(t, disabled)

	c.Resume()

	disabled, err := c.Disabled()
	require.False(t, disabled)
	require.NoError(t, err)
}
