package folder_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/config"
	"github.com/LeastAuthority/magic-folder/folder"
	"github.com/LeastAuthority/magic-folder/grid/memory"
)

func TestJoin_LinksPersonalReadCapIntoCollective(t *testing.T) {
	ctx := context.Background()

	client := memory.New()

	collectiveWrite, collectiveRead, err := client.CreateMutableDirectory(ctx)
	require.NoError(t, err)

	confDir := t.TempDir()
	magicDir := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "state")

	g, err := config.CreateGlobalConfiguration(confDir, "http://127.0.0.1:0", "http://127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() }) //nolint:errcheck

	invite := folder.Invite{CollectiveWriteCap: collectiveWrite, CollectiveReadCap: collectiveRead}

	fc, err := folder.Join(ctx, g, client, invite, "shared", magicDir, statePath, "bob", time.Minute, time.Minute)
	require.NoError(t, err)

	require.Equal(t, "bob", fc.Author.Name)
	require.True(t, capability.Equal(fc.CollectiveReadCap, collectiveRead))

	entries, err := client.ListDirectory(ctx, collectiveRead)
	require.NoError(t, err)

	personalRead, ok := entries["bob"]
	require.True(t, ok)
	require.False(t, personalRead.IsZero())
}
