package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/config"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
)

func TestRetryScheduleNextDoublesAndCaps(t *testing.T) {
	s := config.RetrySchedule{Initial: time.Second, Max: time.Hour}

	d := s.Next(0)
	require.Equal(t, time.Second, d)

	d = s.Next(d)
	require.Equal(t, 2*time.Second, d)

	d = s.Next(59 * time.Minute)
	require.Equal(t, time.Hour, d)

	d = s.Next(time.Hour)
	require.Equal(t, time.Hour, d)
}

func TestCreateAndLoadGlobalConfiguration(t *testing.T) {
	confDir := filepath.Join(t.TempDir(), "conf")

	g, err := config.CreateGlobalConfiguration(confDir, "http://127.0.0.1:1234", "http://tahoe.example:3456")
	require.NoError(t, err)

	endpoint, err := g.APIEndpoint()
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:1234", endpoint)

	url, err := g.TahoeClientURL()
	require.NoError(t, err)
	require.Equal(t, "http://tahoe.example:3456", url)

	token1, err := g.APIToken()
	require.NoError(t, err)
	require.NotEmpty(t, token1)

	require.NoError(t, g.RotateAPIToken())

	token2, err := g.APIToken()
	require.NoError(t, err)
	require.NotEqual(t, token1, token2)

	require.NoError(t, g.Close())

	g2, err := config.LoadGlobalConfiguration(confDir)
	require.NoError(t, err)
	defer g2.Close() //nolint:errcheck

	reloadedToken, err := g2.APIToken()
	require.NoError(t, err)
	require.Equal(t, token2, reloadedToken)
}

func TestCreateGlobalConfigurationRejectsExistingDir(t *testing.T) {
	confDir := t.TempDir()

	_, err := config.CreateGlobalConfiguration(confDir, "http://127.0.0.1:1", "http://tahoe.example")
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Validation))
}

func TestLoadGlobalConfigurationRejectsMissingDir(t *testing.T) {
	_, err := config.LoadGlobalConfiguration(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Validation))
}

func testCollectiveCaps(t *testing.T) (collectiveRead, personalWrite capability.Capability) {
	t.Helper()

	var err error

	collectiveRead, err = capability.Parse("URI:DIR2-RO:aaaa")
	require.NoError(t, err)

	personalWrite, err = capability.Parse("URI:DIR2:bbbb")
	require.NoError(t, err)

	return collectiveRead, personalWrite
}

func TestCreateAndGetMagicFolder(t *testing.T) {
	confDir := filepath.Join(t.TempDir(), "conf")

	g, err := config.CreateGlobalConfiguration(confDir, "http://127.0.0.1:1", "http://tahoe.example")
	require.NoError(t, err)
	defer g.Close() //nolint:errcheck

	magicDir := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "state")

	a, err := author.New("alice")
	require.NoError(t, err)

	collectiveRead, personalWrite := testCollectiveCaps(t)

	fc, err := g.CreateMagicFolder("project", magicDir, statePath, a, collectiveRead, personalWrite, 30*time.Second, 45*time.Second)
	require.NoError(t, err)
	require.Equal(t, "project", fc.Name)
	require.Equal(t, config.DefaultRetrySchedule, fc.UploadRetry)

	names, err := g.ListMagicFolders()
	require.NoError(t, err)
	require.Equal(t, []string{"project"}, names)

	got, err := g.GetMagicFolder("project")
	require.NoError(t, err)
	require.Equal(t, fc.Name, got.Name)
	require.Equal(t, fc.MagicPath, got.MagicPath)
	require.Equal(t, a.Name, got.Author.Name)
	require.True(t, a.VerifyKey().Equal(got.Author.VerifyKey()))
	require.True(t, capability.Equal(collectiveRead, got.CollectiveReadCap))
	require.True(t, capability.Equal(personalWrite, got.PersonalWriteCap))
	require.Equal(t, 30*time.Second, got.PollInterval)
	require.Equal(t, 45*time.Second, got.ScanInterval)
}

func TestCreateMagicFolderRejectsDuplicateName(t *testing.T) {
	confDir := filepath.Join(t.TempDir(), "conf")

	g, err := config.CreateGlobalConfiguration(confDir, "http://127.0.0.1:1", "http://tahoe.example")
	require.NoError(t, err)
	defer g.Close() //nolint:errcheck

	magicDir := t.TempDir()
	a, err := author.New("alice")
	require.NoError(t, err)

	collectiveRead, personalWrite := testCollectiveCaps(t)

	_, err = g.CreateMagicFolder("project", magicDir, filepath.Join(t.TempDir(), "state1"), a, collectiveRead, personalWrite, time.Minute, time.Minute)
	require.NoError(t, err)

	_, err = g.CreateMagicFolder("project", magicDir, filepath.Join(t.TempDir(), "state2"), a, collectiveRead, personalWrite, time.Minute, time.Minute)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Validation))
}

func TestGetMagicFolderNotFound(t *testing.T) {
	confDir := filepath.Join(t.TempDir(), "conf")

	g, err := config.CreateGlobalConfiguration(confDir, "http://127.0.0.1:1", "http://tahoe.example")
	require.NoError(t, err)
	defer g.Close() //nolint:errcheck

	_, err = g.GetMagicFolder("nope")
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.NotFound))
}
