package coordinator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LeastAuthority/magic-folder/internal/errkind"
)

func TestCoordinator_IdleLocalChangeStartsSnapshot(t *testing.T) {
	c := New("a/b.txt")

	require.Equal(t, Idle, c.View().State)
	require.Equal(t, ActionStartSnapshot, c.OnLocalChange())
	require.Equal(t, Snapshotting, c.View().State)
}

func TestCoordinator_SnapshotThenUploadHappyPath(t *testing.T) {
	c := New("a/b.txt")

	require.Equal(t, ActionStartSnapshot, c.OnLocalChange())
	require.Equal(t, ActionStartUpload, c.OnSnapshotComplete(nil))
	require.Equal(t, Uploading, c.View().State)
	require.Equal(t, ActionNone, c.OnUploadComplete(nil, false))
	require.Equal(t, Idle, c.View().State)
}

func TestCoordinator_SnapshotFailureReturnsToIdle(t *testing.T) {
	c := New("a/b.txt")

	require.Equal(t, ActionStartSnapshot, c.OnLocalChange())

	failure := errkind.New(errkind.TransientIO, "disk read failed")
	require.Equal(t, ActionNone, c.OnSnapshotComplete(failure))

	view := c.View()
	require.Equal(t, Idle, view.State)
	require.ErrorIs(t, view.LastError, failure)
}

func TestCoordinator_RetryableUploadFailureGoesToBackoff(t *testing.T) {
	c := New("a/b.txt")

	c.OnLocalChange()
	c.OnSnapshotComplete(nil)

	failure := errkind.New(errkind.TransientIO, "grid unreachable")
	require.Equal(t, ActionScheduleBackoff, c.OnUploadComplete(failure, true))
	require.Equal(t, UploadBackoff, c.View().State)

	c.Retry(2 * time.Second)
	require.Equal(t, 2*time.Second, c.BackoffDuration())

	require.Equal(t, ActionStartUpload, c.OnBackoffTimer())
	require.Equal(t, Uploading, c.View().State)
}

func TestCoordinator_BackoffTimerIgnoredOutsideBackoffState(t *testing.T) {
	c := New("a/b.txt")

	require.Equal(t, ActionNone, c.OnBackoffTimer())
	require.Equal(t, Idle, c.View().State)
}

func TestCoordinator_LocalChangeDuringUploadIsQueuedThenReplayed(t *testing.T) {
	c := New("a/b.txt")

	c.OnLocalChange()
	c.OnSnapshotComplete(nil)
	require.Equal(t, Uploading, c.View().State)

	require.Equal(t, ActionNone, c.OnLocalChange())
	require.Equal(t, Uploading, c.View().State)

	require.Equal(t, ActionStartSnapshot, c.OnUploadComplete(nil, false))
	require.Equal(t, Snapshotting, c.View().State)
}

func TestCoordinator_RemoteUpdateDuringUploadIsDeferredThenReplayed(t *testing.T) {
	c := New("a/b.txt")

	c.OnLocalChange()
	c.OnSnapshotComplete(nil)
	require.Equal(t, Uploading, c.View().State)

	require.Equal(t, ActionNone, c.OnRemoteUpdateAvailable())

	require.Equal(t, ActionStartDownload, c.OnUploadComplete(nil, false))
	require.Equal(t, Downloading, c.View().State)
}

func TestCoordinator_PendingLocalChangeTakesPriorityOverDeferredRemoteUpdate(t *testing.T) {
	c := New("a/b.txt")

	c.OnLocalChange()
	c.OnSnapshotComplete(nil)
	require.Equal(t, Uploading, c.View().State)

	c.OnRemoteUpdateAvailable()
	c.OnLocalChange()

	require.Equal(t, ActionStartSnapshot, c.OnUploadComplete(nil, false))
	require.Equal(t, Snapshotting, c.View().State)
}

func TestCoordinator_IdleRemoteUpdateStartsDownload(t *testing.T) {
	c := New("a/b.txt")

	require.Equal(t, ActionStartDownload, c.OnRemoteUpdateAvailable())
	require.Equal(t, Downloading, c.View().State)
}

func TestCoordinator_DownloadCompleteRecordsConflictAndReturnsToIdle(t *testing.T) {
	c := New("a/b.txt")

	c.OnRemoteUpdateAvailable()
	require.Equal(t, ActionNone, c.OnDownloadComplete(nil, true))

	view := c.View()
	require.Equal(t, Idle, view.State)
	require.True(t, view.Conflicted)
}

func TestCoordinator_LocalEditClearsConflictedSubState(t *testing.T) {
	c := New("a/b.txt")

	c.OnRemoteUpdateAvailable()
	c.OnDownloadComplete(nil, true)
	require.True(t, c.View().Conflicted)

	require.Equal(t, ActionStartSnapshot, c.OnLocalChange())
	require.False(t, c.View().Conflicted)
}

func TestCoordinator_DownloadFailureRecordsErrorAndReturnsToIdle(t *testing.T) {
	c := New("a/b.txt")

	c.OnRemoteUpdateAvailable()

	failure := errors.New("fetch failed")
	require.Equal(t, ActionNone, c.OnDownloadComplete(failure, false))

	view := c.View()
	require.Equal(t, Idle, view.State)
	require.ErrorIs(t, view.LastError, failure)
	require.False(t, view.Conflicted)
}

func TestCoordinator_PendingLocalChangeDuringDownloadIsReplayedOnCompletion(t *testing.T) {
	c := New("a/b.txt")

	c.OnRemoteUpdateAvailable()
	require.Equal(t, ActionNone, c.OnLocalChange())
	require.Equal(t, Downloading, c.View().State)

	require.Equal(t, ActionStartSnapshot, c.OnDownloadComplete(nil, false))
	require.Equal(t, Snapshotting, c.View().State)
}

func TestCoordinator_NonRetryableUploadFailureReturnsToIdleWithoutBackoff(t *testing.T) {
	c := New("a/b.txt")

	c.OnLocalChange()
	c.OnSnapshotComplete(nil)

	failure := errkind.New(errkind.Fatal, "auth rejected")
	require.Equal(t, ActionNone, c.OnUploadComplete(failure, false))

	view := c.View()
	require.Equal(t, Idle, view.State)
	require.ErrorIs(t, view.LastError, failure)
}

func TestCoordinator_PathReturnsConstructorArgument(t *testing.T) {
	c := New("some/path.bin")
	require.Equal(t, "some/path.bin", c.Path())
}
