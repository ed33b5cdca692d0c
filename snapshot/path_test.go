package snapshot_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LeastAuthority/magic-folder/internal/errkind"
	"github.com/LeastAuthority/magic-folder/snapshot"
)

func TestValidatePath(t *testing.T) {
	valid := []string{
		"a",
		"a/b/c",
		"with spaces/and.dots",
		"日本語/ファイル",
	}

	for _, p := range valid {
		require.NoError(t, snapshot.ValidatePath(p), "expected %q to be valid", p)
	}

	invalid := []string{
		"",
		"/leading",
		"a//b",
		"a/./b",
		"a/../b",
		"..",
	}

	for _, p := range invalid {
		err := snapshot.ValidatePath(p)
		require.Error(t, err, "expected %q to be invalid", p)
		require.True(t, errkind.Is(err, errkind.Validation))
	}
}

func TestMangleNameRoundTrips(t *testing.T) {
	paths := []string{
		"a",
		"a/b/c",
		"with spaces/and.dots",
		"100%",
		"a+b",
		"a+b/c+d",
		"日本語/ファイル",
		"a/b%2Fc",
	}

	for _, p := range paths {
		mangled := snapshot.MangleName(p)
		require.NotContains(t, mangled, "/", "mangled name must collapse into a single component")

		unmangled, err := snapshot.UnmangleName(mangled)
		require.NoError(t, err)
		require.Equal(t, p, unmangled)
	}
}

func TestMangleNamePreservesPlusLiterally(t *testing.T) {
	mangled := snapshot.MangleName("a+b")

	unmangled, err := snapshot.UnmangleName(mangled)
	require.NoError(t, err)
	require.Equal(t, "a+b", unmangled, "a literal '+' must never decode as a space")
}

func TestMangleNameDistinctForDistinctPaths(t *testing.T) {
	a := snapshot.MangleName("a/b")
	b := snapshot.MangleName("a%2Fb")
	require.NotEqual(t, a, b)
}

func TestUnmangleNameRejectsMalformed(t *testing.T) {
	_, err := snapshot.UnmangleName("%zz")
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Validation))
}
