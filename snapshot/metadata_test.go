package snapshot_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
	"github.com/LeastAuthority/magic-folder/snapshot"
)

func mustAuthor(t *testing.T, name string) author.Author {
	t.Helper()

	a, err := author.New(name)
	require.NoError(t, err)

	return a
}

func TestMetadataSignAndVerify(t *testing.T) {
	a := mustAuthor(t, "alice")

	m := snapshot.Metadata{
		Schema:           snapshot.MetadataSchema,
		Name:             "docs/notes.txt",
		ModificationTime: time.Unix(1700000000, 0).UTC(),
		Size:             42,
		Parents:          []string{"URI:CHK:abc"},
	}

	require.NoError(t, m.Sign(a))
	require.Equal(t, a.Name, m.AuthorName)
	require.Equal(t, a.VerifyKey().String(), m.AuthorVerifyKey)
	require.NotEmpty(t, m.Signature)

	require.NoError(t, m.Verify())
}

func TestMetadataVerifyRejectsTamperedField(t *testing.T) {
	a := mustAuthor(t, "alice")

	m := snapshot.Metadata{
		Schema: snapshot.MetadataSchema,
		Name:   "docs/notes.txt",
		Size:   42,
	}
	require.NoError(t, m.Sign(a))

	m.Size = 43

	err := m.Verify()
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Fatal))
}

func TestMetadataVerifyRejectsWrongAuthor(t *testing.T) {
	alice := mustAuthor(t, "alice")
	mallory := mustAuthor(t, "mallory")

	m := snapshot.Metadata{
		Schema: snapshot.MetadataSchema,
		Name:   "docs/notes.txt",
	}
	require.NoError(t, m.Sign(alice))

	// swap in mallory's verify key without re-signing: signature no longer
	// matches the embedded key.
	m.AuthorVerifyKey = mallory.VerifyKey().String()

	err := m.Verify()
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Fatal))
}

func TestMetadataMarshalRoundTrip(t *testing.T) {
	a := mustAuthor(t, "alice")

	m := snapshot.Metadata{
		Schema:           snapshot.MetadataSchema,
		Name:             "docs/notes.txt",
		ModificationTime: time.Unix(1700000000, 0).UTC(),
		Size:             42,
		Parents:          []string{"URI:CHK:abc", "URI:CHK:def"},
	}
	require.NoError(t, m.Sign(a))

	blob, err := m.MarshalBlob()
	require.NoError(t, err)

	got, err := snapshot.UnmarshalMetadata(blob)
	require.NoError(t, err)

	require.Equal(t, m.Name, got.Name)
	require.Equal(t, m.Size, got.Size)
	require.Equal(t, m.Parents, got.Parents)
	require.Equal(t, m.ModificationTime.Unix(), got.ModificationTime.Unix())
	require.NoError(t, got.Verify())
}

func TestUnmarshalMetadataRejectsSchemaMismatch(t *testing.T) {
	blob := []byte(`{"schema":"some-other-schema","name":"x"}`)

	_, err := snapshot.UnmarshalMetadata(blob)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Fatal))
}

func TestUnmarshalMetadataRejectsGarbage(t *testing.T) {
	_, err := snapshot.UnmarshalMetadata([]byte("not json"))
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.Fatal))
}
