package snapshot

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
)

// MetadataSchema is the current value of the metadata blob's "schema" key
// (spec.md §6).
const MetadataSchema = "magic-folder-snapshot-metadata-v1"

// Metadata is the self-describing structured blob spec.md §6 specifies:
// schema, name (relative path), author identity, signature, modification
// time, size, and an ordered list of parent capability strings.
type Metadata struct {
	Schema          string    `json:"schema"`
	Name            string    `json:"name"`
	AuthorName      string    `json:"author_name"`
	AuthorVerifyKey string    `json:"author_verify_key"`
	ModificationTime time.Time `json:"modification_time"`
	Size            int64     `json:"size"`
	Parents         []string  `json:"parents"`
	Signature       []byte    `json:"signature,omitempty"`
}

// signedFields returns the canonical serialization of every field except
// Signature, the bytes the signature in spec.md §6 is computed over
// ("signature is over the canonical serialization of the other fields").
func (m Metadata) signedFields() ([]byte, error) {
	cp := m
	cp.Signature = nil

	// encoding/json with sorted map keys is not at issue here since every
	// field is a scalar or ordered slice; struct field order is fixed by
	// the type definition, giving a stable canonical encoding.
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(cp); err != nil {
		return nil, errkind.Wrap(errkind.Fatal, err, "canonicalize snapshot metadata")
	}

	return buf.Bytes(), nil
}

// Sign computes and attaches a over the canonical serialization of m's
// other fields, using a's signing key.
func (m *Metadata) Sign(a author.Author) error {
	m.AuthorName = a.Name
	m.AuthorVerifyKey = a.VerifyKey().String()

	payload, err := m.signedFields()
	if err != nil {
		return err
	}

	m.Signature = a.Key.Sign(payload)

	return nil
}

// Verify checks m.Signature against the verify key embedded in m,
// returning a *fatal* error on mismatch per spec.md §7 ("signature
// verification failure" is a fatal error kind).
func (m Metadata) Verify() error {
	vk, err := author.ParseVerifyKey(m.AuthorVerifyKey)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, err, "parse author verify key")
	}

	payload, err := m.signedFields()
	if err != nil {
		return err
	}

	if !vk.Verify(payload, m.Signature) {
		return errkind.New(errkind.Fatal, "snapshot metadata signature verification failed")
	}

	return nil
}

// MarshalBlob serializes m to the bytes stored as the grid's "metadata"
// immutable blob.
func (m Metadata) MarshalBlob() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, err, "marshal snapshot metadata")
	}

	return b, nil
}

// UnmarshalMetadata parses a metadata blob previously produced by
// MarshalBlob, rejecting anything with the wrong schema tag as *fatal*
// (spec.md §7: "schema mismatch" halts the folder).
func UnmarshalMetadata(b []byte) (Metadata, error) {
	var m Metadata

	if err := json.Unmarshal(b, &m); err != nil {
		return Metadata{}, errkind.Wrap(errkind.Fatal, err, "unmarshal snapshot metadata")
	}

	if m.Schema != MetadataSchema {
		return Metadata{}, errkind.New(errkind.Fatal, "unsupported snapshot metadata schema: "+m.Schema)
	}

	return m, nil
}
